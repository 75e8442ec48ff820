// Package poolerrors defines the closed set of error kinds the engine
// surfaces to callers, mirroring the teacher stack's AuthError/ErrCode
// pattern: each kind carries both a stable Code for errors.As-style
// dispatch and a message substring callers may match on directly.
package poolerrors

import "fmt"

// Code identifies a class of pool-level failure.
type Code string

const (
	CodeAllDisabled     Code = "all_accounts_disabled"
	CodeAllRateLimited  Code = "all_accounts_rate_limited"
	CodeAuthFailures    Code = "all_accounts_auth_failures"
	CodeAllRevoked      Code = "all_accounts_revoked_or_disabled"
	CodeExhaustedRetries Code = "exhausted_retries"
	CodeNoAccounts      Code = "no_accounts_configured"
)

// PoolError is the error type returned by the engine's public operations.
type PoolError struct {
	Code     Code
	Provider string
	Message  string
}

func (e *PoolError) Error() string {
	return e.Message
}

// New builds a PoolError whose message matches the literal substrings
// specified in SPEC_FULL §7, so host callers may branch on either the Code
// or a plain strings.Contains check.
func New(code Code, provider, message string) *PoolError {
	return &PoolError{Code: code, Provider: provider, Message: message}
}

// AllDisabled reports that every account in the pool is disabled.
func AllDisabled(provider string) *PoolError {
	return New(CodeAllDisabled, provider, fmt.Sprintf("All %s accounts are disabled", provider))
}

// AllRateLimited reports that every account is currently rate-limited.
func AllRateLimited(provider string) *PoolError {
	return New(CodeAllRateLimited, provider, fmt.Sprintf("All %s accounts are rate-limited", provider))
}

// AllAuthFailures reports that every account has accumulated auth failures.
func AllAuthFailures(provider string) *PoolError {
	return New(CodeAuthFailures, provider, fmt.Sprintf("All %s accounts have authentication failures", provider))
}

// AllRevoked reports that every account has been revoked or permanently disabled.
func AllRevoked(provider string) *PoolError {
	return New(CodeAllRevoked, provider, fmt.Sprintf("All %s accounts have been revoked or disabled", provider))
}

// ExhaustedRetries reports that the executor's retry budget ran out.
func ExhaustedRetries(n int) *PoolError {
	return New(CodeExhaustedRetries, "", fmt.Sprintf("Exhausted %d retries across all accounts", n))
}

// NoAccounts reports that the pool has no configured accounts at all.
func NoAccounts(provider string) *PoolError {
	return New(CodeNoAccounts, provider, fmt.Sprintf("No %s accounts configured", provider))
}
