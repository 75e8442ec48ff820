// Package executor implements the retry/rotation loop: it resolves an
// account, issues the request through the Runtime Factory, classifies the
// response by status code, and either returns, retries the same account,
// or rotates to the next account — exhausting a retry budget scaled to the
// pool size before giving up.
//
// Grounded on pkg/auth/apikey.go's ExecuteWithFailover and
// pkg/oauthmanager/oauthmanager.go's ExecuteWithFailover/
// ExecuteWithFailoverMessage, generalized from a flat bounded-attempt loop
// into the full status-classification state machine below.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/multiauth/accountpool/pkg/accountstore"
	httpclient "github.com/multiauth/accountpool/pkg/http"
	"github.com/multiauth/accountpool/pkg/manager"
	"github.com/multiauth/accountpool/pkg/poolerrors"
	"github.com/multiauth/accountpool/pkg/poollog"
	"github.com/multiauth/accountpool/pkg/ratelimit"
	"github.com/multiauth/accountpool/pkg/runtime"
)

// RequestBuilder constructs a fresh HTTP request for each attempt; it must
// be safe to call more than once (the executor may rebuild it on retry).
type RequestBuilder func() (*http.Request, error)

// continueLoop is a sentinel returned internally to mean "rotate or retry,
// do not return this response/error to the caller".
var continueLoop = errors.New("executor: continue")

// Executor runs one provider's pool through the retry/rotation loop.
type Executor struct {
	Manager   *manager.Manager
	Factory   *runtime.Factory
	RateLimit *ratelimit.Handler
	Provider  string
	Notifier  poollog.Notifier
	Logger    poollog.Logger

	// after stands in for time.After; tests substitute an instantly-firing
	// clock so backoff/wait delays don't slow down the suite.
	after func(d time.Duration) <-chan time.Time
}

// New returns an Executor for one provider's pool.
func New(mgr *manager.Manager, factory *runtime.Factory, rl *ratelimit.Handler, provider string) *Executor {
	return &Executor{
		Manager:   mgr,
		Factory:   factory,
		RateLimit: rl,
		Provider:  provider,
		Notifier:  poollog.NoopNotifier{},
		Logger:    poollog.Noop{},
		after:     time.After,
	}
}

// Execute runs build through the retry/rotation loop and returns the first
// accepted response, or a *poolerrors.PoolError describing why none could
// be obtained.
func (e *Executor) Execute(ctx context.Context, build RequestBuilder) (*http.Response, error) {
	e.Manager.Refresh()
	accountCount := e.Manager.PoolSize()
	if accountCount == 0 {
		return nil, poolerrors.NoAccounts(e.Provider)
	}
	maxRetries := 6
	if accountCount*3 > maxRetries {
		maxRetries = accountCount * 3
	}

	lastUUID := ""
	for attempt := 0; attempt < maxRetries; attempt++ {
		e.Manager.Refresh()
		acct, resolveErr := e.resolveAccount(ctx)
		if resolveErr != nil {
			return nil, resolveErr
		}

		if acct.UUID != lastUUID && e.Manager.PoolSize() > 1 {
			e.Notifier.Toast("Switched to "+accountLabel(acct), "info")
		}
		lastUUID = acct.UUID

		rt, err := e.Factory.GetRuntime(ctx, acct.UUID)
		if err != nil {
			if poolErr := e.handleRuntimeFailure(acct.UUID, err); poolErr != nil {
				return nil, poolErr
			}
			continue
		}

		resp, err := e.fetch(ctx, rt, build)
		if err != nil {
			var refreshErr *manager.RefreshError
			if errors.As(err, &refreshErr) {
				if poolErr := e.handleRuntimeFailure(acct.UUID, refreshErr); poolErr != nil {
					return nil, poolErr
				}
				continue
			}
			e.Notifier.Toast(err.Error(), "warning")
			continue
		}

		final, err := e.classify(ctx, rt, build, acct.UUID, resp)
		if errors.Is(err, continueLoop) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return final, nil
	}

	return nil, poolerrors.ExhaustedRetries(maxRetries)
}

func (e *Executor) fetch(ctx context.Context, rt *runtime.Runtime, build RequestBuilder) (*http.Response, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}
	return rt.Fetch(ctx, req)
}

// resolveAccount repeatedly calls SelectAccount, waiting out a pool-wide
// rate limit if one is in effect, capping attempts to avoid a live-lock.
func (e *Executor) resolveAccount(ctx context.Context) (*manager.ManagedAccount, *poolerrors.PoolError) {
	const maxResolveAttempts = 10
	for i := 0; i < maxResolveAttempts; i++ {
		if acct := e.Manager.SelectAccount(); acct != nil {
			return acct, nil
		}
		if !e.Manager.HasAnyUsableAccount() {
			return nil, e.allDisabledError()
		}
		wait := e.Manager.GetMinWaitTime()
		if wait <= 0 {
			return nil, poolerrors.AllRateLimited(e.Provider)
		}
		e.Notifier.Toast(fmt.Sprintf("All %s accounts rate-limited, waiting %s", e.Provider, ratelimit.FormatDuration(wait)), "warning")
		select {
		case <-e.after(time.Duration(wait) * time.Millisecond):
		case <-ctx.Done():
			return nil, poolerrors.New(poolerrors.CodeAllRateLimited, e.Provider, ctx.Err().Error())
		}
	}
	return nil, poolerrors.AllRateLimited(e.Provider)
}

func (e *Executor) handleRuntimeFailure(uuid string, err error) *poolerrors.PoolError {
	permanent := false
	var refreshErr *manager.RefreshError
	if errors.As(err, &refreshErr) {
		permanent = refreshErr.Permanent
	}
	e.Factory.Invalidate(uuid)
	e.Manager.MarkAuthFailure(uuid, permanent)
	e.Manager.Refresh()
	if !e.Manager.HasAnyUsableAccount() {
		return e.allDisabledError()
	}
	return nil
}

// allDisabledError reports pool exhaustion with the most specific cause the
// disabled accounts share: all-revoked and all-auth-failures are distinct,
// host-matched substrings (SPEC_FULL §7.3/§7.4); a mixed cause falls back to
// the generic "all disabled" message.
func (e *Executor) allDisabledError() *poolerrors.PoolError {
	revoked, authFailures := e.Manager.AllDisabledSameReason()
	switch {
	case revoked:
		return poolerrors.AllRevoked(e.Provider)
	case authFailures:
		return poolerrors.AllAuthFailures(e.Provider)
	default:
		return poolerrors.AllDisabled(e.Provider)
	}
}

// classify applies the status-code state machine to resp, returning the
// final response to hand back to the caller, or continueLoop to rotate.
func (e *Executor) classify(ctx context.Context, rt *runtime.Runtime, build RequestBuilder, uuid string, resp *http.Response) (*http.Response, error) {
	status := resp.StatusCode

	if status >= 500 {
		retried, err := e.retrySameAccount(ctx, rt, build, 2)
		if err != nil {
			e.Notifier.Toast(err.Error(), "warning")
			return nil, continueLoop
		}
		resp = retried
		status = resp.StatusCode
		if status >= 500 {
			return nil, continueLoop
		}
	}

	if status == http.StatusUnauthorized {
		e.Factory.Invalidate(uuid)
		retried, err := e.fetch(ctx, rt, build)
		if err != nil || retried.StatusCode == http.StatusUnauthorized {
			e.Manager.MarkAuthFailure(uuid, false)
			e.Manager.Refresh()
			return nil, continueLoop
		}
		resp = retried
		status = resp.StatusCode
	}

	if status == http.StatusForbidden {
		body, resp2 := drainBody(resp)
		resp = resp2
		if strings.Contains(body, "revoked") {
			e.Manager.MarkRevoked(uuid)
			e.Factory.Invalidate(uuid)
			return nil, continueLoop
		}
		e.Manager.MarkSuccess(uuid)
		return resp, nil
	}

	if status == http.StatusTooManyRequests {
		var usage *accountstore.UsageLimits
		var cachedAt int64
		var accessToken string
		if acct := e.Manager.GetAccount(uuid); acct != nil {
			usage, cachedAt, accessToken = acct.CachedUsage, acct.CachedUsageAt, acct.AccessToken
		}
		e.RateLimit.Handle(ctx, uuid, resp.Header, usage, cachedAt, accessToken)
		return nil, continueLoop
	}

	e.Manager.MarkSuccess(uuid)
	return resp, nil
}

// retrySameAccount retries the same account up to attempts more times with
// full exponential backoff (±25% jitter), stopping early on a non-5xx
// response. Grounded on pkg/providers/common/retry/backoff.go's
// ExponentialBackoffStrategy/EqualJitter.
var retryBackoffConfig = httpclient.BackoffConfig{
	BaseDelay:   time.Second,
	MaxDelay:    4 * time.Second,
	Multiplier:  2.0,
	MaxAttempts: 3,
}

func (e *Executor) retrySameAccount(ctx context.Context, rt *runtime.Runtime, build RequestBuilder, attempts int) (*http.Response, error) {
	var resp *http.Response
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		backoff := httpclient.CalculateBackoff(retryBackoffConfig, attempt)
		jitter := time.Duration(float64(backoff) * (0.75 + rand.Float64()*0.5))
		select {
		case <-e.after(jitter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		resp, err = e.fetch(ctx, rt, build)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 500 {
			return resp, nil
		}
	}
	return resp, nil
}

func drainBody(resp *http.Response) (string, *http.Response) {
	if resp.Body == nil {
		return "", resp
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return string(data), resp
}

func accountLabel(a *manager.ManagedAccount) string {
	if a.Label != "" {
		return a.Label
	}
	if a.Email != "" {
		return a.Email
	}
	if a.AccountID != "" {
		return a.AccountID
	}
	return a.UUID
}
