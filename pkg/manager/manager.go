// Package manager implements the Account Manager: an in-memory projection
// of the accounts document, account selection (sticky/round-robin/hybrid),
// and the state-transition methods that record success, rate limits,
// revocation, and auth failures back to the Account Store.
//
// Grounded on pkg/auth/apikey.go's circuitBreaker state machine and
// calculateKeyWeight weighted selection, and pkg/oauthmanager/oauthmanager.go
// and health.go's credential health bookkeeping and rotation lifecycle,
// extended with the "never disable the last usable account" rule neither
// teacher source implements.
package manager

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multiauth/accountpool/pkg/accountstore"
	"github.com/multiauth/accountpool/pkg/claims"
	"github.com/multiauth/accountpool/pkg/poolconfig"
	"github.com/multiauth/accountpool/pkg/poollog"
	"github.com/multiauth/accountpool/pkg/providerspec"
	"github.com/multiauth/accountpool/pkg/refresh"
)

// ManagedAccount is the in-memory projection of one account row.
type ManagedAccount = accountstore.StoredAccount

// rateLimitCooldown is how long a just-rate-limited account is skipped even
// if its computed reset time has already passed, to avoid immediately
// re-selecting an account whose retry-after estimate was optimistic.
const rateLimitCooldown = 30 * time.Second

// AuthSync is invoked when EnsureValidToken refreshes the currently active
// account's token, letting the host propagate the new access token to
// whatever client object it already handed out.
type AuthSync func(uuid, accessToken string, expiresAt int64)

// Manager owns selection and lifecycle bookkeeping for one provider's pool
// of accounts.
type Manager struct {
	store      *accountstore.Store
	claims     *claims.Coordinator
	cfgLoader  *poolconfig.Loader
	refresher  *refresh.Refresher
	spec       providerspec.Spec
	provider   string
	Logger     poollog.Logger
	Notifier   poollog.Notifier
	OnAuthSync AuthSync

	mu     sync.RWMutex
	cached []*ManagedAccount
	active string
	cursor uint32
}

// New returns a Manager for one provider, backed by store and coordinating
// cross-process selection via claimsCoord (nil disables cross-process
// claims entirely, independent of config).
func New(store *accountstore.Store, claimsCoord *claims.Coordinator, cfgLoader *poolconfig.Loader, refresher *refresh.Refresher, spec providerspec.Spec) *Manager {
	return &Manager{
		store:     store,
		claims:    claimsCoord,
		cfgLoader: cfgLoader,
		refresher: refresher,
		spec:      spec,
		provider:  spec.Name,
		Logger:    poollog.Noop{},
		Notifier:  poollog.NoopNotifier{},
	}
}

// Refresh reloads the in-memory projection from disk.
func (m *Manager) Refresh() {
	doc := m.store.Load()
	m.mu.Lock()
	m.cached = doc.Accounts
	m.active = doc.ActiveAccountUUID
	m.mu.Unlock()
}

func (m *Manager) snapshot() ([]*ManagedAccount, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedAccount, len(m.cached))
	copy(out, m.cached)
	return out, m.active
}

func (m *Manager) config() *poolconfig.Config {
	cfg, err := m.cfgLoader.Load()
	if err != nil || cfg == nil {
		return poolconfig.DefaultConfig()
	}
	return cfg
}

func (m *Manager) readClaims() map[string]claims.Claim {
	if m.claims == nil {
		return nil
	}
	c, err := m.claims.ReadClaims()
	if err != nil {
		return nil
	}
	return c
}

// GetAccount returns a snapshot copy of the account row with uuid, or nil
// if no such account is configured.
func (m *Manager) GetAccount(uuid string) *ManagedAccount {
	doc := m.store.Load()
	a := doc.FindAccount(uuid)
	if a == nil {
		return nil
	}
	return a.Clone()
}

// PoolSize returns the number of configured accounts.
func (m *Manager) PoolSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cached)
}

func isUsable(a *ManagedAccount, cfg *poolconfig.Config, now int64) bool {
	if !a.Enabled || a.IsAuthDisabled {
		return false
	}
	if a.RateLimitResetAt > now {
		return false
	}
	if now-a.Last429At < rateLimitCooldown.Milliseconds() && a.Last429At > 0 {
		return false
	}
	if cfg.SoftQuotaThresholdPercent < 100 {
		if a.CachedUsage.MaxUtilization(0) >= cfg.SoftQuotaThresholdPercent {
			return false
		}
	}
	return true
}

func notRateLimited(a *ManagedAccount, now int64) bool {
	return a.Enabled && !a.IsAuthDisabled && a.RateLimitResetAt <= now
}

func findAccount(accounts []*ManagedAccount, uuid string) *ManagedAccount {
	for _, a := range accounts {
		if a.UUID == uuid {
			return a
		}
	}
	return nil
}

func claimedByOther(m *Manager, claimsMap map[string]claims.Claim, uuid string) bool {
	if m.claims == nil || claimsMap == nil {
		return false
	}
	return m.claims.IsClaimedByOther(claimsMap, uuid)
}

// HasAnyUsableAccount reports whether any account could become usable
// (enabled and not permanently disabled), independent of current rate
// limits — used by the Executor to distinguish "wait it out" from "give up".
func (m *Manager) HasAnyUsableAccount() bool {
	accounts, _ := m.snapshot()
	for _, a := range accounts {
		if a.Enabled && !a.IsAuthDisabled {
			return true
		}
	}
	return false
}

// AllDisabledSameReason reports whether every disabled account in the pool
// was disabled for the same reason, letting a caller distinguish "all
// revoked" and "all auth failures" from a mixed-cause "all disabled". It
// returns false, false if any account is still enabled and not
// auth-disabled, or if disabled accounts don't share a single cause.
func (m *Manager) AllDisabledSameReason() (allRevoked, allAuthFailures bool) {
	accounts, _ := m.snapshot()
	sawDisabled := false
	allRevoked = true
	allAuthFailures = true
	for _, a := range accounts {
		if a.Enabled && !a.IsAuthDisabled {
			return false, false
		}
		if !a.IsAuthDisabled {
			continue
		}
		sawDisabled = true
		if strings.Contains(a.AuthDisabledReason, "revoked") {
			allAuthFailures = false
		} else {
			allRevoked = false
		}
	}
	if !sawDisabled {
		return false, false
	}
	return allRevoked, allAuthFailures
}

// GetMinWaitTime returns the smallest positive time (ms) until some
// currently rate-limited, otherwise-usable account becomes available, or 0
// if none are rate-limited.
func (m *Manager) GetMinWaitTime() int64 {
	accounts, _ := m.snapshot()
	now := accountstore.NowMS()
	best := int64(-1)
	for _, a := range accounts {
		if !a.Enabled || a.IsAuthDisabled {
			continue
		}
		if a.RateLimitResetAt <= now {
			continue
		}
		wait := a.RateLimitResetAt - now
		if best == -1 || wait < best {
			best = wait
		}
	}
	if best == -1 {
		return 0
	}
	return best
}

func (m *Manager) fallbackChain(accounts []*ManagedAccount, cfg *poolconfig.Config, now int64, claimsMap map[string]claims.Claim) *ManagedAccount {
	for _, a := range accounts {
		if isUsable(a, cfg, now) && !claimedByOther(m, claimsMap, a.UUID) {
			return a
		}
	}
	for _, a := range accounts {
		if isUsable(a, cfg, now) {
			return a
		}
	}
	for _, a := range accounts {
		if notRateLimited(a, now) {
			return a
		}
	}
	return nil
}

func (m *Manager) selectSticky(accounts []*ManagedAccount, active string, cfg *poolconfig.Config, now int64, claimsMap map[string]claims.Claim) *ManagedAccount {
	if active != "" {
		if a := findAccount(accounts, active); a != nil && isUsable(a, cfg, now) {
			return a
		}
	}
	return m.fallbackChain(accounts, cfg, now, claimsMap)
}

func (m *Manager) selectRoundRobin(accounts []*ManagedAccount, cfg *poolconfig.Config, now int64, claimsMap map[string]claims.Claim) *ManagedAccount {
	var pass1, pass2 []*ManagedAccount
	for _, a := range accounts {
		if !isUsable(a, cfg, now) {
			continue
		}
		pass2 = append(pass2, a)
		if !claimedByOther(m, claimsMap, a.UUID) {
			pass1 = append(pass1, a)
		}
	}
	if len(pass1) > 0 {
		return m.advance(pass1)
	}
	if len(pass2) > 0 {
		return m.advance(pass2)
	}
	return m.fallbackChain(accounts, cfg, now, claimsMap)
}

func (m *Manager) advance(eligible []*ManagedAccount) *ManagedAccount {
	idx := atomic.AddUint32(&m.cursor, 1)
	return eligible[int(idx)%len(eligible)]
}

const (
	scoreUsageWeight  = 450.0
	scoreHealthWeight = 250.0
	scoreFreshWeight  = 60.0
	scoreStickyBonus  = 120.0
	scoreClaimPenalty = -200.0
	assumedUtilization = 65.0
	freshnessCapSec    = 900.0
	stickyTolerance    = 40.0
)

func (m *Manager) score(a *ManagedAccount, cfg *poolconfig.Config, now int64, active string, claimsMap map[string]claims.Claim) float64 {
	maxFailures := cfg.MaxConsecutiveAuthFailures
	if maxFailures <= 0 {
		maxFailures = 1
	}

	usageScore := (100 - a.CachedUsage.MaxUtilization(assumedUtilization)) / 100 * scoreUsageWeight

	healthScore := float64(maxFailures-a.ConsecutiveAuthFailures) / float64(maxFailures) * scoreHealthWeight
	if healthScore < 0 {
		healthScore = 0
	}

	secondsSinceUse := float64(now-a.LastUsed) / 1000
	if secondsSinceUse < 0 {
		secondsSinceUse = 0
	}
	freshScore := math.Min(secondsSinceUse, freshnessCapSec) / freshnessCapSec * scoreFreshWeight

	total := usageScore + healthScore + freshScore
	if a.UUID == active {
		total += scoreStickyBonus
	}
	if claimedByOther(m, claimsMap, a.UUID) {
		total += scoreClaimPenalty
	}
	return total
}

func (m *Manager) selectHybrid(accounts []*ManagedAccount, active string, cfg *poolconfig.Config, now int64, claimsMap map[string]claims.Claim) *ManagedAccount {
	var eligible []*ManagedAccount
	for _, a := range accounts {
		if isUsable(a, cfg, now) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return m.fallbackChain(accounts, cfg, now, claimsMap)
	}

	scores := make(map[string]float64, len(eligible))
	var best *ManagedAccount
	bestScore := math.Inf(-1)
	for _, a := range eligible {
		s := m.score(a, cfg, now, active, claimsMap)
		scores[a.UUID] = s
		if s > bestScore {
			bestScore = s
			best = a
		}
	}

	if cur, ok := scores[active]; ok {
		curBase := cur - scoreStickyBonus
		if bestScore-curBase <= stickyTolerance {
			return findAccount(eligible, active)
		}
	}
	return best
}

// SelectAccount refreshes the projection and picks an account per the
// configured strategy. Returns nil if none is currently selectable.
func (m *Manager) SelectAccount() *ManagedAccount {
	m.Refresh()
	accounts, active := m.snapshot()
	if len(accounts) == 0 {
		return nil
	}
	cfg := m.config()
	now := accountstore.NowMS()
	claimsMap := m.readClaims()

	var chosen *ManagedAccount
	switch cfg.AccountSelectionStrategy {
	case poolconfig.StrategyRoundRobin:
		chosen = m.selectRoundRobin(accounts, cfg, now, claimsMap)
	case poolconfig.StrategyHybrid:
		chosen = m.selectHybrid(accounts, active, cfg, now, claimsMap)
	default:
		chosen = m.selectSticky(accounts, active, cfg, now, claimsMap)
	}
	if chosen == nil {
		return nil
	}

	m.persistSelection(chosen.UUID, cfg)
	return chosen
}

func (m *Manager) persistSelection(uuid string, cfg *poolconfig.Config) {
	now := accountstore.NowMS()
	_, _ = m.store.MutateAccount(uuid, func(a *ManagedAccount) {
		a.LastUsed = now
	})
	_ = m.store.SetActiveUUID(uuid)

	m.mu.Lock()
	m.active = uuid
	m.mu.Unlock()

	if cfg.CrossProcessClaims && m.claims != nil {
		go func() {
			if err := m.claims.WriteClaim(uuid); err != nil {
				m.Logger.Debug("claim write failed", "uuid", uuid, "error", err)
			}
		}()
	}
}

// MarkSuccess clears rate-limit and auth-failure state after a successful
// call.
func (m *Manager) MarkSuccess(uuid string) {
	now := accountstore.NowMS()
	_, _ = m.store.MutateAccount(uuid, func(a *ManagedAccount) {
		a.RateLimitResetAt = 0
		a.Last429At = 0
		a.ConsecutiveAuthFailures = 0
		a.LastUsed = now
	})
}

// MarkRateLimited records a 429 and the time at which the account should
// become selectable again. ms<=0 uses the configured default.
func (m *Manager) MarkRateLimited(uuid string, ms int64) {
	cfg := m.config()
	if ms <= 0 {
		ms = cfg.DefaultRetryAfterMS
	}
	now := accountstore.NowMS()
	_, _ = m.store.MutateAccount(uuid, func(a *ManagedAccount) {
		a.Last429At = now
		a.RateLimitResetAt = now + ms
	})
}

// MarkRevoked permanently disables uuid after an OAuth revocation.
func (m *Manager) MarkRevoked(uuid string) {
	_, _ = m.store.MutateAccount(uuid, func(a *ManagedAccount) {
		a.IsAuthDisabled = true
		a.AuthDisabledReason = "OAuth token revoked (403)"
		a.AccessToken = ""
		a.ExpiresAt = 0
	})
}

// MarkAuthFailure records a refresh/auth failure. A permanent failure
// disables the account unconditionally; a transient one only disables it
// once max_consecutive_auth_failures is reached, and never if doing so
// would leave the pool with no usable account (Invariant 6).
func (m *Manager) MarkAuthFailure(uuid string, permanent bool) {
	cfg := m.config()
	if permanent {
		_, _ = m.store.MutateAccount(uuid, func(a *ManagedAccount) {
			a.IsAuthDisabled = true
			a.AuthDisabledReason = "Token permanently rejected (400/401/403)"
		})
		return
	}

	accounts := m.store.Load().Accounts
	otherUsable := false
	now := accountstore.NowMS()
	for _, a := range accounts {
		if a.UUID == uuid {
			continue
		}
		if a.Enabled && !a.IsAuthDisabled && a.RateLimitResetAt <= now {
			otherUsable = true
			break
		}
	}

	_, _ = m.store.MutateAccount(uuid, func(a *ManagedAccount) {
		a.ConsecutiveAuthFailures++
		if a.ConsecutiveAuthFailures >= cfg.MaxConsecutiveAuthFailures && otherUsable {
			a.IsAuthDisabled = true
			a.AuthDisabledReason = fmt.Sprintf("%d consecutive auth failures", a.ConsecutiveAuthFailures)
		}
	})
}

// ApplyUsageCache stores a fresh usage snapshot and derives rateLimitResetAt
// from the earliest future reset among its exhausted tiers, clearing it if
// none are exhausted.
func (m *Manager) ApplyUsageCache(uuid string, usage *accountstore.UsageLimits) {
	now := accountstore.NowMS()
	_, _ = m.store.MutateAccount(uuid, func(a *ManagedAccount) {
		a.CachedUsage = usage
		a.CachedUsageAt = now

		best := int64(-1)
		for _, tier := range usage.Exhausted() {
			t, err := time.Parse(time.RFC3339, tier.ResetsAt)
			if err != nil {
				continue
			}
			ms := t.UnixMilli()
			if ms <= now {
				continue
			}
			if best == -1 || ms < best {
				best = ms
			}
		}
		if best == -1 {
			a.RateLimitResetAt = 0
		} else {
			a.RateLimitResetAt = best
		}
	})
}

// RefreshError is returned by EnsureValidToken when the refresh attempt
// itself completed (as opposed to a local/store error) but was rejected or
// failed, carrying the HTTP status if the provider returned one.
type RefreshError struct {
	UUID      string
	Status    int
	Permanent bool
}

func (e *RefreshError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("Token refresh failed: %d", e.Status)
	}
	return "Token refresh failed"
}

// EnsureValidToken returns a valid (possibly freshly-refreshed) credential
// pair for uuid, refreshing and persisting as needed.
func (m *Manager) EnsureValidToken(ctx context.Context, uuid string) (*accountstore.Credentials, error) {
	creds, ok := m.store.ReadCredentials(uuid)
	if !ok {
		return nil, fmt.Errorf("manager: unknown account %s", uuid)
	}
	if !creds.IsExpired(accountstore.NowMS()) {
		return creds, nil
	}

	result, err := m.refresher.Refresh(ctx, m.spec, creds.RefreshToken, uuid)
	if err != nil {
		return nil, fmt.Errorf("manager: refresh %s: %w", uuid, err)
	}
	if !result.OK {
		m.MarkAuthFailure(uuid, result.Permanent)
		return nil, &RefreshError{UUID: uuid, Status: result.Status, Permanent: result.Permanent}
	}

	updated, err := m.store.MutateAccount(uuid, func(a *ManagedAccount) {
		a.AccessToken = result.AccessToken
		a.ExpiresAt = result.ExpiresAt
		if result.RefreshToken != "" {
			a.RefreshToken = result.RefreshToken
		}
		a.ConsecutiveAuthFailures = 0
	})
	if err != nil {
		return nil, fmt.Errorf("manager: persist refresh %s: %w", uuid, err)
	}

	_, active := m.snapshot()
	if active == uuid && m.OnAuthSync != nil {
		m.OnAuthSync(uuid, updated.AccessToken, updated.ExpiresAt)
	}

	return &accountstore.Credentials{
		UUID:         updated.UUID,
		AccountID:    updated.AccountID,
		RefreshToken: updated.RefreshToken,
		AccessToken:  updated.AccessToken,
		ExpiresAt:    updated.ExpiresAt,
	}, nil
}

// ValidateNonActiveTokens refreshes, in parallel batches of 3, every
// expired token belonging to an enabled, non-active, non-disabled account.
// Grounded on pkg/oauthmanager/rotation.go's batch-oriented lifecycle
// checks.
func (m *Manager) ValidateNonActiveTokens(ctx context.Context) {
	m.Refresh()
	accounts, active := m.snapshot()

	const batchSize = 3
	sem := make(chan struct{}, batchSize)
	var wg sync.WaitGroup

	now := accountstore.NowMS()
	for _, a := range accounts {
		if a.UUID == active || !a.Enabled || a.IsAuthDisabled {
			continue
		}
		creds := &accountstore.Credentials{AccessToken: a.AccessToken, ExpiresAt: a.ExpiresAt}
		if !creds.IsExpired(now) {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(uuid string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := m.EnsureValidToken(ctx, uuid); err != nil {
				m.Logger.Debug("startup validation failed", "uuid", uuid, "error", err)
			}
		}(a.UUID)
	}
	wg.Wait()
}
