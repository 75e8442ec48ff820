// Package proactive implements the Proactive Refresh Queue: a single
// self-rescheduling background timer per provider pool that refreshes
// accounts whose token is nearing expiry before anything ever has to wait
// on a synchronous refresh at request time.
//
// Grounded on pkg/oauthmanager/refresh_strategy.go's self-rescheduling
// buffer-driven refresh intent, simplified from its adaptive latency/
// traffic-based buffer widening down to the pool's fixed
// proactive_refresh_buffer_seconds/proactive_refresh_interval_seconds
// config (the adaptive widening has no config surface to drive it here).
package proactive

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multiauth/accountpool/pkg/accountstore"
	"github.com/multiauth/accountpool/pkg/poolconfig"
	"github.com/multiauth/accountpool/pkg/poollog"
	"github.com/multiauth/accountpool/pkg/providerspec"
	"github.com/multiauth/accountpool/pkg/refresh"
)

// initialDelay is how long Start waits before the first sweep.
const initialDelay = 5 * time.Second

// Queue runs the background sweep for one provider's accounts document.
type Queue struct {
	store     *accountstore.Store
	cfgLoader *poolconfig.Loader
	refresher *refresh.Refresher
	spec      providerspec.Spec
	Logger    poollog.Logger

	runToken int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	timer   *time.Timer
	running sync.WaitGroup
}

// New returns a Queue for one provider's pool.
func New(store *accountstore.Store, cfgLoader *poolconfig.Loader, refresher *refresh.Refresher, spec providerspec.Spec) *Queue {
	return &Queue{
		store:     store,
		cfgLoader: cfgLoader,
		refresher: refresher,
		spec:      spec,
		Logger:    poollog.Noop{},
	}
}

func (q *Queue) config() *poolconfig.Config {
	cfg, err := q.cfgLoader.Load()
	if err != nil || cfg == nil {
		return poolconfig.DefaultConfig()
	}
	return cfg
}

// Start schedules the first sweep after initialDelay, unless proactive
// refresh is disabled in config. Calling Start again replaces any pending
// schedule.
func (q *Queue) Start(ctx context.Context) {
	cfg := q.config()
	if !cfg.ProactiveRefresh {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	token := atomic.AddInt64(&q.runToken, 1)

	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.cancel = cancel
	q.timer = time.AfterFunc(initialDelay, func() { q.fire(ctx, token) })
	q.mu.Unlock()
}

// Stop cancels any pending sweep and waits for an in-flight one to finish.
func (q *Queue) Stop() {
	atomic.AddInt64(&q.runToken, 1)

	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	q.running.Wait()
}

func (q *Queue) fire(ctx context.Context, token int64) {
	if atomic.LoadInt64(&q.runToken) != token {
		return
	}
	q.running.Add(1)
	defer q.running.Done()

	q.runCheck(ctx, token)

	if atomic.LoadInt64(&q.runToken) != token {
		return
	}
	cfg := q.config()
	interval := time.Duration(cfg.ProactiveRefreshIntervalSec) * time.Second

	q.mu.Lock()
	if atomic.LoadInt64(&q.runToken) == token {
		q.timer = time.AfterFunc(interval, func() { q.fire(ctx, token) })
	}
	q.mu.Unlock()
}

// needsRefresh reports whether a has a live token expiring within buffer.
func needsRefresh(a *accountstore.StoredAccount, bufferMS, nowMS int64) bool {
	if a.AccessToken == "" || a.ExpiresAt == 0 {
		return false
	}
	if a.ExpiresAt <= nowMS {
		return false
	}
	return a.ExpiresAt <= nowMS+bufferMS
}

// runCheck sweeps the current document for candidates and refreshes each in
// turn, aborting between accounts if token no longer matches the current run.
func (q *Queue) runCheck(ctx context.Context, token int64) {
	cfg := q.config()
	bufferMS := cfg.ProactiveRefreshBufferSec * 1000
	nowMS := accountstore.NowMS()

	doc := q.store.Load()
	var candidates []string
	for _, a := range doc.Accounts {
		if needsRefresh(a, bufferMS, nowMS) {
			candidates = append(candidates, a.UUID)
		}
	}

	for _, uuid := range candidates {
		if atomic.LoadInt64(&q.runToken) != token {
			return
		}
		q.refreshOne(ctx, uuid)
	}
}

func (q *Queue) refreshOne(ctx context.Context, uuid string) {
	cfg := q.config()
	nowMS := accountstore.NowMS()
	bufferMS := cfg.ProactiveRefreshBufferSec * 1000

	creds, ok := q.store.ReadCredentials(uuid)
	if !ok {
		return
	}
	stillCandidate := creds.AccessToken != "" && creds.ExpiresAt > nowMS && creds.ExpiresAt <= nowMS+bufferMS
	if !stillCandidate {
		return
	}

	result, err := q.refresher.Refresh(ctx, q.spec, creds.RefreshToken, uuid)
	if err != nil {
		q.Logger.Debug("proactive refresh: transport error", "uuid", uuid, "err", err)
		return
	}

	if result.OK {
		_, _ = q.store.MutateAccount(uuid, func(a *accountstore.StoredAccount) {
			a.AccessToken = result.AccessToken
			a.ExpiresAt = result.ExpiresAt
			if result.RefreshToken != "" {
				a.RefreshToken = result.RefreshToken
			}
			a.ConsecutiveAuthFailures = 0
			a.IsAuthDisabled = false
			a.AuthDisabledReason = ""
		})
		q.Logger.Info("proactive refresh succeeded", "uuid", uuid)
		return
	}

	q.applyAuthFailure(uuid, result.Permanent, cfg.MaxConsecutiveAuthFailures)
}

// applyAuthFailure mirrors the Account Manager's MarkAuthFailure accounting
// (permanent rejections disable unconditionally; transient ones disable only
// past the threshold and only if another account remains usable), using
// reason strings distinct from the Manager's so logs show which path
// disabled the account.
func (q *Queue) applyAuthFailure(uuid string, permanent bool, maxFailures int) {
	if permanent {
		_, _ = q.store.MutateAccount(uuid, func(a *accountstore.StoredAccount) {
			a.IsAuthDisabled = true
			a.AuthDisabledReason = "Token permanently rejected (proactive refresh)"
		})
		q.Logger.Warn("proactive refresh: account disabled", "uuid", uuid, "reason", "permanent rejection")
		return
	}

	doc := q.store.Load()
	now := accountstore.NowMS()
	otherUsable := false
	for _, a := range doc.Accounts {
		if a.UUID == uuid {
			continue
		}
		if a.Enabled && !a.IsAuthDisabled && a.RateLimitResetAt <= now {
			otherUsable = true
			break
		}
	}

	updated, _ := q.store.MutateAccount(uuid, func(a *accountstore.StoredAccount) {
		a.ConsecutiveAuthFailures++
		if a.ConsecutiveAuthFailures >= maxFailures && otherUsable {
			a.IsAuthDisabled = true
			a.AuthDisabledReason = fmt.Sprintf("%d consecutive auth failures (proactive refresh)", a.ConsecutiveAuthFailures)
		}
	})
	if updated != nil && updated.IsAuthDisabled {
		q.Logger.Warn("proactive refresh: account disabled", "uuid", uuid, "reason", updated.AuthDisabledReason)
	} else {
		q.Logger.Debug("proactive refresh failed", "uuid", uuid)
	}
}
