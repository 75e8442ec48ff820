package proactive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiauth/accountpool/pkg/accountstore"
	"github.com/multiauth/accountpool/pkg/poolconfig"
	"github.com/multiauth/accountpool/pkg/providerspec"
	"github.com/multiauth/accountpool/pkg/refresh"
)

func newTestQueue(t *testing.T, spec providerspec.Spec) (*Queue, *accountstore.Store, *poolconfig.Loader) {
	t.Helper()
	dir := t.TempDir()
	store := accountstore.New(filepath.Join(dir, "accounts.json"))
	loader := poolconfig.NewLoader(filepath.Join(dir, "config.json"), "")
	q := New(store, loader, refresh.New(nil), spec)
	return q, store, loader
}

func seed(t *testing.T, store *accountstore.Store, a *accountstore.StoredAccount) {
	t.Helper()
	require.NoError(t, store.AddAccount(a))
}

func TestQueue_StartNoopWhenDisabled(t *testing.T) {
	q, _, loader := newTestQueue(t, providerspec.Anthropic)
	require.NoError(t, loader.UpdateField("proactive_refresh", false))

	q.Start(context.Background())
	defer q.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Nil(t, q.timer)
}

func TestQueue_RunCheck_RefreshesCandidateAndClearsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-new", "refresh_token": "rt-new", "expires_in": 3600,
		})
	}))
	defer server.Close()

	spec := providerspec.Anthropic
	spec.TokenURL = server.URL

	q, store, _ := newTestQueue(t, spec)
	q.refresher = refresh.New(server.Client())

	now := accountstore.NowMS()
	seed(t, store, &accountstore.StoredAccount{
		UUID:                    "a",
		RefreshToken:            "rt-old",
		AccessToken:             "at-old",
		ExpiresAt:               now + 60_000, // within default 1800s buffer
		Enabled:                 true,
		ConsecutiveAuthFailures: 2,
	})

	q.runCheck(context.Background(), q.runToken)

	doc := store.Load()
	a := doc.FindAccount("a")
	require.NotNil(t, a)
	assert.Equal(t, "at-new", a.AccessToken)
	assert.Equal(t, "rt-new", a.RefreshToken)
	assert.Equal(t, 0, a.ConsecutiveAuthFailures)
	assert.False(t, a.IsAuthDisabled)
}

func TestQueue_RunCheck_SkipsAccountNotNearExpiry(t *testing.T) {
	var called bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		called = true
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at-new", "expires_in": 3600})
	}))
	defer server.Close()

	spec := providerspec.Anthropic
	spec.TokenURL = server.URL

	q, store, _ := newTestQueue(t, spec)
	q.refresher = refresh.New(server.Client())

	now := accountstore.NowMS()
	seed(t, store, &accountstore.StoredAccount{
		UUID:         "a",
		RefreshToken: "rt-old",
		AccessToken:  "at-old",
		ExpiresAt:    now + 3_600_000, // far from expiry
		Enabled:      true,
	})

	q.runCheck(context.Background(), q.runToken)

	assert.False(t, called)
}

func TestQueue_ApplyAuthFailure_PermanentDisablesUnconditionally(t *testing.T) {
	q, store, _ := newTestQueue(t, providerspec.Anthropic)
	seed(t, store, &accountstore.StoredAccount{UUID: "a", RefreshToken: "rt-a", Enabled: true})

	q.applyAuthFailure("a", true, 3)

	a := store.Load().FindAccount("a")
	require.NotNil(t, a)
	assert.True(t, a.IsAuthDisabled)
	assert.Equal(t, "Token permanently rejected (proactive refresh)", a.AuthDisabledReason)
}

func TestQueue_ApplyAuthFailure_LastSurvivorIsNeverDisabled(t *testing.T) {
	q, store, _ := newTestQueue(t, providerspec.Anthropic)
	seed(t, store, &accountstore.StoredAccount{UUID: "a", RefreshToken: "rt-a", Enabled: true})

	q.applyAuthFailure("a", false, 1)

	a := store.Load().FindAccount("a")
	require.NotNil(t, a)
	assert.Equal(t, 1, a.ConsecutiveAuthFailures)
	assert.False(t, a.IsAuthDisabled)
}

func TestQueue_ApplyAuthFailure_DisablesPastThresholdWithSurvivor(t *testing.T) {
	q, store, _ := newTestQueue(t, providerspec.Anthropic)
	seed(t, store, &accountstore.StoredAccount{UUID: "a", RefreshToken: "rt-a", Enabled: true})
	seed(t, store, &accountstore.StoredAccount{UUID: "b", RefreshToken: "rt-b", Enabled: true})

	q.applyAuthFailure("a", false, 1)

	a := store.Load().FindAccount("a")
	require.NotNil(t, a)
	assert.True(t, a.IsAuthDisabled)
	assert.Equal(t, "1 consecutive auth failures (proactive refresh)", a.AuthDisabledReason)
}

func TestQueue_StopClearsPendingTimer(t *testing.T) {
	q, _, _ := newTestQueue(t, providerspec.Anthropic)
	q.Start(context.Background())
	q.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Nil(t, q.timer)
	assert.Nil(t, q.cancel)
}
