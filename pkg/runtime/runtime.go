// Package runtime implements the Runtime Factory: a per-uuid cache of a
// stateless request issuer that ensures a valid token before delegating the
// actual HTTP call to an injected Fetcher.
//
// Grounded on pkg/oauthmanager/oauthmanager.go's lazy per-credential state
// and pkg/auth/factory.go's builder/lazy-cache idiom for provider-bound
// objects, with the Token Refresher's per-uuid single-flight future reused
// here to dedupe concurrent GetRuntime calls for the same account.
package runtime

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/multiauth/accountpool/pkg/manager"
)

// Fetcher performs the actual HTTP round trip once a request has been
// authenticated and transformed. The reference implementation plugs in
// pkg/http's HTTPClient; hosts may inject their own.
type Fetcher interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// RequestTransform applies provider-specific URL/header rewriting to req
// before it is sent, given the account's current access token.
type RequestTransform func(req *http.Request, accessToken string) error

// Runtime is a stateless request issuer bound to one account.
type Runtime struct {
	uuid    string
	factory *Factory
}

// Fetch ensures a valid token for this runtime's account, applies the
// configured RequestTransform, and delegates to the Fetcher.
func (r *Runtime) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return r.factory.fetch(ctx, r.uuid, req)
}

type call struct {
	done    chan struct{}
	runtime *Runtime
	err     error
}

// Factory caches Runtimes by account uuid.
type Factory struct {
	manager   *manager.Manager
	fetcher   Fetcher
	transform RequestTransform

	mu       sync.Mutex
	cached   map[string]*Runtime
	inFlight map[string]*call
}

// New returns a Factory bound to mgr, issuing requests through fetcher and
// applying transform before every send.
func New(mgr *manager.Manager, fetcher Fetcher, transform RequestTransform) *Factory {
	return &Factory{
		manager:   mgr,
		fetcher:   fetcher,
		transform: transform,
		cached:    map[string]*Runtime{},
		inFlight:  map[string]*call{},
	}
}

// GetRuntime returns the cached Runtime for uuid, initializing (and
// validating the account exists) on first access. Concurrent callers for an
// uuid not yet cached share one initialization.
func (f *Factory) GetRuntime(ctx context.Context, uuid string) (*Runtime, error) {
	f.mu.Lock()
	if rt, ok := f.cached[uuid]; ok {
		f.mu.Unlock()
		return rt, nil
	}
	if c, ok := f.inFlight[uuid]; ok {
		f.mu.Unlock()
		<-c.done
		return c.runtime, c.err
	}
	c := &call{done: make(chan struct{})}
	f.inFlight[uuid] = c
	f.mu.Unlock()

	c.runtime, c.err = f.initRuntime(ctx, uuid)

	f.mu.Lock()
	delete(f.inFlight, uuid)
	if c.err == nil {
		f.cached[uuid] = c.runtime
	}
	f.mu.Unlock()

	close(c.done)
	return c.runtime, c.err
}

func (f *Factory) initRuntime(ctx context.Context, uuid string) (*Runtime, error) {
	if _, err := f.manager.EnsureValidToken(ctx, uuid); err != nil {
		return nil, err
	}
	return &Runtime{uuid: uuid, factory: f}, nil
}

// Invalidate drops the cached runtime for uuid, forcing the next GetRuntime
// to reinitialize it.
func (f *Factory) Invalidate(uuid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cached, uuid)
}

// InvalidateAll drops every cached runtime.
func (f *Factory) InvalidateAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached = map[string]*Runtime{}
}

func (f *Factory) fetch(ctx context.Context, uuid string, req *http.Request) (*http.Response, error) {
	creds, err := f.manager.EnsureValidToken(ctx, uuid)
	if err != nil {
		var refreshErr *manager.RefreshError
		if errors.As(err, &refreshErr) {
			return nil, refreshErr
		}
		return nil, err
	}

	if f.transform != nil {
		if err := f.transform(req, creds.AccessToken); err != nil {
			return nil, err
		}
	}

	return f.fetcher.Do(ctx, req)
}
