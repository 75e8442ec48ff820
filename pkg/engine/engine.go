// Package engine assembles one provider's Storage Codec, Account Store,
// Claims Coordinator, Config Loader, Token Refresher, Account Manager,
// Runtime Factory, Rate-Limit Handler, Executor, Proactive Refresh Queue,
// and Auth Migration into a single constructable, closeable unit with no
// hidden process-wide state.
//
// Grounded on pkg/auth/manager.go's AuthManagerBuilder collaborator-
// injection idiom: every provider-specific behavior (refresh wire shape,
// usage endpoint, request transform) is passed into NewEngine rather than
// switched on internally.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/multiauth/accountpool/pkg/accountstore"
	"github.com/multiauth/accountpool/pkg/claims"
	"github.com/multiauth/accountpool/pkg/executor"
	httpclient "github.com/multiauth/accountpool/pkg/http"
	"github.com/multiauth/accountpool/pkg/manager"
	"github.com/multiauth/accountpool/pkg/migrate"
	"github.com/multiauth/accountpool/pkg/poolconfig"
	"github.com/multiauth/accountpool/pkg/poollog"
	"github.com/multiauth/accountpool/pkg/proactive"
	"github.com/multiauth/accountpool/pkg/providerspec"
	"github.com/multiauth/accountpool/pkg/ratelimit"
	"github.com/multiauth/accountpool/pkg/refresh"
	"github.com/multiauth/accountpool/pkg/runtime"
)

// Options configures one provider's Engine. Spec, FetchUsage, and Transform
// are the per-provider collaborators; everything else defaults sensibly.
type Options struct {
	Spec providerspec.Spec

	// ConfigDir overrides the resolved config directory (mainly for tests);
	// empty uses ResolveConfigDir().
	ConfigDir string

	// FetchUsage fetches this provider's usage-tier snapshot; nil disables
	// usage-driven rate-limit reset derivation (header hints still work).
	FetchUsage ratelimit.FetchUsage

	// Transform applies provider-specific request shaping (auth header,
	// URL rewriting) given the account's current access token. Required.
	Transform runtime.RequestTransform

	// HTTPClient issues the actual outbound request once authenticated;
	// defaults to the reference httpclient.HTTPClient wrapper.
	HTTPClient runtime.Fetcher

	// RefreshClient is the *http.Client the Token Refresher and Proactive
	// Queue use for the OAuth token endpoint; nil uses refresh.New's default.
	RefreshClient *http.Client

	Logger   poollog.Logger
	Notifier poollog.Notifier

	// OnAuthSync is invoked when the Account Manager's EnsureValidToken
	// refreshes the active account's token, so a host can mirror the
	// credential into its own auth.set equivalent (SPEC_FULL §6). Refreshes
	// made by the Proactive Refresh Queue do not invoke it. Nil disables the
	// callback.
	OnAuthSync manager.AuthSync
}

// Engine owns every stateful collaborator for one provider's account pool.
type Engine struct {
	Store     *accountstore.Store
	Claims    *claims.Coordinator
	Config    *poolconfig.Loader
	Refresher *refresh.Refresher
	Manager   *manager.Manager
	Factory   *runtime.Factory
	RateLimit *ratelimit.Handler
	Executor  *executor.Executor
	Proactive *proactive.Queue

	provider string
}

// ResolveConfigDir applies the precedence SPEC_FULL §6 specifies:
// $MULTIAUTH_CONFIG_DIR, then $XDG_CONFIG_HOME/multiauth, then
// ~/.config/multiauth.
func ResolveConfigDir() (string, error) {
	if dir := os.Getenv("MULTIAUTH_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "multiauth"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("engine: resolve config dir: %w", err)
	}
	return filepath.Join(home, ".config", "multiauth"), nil
}

// NewEngine wires every collaborator for one provider and runs the one-shot
// Auth Migration if the accounts document is empty.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Transform == nil {
		return nil, fmt.Errorf("engine: Transform is required")
	}

	dir := opts.ConfigDir
	if dir == "" {
		resolved, err := ResolveConfigDir()
		if err != nil {
			return nil, err
		}
		dir = resolved
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("engine: create config dir: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = poollog.Noop{}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = poollog.NoopNotifier{}
	}

	providerLower := opts.Spec.LegacyKey
	if providerLower == "" {
		providerLower = opts.Spec.Name
	}

	store := accountstore.New(filepath.Join(dir, fmt.Sprintf("%s-multi-account-accounts.json", strings.ToLower(opts.Spec.Name))))
	claimsCoord := claims.New(filepath.Join(dir, "multiauth-claims.json"))
	cfgLoader := poolconfig.NewLoader(
		filepath.Join(dir, fmt.Sprintf("%s-multiauth.json", providerLower)),
		filepath.Join(dir, fmt.Sprintf("%s-multiauth.seed.yaml", providerLower)),
	)

	migrate.Run(store, opts.Spec, filepath.Join(dir, "auth.json"), logger)

	refresher := refresh.New(opts.RefreshClient)

	mgr := manager.New(store, claimsCoord, cfgLoader, refresher, opts.Spec)
	mgr.Logger = logger
	mgr.Notifier = notifier
	mgr.OnAuthSync = opts.OnAuthSync

	fetcher := opts.HTTPClient
	if fetcher == nil {
		defaultConfig := httpclient.DefaultConfig()
		defaultConfig.UserAgent = opts.Spec.UserAgent
		fetcher = httpclient.NewHTTPClient(defaultConfig)
	}
	factory := runtime.New(mgr, fetcher, opts.Transform)

	cfg, err := cfgLoader.Load()
	if err != nil || cfg == nil {
		cfg = poolconfig.DefaultConfig()
	}
	rl := ratelimit.New(mgr, opts.FetchUsage, cfg.DefaultRetryAfterMS)
	rl.Notifier = notifier
	rl.Logger = logger
	rl.QuietMode = cfg.QuietMode

	exec := executor.New(mgr, factory, rl, opts.Spec.Name)
	exec.Notifier = notifier
	exec.Logger = logger

	pq := proactive.New(store, cfgLoader, refresher, opts.Spec)
	pq.Logger = logger

	return &Engine{
		Store:     store,
		Claims:    claimsCoord,
		Config:    cfgLoader,
		Refresher: refresher,
		Manager:   mgr,
		Factory:   factory,
		RateLimit: rl,
		Executor:  exec,
		Proactive: pq,
		provider:  opts.Spec.Name,
	}, nil
}

// Start begins the background proactive-refresh sweep.
func (e *Engine) Start(ctx context.Context) {
	e.Proactive.Start(ctx)
}

// Close stops the proactive queue and waits for any in-flight sweep.
func (e *Engine) Close() {
	e.Proactive.Stop()
}

// Execute runs build through the retry/rotation loop for this provider's
// account pool.
func (e *Engine) Execute(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	return e.Executor.Execute(ctx, build)
}

// Provider returns the name this engine was constructed for.
func (e *Engine) Provider() string {
	return e.provider
}
