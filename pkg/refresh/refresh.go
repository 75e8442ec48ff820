// Package refresh implements the OAuth token refresh protocol with a true
// per-uuid single-flight: concurrent callers for the same uuid subscribe to
// one in-flight HTTP round trip and all observe its result. This replaces
// the teacher's refreshInFlight map (pkg/oauthmanager/oauthmanager.go),
// which only slept 100ms and returned an error on collision rather than
// sharing the pending result.
//
// Outbound calls also pass through a token-bucket limiter so a proactive
// sweep that finds many accounts expiring close together doesn't fire a
// burst of refresh requests at the provider all at once.
package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/multiauth/accountpool/pkg/providerspec"
)

// Timeout is the per-attempt deadline for a refresh HTTP call.
const Timeout = 30 * time.Second

// defaultRefreshRate caps outbound refresh calls so a proactive sweep that
// finds many accounts expiring at once doesn't stampede the token endpoint.
const defaultRefreshRate = 5

// defaultRefreshBurst allows a short burst (e.g. several logins at process
// start) before the rate limit applies.
const defaultRefreshBurst = 10

// Result is the outcome of a refresh attempt.
type Result struct {
	OK        bool
	Permanent bool // a 400/401/403 response: refresh will never succeed with this token
	Status    int

	AccessToken  string
	ExpiresAt    int64 // unix ms
	RefreshToken string
	AccountID    string
	Email        string
}

// tokenResponse is the provider's 2xx refresh response body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	AccountID    string `json:"account_id"`
	Email        string `json:"email"`
}

// Refresher performs OAuth refreshes with per-uuid deduplication.
type Refresher struct {
	client  *http.Client
	limiter *rate.Limiter

	mu       sync.Mutex
	inFlight map[string]*call
}

type call struct {
	done   chan struct{}
	result *Result
	err    error
}

// New returns a Refresher using the given HTTP client (nil uses a default
// client with Timeout as its overall deadline).
func New(client *http.Client) *Refresher {
	if client == nil {
		client = &http.Client{Timeout: Timeout}
	}
	return &Refresher{
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(defaultRefreshRate), defaultRefreshBurst),
		inFlight: map[string]*call{},
	}
}

// Refresh performs (or joins an in-flight) refresh for uuid. All concurrent
// callers for the same uuid receive the identical Result/error and exactly
// one HTTP POST is made.
func (r *Refresher) Refresh(ctx context.Context, spec providerspec.Spec, refreshToken, uuid string) (*Result, error) {
	if refreshToken == "" {
		return &Result{OK: false, Permanent: true}, nil
	}

	r.mu.Lock()
	if existing, ok := r.inFlight[uuid]; ok {
		r.mu.Unlock()
		<-existing.done
		return existing.result, existing.err
	}

	c := &call{done: make(chan struct{})}
	r.inFlight[uuid] = c
	r.mu.Unlock()

	c.result, c.err = r.doRefresh(ctx, spec, refreshToken)

	r.mu.Lock()
	delete(r.inFlight, uuid)
	r.mu.Unlock()

	close(c.done)
	return c.result, c.err
}

func (r *Refresher) doRefresh(ctx context.Context, spec providerspec.Spec, refreshToken string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		return &Result{OK: false, Permanent: false}, nil
	}

	req, err := buildRequest(ctx, spec, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh: build request: %w", err)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return &Result{OK: false, Permanent: false}, nil
	}
	defer resp.Body.Close()

	var body tokenResponse
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return &Result{OK: false, Permanent: false, Status: resp.StatusCode}, nil
		}
		return &Result{
			OK:           true,
			Status:       resp.StatusCode,
			AccessToken:  body.AccessToken,
			ExpiresAt:    start.Add(time.Duration(body.ExpiresIn) * time.Second).UnixMilli(),
			RefreshToken: body.RefreshToken,
			AccountID:    body.AccountID,
			Email:        body.Email,
		}, nil
	}

	permanent := resp.StatusCode == 400 || resp.StatusCode == 401 || resp.StatusCode == 403
	return &Result{OK: false, Permanent: permanent, Status: resp.StatusCode}, nil
}

func buildRequest(ctx context.Context, spec providerspec.Spec, refreshToken string) (*http.Request, error) {
	switch spec.RefreshBodyShape {
	case providerspec.BodyJSON:
		payload := map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     spec.ClientID,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.TokenURL, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		applyExtraHeaders(req, spec)
		return req, nil

	default: // BodyForm
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", refreshToken)
		form.Set("client_id", spec.ClientID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.TokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		applyExtraHeaders(req, spec)
		return req, nil
	}
}

func applyExtraHeaders(req *http.Request, spec providerspec.Spec) {
	if spec.UserAgent != "" {
		req.Header.Set("User-Agent", spec.UserAgent)
	}
	for k, v := range spec.ExtraHeaders {
		req.Header.Set(k, v)
	}
}
