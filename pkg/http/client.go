// Package http provides the outbound HTTP client the account pool uses, as
// the Runtime Factory's default Fetcher, to reach the provider API, plus the
// response helpers the usage fetchers use. The Token Refresher and the usage
// fetchers send their requests through a plain *http.Client. It includes a
// reusable client with retry/backoff logic.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient provides a reusable HTTP client with common retry/backoff patterns
type HTTPClient struct {
	client       *http.Client
	config       HTTPClientConfig
	retryHandler *RetryHandler
}

// HTTPClientConfig configures the HTTP client
type HTTPClientConfig struct {
	Timeout           time.Duration     `json:"timeout,omitempty"`
	MaxRetries        int               `json:"max_retries,omitempty"`
	BaseRetryDelay    time.Duration     `json:"base_retry_delay,omitempty"`
	MaxRetryDelay     time.Duration     `json:"max_retry_delay,omitempty"`
	BackoffMultiplier float64           `json:"backoff_multiplier,omitempty"`
	RetryableErrors   []string          `json:"retryable_errors,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	UserAgent         string            `json:"user_agent,omitempty"`
}

// RetryHandler manages retry logic with exponential backoff
type RetryHandler struct {
	config HTTPClientConfig
}

// NewHTTPClient creates a new HTTP client with common configurations
func NewHTTPClient(config HTTPClientConfig) *HTTPClient {
	// Set defaults
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.BaseRetryDelay == 0 {
		config.BaseRetryDelay = time.Second
	}
	if config.MaxRetryDelay == 0 {
		config.MaxRetryDelay = 60 * time.Second
	}
	if config.BackoffMultiplier == 0 {
		config.BackoffMultiplier = 2.0
	}

	// Default retryable HTTP status codes
	if len(config.RetryableErrors) == 0 {
		config.RetryableErrors = []string{"429", "500", "502", "503", "504"}
	}

	// Set default headers
	if config.Headers == nil {
		config.Headers = make(map[string]string)
	}
	if config.UserAgent != "" {
		config.Headers["User-Agent"] = config.UserAgent
	} else {
		config.Headers["User-Agent"] = "multiauth-accountpool/1.0"
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout: config.Timeout,
		},
		config:       config,
		retryHandler: &RetryHandler{config: config},
	}
}

// Do executes an HTTP request with retry logic
func (c *HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	// Set default headers
	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}

	var resp *http.Response
	var err error

	for attempts := 0; attempts <= c.config.MaxRetries; attempts++ {
		if attempts > 0 {
			delay := c.retryHandler.calculateDelay(attempts)
			select {
			case <-time.After(delay):
				// Continue with retry
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// Create new request for retry (to avoid body reuse issues)
		retryReq := c.cloneRequest(req)
		retryReq = retryReq.WithContext(ctx)

		resp, err = c.client.Do(retryReq)
		if err != nil {
			if c.shouldRetryError(err, attempts) {
				continue
			}
			break
		}

		// Check if we should retry based on status code
		if c.shouldRetryStatus(resp.StatusCode, attempts) {
			_ = resp.Body.Close() //nolint:errcheck // Best effort close
			continue
		}

		// Success!
		break
	}

	return resp, err
}

// cloneRequest creates a copy of the request for retry
func (c *HTTPClient) cloneRequest(orig *http.Request) *http.Request {
	// This is a simplified clone - in production you'd want to handle body copying properly
	cloned := orig.Clone(orig.Context())
	return cloned
}

// shouldRetryError determines if an error should trigger a retry
func (c *HTTPClient) shouldRetryError(_ error, attempts int) bool {
	if attempts >= c.config.MaxRetries {
		return false
	}

	// Check for retryable error types
	// This could be extended with more sophisticated error detection
	return true
}

// shouldRetryStatus determines if a status code should trigger a retry
func (c *HTTPClient) shouldRetryStatus(statusCode int, attempts int) bool {
	if attempts >= c.config.MaxRetries {
		return false
	}

	// Check if status code is in retryable list
	statusStr := fmt.Sprintf("%d", statusCode)
	for _, retryable := range c.config.RetryableErrors {
		if retryable == statusStr {
			return true
		}
	}

	return false
}

// calculateDelay calculates retry delay with exponential backoff
func (r *RetryHandler) calculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return r.config.BaseRetryDelay
	}

	// Safe bit shifting to prevent overflow
	if attempt > 30 { // 1 << 30 would overflow int32
		attempt = 30
	}
	multiplier := float64(int(1)<<uint(attempt-1)) * r.config.BackoffMultiplier // #nosec G115 -- attempt is capped at 30, safe conversion
	delay := time.Duration(float64(r.config.BaseRetryDelay) * multiplier)

	if delay > r.config.MaxRetryDelay {
		delay = r.config.MaxRetryDelay
	}

	return delay
}
