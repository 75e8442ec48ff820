package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// APIError represents a standardized API error with context
type APIError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
	RawBody    string
	Timestamp  time.Time
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// ProcessResponse processes an HTTP response and handles errors
func ProcessResponse(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }() //nolint:staticcheck // Empty branch is intentional - we ignore close errors

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, ParseAPIError(resp.StatusCode, string(body))
	}

	return body, nil
}

// ProcessJSONResponse processes an HTTP response and unmarshals JSON
func ProcessJSONResponse(resp *http.Response, target interface{}) error {
	body, err := ProcessResponse(resp)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w", err)
	}

	return nil
}

// ParseAPIError creates a standardized API error from response
func ParseAPIError(statusCode int, body string) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		RawBody:    body,
		Timestamp:  time.Now(),
	}

	// Try to parse structured error response
	var errorResp ErrorResponse
	if err := json.Unmarshal([]byte(body), &errorResp); err == nil {
		apiErr.Message = errorResp.Error.Message
		apiErr.Type = errorResp.Error.Type
		apiErr.Code = errorResp.Error.Code
	} else {
		// Fallback to simple error message
		apiErr.Message = strings.TrimSpace(body)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(statusCode)
		}
	}

	return apiErr
}

// DefaultConfig returns the HTTP client configuration used when an Engine
// is not given an explicit HTTPClient.
func DefaultConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:           60 * time.Second,
		MaxRetries:        3,
		BaseRetryDelay:    time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableErrors:   []string{"429", "500", "502", "503", "504"},
	}
}
