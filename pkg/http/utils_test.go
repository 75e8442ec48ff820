package http

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestAPIError_Error(t *testing.T) {
	apiErr := &APIError{
		StatusCode: 404,
		Message:    "Not Found",
	}

	expectedMsg := "API error 404: Not Found"
	if apiErr.Error() != expectedMsg {
		t.Errorf("expected error message %q, got %q", expectedMsg, apiErr.Error())
	}
}

func TestProcessResponse_Success(t *testing.T) {
	expectedBody := []byte("success response")
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(expectedBody)),
	}

	body, err := ProcessResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(body, expectedBody) {
		t.Errorf("expected body %s, got %s", expectedBody, body)
	}
}

func TestProcessResponse_Error(t *testing.T) {
	errorBody := `{"error":{"type":"invalid_request","message":"Invalid parameter"}}`
	resp := &http.Response{
		StatusCode: http.StatusBadRequest,
		Body:       io.NopCloser(bytes.NewReader([]byte(errorBody))),
	}

	_, err := ProcessResponse(resp)
	if err == nil {
		t.Fatal("expected error but got none")
	}

	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status code 400, got %d", apiErr.StatusCode)
	}
}

func TestProcessResponse_ReadError(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       &failingReadCloser{},
	}

	_, err := ProcessResponse(resp)
	if err == nil {
		t.Error("expected error from failing reader")
	}
}

type failingReadCloser struct{}

func (f *failingReadCloser) Read(p []byte) (n int, err error) {
	return 0, errors.New("read error")
}

func (f *failingReadCloser) Close() error {
	return nil
}

func TestProcessJSONResponse_Success(t *testing.T) {
	type TestResponse struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}

	expectedResp := TestResponse{Message: "success", Code: 200}
	respBody := []byte(`{"message":"success","code":200}`)

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(respBody)),
	}

	var target TestResponse
	err := ProcessJSONResponse(resp, &target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target != expectedResp {
		t.Errorf("expected %+v, got %+v", expectedResp, target)
	}
}

func TestProcessJSONResponse_InvalidJSON(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader([]byte("invalid json"))),
	}

	var target map[string]interface{}
	err := ProcessJSONResponse(resp, &target)
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestProcessJSONResponse_HTTPError(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusInternalServerError,
		Body:       io.NopCloser(bytes.NewReader([]byte("server error"))),
	}

	var target map[string]interface{}
	err := ProcessJSONResponse(resp, &target)
	if err == nil {
		t.Error("expected error for HTTP error status")
	}

	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status code 500, got %d", apiErr.StatusCode)
	}
}

func TestParseAPIError_WithStructuredError(t *testing.T) {
	errorBody := `{
		"error": {
			"type": "invalid_request_error",
			"message": "Missing required parameter",
			"code": "missing_param"
		}
	}`

	apiErr := ParseAPIError(http.StatusBadRequest, errorBody)

	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status code 400, got %d", apiErr.StatusCode)
	}
	if apiErr.Type != "invalid_request_error" {
		t.Errorf("expected type invalid_request_error, got %s", apiErr.Type)
	}
	if apiErr.Message != "Missing required parameter" {
		t.Errorf("expected message 'Missing required parameter', got %s", apiErr.Message)
	}
	if apiErr.Code != "missing_param" {
		t.Errorf("expected code 'missing_param', got %s", apiErr.Code)
	}
	if apiErr.RawBody != errorBody {
		t.Error("expected raw body to be preserved")
	}
}

func TestParseAPIError_WithPlainText(t *testing.T) {
	errorBody := "Internal Server Error"

	apiErr := ParseAPIError(http.StatusInternalServerError, errorBody)

	if apiErr.Message != errorBody {
		t.Errorf("expected message %q, got %q", errorBody, apiErr.Message)
	}
}

func TestParseAPIError_WithEmptyBody(t *testing.T) {
	apiErr := ParseAPIError(http.StatusNotFound, "")

	if apiErr.Message != http.StatusText(http.StatusNotFound) {
		t.Errorf("expected message %q, got %q", http.StatusText(http.StatusNotFound), apiErr.Message)
	}
}

func TestAPIError_Timestamp(t *testing.T) {
	before := time.Now()
	apiErr := ParseAPIError(500, "error")
	after := time.Now()

	if apiErr.Timestamp.Before(before) || apiErr.Timestamp.After(after) {
		t.Error("expected timestamp to be set to current time")
	}
}

func TestErrorResponse_Unmarshaling(t *testing.T) {
	jsonData := `{
		"error": {
			"type": "authentication_error",
			"message": "Invalid API key",
			"code": "invalid_api_key"
		},
		"details": {
			"key": "value"
		}
	}`

	apiErr := ParseAPIError(http.StatusUnauthorized, jsonData)
	if apiErr.Type != "authentication_error" {
		t.Errorf("expected type authentication_error, got %s", apiErr.Type)
	}
	if apiErr.Message != "Invalid API key" {
		t.Errorf("expected message 'Invalid API key', got %s", apiErr.Message)
	}
	if apiErr.Code != "invalid_api_key" {
		t.Errorf("expected code invalid_api_key, got %s", apiErr.Code)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Timeout != 60*time.Second {
		t.Errorf("expected timeout 60s, got %v", config.Timeout)
	}
	if config.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", config.MaxRetries)
	}
	if config.BaseRetryDelay != time.Second {
		t.Errorf("expected base retry delay 1s, got %v", config.BaseRetryDelay)
	}

	client := NewHTTPClient(config)
	if client == nil {
		t.Fatal("expected non-nil client")
	}
}
