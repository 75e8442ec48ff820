package refresh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiauth/accountpool/pkg/providerspec"
)

func TestRefresh_SuccessParsesExpiry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-new", "refresh_token": "rt-new", "expires_in": 3600,
		})
	}))
	defer server.Close()

	spec := providerspec.Anthropic
	spec.TokenURL = server.URL

	r := New(server.Client())
	result, err := r.Refresh(context.Background(), spec, "rt-old", "u1")
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "at-new", result.AccessToken)
	assert.InDelta(t, time.Now().Add(time.Hour).UnixMilli(), result.ExpiresAt, 5000)
}

func TestRefresh_PermanentOn401(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	spec := providerspec.OpenAI
	spec.TokenURL = server.URL

	r := New(server.Client())
	result, err := r.Refresh(context.Background(), spec, "rt-old", "u1")
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.True(t, result.Permanent)
	assert.Equal(t, 401, result.Status)
}

func TestRefresh_NonPermanentOn503(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	spec := providerspec.Anthropic
	spec.TokenURL = server.URL

	r := New(server.Client())
	result, err := r.Refresh(context.Background(), spec, "rt-old", "u1")
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.False(t, result.Permanent)
}

func TestRefresh_EmptyTokenIsPermanentWithoutNetworkCall(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	spec := providerspec.Anthropic
	spec.TokenURL = server.URL

	r := New(server.Client())
	result, err := r.Refresh(context.Background(), spec, "", "u1")
	require.NoError(t, err)
	assert.True(t, result.Permanent)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestRefresh_ConcurrentCallsShareOneHTTPRequest(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-shared", "expires_in": 3600,
		})
	}))
	defer server.Close()

	spec := providerspec.Anthropic
	spec.TokenURL = server.URL
	r := New(server.Client())

	const n = 20
	var wg sync.WaitGroup
	results := make([]*Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Refresh(context.Background(), spec, "rt-old", "u1")
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, res := range results {
		assert.Equal(t, "at-shared", res.AccessToken)
	}
}
