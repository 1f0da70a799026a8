package apiclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gxo-labs/chatstate/internal/apiclient"
	"github.com/gxo-labs/chatstate/internal/metrics"
	"github.com/gxo-labs/chatstate/internal/retry"
	"github.com/gxo-labs/chatstate/internal/secrets"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/base/api/chats", r.URL.Path)
		assert.Equal(t, "u1", r.URL.Query().Get("user_id"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "c1"})
	}))
	defer srv.Close()

	c, err := apiclient.New(srv.URL + "/base/")
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, c.Get(context.Background(), "/api/chats?user_id=u1", &out))
	assert.Equal(t, "c1", out["id"])
}

func TestPostSendsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["text"]})
	}))
	defer srv.Close()

	c, err := apiclient.New(srv.URL)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, c.Post(context.Background(), "/api/messages", map[string]string{"text": "hi"}, &out))
	assert.Equal(t, "hi", out["echo"])
}

func TestNon2xxIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such chat", http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := apiclient.New(srv.URL)
	require.NoError(t, err)

	err = c.Delete(context.Background(), "/api/chats/x", nil)
	var apiErr *cserrors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "no such chat", apiErr.Body)
	assert.False(t, cserrors.IsRetryable(err))
}

// TestRetriesIdempotentOnly verifies GET is retried on 503 while POST is
// attempted once.
func TestRetriesIdempotentOnly(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1)%3 != 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := apiclient.New(srv.URL, apiclient.WithRetry(retry.Config{Attempts: 3, Delay: time.Millisecond}))
	require.NoError(t, err)

	require.NoError(t, c.Get(context.Background(), "/ping", nil))
	assert.Equal(t, int32(3), hits.Load())

	hits.Store(0)
	err = c.Post(context.Background(), "/ping", map[string]int{"n": 1}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestBearerTokenTrackedAndRedacted(t *testing.T) {
	const token = "tok-abcdef-123456"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+token, r.Header.Get("Authorization"))
		http.Error(w, "bad token "+token, http.StatusUnauthorized)
	}))
	defer srv.Close()

	tracker := secrets.NewSecretTracker()
	provider := secrets.NewStaticProvider(map[string]string{"API_TOKEN": token})
	c, err := apiclient.New(srv.URL,
		apiclient.WithSecretTracker(tracker),
		apiclient.WithBearerToken(provider, "API_TOKEN"),
		apiclient.WithRetry(retry.Config{Attempts: 2, Delay: time.Millisecond}),
	)
	require.NoError(t, err)

	err = c.Get(context.Background(), "/api/users/me", nil)
	require.Error(t, err)
	assert.True(t, tracker.IsTracked(token))
	assert.NotContains(t, err.Error(), token)

	var apiErr *cserrors.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestObserverRecordsRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	col := metrics.NewCollectors(nil)
	c, err := apiclient.New(srv.URL, apiclient.WithObserver(col))
	require.NoError(t, err)

	require.NoError(t, c.Put(context.Background(), "/x", map[string]bool{"a": true}, nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.APIRequests.WithLabelValues(http.MethodPut, "200")))
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://host", "/relative", "http://"} {
		_, err := apiclient.New(raw)
		var cfgErr *cserrors.ConfigError
		assert.True(t, errors.As(err, &cfgErr), raw)
	}
}

func TestAbsolutePathRejected(t *testing.T) {
	c, err := apiclient.New("http://127.0.0.1:1")
	require.NoError(t, err)
	err = c.Get(context.Background(), "http://elsewhere/x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relative")
}
