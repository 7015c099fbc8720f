package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/polydeploy/pkg/api"
)

func fastRetry() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestClient(url string) *Client {
	return NewWithHTTP(url, "tok", &http.Client{Timeout: 5 * time.Second}, fastRetry())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_CallsAndAuth(t *testing.T) {
	var uploaded []byte
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v0/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusCreated, api.Session{ID: "s1", Status: api.StatusCreated})
	})
	mux.HandleFunc("POST /v0/sessions/{id}/archives", func(w http.ResponseWriter, r *http.Request) {
		f, h, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "pkg.zip", h.Filename)
		uploaded, _ = io.ReadAll(f)
		writeJSON(w, http.StatusOK, api.Session{ID: r.PathValue("id"), Archives: []string{h.Filename}})
	})
	mux.HandleFunc("GET /v0/sessions/{id}/summary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.Summary{SessionID: r.PathValue("id"), Order: []string{"Base"}})
	})
	mux.HandleFunc("POST /v0/sessions/{id}/install", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, api.Session{ID: r.PathValue("id"), Status: api.StatusInstalling})
	})
	mux.HandleFunc("GET /v0/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.HeartbeatResponse{Version: "v9"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv.URL + "/")
	ctx := context.Background()

	hb, err := c.Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v9", hb.Version)

	s, err := c.CreateSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)

	p := filepath.Join(t.TempDir(), "pkg.zip")
	require.NoError(t, os.WriteFile(p, []byte("zipdata"), 0o644))
	s, err = c.UploadArchive(ctx, "s1", p)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg.zip"}, s.Archives)
	assert.Equal(t, "zipdata", string(uploaded))

	sum, err := c.Summary(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Base"}, sum.Order)

	s, err = c.Install(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusInstalling, s.Status)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, api.ErrorResponse{Error: "session already started"})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Install(context.Background(), "s1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "session already started", apiErr.Message)
}

func TestClient_RetriesIdempotentCalls(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, api.Session{ID: "s1", Status: api.StatusComplete})
	}))
	defer srv.Close()

	s, err := newTestClient(srv.URL).GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusComplete, s.Status)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClient_DoesNotRetryInstall(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Install(context.Background(), "s1")
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetSession(context.Background(), "s1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, int32(4), hits.Load())
}

func TestRetryDelayCapped(t *testing.T) {
	r := &retrier{cfg: DefaultRetryConfig()}
	for attempt := 0; attempt < 10; attempt++ {
		d := r.delay(attempt)
		assert.LessOrEqual(t, d, r.cfg.MaxDelay)
		assert.Greater(t, d, time.Duration(0))
	}
}
