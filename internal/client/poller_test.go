package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/polydeploy/pkg/api"
)

func statusServer(t *testing.T, statusFor func(n int32) (int, api.SessionStatus)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, status := statusFor(hits.Add(1))
		if code != http.StatusOK {
			writeJSON(w, code, api.ErrorResponse{Error: "session not found"})
			return
		}
		writeJSON(w, http.StatusOK, api.Session{ID: "s1", Status: status})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func waitDone(t *testing.T, p *Poller) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPoller_StopsOnTerminalStatus(t *testing.T) {
	srv, hits := statusServer(t, func(n int32) (int, api.SessionStatus) {
		if n < 3 {
			return http.StatusOK, api.StatusInstalling
		}
		return http.StatusOK, api.StatusComplete
	})
	p := NewPoller(newTestClient(srv.URL), "s1", 5*time.Millisecond)
	var seen atomic.Int32
	p.OnUpdate = func(api.Session) { seen.Add(1) }
	p.Start(context.Background())

	s, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, api.StatusComplete, s.Status)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, int32(3), seen.Load())
}

func TestPoller_Cancel(t *testing.T) {
	srv, _ := statusServer(t, func(int32) (int, api.SessionStatus) {
		return http.StatusOK, api.StatusInstalling
	})
	p := NewPoller(newTestClient(srv.URL), "s1", 5*time.Millisecond)
	p.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	p.Cancel()
	waitDone(t, p)
	assert.ErrorIs(t, p.Err(), ErrPollCancelled)
	require.NotNil(t, p.Session())
	assert.Equal(t, api.StatusInstalling, p.Session().Status)

	p.Cancel()
}

func TestPoller_ContextEnd(t *testing.T) {
	srv, _ := statusServer(t, func(int32) (int, api.SessionStatus) {
		return http.StatusOK, api.StatusInstalling
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	p := NewPoller(newTestClient(srv.URL), "s1", 5*time.Millisecond)
	p.Start(ctx)
	waitDone(t, p)
	assert.ErrorIs(t, p.Err(), context.DeadlineExceeded)
}

func TestPoller_NotFoundStops(t *testing.T) {
	srv, _ := statusServer(t, func(int32) (int, api.SessionStatus) {
		return http.StatusNotFound, ""
	})
	p := NewPoller(newTestClient(srv.URL), "s1", 5*time.Millisecond)
	p.Start(context.Background())
	_, err := p.Wait()
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestPoller_CancelBeforeStart(t *testing.T) {
	p := NewPoller(New("http://127.0.0.1:0", ""), "s1", 0)
	assert.Equal(t, DefaultPollInterval, p.Interval)
	p.Cancel()
}

// trackedParent is a parent context that records when a child context
// detaches from it.
type trackedParent struct {
	context.Context
	done     chan struct{}
	released atomic.Bool
}

func (p *trackedParent) Done() <-chan struct{} { return p.done }

func (p *trackedParent) AfterFunc(func()) func() bool {
	return func() bool {
		p.released.Store(true)
		return true
	}
}

func TestPoller_ReleasesContextWhenFinished(t *testing.T) {
	srv, _ := statusServer(t, func(int32) (int, api.SessionStatus) {
		return http.StatusOK, api.StatusComplete
	})
	parent := &trackedParent{Context: context.Background(), done: make(chan struct{})}
	p := NewPoller(newTestClient(srv.URL), "s1", 5*time.Millisecond)
	p.Start(parent)

	_, err := p.Wait()
	require.NoError(t, err)
	assert.True(t, parent.released.Load(), "poll context still registered with its parent")
}
