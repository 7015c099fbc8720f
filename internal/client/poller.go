package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/polydeploy/internal/logging"
	"github.com/3cpo-dev/polydeploy/pkg/api"
)

const DefaultPollInterval = time.Second

// ErrPollCancelled is reported by Err after Cancel stopped the poll.
var ErrPollCancelled = errors.New("poll cancelled")

// Poller fetches a session at a fixed interval until it reaches a terminal
// status, its context ends or Cancel is called.
type Poller struct {
	Client   *Client
	ID       string
	Interval time.Duration
	// OnUpdate, when set, sees every fetched session from the poll goroutine.
	OnUpdate func(api.Session)
	Logger   zerolog.Logger

	once   sync.Once
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu   sync.Mutex
	err  error
	last *api.Session
}

func NewPoller(c *Client, id string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		Client:   c,
		ID:       id,
		Interval: interval,
		Logger:   logging.Component("poller").With().Str("session", id).Logger(),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop. Later calls do nothing.
func (p *Poller) Start(ctx context.Context) {
	p.once.Do(func() {
		ctx, cancel := context.WithCancelCause(ctx)
		p.mu.Lock()
		p.cancel = cancel
		p.mu.Unlock()
		go p.loop(ctx)
	})
}

// Cancel stops the loop. It is safe to call at any time.
func (p *Poller) Cancel() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel(ErrPollCancelled)
	}
}

// Done is closed when the loop has stopped.
func (p *Poller) Done() <-chan struct{} { return p.done }

// Err is nil when the session reached a terminal status, otherwise the reason
// the loop stopped. Valid after Done is closed.
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Session returns the most recent snapshot, or nil before the first fetch.
func (p *Poller) Session() *api.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Wait blocks until the loop stops and returns the final snapshot.
func (p *Poller) Wait() (*api.Session, error) {
	<-p.done
	return p.Session(), p.Err()
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	t := time.NewTicker(p.Interval)
	defer t.Stop()
	for {
		if stop, err := p.poll(ctx); stop {
			p.finish(err)
			return
		}
		select {
		case <-ctx.Done():
			p.finish(context.Cause(ctx))
			return
		case <-t.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context) (bool, error) {
	s, err := p.Client.GetSession(ctx, p.ID)
	if err != nil {
		if ctx.Err() != nil {
			return true, context.Cause(ctx)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return true, err
		}
		p.Logger.Warn().Err(err).Msg("Poll failed")
		return false, nil
	}
	p.mu.Lock()
	p.last = s
	p.mu.Unlock()
	if p.OnUpdate != nil {
		p.OnUpdate(*s)
	}
	return s.Status.Terminal(), nil
}

// finish records why the loop stopped and releases its context.
func (p *Poller) finish(err error) {
	p.mu.Lock()
	p.err = err
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel(nil)
	}
}
