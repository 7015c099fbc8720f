package client

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig controls retries of idempotent calls.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// RetryableStatus lists HTTP codes worth another attempt.
	RetryableStatus []int
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    250 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		BackoffFactor:   2.0,
		RetryableStatus: []int{429, 500, 502, 503, 504},
	}
}

type retrier struct {
	client *http.Client
	cfg    RetryConfig
	log    zerolog.Logger
}

// do sends req once, or up to MaxRetries more times when idempotent is set
// and the failure looks transient. Request bodies are replayed via GetBody.
func (r *retrier) do(req *http.Request, idempotent bool) (*http.Response, error) {
	attempts := 0
	if idempotent {
		attempts = max(r.cfg.MaxRetries, 0)
	}
	var lastErr error
	for attempt := 0; attempt <= attempts; attempt++ {
		try := req.Clone(req.Context())
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			try.Body = body
		}
		resp, err := r.client.Do(try)
		switch {
		case err != nil:
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
		case slices.Contains(r.cfg.RetryableStatus, resp.StatusCode) && attempt < attempts:
			resp.Body.Close()
			lastErr = nil
		default:
			return resp, nil
		}
		if attempt == attempts {
			break
		}
		delay := r.delay(attempt)
		r.log.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Int("max_retries", attempts).
			Dur("delay", delay).
			Str("url", req.URL.String()).
			Msg("Request failed, retrying")
		if err := sleep(req.Context(), delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// delay is exponential backoff with +/-25% jitter, capped at MaxDelay.
func (r *retrier) delay(attempt int) time.Duration {
	d := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.BackoffFactor, float64(attempt))
	d += d * 0.25 * (2*rand.Float64() - 1)
	if d > float64(r.cfg.MaxDelay) {
		d = float64(r.cfg.MaxDelay)
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
