package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3cpo-dev/polydeploy/pkg/api"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrAlreadyStarted = errors.New("session already started")
	ErrExists         = errors.New("session already exists")
)

// Session is the stored form of an api.Session plus the server-side
// workspace it owns.
type Session struct {
	api.Session
	WorkPath string `json:"work_path"`
}

// Public strips server-side fields.
func (s *Session) Public() api.Session {
	out := s.Session
	if out.Archives == nil {
		out.Archives = []string{}
	}
	if out.Installed == nil {
		out.Installed = []api.UnitResult{}
	}
	if out.Failed == nil {
		out.Failed = []api.UnitResult{}
	}
	return out
}

// Store persists sessions. Get and Update return ErrNotFound for unknown ids.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Ping(ctx context.Context) error
	Close() error
}

// Open picks a store by driver name: "sqlite" uses path, "redis" uses url.
func Open(driver, path, url string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStore(path)
	case "redis":
		return NewRedisStore(url, 7*24*time.Hour)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
