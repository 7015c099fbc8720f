// Package session runs deployments on behalf of remote clients. A session
// owns one workspace; archives are uploaded into its intake, previewed with
// Summary and installed exactly once in the background.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/polydeploy/internal/archive"
	"github.com/3cpo-dev/polydeploy/internal/deploy"
	"github.com/3cpo-dev/polydeploy/internal/logging"
	"github.com/3cpo-dev/polydeploy/pkg/api"
)

// ErrInvalidArchive rejects uploads that the scanner would never pick up.
var ErrInvalidArchive = errors.New("invalid archive name")

// DeployerFactory builds the deployer for one session workspace.
type DeployerFactory func(ws *deploy.Workspace) (*deploy.Deployer, error)

type Manager struct {
	Store   Store
	Root    string
	Factory DeployerFactory
	Logger  zerolog.Logger

	mu  sync.Mutex
	wg  sync.WaitGroup
	now func() time.Time
}

func NewManager(store Store, root string, factory DeployerFactory) *Manager {
	return &Manager{
		Store:   store,
		Root:    root,
		Factory: factory,
		Logger:  logging.Component("sessions"),
		now:     time.Now,
	}
}

// Create allocates a workspace and records a new session for it.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	ws, err := deploy.NewWorkspace(m.Root)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	sess := &Session{
		Session: api.Session{
			ID:        filepath.Base(ws.Root),
			Status:    api.StatusCreated,
			Archives:  []string{},
			CreatedAt: now,
			UpdatedAt: now,
		},
		WorkPath: ws.Root,
	}
	if err := m.Store.Create(ctx, sess); err != nil {
		_ = os.RemoveAll(ws.Root)
		return nil, err
	}
	m.Logger.Info().Str("session", sess.ID).Msg("Session created")
	return sess, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.Store.Get(ctx, id)
}

func (m *Manager) workspace(sess *Session) (*deploy.Workspace, error) {
	return deploy.OpenWorkspace(sess.WorkPath)
}

// AddArchive copies r into the session intake as name. Uploads are only
// accepted before Install.
func (m *Manager) AddArchive(ctx context.Context, id, name string, r io.Reader) (*Session, error) {
	name = ArchiveName(name)
	if !archive.IsCandidate(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidArchive, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != api.StatusCreated {
		return nil, ErrAlreadyStarted
	}
	ws, err := m.workspace(sess)
	if err != nil {
		return nil, err
	}
	if err := writeFile(filepath.Join(ws.IntakePath(), name), r); err != nil {
		return nil, err
	}
	if !contains(sess.Archives, name) {
		sess.Archives = append(sess.Archives, name)
	}
	sess.UpdatedAt = m.now().UTC()
	if err := m.Store.Update(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func writeFile(dst string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Summary plans the current intake without installing anything. Planning
// errors are reported inside the summary, not returned.
func (m *Manager) Summary(ctx context.Context, id string) (*api.Summary, error) {
	sess, err := m.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ws, err := m.workspace(sess)
	if err != nil {
		return nil, err
	}
	d, err := m.Factory(ws)
	if err != nil {
		return nil, err
	}
	scratch, err := useScratch(d, ws)
	if err != nil {
		return nil, err
	}
	plan, planErr := d.Plan(ws.IntakePath())
	if err := os.RemoveAll(scratch); err != nil {
		m.Logger.Warn().Err(err).Str("session", id).Msg("Scratch cleanup failed")
	}

	sum := &api.Summary{SessionID: id, Units: []api.UnitSummary{}, Order: []string{}}
	if planErr != nil {
		sum.Error = planErr.Error()
	}
	if plan == nil {
		return sum, nil
	}
	for _, u := range plan.Units {
		sum.Units = append(sum.Units, unitSummary(u))
	}
	for _, u := range plan.Order {
		sum.Order = append(sum.Order, u.Name())
	}
	return sum, nil
}

func unitSummary(u *deploy.Unit) api.UnitSummary {
	out := api.UnitSummary{Archive: filepath.Base(u.Archive), Packages: []api.Package{}}
	for _, p := range u.Packages {
		pkg := api.Package{Name: p.Name, Version: p.Version, Type: p.Type, Dependencies: []api.Dependency{}}
		for _, d := range p.Dependencies {
			pkg.Dependencies = append(pkg.Dependencies, api.Dependency{
				Kind:      string(d.Kind),
				Value:     d.Value,
				Met:       d.IsMet,
				Installed: d.Installed,
			})
		}
		out.Packages = append(out.Packages, pkg)
	}
	return out
}

// Install starts the session's batch in the background and returns at once.
// A session installs at most once; later calls get ErrAlreadyStarted.
func (m *Manager) Install(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != api.StatusCreated {
		return ErrAlreadyStarted
	}
	ws, err := m.workspace(sess)
	if err != nil {
		return err
	}
	d, err := m.Factory(ws)
	if err != nil {
		return err
	}
	scratch, err := useScratch(d, ws)
	if err != nil {
		return err
	}
	sess.Status = api.StatusInstalling
	sess.UpdatedAt = m.now().UTC()
	if err := m.Store.Update(ctx, sess); err != nil {
		_ = os.RemoveAll(scratch)
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(sess, ws, d, scratch)
	}()
	return nil
}

// useScratch points d's scanner at a fresh directory under the workspace temp
// area, so concurrent plans of one session never share expanded containers.
// The caller removes the returned directory.
func useScratch(d *deploy.Deployer, ws *deploy.Workspace) (string, error) {
	dir, err := archive.NewDirAllocator(ws.TempPath()).Allocate()
	if err != nil {
		return "", fmt.Errorf("allocate scratch: %w", err)
	}
	ext := archive.DefaultManifestExt
	if d.Scanner != nil {
		ext = d.Scanner.ManifestExt
	}
	d.Scanner = archive.NewScanner(ext, dir)
	return dir, nil
}

func (m *Manager) run(sess *Session, ws *deploy.Workspace, d *deploy.Deployer, scratch string) {
	log := m.Logger.With().Str("session", sess.ID).Logger()
	d.Report = func(state deploy.UnitState, units []*deploy.Unit) {
		results := make([]api.UnitResult, 0, len(units))
		for _, u := range units {
			results = append(results, unitResult(u))
		}
		switch state {
		case deploy.StateInstalled:
			sess.Installed = results
		case deploy.StateFailed:
			sess.Failed = results
		}
	}

	// The batch outlives the request that started it.
	ctx := context.Background()
	res, err := d.Deploy(ctx, ws.IntakePath())
	if cerr := os.RemoveAll(scratch); cerr != nil {
		log.Warn().Err(cerr).Msg("Scratch cleanup failed")
	}
	if err != nil {
		sess.Status = api.StatusFailed
		sess.Error = err.Error()
		log.Error().Err(err).Msg("Session batch aborted")
	} else {
		sess.Status = api.StatusComplete
		log.Info().Int("installed", len(res.Installed)).Int("failed", len(res.Failed)).Msg("Session batch finished")
	}
	sess.UpdatedAt = m.now().UTC()
	if err := m.Store.Update(ctx, sess); err != nil {
		log.Error().Err(err).Msg("Persist session result")
	}
}

func unitResult(u *deploy.Unit) api.UnitResult {
	r := api.UnitResult{Name: u.Name(), Archive: filepath.Base(u.Archive), Packages: []string{}}
	for _, p := range u.Packages {
		r.Packages = append(r.Packages, p.Name)
	}
	if err := u.Err(); err != nil {
		r.Error = err.Error()
	}
	return r
}

// Wait blocks until every started batch has finished.
func (m *Manager) Wait() { m.wg.Wait() }

// Ping checks the backing store.
func (m *Manager) Ping(ctx context.Context) error { return m.Store.Ping(ctx) }

// ArchiveName normalises a client-supplied upload name.
func ArchiveName(name string) string {
	return strings.TrimSpace(filepath.Base(filepath.Clean("/" + name)))
}
