package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/polydeploy/internal/archive"
	"github.com/3cpo-dev/polydeploy/internal/deploy"
	"github.com/3cpo-dev/polydeploy/internal/manifest"
	"github.com/3cpo-dev/polydeploy/internal/testutil"
	"github.com/3cpo-dev/polydeploy/pkg/api"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (r *recorder) Install(_ context.Context, u *deploy.Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, u.Name())
	if r.fail[u.Name()] {
		return fmt.Errorf("rejected %s", u.Name())
	}
	return nil
}

func newManager(t *testing.T, inst deploy.Installer) *Manager {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewManager(store, t.TempDir(), func(ws *deploy.Workspace) (*deploy.Deployer, error) {
		scanner := archive.NewScanner(archive.DefaultManifestExt, ws.TempPath())
		return deploy.NewDeployer(scanner, manifest.NewDNNReader("", nil), inst), nil
	})
}

func pkgBytes(t *testing.T, name string, deps ...testutil.Dependency) *bytes.Reader {
	return bytes.NewReader(testutil.ZipBytes(t, map[string][]byte{
		name + ".dnn": testutil.Manifest(name, "1.0.0", deps...),
	}))
}

func dep(name string) testutil.Dependency {
	return testutil.Dependency{Type: "package", Value: name}
}

func TestManager_CreateAndGet(t *testing.T) {
	m := newManager(t, &recorder{})
	ctx := context.Background()
	sess, err := m.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCreated, sess.Status)
	assert.Equal(t, sess.ID, filepath.Base(sess.WorkPath))

	info, err := os.Stat(filepath.Join(sess.WorkPath, "intake"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = m.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_AddArchive(t *testing.T) {
	m := newManager(t, &recorder{})
	ctx := context.Background()
	sess, err := m.Create(ctx)
	require.NoError(t, err)

	got, err := m.AddArchive(ctx, sess.ID, "../../base.zip", pkgBytes(t, "Base"))
	require.NoError(t, err)
	assert.Equal(t, []string{"base.zip"}, got.Archives)
	_, err = os.Stat(filepath.Join(sess.WorkPath, "intake", "base.zip"))
	require.NoError(t, err)

	got, err = m.AddArchive(ctx, sess.ID, "base.zip", pkgBytes(t, "Base"))
	require.NoError(t, err)
	assert.Len(t, got.Archives, 1, "re-upload replaces")

	for _, bad := range []string{"Resources.zip", "notes.txt", ".."} {
		_, err = m.AddArchive(ctx, sess.ID, bad, bytes.NewReader(nil))
		assert.ErrorIs(t, err, ErrInvalidArchive, bad)
	}
	_, err = m.AddArchive(ctx, "nope", "a.zip", bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_Summary(t *testing.T) {
	inst := &recorder{}
	m := newManager(t, inst)
	ctx := context.Background()
	sess, err := m.Create(ctx)
	require.NoError(t, err)
	_, err = m.AddArchive(ctx, sess.ID, "addon.zip", pkgBytes(t, "Addon", dep("Base")))
	require.NoError(t, err)
	_, err = m.AddArchive(ctx, sess.ID, "base.zip", pkgBytes(t, "Base"))
	require.NoError(t, err)

	sum, err := m.Summary(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, sum.Error)
	assert.Equal(t, []string{"Base", "Addon"}, sum.Order)
	require.Len(t, sum.Units, 2)
	assert.Equal(t, "addon.zip", sum.Units[0].Archive)
	assert.Equal(t, api.Dependency{Kind: "package", Value: "Base", Met: true}, sum.Units[0].Packages[0].Dependencies[0])
	assert.Empty(t, inst.calls, "summary never installs")

	refreshed, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCreated, refreshed.Status)
}

func TestManager_SummaryReportsPlanningError(t *testing.T) {
	m := newManager(t, &recorder{})
	ctx := context.Background()
	sess, err := m.Create(ctx)
	require.NoError(t, err)
	_, err = m.AddArchive(ctx, sess.ID, "a.zip", pkgBytes(t, "A", dep("B")))
	require.NoError(t, err)
	_, err = m.AddArchive(ctx, sess.ID, "b.zip", pkgBytes(t, "B", dep("A")))
	require.NoError(t, err)

	sum, err := m.Summary(ctx, sess.ID)
	require.NoError(t, err)
	assert.Contains(t, sum.Error, "circular")
	assert.Empty(t, sum.Order)
	assert.Len(t, sum.Units, 2)
}

func TestManager_InstallRunsOnce(t *testing.T) {
	inst := &recorder{fail: map[string]bool{"Extra": true}}
	m := newManager(t, inst)
	ctx := context.Background()
	sess, err := m.Create(ctx)
	require.NoError(t, err)
	_, err = m.AddArchive(ctx, sess.ID, "1.zip", pkgBytes(t, "Addon", dep("Base")))
	require.NoError(t, err)
	_, err = m.AddArchive(ctx, sess.ID, "2.zip", pkgBytes(t, "Base"))
	require.NoError(t, err)
	_, err = m.AddArchive(ctx, sess.ID, "3.zip", pkgBytes(t, "Extra"))
	require.NoError(t, err)

	require.NoError(t, m.Install(ctx, sess.ID))
	assert.ErrorIs(t, m.Install(ctx, sess.ID), ErrAlreadyStarted)
	_, err = m.AddArchive(ctx, sess.ID, "4.zip", pkgBytes(t, "Late"))
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	m.Wait()

	done, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusComplete, done.Status)
	assert.Empty(t, done.Error)
	assert.Equal(t, []string{"Base", "Addon", "Extra"}, inst.calls)
	require.Len(t, done.Installed, 2)
	assert.Equal(t, "Base", done.Installed[0].Name)
	assert.Equal(t, "2.zip", done.Installed[0].Archive)
	require.Len(t, done.Failed, 1)
	assert.Equal(t, "Extra", done.Failed[0].Name)
	assert.Contains(t, done.Failed[0].Error, "rejected Extra")

	assert.ErrorIs(t, m.Install(ctx, sess.ID), ErrAlreadyStarted)
}

func TestManager_InstallPlanningFailure(t *testing.T) {
	inst := &recorder{}
	m := newManager(t, inst)
	ctx := context.Background()
	sess, err := m.Create(ctx)
	require.NoError(t, err)
	_, err = m.AddArchive(ctx, sess.ID, "a.zip", pkgBytes(t, "A", dep("B")))
	require.NoError(t, err)
	_, err = m.AddArchive(ctx, sess.ID, "b.zip", pkgBytes(t, "B", dep("A")))
	require.NoError(t, err)

	require.NoError(t, m.Install(ctx, sess.ID))
	m.Wait()

	done, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, done.Status)
	assert.Contains(t, done.Error, "circular")
	assert.Empty(t, done.Installed)
	assert.Empty(t, inst.calls)
}

func TestManager_InstallUnknownSession(t *testing.T) {
	m := newManager(t, &recorder{})
	assert.ErrorIs(t, m.Install(context.Background(), "nope"), ErrNotFound)
}

func TestManager_SummaryLeavesNoScratch(t *testing.T) {
	inst := &recorder{}
	m := newManager(t, inst)
	ctx := context.Background()
	sess, err := m.Create(ctx)
	require.NoError(t, err)
	inner := testutil.ZipBytes(t, map[string][]byte{"Inner.dnn": testutil.Manifest("Inner", "1.0.0")})
	bundle := testutil.ZipBytes(t, map[string][]byte{"in.zip": inner})
	_, err = m.AddArchive(ctx, sess.ID, "bundle.zip", bytes.NewReader(bundle))
	require.NoError(t, err)

	require.NoError(t, m.Install(ctx, sess.ID))
	m.Wait()
	done, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusComplete, done.Status)
	assert.Equal(t, []string{"Inner"}, inst.calls)

	temp := filepath.Join(sess.WorkPath, "temp")
	for i := 0; i < 3; i++ {
		sum, err := m.Summary(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"Inner"}, sum.Order)

		entries, err := os.ReadDir(temp)
		require.NoError(t, err)
		assert.Empty(t, entries, "summary %d left scratch behind", i+1)
	}
}
