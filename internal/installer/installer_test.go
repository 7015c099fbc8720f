package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/polydeploy/internal/deploy"
	"github.com/3cpo-dev/polydeploy/internal/manifest"
	"github.com/3cpo-dev/polydeploy/internal/testutil"
)

func buildUnit(t *testing.T, archivePath string) *deploy.Unit {
	t.Helper()
	u, err := deploy.BuildUnit(manifest.NewDNNReader("", nil), archivePath)
	require.NoError(t, err)
	return u
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewModules(t.TempDir()))
	r.Register(NewCommand([]string{"true"}))
	assert.Equal(t, []string{"command", "modules"}, r.Names())

	got, err := r.Get("modules")
	require.NoError(t, err)
	assert.Equal(t, "modules", got.Name())
	_, err = r.Get("ftp")
	assert.Error(t, err)
}

func TestModules_InstallExtractsAndRecords(t *testing.T) {
	dir := t.TempDir()
	m := NewModules(filepath.Join(dir, "modules"))
	m.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	p := testutil.PackageZip(t, dir, "blog.zip", "Acme.Blog")
	require.NoError(t, m.Install(context.Background(), buildUnit(t, p)))

	_, err := os.Stat(filepath.Join(m.Dir, "acme.blog", "Acme.Blog.dnn"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(m.Dir, "acme.blog", "Resources.zip"))
	require.NoError(t, err)

	assert.True(t, m.Has("ACME.BLOG"))
	assert.False(t, m.Has("Other"))

	receipts, err := m.Receipts()
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, Receipt{
		Name:        "Acme.Blog",
		Version:     "01.00.00",
		Type:        "Module",
		Archive:     "blog.zip",
		InstalledAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}, receipts[0])
}

func TestModules_ReinstallReplacesFolder(t *testing.T) {
	dir := t.TempDir()
	m := NewModules(filepath.Join(dir, "modules"))
	p := testutil.PackageZip(t, dir, "blog.zip", "Blog")
	u := buildUnit(t, p)
	require.NoError(t, m.Install(context.Background(), u))
	stale := filepath.Join(m.Dir, "blog", "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	require.NoError(t, m.Install(context.Background(), u))
	_, err := os.Stat(stale)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(filepath.Join(m.Dir, "blog.partial"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestModules_FeedsManifestInventory(t *testing.T) {
	dir := t.TempDir()
	m := NewModules(filepath.Join(dir, "modules"))
	require.NoError(t, m.Install(context.Background(), buildUnit(t, testutil.PackageZip(t, dir, "base.zip", "Base"))))

	addon := testutil.PackageZip(t, dir, "addon.zip", "Addon", testutil.Dependency{Type: "package", Value: "Base"})
	pkgs, err := manifest.NewDNNReader("", m).ReadPackages(addon)
	require.NoError(t, err)
	assert.True(t, pkgs[0].Dependencies[0].Installed)
}

func TestModules_BrokenArchiveFails(t *testing.T) {
	dir := t.TempDir()
	m := NewModules(filepath.Join(dir, "modules"))
	bad := filepath.Join(dir, "bad.zip")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0o644))
	u := &deploy.Unit{Archive: bad, Packages: []deploy.Package{{Name: "Bad"}}}
	assert.Error(t, m.Install(context.Background(), u))
	assert.False(t, m.Has("Bad"))

	receipts, err := m.Receipts()
	require.NoError(t, err)
	assert.Empty(t, receipts)
}

func TestFolderName(t *testing.T) {
	assert.Equal(t, "acme.blog", folderName("Acme.Blog"))
	assert.Equal(t, "my_module_v2", folderName("My Module/v2"))
	assert.Equal(t, "_.receipts", folderName(".receipts"))
	assert.Equal(t, "_", folderName("  "))
}

func TestCommand_Install(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	c := NewCommand([]string{"sh", "-c", `printf '%s %s' "$POLYDEPLOY_PACKAGE" "$1" > ` + out, "install"})
	p := testutil.PackageZip(t, dir, "a.zip", "Alpha")
	require.NoError(t, c.Install(context.Background(), buildUnit(t, p)))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "Alpha "+p, string(got))
}

func TestCommand_FailureCarriesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	c := NewCommand([]string{"sh", "-c", "echo boom >&2; exit 3", "install"})
	u := &deploy.Unit{Archive: "a.zip", Packages: []deploy.Package{{Name: "A"}}}
	err := c.Install(context.Background(), u)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.Error(t, NewCommand(nil).Install(context.Background(), u))
}

type fakeTarget struct {
	pushed   map[string]string
	commands []string
	pushErr  error
}

func (f *fakeTarget) Push(_ context.Context, local, remote string) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	if f.pushed == nil {
		f.pushed = map[string]string{}
	}
	f.pushed[remote] = local
	return nil
}

func (f *fakeTarget) RunCommand(_ context.Context, command string) (string, error) {
	f.commands = append(f.commands, command)
	return "ok", nil
}

func TestRemote_PushesThenRuns(t *testing.T) {
	target := &fakeTarget{}
	r := NewRemote("web1", target, "/srv/drop", "/opt/site/install.sh")
	u := &deploy.Unit{Archive: "/tmp/intake/it's.zip", Packages: []deploy.Package{{Name: "A"}}}
	require.NoError(t, r.Install(context.Background(), u))

	assert.Equal(t, map[string]string{"/srv/drop/it's.zip": "/tmp/intake/it's.zip"}, target.pushed)
	assert.Equal(t, []string{`/opt/site/install.sh '/srv/drop/it'\''s.zip'`}, target.commands)
}

func TestRemote_PushFailureSkipsCommand(t *testing.T) {
	target := &fakeTarget{pushErr: errors.New("connection refused")}
	r := NewRemote("web1", target, "/srv/drop", "install")
	u := &deploy.Unit{Archive: "a.zip", Packages: []deploy.Package{{Name: "A"}}}
	err := r.Install(context.Background(), u)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web1")
	assert.Empty(t, target.commands)
}
