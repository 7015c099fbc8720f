package deploy_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/polydeploy/internal/archive"
	"github.com/3cpo-dev/polydeploy/internal/deploy"
	"github.com/3cpo-dev/polydeploy/internal/manifest"
	"github.com/3cpo-dev/polydeploy/internal/testutil"
)

type recordingInstaller struct {
	calls []string
	fail  map[string]bool
}

func (r *recordingInstaller) Install(ctx context.Context, u *deploy.Unit) error {
	r.calls = append(r.calls, u.Name())
	if r.fail[u.Name()] {
		return fmt.Errorf("installer rejected %s", u.Name())
	}
	return nil
}

func newDeployer(t *testing.T, inst deploy.Installer) (*deploy.Deployer, *deploy.Workspace) {
	t.Helper()
	ws, err := deploy.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	scanner := archive.NewScanner(archive.DefaultManifestExt, ws.TempPath())
	return deploy.NewDeployer(scanner, manifest.NewDNNReader("", nil), inst), ws
}

func TestWorkspaceLayout(t *testing.T) {
	ws, err := deploy.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	for _, dir := range []string{ws.IntakePath(), ws.ModulesPath(), ws.TempPath()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	require.NoError(t, os.WriteFile(filepath.Join(ws.TempPath(), "junk"), nil, 0o644))
	require.NoError(t, ws.Cleanup())
	entries, err := os.ReadDir(ws.TempPath())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeploy_EmptyIntake(t *testing.T) {
	inst := &recordingInstaller{}
	d, ws := newDeployer(t, inst)
	var reports []deploy.UnitState
	d.Report = func(state deploy.UnitState, units []*deploy.Unit) {
		reports = append(reports, state)
		assert.Empty(t, units)
	}

	res, err := d.Deploy(context.Background(), ws.IntakePath())
	require.NoError(t, err)
	assert.Empty(t, res.Installed)
	assert.Empty(t, res.Failed)
	assert.Empty(t, inst.calls)
	assert.Equal(t, []deploy.UnitState{deploy.StateInstalled, deploy.StateFailed}, reports)
}

func TestDeploy_OrdersAndContinuesPastFailures(t *testing.T) {
	inst := &recordingInstaller{fail: map[string]bool{"Middle": true}}
	d, ws := newDeployer(t, inst)
	in := ws.IntakePath()
	testutil.PackageZip(t, in, "1-top.zip", "Top", testutil.Dependency{Type: "package", Value: "Middle"})
	testutil.PackageZip(t, in, "2-middle.zip", "Middle", testutil.Dependency{Type: "package", Value: "Bottom"})
	testutil.PackageZip(t, in, "3-bottom.zip", "Bottom")
	testutil.PackageZip(t, in, "4-loose.zip", "Loose", testutil.Dependency{Type: "CoreVersion", Value: "09.00.00"})

	var failedReport []*deploy.Unit
	d.Report = func(state deploy.UnitState, units []*deploy.Unit) {
		if state == deploy.StateFailed {
			failedReport = units
		}
	}

	res, err := d.Deploy(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bottom", "Middle", "Top", "Loose"}, inst.calls)
	assert.Equal(t, []string{"Bottom", "Top", "Loose"}, names(res.Installed))
	assert.Equal(t, []string{"Middle"}, names(res.Failed))
	assert.Len(t, res.Installed, 3)

	require.Len(t, failedReport, 1)
	failed := failedReport[0]
	assert.Equal(t, deploy.StateFailed, failed.State())
	var installErr *deploy.InstallError
	require.True(t, errors.As(failed.Err(), &installErr))
	assert.Equal(t, "Middle", installErr.Unit)
	assert.Equal(t, deploy.StateInstalled, res.Installed[0].State())
}

func TestDeploy_IndependentUnitsAllAttempted(t *testing.T) {
	inst := &recordingInstaller{fail: map[string]bool{"P1": true, "P3": true}}
	d, ws := newDeployer(t, inst)
	const n = 5
	for i := 0; i < n; i++ {
		testutil.PackageZip(t, ws.IntakePath(), fmt.Sprintf("p%d.zip", i), fmt.Sprintf("P%d", i))
	}
	res, err := d.Deploy(context.Background(), ws.IntakePath())
	require.NoError(t, err)
	assert.Equal(t, n, len(res.Installed)+len(res.Failed))
	assert.Len(t, res.Failed, 2)
}

func TestDeploy_UnfulfilledAbortsBatch(t *testing.T) {
	inst := &recordingInstaller{}
	d, ws := newDeployer(t, inst)
	in := ws.IntakePath()
	testutil.PackageZip(t, in, "1.zip", "Base")
	testutil.PackageZip(t, in, "2.zip", "Addon", testutil.Dependency{Type: "package", Value: "Base"})
	extra := testutil.PackageZip(t, in, "3.zip", "Extra", testutil.Dependency{Type: "package", Value: "Ghost"})

	// The manifest reader cannot know about Ghost; flag it met the way an
	// external resolver would.
	d.Reader = forceMet{inner: d.Reader, archive: extra}
	reported := false
	d.Report = func(deploy.UnitState, []*deploy.Unit) { reported = true }

	res, err := d.Deploy(context.Background(), in)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, deploy.ErrUnfulfilledDependency)
	assert.Empty(t, inst.calls)
	assert.False(t, reported)
}

func TestDeploy_CycleAbortsBatch(t *testing.T) {
	inst := &recordingInstaller{}
	d, ws := newDeployer(t, inst)
	in := ws.IntakePath()
	testutil.PackageZip(t, in, "a.zip", "A", testutil.Dependency{Type: "package", Value: "B"})
	testutil.PackageZip(t, in, "b.zip", "B", testutil.Dependency{Type: "package", Value: "A"})
	testutil.PackageZip(t, in, "c.zip", "C")

	_, err := d.Deploy(context.Background(), in)
	assert.ErrorIs(t, err, deploy.ErrCircularDependency)
	assert.Empty(t, inst.calls)
}

func TestDeploy_CancelledContextStillRunsBatch(t *testing.T) {
	var sawCancel bool
	inst := deploy.InstallerFunc(func(ctx context.Context, u *deploy.Unit) error {
		if ctx.Err() != nil {
			sawCancel = true
		}
		return nil
	})
	d, ws := newDeployer(t, inst)
	testutil.PackageZip(t, ws.IntakePath(), "a.zip", "A")
	testutil.PackageZip(t, ws.IntakePath(), "b.zip", "B")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := d.Deploy(ctx, ws.IntakePath())
	require.NoError(t, err)
	assert.Len(t, res.Installed, 2)
	assert.False(t, sawCancel)
}

func TestPlan_KeepsUnitsOnOrderFailure(t *testing.T) {
	d, ws := newDeployer(t, &recordingInstaller{})
	testutil.PackageZip(t, ws.IntakePath(), "a.zip", "A", testutil.Dependency{Type: "package", Value: "B"})
	testutil.PackageZip(t, ws.IntakePath(), "b.zip", "B", testutil.Dependency{Type: "package", Value: "A"})

	plan, err := d.Plan(ws.IntakePath())
	require.Error(t, err)
	require.NotNil(t, plan)
	assert.Len(t, plan.Units, 2)
	assert.Nil(t, plan.Order)
}

type forceMet struct {
	inner   deploy.ManifestReader
	archive string
}

func (f forceMet) ReadPackages(p string) ([]deploy.Package, error) {
	pkgs, err := f.inner.ReadPackages(p)
	if err != nil || p != f.archive {
		return pkgs, err
	}
	for i := range pkgs {
		for j := range pkgs[i].Dependencies {
			pkgs[i].Dependencies[j].IsMet = true
		}
	}
	return pkgs, nil
}
