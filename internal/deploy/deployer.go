// Package deploy turns a batch of package archives into install units,
// orders them by their package dependencies and installs them one at a time.
//
// Planning is all or nothing: a scan, manifest or ordering failure aborts the
// batch before any installer runs. Execution is best effort: a failed unit is
// recorded and the remaining units still run.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/polydeploy/internal/archive"
	"github.com/3cpo-dev/polydeploy/internal/logging"
	"github.com/3cpo-dev/polydeploy/internal/telemetry"
)

// Installer performs the side effects of installing one unit on the host.
type Installer interface {
	Install(ctx context.Context, u *Unit) error
}

// InstallerFunc adapts a function to Installer.
type InstallerFunc func(ctx context.Context, u *Unit) error

func (f InstallerFunc) Install(ctx context.Context, u *Unit) error { return f(ctx, u) }

// ReportFunc receives each result bucket once a batch has run.
type ReportFunc func(state UnitState, units []*Unit)

// Result holds the units of a batch by outcome, in execution order.
type Result struct {
	Installed []*Unit
	Failed    []*Unit
}

// Plan is a checked batch and the order it would install in.
type Plan struct {
	Units []*Unit
	Order []*Unit
}

// Deployer runs batches found in an intake directory.
type Deployer struct {
	Scanner   *archive.Scanner
	Reader    ManifestReader
	Installer Installer
	Report    ReportFunc
	Metrics   telemetry.Metrics
	Logger    zerolog.Logger
}

// NewDeployer wires a deployer with a no-op report hook.
func NewDeployer(scanner *archive.Scanner, reader ManifestReader, installer Installer) *Deployer {
	return &Deployer{
		Scanner:   scanner,
		Reader:    reader,
		Installer: installer,
		Report:    func(UnitState, []*Unit) {},
		Metrics:   telemetry.Noop{},
		Logger:    logging.Component("deployer"),
	}
}

// Plan scans intakeDir, builds and checks the units and orders them. When the
// units were built but could not be ordered, the returned plan carries the
// units and a nil Order alongside the error.
func (d *Deployer) Plan(intakeDir string) (*Plan, error) {
	paths, err := d.Scanner.Scan(intakeDir)
	if err != nil {
		return nil, fmt.Errorf("scan intake: %w", err)
	}
	units := make([]*Unit, 0, len(paths))
	for _, p := range paths {
		u, err := BuildUnit(d.Reader, p)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	for _, u := range units {
		CheckDependencies(u, units)
	}
	order, err := Order(units)
	if err != nil {
		return &Plan{Units: units}, err
	}
	return &Plan{Units: units, Order: order}, nil
}

// Deploy plans the batch in intakeDir and installs it in order. A planning
// failure returns an error and nothing is installed. Once installation has
// begun every unit is attempted, even if ctx is cancelled.
func (d *Deployer) Deploy(ctx context.Context, intakeDir string) (*Result, error) {
	start := time.Now()
	plan, err := d.Plan(intakeDir)
	if err != nil {
		d.Metrics.IncPlanFailures(planFailureReason(err))
		d.Metrics.ObserveDeployment("aborted", time.Since(start).Seconds())
		d.Logger.Error().Err(err).Str("intake", intakeDir).Msg("Planning failed, nothing installed")
		return nil, err
	}
	d.Logger.Info().Int("units", len(plan.Order)).Msg("Batch planned")

	runCtx := context.WithoutCancel(ctx)
	res := &Result{Installed: []*Unit{}, Failed: []*Unit{}}
	for _, u := range plan.Order {
		if err := d.Installer.Install(runCtx, u); err != nil {
			u.markFailed(&InstallError{Unit: u.Name(), Err: err})
			res.Failed = append(res.Failed, u)
			d.Metrics.IncUnitInstalls(string(StateFailed))
			d.Logger.Warn().Err(err).Str("unit", u.Name()).Str("archive", u.Archive).Msg("Unit failed")
			continue
		}
		u.markInstalled()
		res.Installed = append(res.Installed, u)
		d.Metrics.IncUnitInstalls(string(StateInstalled))
		d.Logger.Info().Str("unit", u.Name()).Msg("Unit installed")
	}

	if d.Report != nil {
		d.Report(StateInstalled, res.Installed)
		d.Report(StateFailed, res.Failed)
	}

	status := "complete"
	if len(res.Failed) > 0 {
		status = "partial"
	}
	d.Metrics.ObserveDeployment(status, time.Since(start).Seconds())
	return res, nil
}

func planFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrCircularDependency):
		return "circular"
	case errors.Is(err, ErrUnfulfilledDependency):
		return "unfulfilled"
	default:
		return "inspection"
	}
}
