// Package app wires configuration into the deploy, installer, session and
// server packages for the polydeploy binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3cpo-dev/polydeploy/internal/archive"
	"github.com/3cpo-dev/polydeploy/internal/config"
	"github.com/3cpo-dev/polydeploy/internal/deploy"
	"github.com/3cpo-dev/polydeploy/internal/installer"
	"github.com/3cpo-dev/polydeploy/internal/logging"
	"github.com/3cpo-dev/polydeploy/internal/manifest"
	"github.com/3cpo-dev/polydeploy/internal/server"
	"github.com/3cpo-dev/polydeploy/internal/session"
	"github.com/3cpo-dev/polydeploy/internal/ssh"
	"github.com/3cpo-dev/polydeploy/internal/telemetry"
)

// Installers registers the installer kinds usable on ws. The ssh installer is
// only built when selected since it needs a key and a configured host.
func Installers(cfg config.Config, ws *deploy.Workspace) (*installer.Registry, *installer.Modules, error) {
	modulesDir := cfg.Install.ModulesDir
	if modulesDir == "" {
		modulesDir = ws.ModulesPath()
	}
	modules := installer.NewModules(modulesDir)
	reg := installer.NewRegistry()
	reg.Register(modules)
	reg.Register(installer.NewCommand(cfg.Install.Command))
	if cfg.Install.Kind == "ssh" {
		host, err := cfg.FindHost(cfg.Install.Remote.Host)
		if err != nil {
			return nil, nil, err
		}
		cli, err := ssh.NewClient(host.IP, host.Port, host.User, host.KeyPath, cfg.SSH.KnownHosts)
		if err != nil {
			return nil, nil, fmt.Errorf("ssh client for %s: %w", host.Name, err)
		}
		reg.Register(installer.NewRemote(host.Name, cli, cfg.Install.Remote.Dir, cfg.Install.Remote.Command))
	}
	return reg, modules, nil
}

// DeployerFactory builds deployers for workspaces according to cfg. The
// modules installer's receipts feed the manifest reader's inventory when that
// installer is selected.
func DeployerFactory(cfg config.Config, metrics telemetry.Metrics) session.DeployerFactory {
	return func(ws *deploy.Workspace) (*deploy.Deployer, error) {
		reg, modules, err := Installers(cfg, ws)
		if err != nil {
			return nil, err
		}
		inst, err := reg.Get(cfg.Install.Kind)
		if err != nil {
			return nil, err
		}
		var inv manifest.Inventory
		if inst.Name() == modules.Name() {
			inv = modules
		}
		scanner := archive.NewScanner(cfg.Scan.ManifestExt, ws.TempPath())
		d := deploy.NewDeployer(scanner, manifest.NewDNNReader(cfg.Scan.ManifestExt, inv), inst)
		if metrics != nil {
			d.Metrics = metrics
		}
		return d, nil
	}
}

// Service is a configured API server with its store.
type Service struct {
	Server *server.Server
	Store  session.Store
	TLS    server.TLSConfig
	Addr   string
}

// NewService opens the session store and builds the API server.
func NewService(cfg config.Config, version string) (*Service, error) {
	store, err := session.Open(cfg.Store.Driver, cfg.Store.Path, cfg.Store.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	var metrics telemetry.Metrics = telemetry.Noop{}
	var prom *telemetry.Prom
	if cfg.Telemetry.Enabled {
		prom = telemetry.NewProm("polydeploy")
		metrics = prom
	}
	mgr := session.NewManager(store, cfg.Workspace.Root, DeployerFactory(cfg, metrics))
	srv := server.New(version, mgr)
	srv.Token = cfg.Server.Token
	srv.Metrics = metrics
	if prom != nil {
		srv.MetricsHandler = prom.Handler()
	}
	return &Service{
		Server: srv,
		Store:  store,
		Addr:   cfg.Server.Addr,
		TLS: server.TLSConfig{
			Cert:        cfg.Server.TLS.Cert,
			Key:         cfg.Server.TLS.Key,
			ClientCA:    cfg.Server.TLS.ClientCA,
			RequireMTLS: cfg.Server.TLS.RequireMTLS,
		},
	}, nil
}

// Run serves until SIGINT/SIGTERM or ctx ends, then shuts down within 5s.
func (s *Service) Run(ctx context.Context) error {
	log := logging.Component("service")
	defer s.Store.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		if s.TLS.Enabled() {
			errc <- s.Server.ListenAndServeTLS(s.Addr, s.TLS)
			return
		}
		errc <- s.Server.ListenAndServe(s.Addr)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Server.Shutdown(shutdownCtx)
}
