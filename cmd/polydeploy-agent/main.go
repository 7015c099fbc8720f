package main

import (
	"context"
	"fmt"
	"os"

	"github.com/3cpo-dev/polydeploy/internal/app"
	"github.com/3cpo-dev/polydeploy/internal/config"
	"github.com/3cpo-dev/polydeploy/internal/logging"
)

var version = "dev"

// The agent takes its settings from the config file named by
// POLYDEPLOY_CONFIG (or the default location) and logs at POLYDEPLOY_LOG.
func main() {
	logging.Setup(os.Getenv("POLYDEPLOY_LOG"), os.Getenv("POLYDEPLOY_LOG_JSON") == "true")
	cfg, err := config.LoadConfig(os.Getenv("POLYDEPLOY_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if addr := os.Getenv("POLYDEPLOY_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	svc, err := app.NewService(cfg, version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "polydeploy-agent listening on %s\n", cfg.Server.Addr)
	if err := svc.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, "polydeploy-agent stopped")
}
