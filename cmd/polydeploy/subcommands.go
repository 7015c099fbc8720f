package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/polydeploy/internal/app"
	"github.com/3cpo-dev/polydeploy/internal/archive"
	"github.com/3cpo-dev/polydeploy/internal/client"
	"github.com/3cpo-dev/polydeploy/internal/config"
	"github.com/3cpo-dev/polydeploy/internal/deploy"
	"github.com/3cpo-dev/polydeploy/internal/manifest"
	"github.com/3cpo-dev/polydeploy/internal/ssh"
	"github.com/3cpo-dev/polydeploy/pkg/api"
)

// Write a default config and an ssh key
func newInitCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the default config, ssh key and known_hosts file if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = filepath.Join(config.Dir(), "config.yaml")
			}
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				if err := config.Write(cfgPath, config.Default()); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote %s\n", cfgPath)
			} else {
				fmt.Fprintf(out, "kept %s\n", cfgPath)
			}

			key := filepath.Join(c.cfg.SSH.KeyDir, "id_ed25519")
			if _, err := os.Stat(key); errors.Is(err, os.ErrNotExist) {
				pub, err := ssh.GenerateEd25519Keypair(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "generated %s\n%s", key, pub)
			}
			return ssh.EnsureKnownHostsFile(c.cfg.SSH.KnownHosts)
		},
	}
}

// withScratch hands fn a scanner whose scratch area is removed afterwards.
func withScratch(c *cli, fn func(*archive.Scanner) error) error {
	scratch, err := os.MkdirTemp("", "polydeploy-scan-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)
	return fn(archive.NewScanner(c.cfg.Scan.ManifestExt, scratch))
}

// List leaf packages in a folder
func newScanCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "scan DIR",
		Short: "List the package archives found in DIR, expanding container zips",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScratch(c, func(s *archive.Scanner) error {
				found, err := s.Scan(args[0])
				if err != nil {
					return err
				}
				for _, p := range found {
					rel, err := filepath.Rel(s.Scratch.Base, p)
					if err != nil || strings.HasPrefix(rel, "..") {
						rel = p
					} else {
						rel = "(nested) " + rel
					}
					fmt.Fprintln(cmd.OutOrStdout(), rel)
				}
				return nil
			})
		},
	}
}

// Dry-run a folder
func newPlanCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "plan DIR",
		Short: "Show the packages in DIR, their dependencies and the install order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScratch(c, func(s *archive.Scanner) error {
				d := deploy.NewDeployer(s, manifest.NewDNNReader(c.cfg.Scan.ManifestExt, nil), nil)
				plan, err := d.Plan(args[0])
				if plan != nil {
					printUnits(cmd.OutOrStdout(), plan.Units)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "order:")
				for i, u := range plan.Order {
					fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s\n", i+1, u.Name())
				}
				return nil
			})
		},
	}
}

func printUnits(w io.Writer, units []*deploy.Unit) {
	for _, u := range units {
		fmt.Fprintf(w, "%s\n", filepath.Base(u.Archive))
		for _, p := range u.Packages {
			fmt.Fprintf(w, "  %s %s (%s)\n", p.Name, p.Version, p.Type)
			for _, dep := range p.Dependencies {
				fmt.Fprintf(w, "    needs %s %s%s\n", dep.Kind, dep.Value, depNote(dep))
			}
		}
	}
}

func depNote(d deploy.Dependency) string {
	switch {
	case d.Installed:
		return " [installed]"
	case d.IsMet && d.Kind == deploy.KindPackage:
		return " [in batch]"
	case d.Kind == deploy.KindPackage:
		return " [unmet]"
	}
	return ""
}

// Install archives on this machine
func newDeployCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy ARCHIVE|DIR...",
		Short: "Install archives here with the configured installer, dependencies first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ws, err := deploy.NewWorkspace(c.cfg.Workspace.Root)
			if err != nil {
				return err
			}
			defer ws.Cleanup()
			for _, a := range args {
				if err := stage(a, ws.IntakePath()); err != nil {
					return err
				}
			}
			d, err := app.DeployerFactory(c.cfg, nil)(ws)
			if err != nil {
				return err
			}
			d.Report = func(state deploy.UnitState, units []*deploy.Unit) {
				for _, u := range units {
					if err := u.Err(); err != nil {
						fmt.Fprintf(out, "%-9s %s: %v\n", state, u.Name(), err)
						continue
					}
					fmt.Fprintf(out, "%-9s %s\n", state, u.Name())
				}
			}
			res, err := d.Deploy(cmd.Context(), ws.IntakePath())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "workspace %s: %d installed, %d failed\n", ws.Root, len(res.Installed), len(res.Failed))
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d unit(s) failed", len(res.Failed))
			}
			return nil
		},
	}
}

// stage copies an archive, or the top-level files of a folder, into intake.
func stage(src, intake string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, filepath.Join(intake, filepath.Base(src)))
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(intake, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

// Run the API server in the foreground
func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			if tok := c.token(); tok != "" {
				cfg.Server.Token = tok
			}
			svc, err := app.NewService(cfg, version)
			if err != nil {
				return err
			}
			return svc.Run(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from config)")
	return cmd
}

// Copy archives to a configured host
func newPushCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push --host NAME FILE...",
		Short: "Upload archives to a configured host over SFTP with checksum verification",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("host")
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = c.cfg.Install.Remote.Dir
			}
			host, err := c.cfg.FindHost(name)
			if err != nil {
				return err
			}
			target, err := ssh.NewClient(host.IP, host.Port, host.User, host.KeyPath, c.cfg.SSH.KnownHosts)
			if err != nil {
				return err
			}
			for _, f := range args {
				dst := path.Join(dir, filepath.Base(f))
				if err := target.Push(cmd.Context(), f, dst); err != nil {
					return fmt.Errorf("push %s: %w", f, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s:%s\n", f, host.Name, dst)
			}
			return nil
		},
	}
	cmd.Flags().String("host", "", "host name from config")
	cmd.Flags().String("dir", "", "remote directory (default install.remote.dir)")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

// Deploy through a server
func newRemoteCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote FILE...",
		Short: "Upload archives to a polydeploy server, install them and wait for the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ctx := cmd.Context()
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			pc := client.New(c.server(), c.token())

			sess, err := pc.CreateSession(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "session %s\n", sess.ID)
			for _, f := range args {
				if _, err := pc.UploadArchive(ctx, sess.ID, f); err != nil {
					return fmt.Errorf("upload %s: %w", f, err)
				}
			}
			sum, err := pc.Summary(ctx, sess.ID)
			if err != nil {
				return err
			}
			if sum.Error != "" {
				return fmt.Errorf("plan rejected: %s", sum.Error)
			}
			fmt.Fprintf(out, "order: %s\n", strings.Join(sum.Order, ", "))
			if dryRun {
				return nil
			}

			if _, err := pc.Install(ctx, sess.ID); err != nil {
				return err
			}
			poller := client.NewPoller(pc, sess.ID, c.cfg.Client.PollInterval)
			poller.Start(ctx)
			final, err := poller.Wait()
			if err != nil {
				return err
			}
			return printResult(out, final)
		},
	}
	cmd.Flags().Bool("dry-run", false, "only upload and show the plan")
	return cmd
}

func printResult(w io.Writer, s *api.Session) error {
	if s.Status == api.StatusFailed {
		return fmt.Errorf("session %s failed: %s", s.ID, s.Error)
	}
	for _, r := range s.Installed {
		fmt.Fprintf(w, "installed %s\n", r.Name)
	}
	for _, r := range s.Failed {
		fmt.Fprintf(w, "failed    %s: %s\n", r.Name, r.Error)
	}
	if len(s.Failed) > 0 {
		return fmt.Errorf("%d unit(s) failed", len(s.Failed))
	}
	return nil
}
