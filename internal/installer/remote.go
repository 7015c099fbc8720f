package installer

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/polydeploy/internal/deploy"
	"github.com/3cpo-dev/polydeploy/internal/logging"
)

// Target moves files to a remote host and runs commands there.
// *ssh.Client implements it.
type Target interface {
	Push(ctx context.Context, localPath, remotePath string) error
	RunCommand(ctx context.Context, command string) (string, error)
}

// Remote pushes each archive to Dir on a host and, when Command is set, runs
// it there with the remote archive path appended.
type Remote struct {
	Host    string
	Target  Target
	Dir     string
	Command string
	Logger  zerolog.Logger
}

func NewRemote(host string, target Target, dir, command string) *Remote {
	return &Remote{
		Host:    host,
		Target:  target,
		Dir:     dir,
		Command: command,
		Logger:  logging.Component("installer.ssh").With().Str("host", host).Logger(),
	}
}

func (r *Remote) Name() string { return "ssh" }

func (r *Remote) Install(ctx context.Context, u *deploy.Unit) error {
	dst := path.Join(r.Dir, filepath.Base(u.Archive))
	if err := r.Target.Push(ctx, u.Archive, dst); err != nil {
		return fmt.Errorf("push to %s: %w", r.Host, err)
	}
	if r.Command == "" {
		return nil
	}
	out, err := r.Target.RunCommand(ctx, r.Command+" "+quote(dst))
	if err != nil {
		return fmt.Errorf("install on %s: %w", r.Host, err)
	}
	r.Logger.Debug().Str("unit", u.Name()).Str("output", strings.TrimSpace(out)).Msg("Remote install finished")
	return nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
