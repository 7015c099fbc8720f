package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/polydeploy/internal/deploy"
	"github.com/3cpo-dev/polydeploy/internal/logging"
)

// Command runs an external program per unit with the archive path as its
// last argument. POLYDEPLOY_PACKAGE holds the unit name.
type Command struct {
	Args   []string
	Dir    string
	Logger zerolog.Logger
}

func NewCommand(args []string) *Command {
	return &Command{Args: args, Logger: logging.Component("installer.command")}
}

func (c *Command) Name() string { return "command" }

func (c *Command) Install(ctx context.Context, u *deploy.Unit) error {
	if len(c.Args) == 0 {
		return errors.New("install command not configured")
	}
	args := append(append([]string{}, c.Args[1:]...), u.Archive)
	cmd := exec.CommandContext(ctx, c.Args[0], args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), "POLYDEPLOY_PACKAGE="+u.Name())
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %w: %s", c.Args[0], err, msg)
		}
		return fmt.Errorf("%s: %w", c.Args[0], err)
	}
	c.Logger.Debug().Str("unit", u.Name()).Str("output", strings.TrimSpace(string(out))).Msg("Command finished")
	return nil
}
