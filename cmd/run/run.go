package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/sidkik/kpublish/cmd/util"
	"github.com/sidkik/kpublish/pkg/config"
	"github.com/sidkik/kpublish/pkg/errors"
	"github.com/sidkik/kpublish/pkg/publish"
	"github.com/sidkik/kpublish/pkg/ssh"
)

type runner interface {
	Run(context.Context, publish.Connection, []string, publish.ProgressFunc) (string, error)
}

// Mocked for unit testing.
var (
	parseConfig = config.Parse
	newRunner   = func(cfg config.Config) runner {
		return publish.New(ssh.Dialer{}, cfg.Options())
	}
)

// New creates a new `run` command.
func New() *cobra.Command {
	var configPath string
	var verbose bool
	cobraCmd := &cobra.Command{
		Use:   "run -- COMMAND...",
		Short: "Run commands on the server",
		Long: heredoc.Doc(`
			Run each argument as a shell command on the server, in order, and
			print their output.

			The run fails if any command exits with a non-zero status or
			writes to stderr.`),
		Example: heredoc.Doc(`
			kpublish run -- "systemctl restart app" "systemctl is-active app"`),
		Args: cobra.MinimumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			progress := io.Discard
			if verbose {
				progress = os.Stderr
			}
			if err := run(ctx, os.Stdout, progress, configPath, args); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	cobraCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath,
		"The path to the kpublish config")
	cobraCmd.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"Print progress to stderr")
	return cobraCmd
}

func run(ctx context.Context, out, progress io.Writer, configPath string, commands []string) error {
	cfg, err := parseConfig(configPath)
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	conn, err := util.Connection(cfg)
	if err != nil {
		return err
	}

	stdout, err := newRunner(cfg).Run(ctx, conn, commands,
		util.NewProgressPrinter(progress).For(conn.Host))
	fmt.Fprint(out, stdout)
	if err != nil {
		var cmdErr errors.RemoteCommandError
		if errors.As(err, &cmdErr) && cmdErr.Stderr != "" {
			return errors.NewFriendlyError("Command failed with status %d:\n%s",
				cmdErr.ExitStatus, strings.TrimSpace(cmdErr.Stderr))
		}
		return errors.WithContext(err, "run")
	}
	return nil
}
