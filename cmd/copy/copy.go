package copy

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/sidkik/kpublish/cmd/util"
	"github.com/sidkik/kpublish/pkg/config"
	"github.com/sidkik/kpublish/pkg/errors"
	"github.com/sidkik/kpublish/pkg/publish"
	"github.com/sidkik/kpublish/pkg/ssh"
)

type copier interface {
	Copy(context.Context, publish.Connection, publish.CopySpec,
		publish.ProgressFunc) (publish.CopyResult, error)
}

// Mocked for unit testing.
var (
	parseConfig = config.Parse
	newCopier   = func(cfg config.Config) copier {
		return publish.New(ssh.Dialer{}, cfg.Options())
	}
)

// New creates a new `copy` command.
func New() *cobra.Command {
	var configPath string
	cobraCmd := &cobra.Command{
		Use:   "copy [file dest_dir]",
		Short: "Copy single files to the server",
		Long: heredoc.Doc(`
			Copy the files listed under "copies" in the config to the server.
			If a file and a destination directory are given, only that file is
			copied.

			Files whose contents already match the server's copy are skipped.
			Relative destination directories are resolved against the home
			directory of the server user.`),
		Example: heredoc.Doc(`
			kpublish copy
			kpublish copy ./nginx.conf /etc/nginx/conf.d`),
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return errors.NewFriendlyError("Expected either no arguments, " +
					"or a file and a destination directory.")
			}
			return nil
		},
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			if err := run(ctx, os.Stdout, configPath, args); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	cobraCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath,
		"The path to the kpublish config")
	return cobraCmd
}

func run(ctx context.Context, out io.Writer, configPath string, args []string) error {
	cfg, err := parseConfig(configPath)
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	copies := cfg.Copies
	if len(args) == 2 {
		copies = []config.Copy{{File: args[0], DestDir: args[1]}}
	}
	if len(copies) == 0 {
		return errors.NewFriendlyError("There are no copies in %s.", cfg.GetPath())
	}

	conn, err := util.Connection(cfg)
	if err != nil {
		return err
	}

	c := newCopier(cfg)
	pp := util.NewProgressPrinter(out)
	for _, cp := range copies {
		result, err := c.Copy(ctx, conn, cp.Spec(), pp.For(cp.File))
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("copy %s", cp.File))
		}

		if result.Uploaded {
			fmt.Fprintf(out, "Copied %s to %s\n", cp.File, result.RemotePath)
		} else {
			fmt.Fprintf(out, "%s is up to date\n", result.RemotePath)
		}
	}
	return nil
}
