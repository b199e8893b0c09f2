package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/MakeNowJust/heredoc"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/kpublish/cmd/util"
	"github.com/sidkik/kpublish/pkg/config"
	"github.com/sidkik/kpublish/pkg/errors"
	"github.com/sidkik/kpublish/pkg/fswatch"
	"github.com/sidkik/kpublish/pkg/publish"
	"github.com/sidkik/kpublish/pkg/ssh"
)

// The default time the upload directories must be unchanged before a watch
// republishes.
const defaultQuietPeriod = 2 * time.Second

type reconciler interface {
	Reconcile(context.Context, publish.Connection, publish.UploadSpec,
		publish.ProgressFunc) (publish.Result, error)
}

// Mocked for unit testing.
var (
	parseConfig = config.Parse
	watchDirs   = func(dirs []string, quiet time.Duration) (<-chan struct{}, func() error, error) {
		w, err := fswatch.Watch(dirs, quiet)
		if err != nil {
			return nil, nil, err
		}
		return w.Updates, w.Close, nil
	}
	newReconciler = func(cfg config.Config) reconciler {
		return publish.New(ssh.Dialer{}, cfg.Options())
	}
)

type publishCmd struct {
	configPath  string
	only        []string
	watch       bool
	quietPeriod time.Duration
	out         io.Writer
}

// New creates a new `publish` command.
func New() *cobra.Command {
	cmd := publishCmd{out: os.Stdout}
	cobraCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish build outputs to the server",
		Long: heredoc.Doc(`
			Publish every upload in the config to the server.

			Uploads with needIncrement set only copy the files that changed
			since the last publish, and remove the files that no longer exist
			locally. Other uploads replace the whole directory on the server.`),
		Example: heredoc.Doc(`
			kpublish publish
			kpublish publish --only dist --only admin
			kpublish publish --config deploy/kpublish.yaml --watch`),
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			if err := cmd.run(ctx); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	cobraCmd.Flags().StringVarP(&cmd.configPath, "config", "c", config.DefaultPath,
		"The path to the kpublish config")
	cobraCmd.Flags().StringSliceVar(&cmd.only, "only", nil,
		"Only publish the uploads with these names")
	cobraCmd.Flags().BoolVarP(&cmd.watch, "watch", "w", false,
		"Republish whenever an upload directory changes")
	cobraCmd.Flags().DurationVar(&cmd.quietPeriod, "quiet-period", defaultQuietPeriod,
		"How long the upload directories must be unchanged before republishing")
	return cobraCmd
}

func (cmd publishCmd) run(ctx context.Context) error {
	cfg, err := parseConfig(cmd.configPath)
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	uploads, err := cfg.SelectUploads(cmd.only)
	if err != nil {
		return err
	}
	if len(uploads) == 0 {
		return errors.NewFriendlyError("There are no uploads in %s.", cfg.GetPath())
	}

	conn, err := util.Connection(cfg)
	if err != nil {
		return err
	}

	r := newReconciler(cfg)
	if err := cmd.publishAll(ctx, r, conn, uploads); err != nil {
		return err
	}
	if !cmd.watch {
		return nil
	}

	var dirs []string
	for _, upload := range uploads {
		dirs = append(dirs, upload.Dir)
	}
	updates, stop, err := watchDirs(dirs, cmd.quietPeriod)
	if err != nil {
		return errors.WithContext(err, "watch uploads")
	}
	defer func() {
		if err := stop(); err != nil {
			log.WithError(err).Debug("Failed to stop file watcher")
		}
	}()

	fmt.Fprintln(cmd.out, "Watching for changes. Press Ctrl-C to stop.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-updates:
			if !ok {
				return nil
			}

			// A failed republish shouldn't end the watch. The next change
			// will probably fix it.
			if err := cmd.publishAll(ctx, r, conn, uploads); err != nil {
				log.WithError(err).Debug("Republish failed")
				fmt.Fprintln(cmd.out, errors.GetPrintableMessage(err))
			}
		}
	}
}

func (cmd publishCmd) publishAll(ctx context.Context, r reconciler, conn publish.Connection,
	uploads []config.Upload) error {

	pp := util.NewProgressPrinter(cmd.out)
	for _, upload := range uploads {
		start := time.Now()
		result, err := r.Reconcile(ctx, conn, upload.Spec(), pp.For(upload.Name))
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("publish %s", upload.Name))
		}

		strategy := publish.FullPublish
		if result.NeedIncrement {
			strategy = publish.IncrementalPublish
		}
		fmt.Fprintf(cmd.out, "Published %s (%s, %d updated, %d deleted) in %s\n",
			upload.Name, strategy, result.FileCount, result.DeleteCount,
			time.Since(start).Round(time.Millisecond))
	}
	return nil
}
