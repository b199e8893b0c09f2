package cmd

import (
	"os"

	"github.com/MakeNowJust/heredoc"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	configCmd "github.com/sidkik/kpublish/cmd/config"
	copyCmd "github.com/sidkik/kpublish/cmd/copy"
	"github.com/sidkik/kpublish/cmd/publish"
	"github.com/sidkik/kpublish/cmd/run"
	"github.com/sidkik/kpublish/cmd/util"
	"github.com/sidkik/kpublish/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "KPUBLISH_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	setupLogging()

	rootCmd := &cobra.Command{
		Use:   "kpublish",
		Short: "Publish build outputs to a server over SSH",
		Long: heredoc.Doc(`
			kpublish uploads local build outputs to a server over SSH, and
			keeps the directories on the server in sync with them.

			The server and the uploads are described in kpublish.yaml.`),
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		configCmd.New(),
		copyCmd.New(),
		publish.New(),
		run.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}

func setupLogging() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	// Progress is printed to stdout, so keep the logs out of its way.
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		DisableColors: !util.IsTerminal(os.Stderr),
	})
}
