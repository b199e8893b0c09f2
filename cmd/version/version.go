package version

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/kpublish/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of kpublish.",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			run(os.Stdout)
		},
	}
}

func run(out io.Writer) {
	fmt.Fprintf(out, "kpublish version: %s\n", version.String())
}
