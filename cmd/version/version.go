package version

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/dirsync/pkg/version"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of dirsync.",
		Long: "Print the version of dirsync, as a git tag or commit hash, " +
			"and the version of the sync protocol it speaks.",
		Run: func(_ *cobra.Command, _ []string) {
			run()
		},
	}
}

func run() {
	fmt.Fprintf(stdout, "version:  %s\n", version.Version)
	fmt.Fprintf(stdout, "protocol: %s\n", version.ProtocolVersion)
}
