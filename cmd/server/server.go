package server

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sidkik/dirsync/cmd/util"
	"github.com/sidkik/dirsync/pkg/errors"
	syncServer "github.com/sidkik/dirsync/pkg/sync/server"
)

// Mocked for unit testing.
var runServer = syncServer.Run

// New creates a new `server` command.
func New() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "server <port>",
		Short: "Run the dirsync server",
		Long: "Accept connections from dirsync clients, and relay changes " +
			"between the devices of each user.\n" +
			"Every user gets a directory under the root. Users are forgotten " +
			"when the server exits.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0], root); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&root, "root", ".",
		"Directory that holds the users' folders.")
	return cmd
}

func run(portStr, root string) error {
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return errors.NewFriendlyError("Invalid port %q.", portStr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runServer(ctx, root, port); err != nil {
		return errors.WithContext(err, "run server")
	}
	return nil
}
