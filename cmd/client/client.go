package client

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/dirsync/cmd/util"
	"github.com/sidkik/dirsync/pkg/config"
	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/state"
	syncClient "github.com/sidkik/dirsync/pkg/sync/client"
)

// Mocked for unit testing.
var parseClientConfig = config.ParseClient

var errUnknownKeyMsg = "The server doesn't recognize the key %q.\n" +
	"The server forgets its users when it restarts. Run the client " +
	"without a key to sign up again."

// New creates a new `client` command.
func New() *cobra.Command {
	var configPath, statePath string
	cmd := &cobra.Command{
		Use:   "client [host] [port] [dir] [interval] [key]",
		Short: "Keep a local directory in sync with a dirsync server",
		Long: "Watch a local directory and exchange changes with the server " +
			"every `interval` seconds.\n" +
			"Without a key, the client signs up as a new user and uploads the " +
			"directory. Arguments that aren't given are read from the config " +
			"file.",
		Args: cobra.MaximumNArgs(5),
		Run: func(_ *cobra.Command, args []string) {
			cfg, err := resolveConfig(args, configPath)
			if err != nil {
				util.HandleFatalError(err)
			}

			if err := run(cfg, statePath); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.ClientConfigPath,
		"Path to the client config.")
	cmd.Flags().StringVar(&statePath, "state", config.StatePath,
		"Path to the database that keeps the client's state across restarts.")
	return cmd
}

func run(cfg syncClient.Config, statePath string) error {
	statePath, err := config.ExpandPath(statePath)
	if err != nil {
		return errors.WithContext(err, "expand state path")
	}

	store, err := state.Open(statePath)
	if err != nil {
		return errors.WithContext(err, "open state")
	}
	defer store.Close()

	c, err := syncClient.New(cfg, store)
	if err != nil {
		return errors.WithContext(err, "create client")
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.WithFields(log.Fields{
		"server": fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		"dir":    cfg.Root,
	}).Info("Starting sync")
	err = c.Run(ctx)
	if errors.Is(err, errors.ErrUnknownKey) {
		return errors.NewFriendlyError(errUnknownKeyMsg, cfg.Key)
	}
	return err
}

// resolveConfig merges the positional arguments with the config file.
// Arguments take precedence. The config file is only required if some
// arguments are missing.
func resolveConfig(args []string, configPath string) (syncClient.Config, error) {
	var fileCfg config.Client
	if len(args) < 4 {
		var err error
		fileCfg, err = parseClientConfig(configPath)
		if err != nil {
			if _, ok := err.(errors.FileNotFound); ok {
				return syncClient.Config{}, errors.NewFriendlyError(
					"Not enough arguments, and no config at %s.\n"+
						"Either pass <host> <port> <dir> <interval>, or "+
						"run `dirsync config` first.", configPath)
			}
			return syncClient.Config{}, errors.WithContext(err, "read config")
		}
	}

	cfg := syncClient.Config{
		Host:     fileCfg.Host,
		Port:     fileCfg.Port,
		Root:     fileCfg.Dir,
		Interval: time.Duration(fileCfg.Interval) * time.Second,
		Key:      fileCfg.Key,
	}

	for i, arg := range args {
		switch i {
		case 0:
			cfg.Host = arg
		case 1:
			port, err := parsePort(arg)
			if err != nil {
				return syncClient.Config{}, err
			}
			cfg.Port = port
		case 2:
			cfg.Root = arg
		case 3:
			secs, err := strconv.Atoi(arg)
			if err != nil || secs <= 0 {
				return syncClient.Config{}, errors.NewFriendlyError(
					"The interval must be a positive number of seconds, got %q.", arg)
			}
			cfg.Interval = time.Duration(secs) * time.Second
		case 4:
			cfg.Key = arg
		}
	}

	switch {
	case cfg.Host == "":
		return syncClient.Config{}, errors.MissingFieldError{Field: "host"}
	case cfg.Port == 0:
		return syncClient.Config{}, errors.MissingFieldError{Field: "port"}
	case cfg.Root == "":
		return syncClient.Config{}, errors.MissingFieldError{Field: "dir"}
	}
	return cfg, nil
}

func parsePort(arg string) (int, error) {
	port, err := strconv.Atoi(arg)
	if err != nil || port < 1 || port > 65535 {
		return 0, errors.NewFriendlyError("Invalid port %q.", arg)
	}
	return port, nil
}
