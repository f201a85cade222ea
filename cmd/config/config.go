package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/dirsync/cmd/util"
	"github.com/sidkik/dirsync/pkg/config"
	"github.com/sidkik/dirsync/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout              io.Writer = os.Stdout
	stdin               io.Reader = os.Stdin
	parseClientConfig             = config.ParseClient
	writeClientConfig             = config.WriteClient
	getWorkingDirectory           = os.Getwd
)

const (
	defaultHost     = "localhost"
	defaultPort     = "8000"
	defaultInterval = "10"
)

// New creates a new `config` command.
func New() *cobra.Command {
	var path, key string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the dirsync client configuration",
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(path, key); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&path, "config", config.ClientConfigPath,
		"Path to write the config to.")
	cmd.Flags().StringVar(&key, "key", "",
		"Key of an existing user. Leave it empty to sign up as a new user.")

	cmd.AddCommand(&cobra.Command{
		Use:   "get-key",
		Short: "Get the configured user key",
		Run: func(_ *cobra.Command, _ []string) {
			cfg, err := parseClientConfig(path)
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "read config"))
			}
			fmt.Fprintln(stdout, cfg.Key)
		},
	})
	return cmd
}

// SetupConfig prompts the user for the client settings and writes them to
// `path`.
func SetupConfig(path, key string) error {
	cfg, err := generateConfig(path)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}
	if key != "" {
		cfg.Key = key
	}

	if err := writeClientConfig(path, cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	set                                           func(string) bool
	invalidMsg                                    string
}

// generateConfig interacts with the user to decide what the user's desired
// configuration is. The current config's values are offered alongside the
// defaults.
func generateConfig(path string) (config.Client, error) {
	currConfig, err := parseClientConfig(path)
	if err != nil {
		currConfig = config.Client{}
		log.WithError(err).Debug("Failed to read current config")
	}

	defaultDir, err := getWorkingDirectory()
	if err != nil {
		log.WithError(err).Info("Failed to guess directory")
	}

	cfg := config.Client{Key: currConfig.Key}
	prompts := []prompt{
		{
			helpString:    "Enter the hostname of the dirsync server.",
			prompt:        "Server host",
			defaultAnswer: defaultHost,
			currAnswer:    currConfig.Host,
			set: func(resp string) bool {
				cfg.Host = resp
				return resp != ""
			},
			invalidMsg: "The host must not be empty.",
		},
		{
			helpString:    "Enter the port the server listens on.",
			prompt:        "Server port",
			defaultAnswer: defaultPort,
			currAnswer:    itoa(currConfig.Port),
			set:           intSetter(&cfg.Port, 65535),
			invalidMsg:    "The port must be a number between 1 and 65535.",
		},
		{
			helpString: "Enter the directory to keep in sync.\n" +
				"It defaults to the current directory.",
			prompt:        "Sync directory",
			defaultAnswer: defaultDir,
			currAnswer:    currConfig.Dir,
			set: func(resp string) bool {
				cfg.Dir = resp
				return resp != ""
			},
			invalidMsg: "The directory must not be empty.",
		},
		{
			helpString:    "Enter the number of seconds between syncs.",
			prompt:        "Sync interval",
			defaultAnswer: defaultInterval,
			currAnswer:    itoa(currConfig.Interval),
			set:           intSetter(&cfg.Interval, 0),
			invalidMsg:    "The interval must be a positive number.",
		},
	}

	stdinReader := bufio.NewReader(stdin)
	for _, prompt := range prompts {
		for {
			resp, err := promptUser(stdinReader, prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.Client{}, errors.WithContext(err, "read response")
			}

			if prompt.set(resp) {
				break
			}
			fmt.Fprintln(stdout, prompt.invalidMsg)
		}
	}
	return cfg, nil
}

// intSetter parses positive integers into `field`. A `max` of zero means
// there's no upper bound.
func intSetter(field *int, max int) func(string) bool {
	return func(resp string) bool {
		n, err := strconv.Atoi(resp)
		if err != nil || n < 1 || (max != 0 && n > max) {
			return false
		}
		*field = n
		return true
	}
}

func itoa(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func promptUser(stdinReader *bufio.Reader, helpString, prompt, defaultAnswer,
	currAnswer string) (string, error) {
	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	var options []string
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	if nOptions := len(options); nOptions > 1 {
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			// Default to the first choice if the user doesn't enter anything.
			choiceStr = strings.TrimSpace(choiceStr)
			choice := 1
			if choiceStr != "" {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					continue
				}
			}

			if choice == nOptions {
				break
			}
			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil && !(err == io.EOF && resp != "") {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}
