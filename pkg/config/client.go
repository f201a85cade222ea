package config

import (
	"path/filepath"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/errors"
)

const (
	// ClientConfigPath is the default path to the client config.
	ClientConfigPath = "~/.dirsync.yaml"

	// StatePath is the default path to the client's state database.
	StatePath = "~/.dirsync/state.db"

	// InitialClientConfigVersion is the first version of the client config.
	// Config files that do not specify a version will default to this
	// version.
	InitialClientConfigVersion = "v1alpha1"

	// SupportedClientConfigVersion is the supported version of the client
	// config of the current binary.
	SupportedClientConfigVersion = "v1alpha1"
)

// Client contains the defaults for `dirsync client`. Arguments given on the
// command line take precedence.
type Client struct {
	Version string `json:"version,omitempty"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Dir     string `json:"dir"`

	// Interval is the number of seconds between sync rounds.
	Interval int    `json:"interval"`
	Key      string `json:"key,omitempty"`
}

func (c Client) getVersion() string {
	return c.Version
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseClient parses the client config at `path`. A leading `~` in the path
// is expanded.
func ParseClient(path string) (Client, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return Client{}, errors.WithContext(err, "expand config path")
	}

	config := Client{Version: InitialClientConfigVersion}
	if err := parseConfig(path, &config, SupportedClientConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Client{}, err
		}
		return Client{}, errors.WithContext(err, "parse")
	}

	config.Dir, err = homedirExpand(config.Dir)
	if err != nil {
		return Client{}, errors.WithContext(err, "expand dir")
	}

	// Evaluate relative paths relative to the config path.
	if config.Dir != "" && !filepath.IsAbs(config.Dir) {
		config.Dir = filepath.Join(filepath.Dir(path), config.Dir)
	}
	return config, nil
}

// WriteClient writes the given client config to `path`.
func WriteClient(path string, cfg Client) error {
	cfg.Version = SupportedClientConfigVersion
	path, err := homedirExpand(path)
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0600); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// ExpandPath expands a leading `~` in `path`.
func ExpandPath(path string) (string, error) {
	return homedirExpand(path)
}
