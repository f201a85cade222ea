// Package config reads and writes the YAML config files used by the CLI.
package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/errors"
)

// Replaced with afero.NewMemMapFs() in tests.
var fs = afero.NewOsFs()

// The yaml library loses the position of the offending field, so all we can
// do is show the user its message.
const parseConfigErrTemplate = "Configuration file could not be parsed. " +
	"Please review %q.\n" +
	"Check that every field has the right type, and that there are no " +
	"unknown fields.\n\n" +
	"The parser reported:\n" +
	"%s"

type versioned interface {
	getVersion() string
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("%q was written for a different version of dirsync.\n"+
		"Expected config version %q, but got %q.\n"+
		"Run `dirsync config` to regenerate it.", err.path, err.exp, err.actual)
}

// parseConfig decodes the YAML file at `path` into `dst`. Fields that
// aren't set in the file keep the value they had in `dst`.
func parseConfig(path string, dst versioned, expVersion string) error {
	raw, err := afero.ReadFile(fs, path)
	switch {
	case os.IsNotExist(err):
		return errors.FileNotFound{Path: path}
	case err != nil:
		return errors.WithContext(err, "read file")
	}

	// The version is checked before unknown fields so that configs from
	// other versions get a useful error.
	if err := yaml.Unmarshal(raw, dst); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	if actual := dst.getVersion(); actual != expVersion {
		return incompatibleVersionError{path, expVersion, actual}
	}

	if err := yaml.UnmarshalStrict(raw, dst, yaml.DisallowUnknownFields); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return nil
}
