package sync

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/errors"
)

// UploadAll records a Create for every file and directory under the root of
// `fs`. Parents are recorded before their children so that the peer can
// apply the batch in order.
func UploadAll(fs afero.Fs, log *OperationLog) error {
	return afero.Walk(fs, ".", func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk")
		}

		if path == "." {
			return nil
		}
		log.RecordCreate(filepath.ToSlash(path))
		return nil
	})
}
