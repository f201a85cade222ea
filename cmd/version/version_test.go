package version

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/dirsync/pkg/version"
)

func TestRun(t *testing.T) {
	out := bytes.NewBuffer(nil)
	stdout = out

	version.Version = "v1.2.3"
	run()
	assert.Equal(t, "version:  v1.2.3\nprotocol: 1\n", out.String())
}
