package cmd

import (
	"fmt"
	"github.com/arcward/watchman/watchman"
	"github.com/stretchr/testify/assert"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := watchman.Version
	originalCommitSHA := watchman.CommitSHA
	originalBuildTime := watchman.BuildTime

	t.Cleanup(
		func() {
			watchman.Version = originalVersion
			watchman.CommitSHA = originalCommitSHA
			watchman.BuildTime = originalBuildTime
		},
	)

	watchman.Version = "1.0.0"
	watchman.CommitSHA = "abc123"
	watchman.BuildTime = "2030-01-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		watchman.Version,
		watchman.CommitSHA,
		watchman.BuildTime,
	)
	assert.Equal(t, expected, string(out))
}
