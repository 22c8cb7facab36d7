package toolbisect

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetJobFromConfig(t *testing.T) {
	yml := `
repository: "repo"
start: "startCommit"
end: "endCommit"
history:
  author: bors
  maxPages: 20
artifacts:
  urls:
    - "https://host/{commit}/{component}-{triple}.tar.xz"
  triple: aarch64-apple-darwin
  retentionDays: 30
  components:
    - name: rustc
      binaries:
        RUSTC: rustc/bin/rustc
    - name: cargo
      binaries:
        CARGO: cargo/bin/cargo
      fallback:
        before: 2017-03-20T00:00:00Z
        commit: known-good
  checks:
    - type: exists
      data: rustc/bin/rustc
    - type: script
      data: "$RUSTC --version"
      retries: 3
sandbox:
  image: "rust:slim"
test:
  predicate: ./repro.sh
  dir: ./case
  timeout: 60000
preserve: true
maxProbes: 5
`

	job, err := GetJobFromConfig(strings.NewReader(yml))
	require.Nil(t, err, "GetJobFromConfig returned an error")

	assert.Equal(t, "repo", job.Repository, "Mismatch in job field")
	assert.Equal(t, "startCommit", job.Start, "Mismatch in job field")
	assert.Equal(t, "endCommit", job.End, "Mismatch in job field")
	assert.Equal(t, "bors", job.Author, "Mismatch in job field")
	assert.False(t, job.AllParents, "Mismatch in job field")
	assert.Equal(t, 20, job.MaxPages, "Mismatch in job field")
	assert.Equal(t, []string{"https://host/{commit}/{component}-{triple}.tar.xz"}, job.URLs, "Mismatch in job field")
	assert.Equal(t, "aarch64-apple-darwin", job.Triple, "Mismatch in job field")
	assert.Equal(t, 30*24*time.Hour, job.Retention, "Mismatch in job field")
	assert.Equal(t, "rust:slim", job.Image, "Mismatch in job field")
	assert.Equal(t, "./repro.sh", job.Predicate, "Mismatch in job field")
	assert.Equal(t, "./case", job.TestDir, "Mismatch in job field")
	assert.Equal(t, time.Minute, job.StepTimeout, "Mismatch in job field")
	assert.True(t, job.Preserve, "Mismatch in job field")
	assert.Equal(t, 5, job.Policy.MaxProbes, "Mismatch in job field")

	require.Len(t, job.Components, 2, "Mismatch in job components")
	assert.Equal(t, "cargo/bin/cargo", job.Components[1].Binaries["CARGO"], "Mismatch in job component")
	require.NotNil(t, job.Components[1].Fallback, "Component fallback missing")
	assert.Equal(t, "known-good", job.Components[1].Fallback.Commit, "Mismatch in job component")
	assert.Equal(t, time.Date(2017, time.March, 20, 0, 0, 0, 0, time.UTC), job.Components[1].Fallback.Before.UTC(), "Mismatch in job component")

	require.Len(t, job.Checks, 2, "Mismatch in job checks")
	assert.Equal(t, BinaryExists, job.Checks[0].CheckType, "Mismatch in job check")
	assert.Equal(t, 1, job.Checks[0].Config.Retries, "Check default not set")
	assert.Equal(t, 500*time.Millisecond, job.Checks[0].Config.Backoff, "Check default not set")
	assert.Equal(t, Script, job.Checks[1].CheckType, "Mismatch in job check")
	assert.Equal(t, 3, job.Checks[1].Config.Retries, "Mismatch in job check")

	// Defaults
	assert.Equal(t, 2, job.Policy.Retries, "Retries default not set")
	assert.Equal(t, time.Second, job.Policy.RetryBackoff, "Retry backoff default not set")
}

func TestGetJobFromConfigDefaults(t *testing.T) {
	job, err := GetJobFromConfig(strings.NewReader("start: a\nend: b\nrepository: repo\n"))
	require.NoError(t, err)

	assert.Equal(t, 90*24*time.Hour, job.Retention, "Retention default not set")
	assert.Equal(t, 2, job.Policy.Retries)
	assert.Equal(t, 100, job.MaxPages, "Page limit default not set")
	assert.Zero(t, job.Policy.MaxProbes)
	assert.Zero(t, job.StepTimeout)

	job, err = GetJobFromConfig(strings.NewReader("artifacts:\n  retentionDays: 0\nretries: 0\n"))
	require.NoError(t, err)
	assert.Zero(t, job.Retention, "Explicit zero retention was overridden")
	assert.Zero(t, job.Policy.Retries, "Explicit zero retries were overridden")
}

func TestGetJobFromConfigErrors(t *testing.T) {
	values := []string{
		"artifacts:\n  checks:\n    - type: http\n",
		"history:\n  github: rust\n",
		"start: [",
	}

	for _, yml := range values {
		_, err := GetJobFromConfig(strings.NewReader(yml))
		assert.Error(t, err, "Invalid config %q was accepted", yml)
	}
}
