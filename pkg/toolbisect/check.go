package toolbisect

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

type checkYaml struct {
	Type string `yaml:"type"`

	Data string `yaml:"data"`

	Retries int `yaml:"retries" default:"1"`

	Backoff          time.Duration `yaml:"backoff" default:"500"`
	BackoffIncrement time.Duration `yaml:"backoffIncrement" default:"500"`
	MaxBackoff       time.Duration `yaml:"maxBackoff" default:"2000"`
}

// CheckConfig provides configurations for checks being performed, such as the amount of retries or backoff duration
type CheckConfig struct {
	Retries int // How many times this check should be retried until it is considered to have failed

	Backoff time.Duration // How long to wait between each check retry

	BackoffIncrement time.Duration // By how much to increment the backoff on each failed attempt
	MaxBackoff       time.Duration // The maximum duration the backoff may reach after incrementing. When the backoff has reached this value, it won't increase any further
}

// CheckType is the kind of a toolchain check
type CheckType int

const (
	// Check consists of making sure a file exists and is executable. Check data holds the path relative to the toolchain root
	BinaryExists CheckType = iota
	// Check consists of a shell script which has to exit with code 0. Check data holds the script, which has access to the toolchain's environment variables
	Script
)

// A ToolchainCheck verifies that a freshly installed toolchain is usable before a predicate is run against it.
// Toolchains failing a check are treated as unavailable.
type ToolchainCheck struct {
	CheckType CheckType // The type of check to be performed

	Data   string      // Additional data for a given check type. Functionality depends on check type
	Config CheckConfig // The config for this check
}

// performCheck performs the given check on the passed artifact.
// If the check is unsuccessful, the returned boolean is false and the error may not be nil.
// If the returned boolean is true, the returned error is nil
func (c ToolchainCheck) performCheck(ctx context.Context, artifact *Artifact) (bool, error) {
	var lastSuccess bool
	var lastError error

	retries := max(c.Config.Retries, 1)
	backoffDuration := c.Config.Backoff
	for i := 0; i < retries; i++ {
		lastSuccess, lastError = c.performSingleCheck(ctx, artifact)
		if lastSuccess {
			return true, nil
		}

		// Manage backoff
		if i != retries-1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(backoffDuration):
			}
			backoffDuration += c.Config.BackoffIncrement
			if backoffDuration > c.Config.MaxBackoff {
				backoffDuration = c.Config.MaxBackoff
			}
		}
	}

	return lastSuccess, lastError
}

// performSingleCheck performs a single try of the given check on the passed artifact.
// If the check is unsuccessful, the returned boolean is false and the error may not be nil.
// If the returned boolean is true, the returned error is nil
func (c ToolchainCheck) performSingleCheck(ctx context.Context, artifact *Artifact) (bool, error) {
	switch c.CheckType {
	case BinaryExists:
		info, err := os.Stat(filepath.Join(artifact.Root, filepath.FromSlash(c.Data)))
		if err != nil {
			return false, err
		}
		if info.IsDir() || info.Mode().Perm()&0111 == 0 {
			return false, fmt.Errorf("%s is not an executable file", c.Data)
		}
		return true, nil
	case Script:
		cmd := exec.CommandContext(ctx, "sh", "-c", c.Data)
		cmd.Dir = artifact.Root
		cmd.Env = append(os.Environ(), toolchainEnv(artifact, "")...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return false, fmt.Errorf("check script failed - %v, output: %s", err, out)
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown check type %d", c.CheckType)
	}
}
