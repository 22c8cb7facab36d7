//go:build unix

package toolbisect

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePredicate(t *testing.T, script string) string {
	predicate := filepath.Join(t.TempDir(), "predicate.sh")
	require.NoError(t, os.WriteFile(predicate, []byte("#!/bin/sh\n"+script+"\n"), 0755))
	return predicate
}

func TestProcessSandbox(t *testing.T) {
	t.Run("Exit code is returned", func(t *testing.T) {
		values := []int{0, 1, 42}

		for _, code := range values {
			predicate := writePredicate(t, "exit "+strconv.Itoa(code))

			got, err := (&ProcessSandbox{}).Run(context.Background(), testArtifact(t), predicate, t.TempDir())

			require.NoError(t, err, "Predicate exiting with %d returned an error", code)
			assert.Equal(t, code, got, "Wrong exit code")
		}
	})

	t.Run("Environment is cleared", func(t *testing.T) {
		t.Setenv("TOOLBISECT_LEAK", "leaked")
		artifact := testArtifact(t)
		scratch := t.TempDir()
		predicate := writePredicate(t, "env > env.txt; pwd > pwd.txt")

		code, err := (&ProcessSandbox{}).Run(context.Background(), artifact, predicate, scratch)
		require.NoError(t, err)
		require.Equal(t, 0, code)

		content, err := os.ReadFile(filepath.Join(scratch, "env.txt"))
		require.NoError(t, err, "Predicate did not run in the scratch directory")
		env := string(content)

		assert.NotContains(t, env, "TOOLBISECT_LEAK", "Host environment leaked into the predicate")
		assert.Contains(t, env, "PATH=", "PATH was not passed")
		assert.Contains(t, env, "RUSTC="+artifact.Env["RUSTC"], "Binary was not exported")
		assert.Contains(t, env, "TOOLCHAIN_ROOT="+artifact.Root, "Toolchain root was not exported")
		assert.Contains(t, env, "TOOLCHAIN_COMMIT=0123456789abcdef", "Commit was not exported")
		assert.Contains(t, env, "RUSTC_RELATIVE=", "Relative binary path was not exported")

		pwd, err := os.ReadFile(filepath.Join(scratch, "pwd.txt"))
		require.NoError(t, err)
		resolved, err := filepath.EvalSymlinks(scratch)
		require.NoError(t, err)
		assert.Equal(t, resolved, strings.TrimSpace(string(pwd)), "Predicate did not run in the scratch directory")
	})

	t.Run("Cancellation kills the predicate", func(t *testing.T) {
		predicate := writePredicate(t, "sleep 60 & wait")
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := (&ProcessSandbox{}).Run(ctx, testArtifact(t), predicate, t.TempDir())

		assert.ErrorIs(t, err, context.DeadlineExceeded, "Interrupted predicate did not return the context's error")
		assert.Less(t, time.Since(start), 10*time.Second, "Predicate was not killed")
	})

	t.Run("Children of the predicate do not outlive it", func(t *testing.T) {
		scratch := t.TempDir()
		predicate := writePredicate(t, "sleep 3171 & echo $! > child.pid; exit 0")

		start := time.Now()
		code, err := (&ProcessSandbox{}).Run(context.Background(), testArtifact(t), predicate, scratch)
		require.NoError(t, err)
		require.Equal(t, 0, code)
		assert.Less(t, time.Since(start), 4*time.Second, "Run waited for the output of the background child")

		content, err := os.ReadFile(filepath.Join(scratch, "child.pid"))
		require.NoError(t, err)
		pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			return !processAlive(pid)
		}, 2*time.Second, 20*time.Millisecond, "Background child %d outlived the predicate", pid)
	})

	t.Run("Missing predicate is an error", func(t *testing.T) {
		_, err := (&ProcessSandbox{}).Run(context.Background(), testArtifact(t), filepath.Join(t.TempDir(), "missing"), t.TempDir())
		assert.Error(t, err, "Missing predicate did not return an error")
	})
}

func TestScriptOracle(t *testing.T) {
	t.Run("Exit code zero reproduces the regression", func(t *testing.T) {
		values := []struct {
			script  string
			present bool
		}{
			{"exit 0", true},
			{"exit 1", false},
			{"exit 101", false},
		}

		for _, v := range values {
			oracle := &ScriptOracle{
				Predicate:   writePredicate(t, v.script),
				ScratchRoot: t.TempDir(),
				Sandbox:     &ProcessSandbox{},
			}

			present, err := oracle.Evaluate(context.Background(), testArtifact(t))

			require.NoError(t, err, "Evaluation of %q returned an error", v.script)
			assert.Equal(t, v.present, present, "Wrong verdict for %q", v.script)
		}
	})

	t.Run("Scratch directory is populated and removed", func(t *testing.T) {
		testDir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(testDir, "main.rs"), []byte("fn main() {}"), 0644))
		scratchRoot := t.TempDir()

		oracle := &ScriptOracle{
			Predicate:   writePredicate(t, "test -f main.rs && touch created"),
			TestDir:     testDir,
			ScratchRoot: scratchRoot,
			Sandbox:     &ProcessSandbox{},
		}

		present, err := oracle.Evaluate(context.Background(), testArtifact(t))
		require.NoError(t, err)
		assert.True(t, present, "Test directory was not copied into the scratch directory")

		entries, err := os.ReadDir(scratchRoot)
		require.NoError(t, err)
		assert.Empty(t, entries, "Scratch directory was not removed")
		assert.NoFileExists(t, filepath.Join(testDir, "created"), "Predicate wrote to the test directory")
	})

	t.Run("Preserved scratch directory is kept", func(t *testing.T) {
		scratchRoot := t.TempDir()
		oracle := &ScriptOracle{
			Predicate:   writePredicate(t, "touch created"),
			ScratchRoot: scratchRoot,
			Sandbox:     &ProcessSandbox{},
			Preserve:    true,
		}

		_, err := oracle.Evaluate(context.Background(), testArtifact(t))
		require.NoError(t, err)

		matches, err := filepath.Glob(filepath.Join(scratchRoot, "toolbisect-012345678-*", "created"))
		require.NoError(t, err)
		assert.Len(t, matches, 1, "Scratch directory was not preserved")
	})
}

// processAlive reports whether the process exists and is not a zombie waiting to be reaped
func processAlive(pid int) bool {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		return syscall.Kill(pid, 0) == nil
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(stat[bytes.LastIndexByte(stat, ')')+1:]))
	return len(fields) > 0 && fields[0] != "Z"
}
