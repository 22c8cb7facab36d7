package toolbisect

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTestRunner(t *testing.T) {
	artifact := &Artifact{Commit: Commit{Hash: "abc"}}

	t.Run("Oracle answers become verdicts", func(t *testing.T) {
		values := []struct {
			present  bool
			invert   bool
			expected VerdictKind
		}{
			{true, false, RegressionPresent},
			{false, false, RegressionAbsent},
			{true, true, RegressionAbsent},
			{false, true, RegressionPresent},
		}

		for _, v := range values {
			runner := NewTestRunner(0, v.invert, nil)
			verdict := runner.Run(context.Background(), artifact, OracleFunc(func(ctx context.Context, artifact *Artifact) (bool, error) {
				return v.present, nil
			}))

			assert.Equal(t, v.expected, verdict.Kind, "Wrong verdict for answer %t with invert %t", v.present, v.invert)
			assert.True(t, verdict.IsConclusive())
		}
	})

	t.Run("Oracle error is an infrastructure failure", func(t *testing.T) {
		fault := errors.New("docker daemon not running")
		verdict := NewTestRunner(0, false, nil).Run(context.Background(), artifact, OracleFunc(func(ctx context.Context, artifact *Artifact) (bool, error) {
			return false, fault
		}))

		assert.Equal(t, Inconclusive, verdict.Kind)
		assert.Equal(t, InfrastructureFailure, verdict.Reason)
		assert.ErrorIs(t, verdict.Err, fault)
	})

	t.Run("Step timeout is an infrastructure failure", func(t *testing.T) {
		verdict := NewTestRunner(50*time.Millisecond, false, nil).Run(context.Background(), artifact, OracleFunc(func(ctx context.Context, artifact *Artifact) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		}))

		assert.Equal(t, InfrastructureFailure, verdict.Reason)
		assert.ErrorIs(t, verdict.Err, ErrStepTimeout, "Timeout was not named")
	})

	t.Run("Evaluations never overlap", func(t *testing.T) {
		runner := &TestRunner{}
		var running, overlaps atomic.Int32
		oracle := OracleFunc(func(ctx context.Context, artifact *Artifact) (bool, error) {
			if running.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return true, nil
		})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				runner.Run(context.Background(), artifact, oracle)
			}()
		}
		wg.Wait()

		assert.Zero(t, overlaps.Load(), "Evaluations ran concurrently")
	})
}

func TestToolchainEnv(t *testing.T) {
	artifact := &Artifact{
		Commit: Commit{Hash: "abc"},
		Root:   "/cache/abc",
		Env: map[string]string{
			"RUSTC": "/cache/abc/rustc/bin/rustc",
			"CARGO": "/cache/abc/cargo/bin/cargo",
		},
	}

	assert.Equal(t, []string{
		"TOOLCHAIN_ROOT=/cache/abc",
		"TOOLCHAIN_COMMIT=abc",
		"CARGO=/cache/abc/cargo/bin/cargo",
		"RUSTC=/cache/abc/rustc/bin/rustc",
	}, toolchainEnv(artifact, ""), "Wrong environment")

	assert.Contains(t, toolchainEnv(artifact, "/cache/scratch"), "RUSTC_RELATIVE="+filepath.FromSlash("../abc/rustc/bin/rustc"), "Wrong relative path")

	assert.Equal(t, []string{
		"TOOLCHAIN_ROOT=/toolchain",
		"TOOLCHAIN_COMMIT=abc",
		"CARGO=/toolchain/cargo/bin/cargo",
		"RUSTC=/toolchain/rustc/bin/rustc",
	}, containerEnv(artifact), "Wrong container environment")
}
