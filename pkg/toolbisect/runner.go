package toolbisect

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// An Oracle decides whether the regression is present in a toolchain
type Oracle interface {
	// Evaluate returns true if the regression was reproduced with the passed toolchain.
	// An error means the toolchain could not be evaluated.
	Evaluate(ctx context.Context, artifact *Artifact) (bool, error)
}

// OracleFunc adapts a function to the Oracle interface
type OracleFunc func(ctx context.Context, artifact *Artifact) (bool, error)

func (f OracleFunc) Evaluate(ctx context.Context, artifact *Artifact) (bool, error) {
	return f(ctx, artifact)
}

// TestRunner runs an oracle against toolchains and turns the outcome into a verdict.
// A TestRunner never runs two evaluations at once.
type TestRunner struct {
	Timeout time.Duration // The maximum duration of one evaluation, or 0 if no limit
	Invert  bool          // Swap the meaning of the oracle's answer for the whole run

	Log *logrus.Entry

	initOnce sync.Once
	sem      *semaphore.Weighted
}

// NewTestRunner creates a test runner with the passed step timeout
func NewTestRunner(timeout time.Duration, invert bool, log *logrus.Entry) *TestRunner {
	if log == nil {
		log = mutedLog()
	}
	return &TestRunner{
		Timeout: timeout,
		Invert:  invert,
		Log:     log,
	}
}

// ErrStepTimeout is the fault of a verdict whose evaluation ran longer than the step timeout
var ErrStepTimeout = errors.New("step timeout expired")

// Run evaluates the oracle against the passed toolchain.
// Errors of the oracle, including an expired step timeout, result in an inconclusive verdict caused by an infrastructure failure.
func (t *TestRunner) Run(ctx context.Context, artifact *Artifact, oracle Oracle) Verdict {
	t.initOnce.Do(func() {
		t.sem = semaphore.NewWeighted(1)
		if t.Log == nil {
			t.Log = mutedLog()
		}
	})

	if err := t.sem.Acquire(ctx, 1); err != nil {
		return InfraFailure(err)
	}
	defer t.sem.Release(1)

	stepCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	start := time.Now()
	present, err := oracle.Evaluate(stepCtx, artifact)
	log := t.Log.WithField("commit", artifact.Commit.Short())
	if err != nil {
		if ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			err = errors.Join(fmt.Errorf("%w after %s", ErrStepTimeout, t.Timeout), err)
		}
		log.Warnf("Evaluation failed after %s - %v", time.Since(start).Round(time.Millisecond), err)
		return InfraFailure(err)
	}

	if t.Invert {
		present = !present
	}
	if present {
		log.Infof("Regression present in %s", artifact.Commit.Hash)
		return Present()
	}
	log.Infof("Regression absent in %s", artifact.Commit.Hash)
	return Absent()
}

// toolchainEnv returns the environment a predicate is run with, as KEY=value pairs.
// If relativeTo is not empty, every binary is additionally exported relative to it, with a _RELATIVE suffix.
func toolchainEnv(artifact *Artifact, relativeTo string) []string {
	keys := make([]string, 0, len(artifact.Env))
	for key := range artifact.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := []string{
		"TOOLCHAIN_ROOT=" + artifact.Root,
		"TOOLCHAIN_COMMIT=" + artifact.Commit.Hash,
	}
	for _, key := range keys {
		env = append(env, key+"="+artifact.Env[key])
		if relativeTo == "" {
			continue
		}
		if rel, err := filepath.Rel(relativeTo, artifact.Env[key]); err == nil {
			env = append(env, key+"_RELATIVE="+rel)
		}
	}
	return env
}
