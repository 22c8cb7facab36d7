package toolbisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// ProcessSandbox runs predicates as local processes.
// The environment is cleared except for PATH and the toolchain's variables, and the working directory is the scratch directory.
// It isolates less than DockerSandbox, but needs nothing besides the host.
type ProcessSandbox struct {
	Log *logrus.Entry
}

// Run executes the predicate and waits for it to exit.
// The predicate's process group is killed once it exited, or earlier if ctx is done.
func (p *ProcessSandbox) Run(ctx context.Context, artifact *Artifact, predicate, scratch string) (int, error) {
	log := p.Log
	if log == nil {
		log = mutedLog()
	}

	cmd := exec.CommandContext(ctx, predicate)
	cmd.Dir = scratch
	cmd.Env = append([]string{"PATH=" + os.Getenv("PATH")}, toolchainEnv(artifact, scratch)...)
	cmd.WaitDelay = 5 * time.Second
	setProcessGroup(cmd)

	out := log.WriterLevel(logrus.DebugLevel)
	defer out.Close()

	// Children left behind by the predicate may hold its output open, so Wait must not wait for the output to be copied
	pr, pw, err := os.Pipe()
	if err != nil {
		return -1, errors.Join(fmt.Errorf("failed to create output pipe for predicate %s", predicate), err)
	}
	defer pr.Close()
	cmd.Stdout = pw
	cmd.Stderr = pw

	err = cmd.Start()
	pw.Close()
	if err != nil {
		return -1, errors.Join(fmt.Errorf("failed to run predicate %s", predicate), err)
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		io.Copy(out, pr)
	}()

	err = cmd.Wait()
	// Whatever the predicate left running must not outlive the step
	killProcessGroup(cmd)
	select {
	case <-drained:
	case <-time.After(cmd.WaitDelay):
		log.Warnf("Output of predicate %s is still held open after its process group was killed", predicate)
		pr.Close()
		<-drained
	}

	if ctx.Err() != nil {
		return -1, errors.Join(fmt.Errorf("predicate %s was interrupted", predicate), ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.Exited() {
		return exitErr.ExitCode(), nil
	} else if err != nil {
		return -1, errors.Join(fmt.Errorf("failed to run predicate %s", predicate), err)
	}
	return 0, nil
}
