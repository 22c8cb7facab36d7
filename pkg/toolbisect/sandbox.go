package toolbisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dchest/uniuri"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// A Sandbox executes a predicate in an environment isolated from the host
type Sandbox interface {
	// Run executes the predicate with the toolchain of the passed artifact, using scratch as its working directory.
	// The returned exit code is only valid if the returned error is nil.
	// An error means the sandbox itself failed, not the predicate.
	Run(ctx context.Context, artifact *Artifact, predicate, scratch string) (int, error)
}

// ScriptOracle evaluates a predicate executable inside a sandbox.
// The predicate reproducing the regression is signalled by exit code 0.
type ScriptOracle struct {
	Predicate string // The absolute path to the predicate executable
	TestDir   string // An optional directory whose contents are copied into every fresh scratch directory

	ScratchRoot string // The directory scratch directories are created in, defaults to the system's temp directory

	Sandbox Sandbox

	Preserve bool // Keep scratch directories for inspection

	Log *logrus.Entry
}

// Evaluate runs the predicate against the passed toolchain in a fresh scratch directory
func (o *ScriptOracle) Evaluate(ctx context.Context, artifact *Artifact) (bool, error) {
	log := o.Log
	if log == nil {
		log = mutedLog()
	}

	root := o.ScratchRoot
	if root == "" {
		root = os.TempDir()
	}
	scratch := filepath.Join(root, fmt.Sprintf("toolbisect-%s-%s", artifact.Commit.Short(), uniuri.NewLen(8)))
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return false, errors.Join(fmt.Errorf("failed to create scratch directory %s", scratch), err)
	}
	defer func() {
		if o.Preserve {
			log.Infof("Preserved scratch directory %s", scratch)
			return
		}
		if err := os.RemoveAll(scratch); err != nil {
			log.Warnf("Failed to remove scratch directory %s - %v", scratch, err)
		}
	}()

	if o.TestDir != "" {
		if err := copy.Copy(o.TestDir, scratch, copy.Options{Specials: true}); err != nil {
			return false, errors.Join(fmt.Errorf("failed to copy test directory %s to %s", o.TestDir, scratch), err)
		}
	}

	code, err := o.Sandbox.Run(ctx, artifact, o.Predicate, scratch)
	if err != nil {
		return false, err
	}
	log.WithField("commit", artifact.Commit.Short()).Debugf("Predicate exited with code %d", code)
	return code == 0, nil
}

const (
	containerToolchainDir = "/toolchain"
	containerWorkDir      = "/work"
	containerPredicateDir = "/predicate"
)

// DockerSandbox runs predicates in throwaway docker containers.
// The toolchain is mounted read-only and the scratch directory read-write, nothing else of the host is shared.
type DockerSandbox struct {
	Image string // The image predicates run in. It has to provide everything the toolchain needs besides itself, e.g. a linker

	Network bool // Whether the container has network access

	Log *logrus.Entry
}

// Run creates a container for the predicate, waits for it to exit and removes it.
// The container is removed on every path, including cancellation.
func (d *DockerSandbox) Run(ctx context.Context, artifact *Artifact, predicate, scratch string) (int, error) {
	log := d.Log
	if log == nil {
		log = mutedLog()
	}

	// Create docker client
	apiClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return -1, errors.Join(fmt.Errorf("docker client creation failed"), err)
	}
	defer apiClient.Close()

	if err := d.ensureImage(ctx, apiClient, log); err != nil {
		return -1, err
	}

	predicateTarget := containerPredicateDir + "/" + filepath.Base(predicate)

	containerConfig := &container.Config{
		Image:      d.Image,
		Cmd:        []string{predicateTarget},
		Env:        containerEnv(artifact),
		WorkingDir: containerWorkDir,
		Labels:     map[string]string{"toolbisect": "1"},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: artifact.Root, Target: containerToolchainDir, ReadOnly: true},
			{Type: mount.TypeBind, Source: scratch, Target: containerWorkDir},
			{Type: mount.TypeBind, Source: predicate, Target: predicateTarget, ReadOnly: true},
		},
	}
	if !d.Network {
		hostConfig.NetworkMode = "none"
	}

	containerName := "toolbisect-" + uniuri.New()

	resp, err := apiClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return -1, errors.Join(fmt.Errorf("container creation with name %s of image %s failed", containerName, d.Image), err)
	}
	defer func() {
		// The run's context may be cancelled already
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := apiClient.ContainerRemove(removeCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Warnf("Failed to remove container %s - %v", containerName, err)
		}
	}()

	statusCh, errCh := apiClient.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)

	if err := apiClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return -1, errors.Join(fmt.Errorf("container start with name %s and id %s of image %s failed", containerName, resp.ID, d.Image), err)
	}
	log.Infof("Started container %s running the predicate against commit %s", containerName, artifact.Commit.Hash)

	var status container.WaitResponse
	select {
	case err := <-errCh:
		return -1, errors.Join(fmt.Errorf("waiting for container %s failed", containerName), err)
	case status = <-statusCh:
	}
	if status.Error != nil {
		return -1, fmt.Errorf("container %s failed - %s", containerName, status.Error.Message)
	}

	d.copyLogs(ctx, apiClient, resp.ID, log)

	return int(status.StatusCode), nil
}

// ensureImage pulls the sandbox image if it does not exist locally
func (d *DockerSandbox) ensureImage(ctx context.Context, apiClient *client.Client, log *logrus.Entry) error {
	if _, _, err := apiClient.ImageInspectWithRaw(ctx, d.Image); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return errors.Join(fmt.Errorf("failed to inspect image %s", d.Image), err)
	}

	log.Infof("Pulling image %s", d.Image)
	out, err := apiClient.ImagePull(ctx, d.Image, image.PullOptions{})
	if err != nil {
		return errors.Join(fmt.Errorf("failed to pull image %s", d.Image), err)
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	return err
}

func (d *DockerSandbox) copyLogs(ctx context.Context, apiClient *client.Client, id string, log *logrus.Entry) {
	out, err := apiClient.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		log.Debugf("Failed to get container logs - %v", err)
		return
	}
	defer out.Close()

	w := log.WriterLevel(logrus.DebugLevel)
	defer w.Close()
	if _, err := stdcopy.StdCopy(w, w, out); err != nil {
		log.Debugf("Failed to copy container logs - %v", err)
	}
}

// containerEnv returns the toolchain environment with paths rewritten to where the toolchain is mounted in the container
func containerEnv(artifact *Artifact) []string {
	var env []string
	for _, kv := range toolchainEnv(artifact, "") {
		key, value, _ := strings.Cut(kv, "=")
		if isWithin(artifact.Root, value) {
			if rel, err := filepath.Rel(artifact.Root, value); err == nil {
				value = filepath.ToSlash(filepath.Join(containerToolchainDir, rel))
			}
		}
		env = append(env, key+"="+value)
	}
	return env
}
