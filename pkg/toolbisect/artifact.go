package toolbisect

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// UnavailableReason tells why no artifact could be resolved for a commit
type UnavailableReason int

const (
	Expired  UnavailableReason = iota // The commit is older than the retention window of the artifact source
	NotBuilt                          // The artifact source has no artifact for the commit, e.g. because its build failed
	Network                           // The artifact source could not be reached
	Broken                            // The artifact was downloaded but could not be installed or failed its checks
)

func (r UnavailableReason) String() string {
	switch r {
	case Expired:
		return "expired"
	case NotBuilt:
		return "not built"
	case Network:
		return "network"
	case Broken:
		return "broken"
	}
	return fmt.Sprintf("UnavailableReason(%d)", int(r))
}

// An UnavailableError is returned by a resolver if no artifact exists for a commit.
// It is expected during bisection and never aborts a run by itself.
type UnavailableError struct {
	Commit Commit
	Reason UnavailableReason

	Err error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("no artifact for commit %s (%s)", e.Commit.Short(), e.Reason)
	if e.Err != nil {
		msg += " - " + e.Err.Error()
	}
	return msg
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ErrArtifactNotFound is returned by artifact sources if there is no artifact for a request
var ErrArtifactNotFound = errors.New("artifact not found")

// An ArtifactResolver maps a commit to an installed toolchain
type ArtifactResolver interface {
	// Resolve installs the toolchain of the passed commit.
	// If no toolchain is available, the returned error is an *UnavailableError.
	Resolve(ctx context.Context, commit Commit) (*Artifact, error)
}

// An Artifact is an installed toolchain of a single commit
type Artifact struct {
	Commit Commit // The commit this toolchain was built from

	Root string            // The directory the toolchain was installed to
	Env  map[string]string // Environment variables pointing to the toolchain's binaries, as absolute paths

	Digests   map[string]digest.Digest // The digests of the downloaded archives, by component
	Fallbacks map[string]string        // Components which were taken from a fallback commit, mapped to that commit

	Preserve bool // Whether the installed toolchain outlives the run

	releaseOnce sync.Once
	releaseErr  error
}

// Release removes the installed toolchain unless it is to be preserved.
// Release may be called multiple times.
func (a *Artifact) Release() error {
	if a == nil {
		return nil
	}
	a.releaseOnce.Do(func() {
		if a.Preserve || a.Root == "" {
			return
		}
		a.releaseErr = os.RemoveAll(a.Root)
	})
	return a.releaseErr
}

// ComponentFallback replaces the commit a component is downloaded from for old commits
type ComponentFallback struct {
	Before time.Time `yaml:"before"` // Commits dated before this use the fallback commit
	Commit string    `yaml:"commit"` // The commit to download the component from instead
}

// A Component is a separately downloaded part of a toolchain, e.g. the compiler or the package manager
type Component struct {
	Name string `yaml:"name"` // The name of the component, substituted for {component} in artifact locations

	// If set, only archive entries below StripPrefix are installed, relocated below InstallPrefix.
	// Both may contain the {triple} placeholder.
	StripPrefix   string `yaml:"stripPrefix"`
	InstallPrefix string `yaml:"installPrefix"`

	Binaries map[string]string `yaml:"binaries"` // Environment variables mapped to binary paths relative to the toolchain root

	Fallback *ComponentFallback `yaml:"fallback"`
}

// DefaultComponents are the components of a rust toolchain
var DefaultComponents = []Component{
	{
		Name: "rustc",
		Binaries: map[string]string{
			"RUSTC":   "rustc/bin/rustc",
			"RUSTDOC": "rustc/bin/rustdoc",
		},
	},
	{
		Name:          "rust-std",
		StripPrefix:   "rust-std-{triple}/lib/rustlib",
		InstallPrefix: "rustc/lib/rustlib",
	},
	{
		Name: "cargo",
		Binaries: map[string]string{
			"CARGO": "cargo/bin/cargo",
		},
		// Cargo of compilers older than this has bugs, use a known-good one instead
		Fallback: &ComponentFallback{
			Before: time.Date(2017, time.March, 20, 0, 0, 0, 0, time.UTC),
			Commit: "53eb08bedc8719844bb553dbe1a39d9010783ff5",
		},
	},
}

// commitFor returns the commit this component has to be downloaded from for the passed commit
func (c Component) commitFor(commit Commit) (string, bool) {
	if c.Fallback != nil && c.Fallback.Commit != "" && !commit.Date.IsZero() && commit.Date.Before(c.Fallback.Before) {
		return c.Fallback.Commit, true
	}
	return commit.Hash, false
}

// Resolver resolves commits to toolchains by downloading their components from an artifact source
type Resolver struct {
	Source ArtifactSource // Where the artifacts are downloaded from

	Components []Component // The components making up a toolchain
	Triple     string      // The target triple of the downloaded toolchains

	CacheDir  string        // The directory archives get downloaded to and toolchains get installed to
	Retention time.Duration // How long the source retains artifacts, or 0 if forever

	Preserve bool // Keep downloaded archives and installed toolchains

	Checks []ToolchainCheck // Checks a freshly installed toolchain has to pass

	Log *logrus.Entry

	now func() time.Time
}

// Resolve downloads and installs the toolchain of the passed commit.
// Commits outside of the retention window are reported as unavailable without contacting the source.
func (r *Resolver) Resolve(ctx context.Context, commit Commit) (*Artifact, error) {
	log := r.log().WithField("commit", commit.Short())

	now := time.Now
	if r.now != nil {
		now = r.now
	}
	if r.Retention > 0 && !commit.Date.IsZero() && now().Sub(commit.Date) > r.Retention {
		return nil, &UnavailableError{Commit: commit, Reason: Expired, Err: fmt.Errorf("commit date %s is outside the retention window of %s", commit.Date.Format(time.RFC3339), r.Retention)}
	}

	components := r.Components
	if len(components) == 0 {
		components = DefaultComponents
	}

	root, err := filepath.Abs(filepath.Join(r.CacheDir, commit.Hash))
	if err != nil {
		return nil, err
	}
	// Never install over leftovers of an interrupted run
	if err := os.RemoveAll(root); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to clear install directory %s", root), err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create install directory %s", root), err)
	}

	artifact := &Artifact{
		Commit:    commit,
		Root:      root,
		Env:       make(map[string]string),
		Digests:   make(map[string]digest.Digest),
		Fallbacks: make(map[string]string),
		Preserve:  r.Preserve,
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, component := range components {
		component := component
		g.Go(func() error {
			d, fallback, err := r.installComponent(gctx, commit, component, root, log.WithField("component", component.Name))
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			artifact.Digests[component.Name] = d
			if fallback != "" {
				artifact.Fallbacks[component.Name] = fallback
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		os.RemoveAll(root)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var unavailable *UnavailableError
		if errors.As(err, &unavailable) {
			return nil, unavailable
		}
		return nil, &UnavailableError{Commit: commit, Reason: Broken, Err: err}
	}

	for _, component := range components {
		for env, rel := range component.Binaries {
			artifact.Env[env] = filepath.Join(root, filepath.FromSlash(rel))
		}
	}

	for _, check := range r.Checks {
		if ok, err := check.performCheck(ctx, artifact); !ok {
			os.RemoveAll(root)
			return nil, &UnavailableError{Commit: commit, Reason: Broken, Err: errors.Join(fmt.Errorf("toolchain check %q failed", check.Data), err)}
		}
	}

	log.Infof("Installed toolchain of commit %s to %s", commit.Hash, root)
	return artifact, nil
}

// installComponent downloads the archive of a single component and unpacks it into root
func (r *Resolver) installComponent(ctx context.Context, commit Commit, component Component, root string, log *logrus.Entry) (digest.Digest, string, error) {
	sha, usedFallback := component.commitFor(commit)
	fallback := ""
	if usedFallback {
		fallback = sha
		log.Infof("Using component %s of fallback commit %s", component.Name, sha)
	}

	req := Request{Commit: sha, Component: component.Name, Triple: r.Triple}

	// Reuse an archive downloaded by a previous run
	for _, ext := range archiveExtensions {
		archive := r.archivePath(req, ext)
		if _, err := os.Stat(archive); err != nil {
			continue
		}
		d, err := r.unpack(archive, component, root)
		if err == nil {
			log.Debugf("Reused cached archive %s", archive)
			return d, fallback, nil
		}
		log.Warnf("Extracting cached archive %s failed, downloading it again - %v", archive, err)
		os.Remove(archive)
	}

	loc, err := r.Source.Lookup(ctx, req)
	if errors.Is(err, ErrArtifactNotFound) {
		return "", "", &UnavailableError{Commit: commit, Reason: NotBuilt, Err: errors.Join(fmt.Errorf("no %s artifact for commit %s", component.Name, sha), err)}
	} else if err != nil {
		return "", "", &UnavailableError{Commit: commit, Reason: Network, Err: err}
	}

	archive := r.archivePath(req, loc.Ext)
	fetched, err := r.Source.Fetch(ctx, loc, archive)
	if errors.Is(err, ErrArtifactNotFound) {
		return "", "", &UnavailableError{Commit: commit, Reason: NotBuilt, Err: err}
	} else if err != nil {
		return "", "", &UnavailableError{Commit: commit, Reason: Network, Err: err}
	}
	log.Infof("Downloaded %s (%s, %s)", loc.URI, humanize.Bytes(uint64(fetched.Size)), fetched.Digest)

	if !r.Preserve {
		defer os.Remove(archive)
	}

	if _, err := r.unpack(archive, component, root); err != nil {
		os.Remove(archive)
		return "", "", &UnavailableError{Commit: commit, Reason: Broken, Err: err}
	}
	return fetched.Digest, fallback, nil
}

func (r *Resolver) unpack(archive string, component Component, root string) (digest.Digest, error) {
	f, err := os.Open(archive)
	if err != nil {
		return "", err
	}
	defer f.Close()

	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	rules := extractRules{
		stripPrefix:   strings.ReplaceAll(component.StripPrefix, "{triple}", r.Triple),
		installPrefix: strings.ReplaceAll(component.InstallPrefix, "{triple}", r.Triple),
	}
	if err := extractArchive(f, root, rules); err != nil {
		return "", errors.Join(fmt.Errorf("failed to extract %s", archive), err)
	}
	return d, nil
}

// archivePath returns the path a downloaded archive is cached at
func (r *Resolver) archivePath(req Request, ext string) string {
	return filepath.Join(r.CacheDir, fmt.Sprintf("%s-%s-%s%s", req.Commit, req.Triple, req.Component, ext))
}

func (r *Resolver) log() *logrus.Entry {
	if r.Log == nil {
		r.Log = mutedLog()
	}
	return r.Log
}
