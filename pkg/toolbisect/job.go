package toolbisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type historyYaml struct {
	AllParents bool   `yaml:"allParents"`
	Author     string `yaml:"author"`

	GitHub   string `yaml:"github"` // owner/repo
	Token    string `yaml:"token"`
	MaxPages int    `yaml:"maxPages" default:"100"`
}

type artifactsYaml struct {
	URLs []string `yaml:"urls"`

	Bucket    string   `yaml:"bucket"`
	Objects   []string `yaml:"objects"`
	Anonymous bool     `yaml:"anonymous"`

	Triple        string `yaml:"triple"`
	RetentionDays int    `yaml:"retentionDays" default:"90"`
	CacheDir      string `yaml:"cacheDir"`

	Components []Component `yaml:"components"`
	Checks     []checkYaml `yaml:"checks"`
}

type sandboxYaml struct {
	Image   string `yaml:"image"`
	Network bool   `yaml:"network"`
}

type testYaml struct {
	Predicate string        `yaml:"predicate"`
	Dir       string        `yaml:"dir"`
	Timeout   time.Duration `yaml:"timeout"`
	Invert    bool          `yaml:"invert"`
}

type jobYaml struct {
	Repository string `yaml:"repository"`

	Start string `yaml:"start"`
	End   string `yaml:"end"`

	History   historyYaml   `yaml:"history"`
	Artifacts artifactsYaml `yaml:"artifacts"`
	Sandbox   sandboxYaml   `yaml:"sandbox"`
	Test      testYaml      `yaml:"test"`

	Preserve bool `yaml:"preserve"`

	Retries         int           `yaml:"retries" default:"2"`
	RetryBackoff    time.Duration `yaml:"retryBackoff" default:"1000"`
	MaxProbes       int           `yaml:"maxProbes"`
	AssumeEndpoints bool          `yaml:"assumeEndpoints"`
}

// GetJobFromConfig reads in a job config in yaml format from a reader and initializes the corresponding job struct
func GetJobFromConfig(r io.Reader) (*Job, error) {
	var config jobYaml
	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	// Read in yaml
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}

	// Convert to Job struct
	job := Job{
		Repository: config.Repository,

		Start: config.Start,
		End:   config.End,

		AllParents: config.History.AllParents,
		Author:     config.History.Author,
		GitHub:     config.History.GitHub,
		Token:      config.History.Token,
		MaxPages:   config.History.MaxPages,

		URLs:      config.Artifacts.URLs,
		Bucket:    config.Artifacts.Bucket,
		Objects:   config.Artifacts.Objects,
		Anonymous: config.Artifacts.Anonymous,

		Triple:     config.Artifacts.Triple,
		Retention:  time.Duration(config.Artifacts.RetentionDays) * 24 * time.Hour,
		CacheDir:   config.Artifacts.CacheDir,
		Components: config.Artifacts.Components,

		Image:   config.Sandbox.Image,
		Network: config.Sandbox.Network,

		Predicate:   config.Test.Predicate,
		TestDir:     config.Test.Dir,
		StepTimeout: config.Test.Timeout * time.Millisecond,
		Invert:      config.Test.Invert,

		Preserve: config.Preserve,

		Policy: Policy{
			Retries:         config.Retries,
			RetryBackoff:    config.RetryBackoff * time.Millisecond,
			MaxProbes:       config.MaxProbes,
			AssumeEndpoints: config.AssumeEndpoints,
		},
	}

	if job.GitHub != "" && !strings.Contains(job.GitHub, "/") {
		return nil, fmt.Errorf("invalid github repository %q, expected owner/repo", job.GitHub)
	}

	// Set all the toolchain checks
	checkTypes := map[string]CheckType{
		"exists": BinaryExists,
		"script": Script,
	}
	for _, check := range config.Artifacts.Checks {
		if err := defaults.Set(&check); err != nil {
			return nil, err
		}
		checkType, ok := checkTypes[strings.ToLower(check.Type)]
		if !ok {
			return nil, fmt.Errorf("invalid check type supplied for toolchain check %s", check.Type)
		}

		job.Checks = append(job.Checks, ToolchainCheck{
			CheckType: checkType,

			Data: check.Data,
			Config: CheckConfig{
				Retries: check.Retries,

				Backoff: check.Backoff * time.Millisecond,

				BackoffIncrement: check.BackoffIncrement * time.Millisecond,
				MaxBackoff:       check.MaxBackoff * time.Millisecond,
			},
		})
	}

	return &job, nil
}

// A Job holds everything needed to bisect one regression: the commit range, where toolchains come from and how they are tested.
// Fields which are interfaces can be set to replace the components otherwise built from the remaining fields.
type Job struct {
	Repository string // The repository URL or a path to a local clone. Not needed if GitHub is set

	Start string // The commit at which the regression is absent
	End   string // The commit at which the regression is present

	AllParents bool   // Bisect every commit instead of only following first parents, i.e. merges into the main branch
	Author     string // If not empty, only commits by this author are bisected

	GitHub string // If set, the history is read through the GitHub API from this owner/repo instead of a clone
	Token  string // An optional GitHub API token

	MaxPages int // The maximum amount of pages of 100 commits requested from GitHub, or 0 if no limit

	URLs      []string // The URL templates of the artifact server. Defaults to [DefaultURLs]
	Bucket    string   // If set, artifacts are downloaded from this GCS bucket instead of over HTTP
	Objects   []string // The object name templates inside Bucket
	Anonymous bool     // Access Bucket without credentials

	Triple     string        // The target triple of the toolchains, defaults to the host's
	Retention  time.Duration // How long artifacts are retained by the source, or 0 if forever
	CacheDir   string        // Where toolchains are downloaded to. Defaults to toolbisect in the user's cache directory
	Components []Component   // The components of a toolchain. Defaults to [DefaultComponents]
	Checks     []ToolchainCheck

	Image   string // The docker image predicates are run in. If empty, predicates run as local processes
	Network bool   // Whether predicates have network access inside the container

	Predicate   string        // The path to the predicate executable, which exits with 0 if the regression is present
	TestDir     string        // An optional directory copied into the predicate's working directory
	StepTimeout time.Duration // The maximum duration of a single predicate run, or 0 if no limit
	Invert      bool          // Treat exit code 0 as the regression being absent

	Preserve bool // Keep downloaded toolchains and scratch directories

	Policy Policy

	History HistoryProvider
	Source  ArtifactSource
	Oracle  Oracle

	Log *logrus.Logger // The log to which information gets printed to

	repoPath  string // The path to the repository whose history is read
	clonedTo  string // The temporary directory the repository was cloned to, if any
	closeFunc func() error
}

// Run bisects the job's commit range and returns the report of the run.
// The returned error is only non-nil if the run could not be set up, or if it was cancelled, in which case the report is returned as well.
func (job *Job) Run(ctx context.Context) (*Report, error) {
	if err := job.init(ctx); err != nil {
		return nil, err
	}
	defer job.Stop()

	engine, err := job.engine(ctx)
	if err != nil {
		return nil, err
	}

	return engine.Bisect(ctx, job.Start, job.End)
}

// Install downloads and installs the toolchain of a single commit and keeps it.
// The returned artifact describes where the toolchain was installed to.
func (job *Job) Install(ctx context.Context, hash string) (*Artifact, error) {
	job.Preserve = true
	if err := job.init(ctx); err != nil {
		return nil, err
	}
	defer job.Stop()

	resolver, err := job.resolver(ctx)
	if err != nil {
		return nil, err
	}

	commit := Commit{Hash: hash}
	// Without the commit's date, neither the retention window nor fallbacks can apply
	if git, ok := job.History.(GitHistory); ok {
		if resolved, err := git.show(ctx, hash); err == nil {
			commit = resolved
		} else {
			job.Log.Warnf("Failed to look up commit %s, assuming its artifacts are retained - %v", hash, err)
		}
	}
	return resolver.Resolve(ctx, commit)
}

// Stop releases the resources held by the job, i.e. a temporary clone of its repository and open artifact source clients
func (job *Job) Stop() error {
	var errs []error
	if job.closeFunc != nil {
		errs = append(errs, job.closeFunc())
		job.closeFunc = nil
	}
	if job.clonedTo != "" {
		errs = append(errs, os.RemoveAll(job.clonedTo))
		job.clonedTo = ""
	}
	return errors.Join(errs...)
}

// init sets up the logger and the history provider
func (job *Job) init(ctx context.Context) error {
	// Init the logger
	if job.Log == nil {
		// Mute logger
		job.Log = logrus.New()
		job.Log.SetOutput(io.Discard)
	}

	if job.Triple == "" {
		job.Triple = hostTriple()
	}
	if job.CacheDir == "" {
		job.CacheDir = DefaultCacheDir()
	}

	if job.History != nil {
		return nil
	}

	if job.GitHub != "" {
		owner, repo, _ := strings.Cut(job.GitHub, "/")
		job.History = &GitHubHistory{
			Owner:    owner,
			Repo:     repo,
			Author:   job.Author,
			Token:    job.Token,
			MaxPages: job.MaxPages,
			Log:      job.Log.WithField("history", job.GitHub),
		}
		return nil
	}

	if err := job.prepareRepository(ctx); err != nil {
		return err
	}
	job.History = GitHistory{
		RepoPath:    job.repoPath,
		FirstParent: !job.AllParents,
		Author:      job.Author,
	}
	return nil
}

// prepareRepository uses the repository directly if it is a local directory and clones it otherwise
func (job *Job) prepareRepository(ctx context.Context) error {
	if job.Repository == "" {
		return fmt.Errorf("neither a repository nor a github repository was supplied")
	}
	if info, err := os.Stat(job.Repository); err == nil && info.IsDir() {
		job.repoPath = job.Repository
		return nil
	}

	job.Log.Info("Cloning repository...")
	// Clone repo
	var err error
	job.clonedTo, err = os.MkdirTemp("", "toolbisect-repo-")
	if err != nil {
		return err
	}
	args := []string{"clone", "--filter=blob:none", "--no-checkout", job.Repository, job.clonedTo}
	if out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput(); err != nil {
		os.RemoveAll(job.clonedTo)
		job.clonedTo = ""
		return errors.Join(fmt.Errorf("git clone of repository %s failed - %s", job.Repository, strings.TrimSpace(string(out))), err)
	}
	job.repoPath = job.clonedTo
	return nil
}

// engine builds the bisection engine from the job's fields
func (job *Job) engine(ctx context.Context) (*Engine, error) {
	resolver, err := job.resolver(ctx)
	if err != nil {
		return nil, err
	}

	oracle := job.Oracle
	if oracle == nil {
		if job.Predicate == "" {
			return nil, fmt.Errorf("no predicate was supplied")
		}
		predicate, err := filepath.Abs(job.Predicate)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(predicate); err != nil {
			return nil, errors.Join(fmt.Errorf("predicate %s not found", predicate), err)
		}

		var sandbox Sandbox = &ProcessSandbox{Log: job.Log.WithField("sandbox", "process")}
		if job.Image != "" {
			sandbox = &DockerSandbox{
				Image:   job.Image,
				Network: job.Network,
				Log:     job.Log.WithField("sandbox", job.Image),
			}
		}

		oracle = &ScriptOracle{
			Predicate:   predicate,
			TestDir:     job.TestDir,
			ScratchRoot: filepath.Join(job.CacheDir, "scratch"),
			Sandbox:     sandbox,
			Preserve:    job.Preserve,
			Log:         job.Log.WithField("oracle", filepath.Base(predicate)),
		}
	}

	return &Engine{
		History:  job.History,
		Resolver: resolver,
		Runner:   NewTestRunner(job.StepTimeout, job.Invert, job.Log.WithField("runner", "test")),
		Oracle:   oracle,
		Policy:   job.Policy,
		Log:      job.Log.WithField("range", fmt.Sprintf("%s..%s", shortHash(job.Start), shortHash(job.End))),
	}, nil
}

// resolver builds the artifact resolver from the job's fields
func (job *Job) resolver(ctx context.Context) (*Resolver, error) {
	source := job.Source
	if source == nil {
		if job.Bucket != "" {
			gcs, err := NewGCSSource(ctx, job.Bucket, job.Objects, job.Anonymous, job.Log.WithField("bucket", job.Bucket))
			if err != nil {
				return nil, err
			}
			job.closeFunc = gcs.Close
			source = gcs
		} else {
			urls := job.URLs
			if len(urls) == 0 {
				urls = DefaultURLs
			}
			source = &HTTPSource{URLs: urls, Log: job.Log.WithField("source", "http")}
		}
	}

	return &Resolver{
		Source:     source,
		Components: job.Components,
		Triple:     job.Triple,
		CacheDir:   job.CacheDir,
		Retention:  job.Retention,
		Preserve:   job.Preserve,
		Checks:     job.Checks,
		Log:        job.Log.WithField("resolver", job.Triple),
	}, nil
}

// DefaultCacheDir returns the directory toolchains are downloaded to if none is configured
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "toolbisect")
}

// hostTriple returns the target triple of the host
func hostTriple() string {
	arch := map[string]string{
		"amd64": "x86_64",
		"386":   "i686",
		"arm64": "aarch64",
	}[runtime.GOARCH]
	if arch == "" {
		arch = runtime.GOARCH
	}
	switch runtime.GOOS {
	case "darwin":
		return arch + "-apple-darwin"
	case "windows":
		return arch + "-pc-windows-msvc"
	default:
		return arch + "-unknown-" + runtime.GOOS + "-gnu"
	}
}

func shortHash(hash string) string {
	return Commit{Hash: hash}.Short()
}

// mutedLog returns a log entry which discards everything
func mutedLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
