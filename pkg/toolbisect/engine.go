package toolbisect

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// State is the state of a bisection run
type State int

const (
	Initializing State = iota // The commits are loaded and the endpoints are established
	Searching                 // The search interval is being narrowed
	Converged                 // The first bad commit was found
	Exhausted                 // No commit inside the search interval could be tested
	Failed                    // The run was aborted by infrastructure failures, ambiguous endpoints or cancellation
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Searching:
		return "searching"
	case Converged:
		return "converged"
	case Exhausted:
		return "exhausted"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrPredicateAmbiguous is the fault of a run whose endpoints do not show the regression as absent at the start and present at the end
	ErrPredicateAmbiguous = errors.New("predicate does not bracket a regression")
	// ErrRetriesExhausted is the fault of a run in which a commit kept failing because of infrastructure failures
	ErrRetriesExhausted = errors.New("retries exhausted")

	errProbesExhausted = errors.New("probe limit reached")
)

// Policy configures how a bisection handles commits which cannot be tested
type Policy struct {
	Retries      int           // How often a commit is retried after an infrastructure failure or a network failure of its artifact source
	RetryBackoff time.Duration // How long to wait between retries

	// The maximum amount of consecutive unavailable commits probed in one step, or 0 if no limit.
	// Reaching it ends the run as exhausted.
	MaxProbes int

	AssumeEndpoints bool // Skip testing the start and end commit and assume the regression is absent at the start and present at the end
}

// An Engine bisects a commit range to find the commit which introduced a regression.
// Engines hold no state between runs, and a single engine must not be used by multiple runs at once.
type Engine struct {
	History  HistoryProvider
	Resolver ArtifactResolver
	Runner   *TestRunner
	Oracle   Oracle

	Policy Policy

	Log *logrus.Entry
}

// run is the state of a single bisection run
type run struct {
	engine *Engine
	log    *logrus.Entry

	commits   []Commit
	low, high int // Positions of the newest commit without the regression and the oldest commit with it

	unavailable map[int]bool // Positions whose artifacts could not be resolved during this run
	narrowed    bool         // Whether the interval shrank at least once

	faults *multierror.Error
	report *Report
}

// Bisect searches the commits between start and end for the first commit exhibiting the regression.
// It only returns an error, and no report, if the commit range is invalid.
// Every other outcome, including cancellation, is described by the returned report. A cancelled run additionally returns the context's error.
func (e *Engine) Bisect(ctx context.Context, start, end string) (*Report, error) {
	log := e.Log
	if log == nil {
		log = mutedLog()
	}
	if e.Runner == nil {
		e.Runner = NewTestRunner(0, false, log)
	}

	report := newReport(start, end)

	log.Info("Getting all commits...")
	commits, err := e.History.OrderedCommits(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(commits) < 2 {
		return nil, &HistoryError{Start: start, End: end, Msg: fmt.Sprintf("expected at least two commits, got %d", len(commits))}
	}

	r := &run{
		engine: e,
		log:    log,

		commits: commits,
		low:     0,
		high:    len(commits) - 1,

		unavailable: make(map[int]bool),

		report: report,
	}
	report.Commits = len(commits)

	log.Infof("Searching in %d commits; about %d steps", len(commits), bits.Len(uint(len(commits)-1)))

	if !e.Policy.AssumeEndpoints {
		if err := r.establishEndpoints(ctx); err != nil {
			return r.fail(ctx, err)
		}
	}

	report.State = Searching
	for r.high-r.low > 1 {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, err)
		}

		pos, verdict, err := r.step(ctx)
		if errors.Is(err, errProbesExhausted) {
			log.Warnf("Gave up after %d consecutive unavailable commits between %s and %s", e.Policy.MaxProbes, r.commits[r.low].Short(), r.commits[r.high].Short())
			return r.finish(Exhausted), nil
		} else if err != nil {
			return r.fail(ctx, err)
		}

		if pos < 0 {
			// Every commit strictly inside the interval is unavailable
			if !r.narrowed {
				log.Warnf("No commit between %s and %s has an artifact", r.commits[r.low].Short(), r.commits[r.high].Short())
				return r.finish(Exhausted), nil
			}
			for i := r.low + 1; i < r.high; i++ {
				report.PossibleOtherCommits = append(report.PossibleOtherCommits, r.commits[i].Hash)
			}
			log.Warnf("Commits between %s and %s have no artifacts, they may have introduced the regression as well", r.commits[r.low].Short(), r.commits[r.high].Short())
			break
		}

		switch verdict.Kind {
		case RegressionPresent:
			r.high = pos
		case RegressionAbsent:
			r.low = pos
		}
		r.narrowed = true
		log.Infof("Regression between %s and %s, expected amount of steps left: ~%d", r.commits[r.low].Short(), r.commits[r.high].Short(), bits.Len(uint(r.high-r.low-1)))
	}

	firstBad := r.commits[r.high]
	report.FirstBad = &firstBad
	log.Infof("Found offending commit %s with offset %d. Summary: %q, Date: %q, Author: %q", firstBad.Hash, firstBad.Position, firstBad.Summary, firstBad.Date.Format(time.RFC1123Z), firstBad.Author)
	return r.finish(Converged), nil
}

// establishEndpoints tests the start and end commit, which have to show the regression as absent and present respectively
func (r *run) establishEndpoints(ctx context.Context) error {
	low, err := r.test(ctx, r.low)
	if err != nil {
		return err
	}
	if !low.IsConclusive() {
		return r.endpointUnavailable("start", r.commits[r.low], low)
	}
	high, err := r.test(ctx, r.high)
	if err != nil {
		return err
	}
	if !high.IsConclusive() {
		return r.endpointUnavailable("end", r.commits[r.high], high)
	}

	if low.Kind == RegressionAbsent && high.Kind == RegressionPresent {
		return nil
	}
	if low.Kind == RegressionPresent && high.Kind == RegressionAbsent {
		r.log.Warn("The predicate reproduced the regression at the start commit but not at the end commit. Its exit code convention is likely inverted, exit code 0 has to mean the regression is present")
	}
	return fmt.Errorf("%w: regression is %s at start commit %s and %s at end commit %s", ErrPredicateAmbiguous, low.Kind, r.commits[r.low].Short(), high.Kind, r.commits[r.high].Short())
}

// endpointUnavailable returns the fault of an endpoint which could not be tested, naming what can be done about it
func (r *run) endpointUnavailable(endpoint string, commit Commit, verdict Verdict) error {
	err := errors.Join(fmt.Errorf("cannot establish the verdict of %s commit %s", endpoint, commit.Hash), verdict.Err)
	if verdict.Reason != ArtifactUnavailable {
		return err
	}
	switch verdict.Unavailable {
	case Expired:
		r.log.Warnf("The artifacts of %s commit %s (%s) are past the retention window of the artifact source. Choose a newer --%s commit", endpoint, commit.Short(), commit.Date.Format(time.DateOnly), endpoint)
		return errors.Join(fmt.Errorf("%s commit %s is past the artifact retention window, choose a newer --%s commit", endpoint, commit.Short(), endpoint), err)
	case NotBuilt, Broken:
		r.log.Warnf("%s commit %s has no usable artifact (%s). Choose a neighbouring --%s commit", endpoint, commit.Short(), verdict.Unavailable, endpoint)
	}
	return err
}

// step tests the commit closest to the middle of the interval which has an artifact.
// It returns a position of -1 if no commit inside the interval has an artifact.
func (r *run) step(ctx context.Context) (int, Verdict, error) {
	mid := r.low + (r.high-r.low)/2

	probes := 0
	for _, pos := range r.candidates(mid) {
		if r.unavailable[pos] {
			continue
		}
		verdict, err := r.test(ctx, pos)
		if err != nil {
			return -1, verdict, err
		}
		if verdict.IsConclusive() {
			return pos, verdict, nil
		}

		r.log.WithField("commit", r.commits[pos].Short()).Infof("Commit at offset %d is unavailable (%s), probing its neighbours", pos, verdict.Unavailable)
		r.unavailable[pos] = true
		probes++
		if limit := r.engine.Policy.MaxProbes; limit > 0 && probes >= limit {
			return -1, verdict, errProbesExhausted
		}
	}
	return -1, Verdict{}, nil
}

// candidates returns the positions strictly inside the interval ordered by their distance to mid.
// The lower neighbour comes first on equal distance.
func (r *run) candidates(mid int) []int {
	var positions []int
	for d := 0; ; d++ {
		below, above := mid-d, mid+d
		belowInside, aboveInside := below > r.low, above < r.high
		if !belowInside && !aboveInside {
			return positions
		}
		if belowInside {
			positions = append(positions, below)
		}
		if d > 0 && aboveInside {
			positions = append(positions, above)
		}
	}
}

// test resolves and evaluates the commit at the passed position, retrying infrastructure failures.
// An error is returned if the run is cancelled or the commit keeps failing because of the infrastructure.
// Commits whose artifact is unavailable result in an inconclusive verdict and no error.
func (r *run) test(ctx context.Context, pos int) (Verdict, error) {
	commit := r.commits[pos]
	log := r.log.WithField("commit", commit.Short())

	var verdict Verdict
	attempt := 0
	op := func() error {
		attempt++
		verdict = r.attempt(ctx, commit, attempt)
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if verdict.Reason == InfrastructureFailure || (verdict.Reason == ArtifactUnavailable && verdict.Unavailable == Network) {
			return verdict.Err
		}
		return nil
	}

	policy := r.engine.Policy
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.RetryBackoff), uint64(max(policy.Retries, 0))), ctx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		log.Warnf("Attempt %d at commit %s failed, retrying in %s - %v", attempt, commit.Hash, wait, err)
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return verdict, ctxErr
	}
	if err != nil && verdict.Reason == InfrastructureFailure {
		return verdict, errors.Join(fmt.Errorf("commit %s failed %d times", commit.Hash, attempt), ErrRetriesExhausted)
	}
	// Network failures of the artifact source which persist make the commit unavailable
	return verdict, nil
}

// attempt resolves and evaluates a commit once and records the outcome in the trail
func (r *run) attempt(ctx context.Context, commit Commit, attempt int) Verdict {
	start := time.Now()

	var verdict Verdict
	artifact, err := r.engine.Resolver.Resolve(ctx, commit)
	if err != nil {
		var unavailable *UnavailableError
		if errors.As(err, &unavailable) {
			verdict = Unresolvable(unavailable)
		} else {
			verdict = InfraFailure(err)
		}
	} else {
		verdict = r.engine.Runner.Run(ctx, artifact, r.engine.Oracle)
		if err := artifact.Release(); err != nil {
			r.log.Warnf("Failed to release toolchain of commit %s - %v", commit.Hash, err)
		}
	}

	if verdict.Reason == InfrastructureFailure {
		r.faults = multierror.Append(r.faults, fmt.Errorf("commit %s, attempt %d: %w", commit.Short(), attempt, verdict.Err))
	}
	r.report.Trail = append(r.report.Trail, Step{
		Commit:   commit,
		Verdict:  verdict,
		Attempt:  attempt,
		Duration: time.Since(start),
	})
	return verdict
}

// fail ends the run as failed. The context's error is returned if the run was cancelled
func (r *run) fail(ctx context.Context, err error) (*Report, error) {
	r.faults = multierror.Append(r.faults, err)
	r.log.Errorf("Bisection failed - %v", err)
	report := r.finish(Failed)
	return report, ctx.Err()
}

// finish records the final state and interval in the report
func (r *run) finish(state State) *Report {
	r.report.State = state
	low, high := r.commits[r.low], r.commits[r.high]
	r.report.Low, r.report.High = &low, &high
	if err := r.faults.ErrorOrNil(); err != nil {
		for _, fault := range r.faults.Errors {
			r.report.Faults = append(r.report.Faults, fault.Error())
		}
	}
	r.report.Duration = time.Since(r.report.Started)
	return r.report
}
