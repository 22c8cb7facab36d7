package toolbisect

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// A Commit is a single commit of the bisected history
type Commit struct {
	Hash     string    // The full hash of the commit
	Position int       // The index of this commit in the ordered commits, where 0 is the start commit
	Date     time.Time // The commit date, used to decide whether its artifacts are still retained
	Author   string    // The name of the commit's author
	Summary  string    // The first line of the commit message
}

// Short returns the abbreviated hash of the commit
func (c Commit) Short() string {
	if len(c.Hash) > 9 {
		return c.Hash[:9]
	}
	return c.Hash
}

// A HistoryProvider produces the commits between two commits, ordered by ancestry
type HistoryProvider interface {
	// OrderedCommits returns the commits from start to end, both inclusive, where start is at index 0.
	// A *HistoryError is returned if either commit cannot be resolved or end does not descend from start.
	OrderedCommits(ctx context.Context, start, end string) ([]Commit, error)
}

// A HistoryError signals an invalid commit range. It aborts the bisection before the search begins.
type HistoryError struct {
	Start, End string

	Msg string
	Err error
}

func (e *HistoryError) Error() string {
	msg := fmt.Sprintf("invalid commit range %s..%s: %s", e.Start, e.End, e.Msg)
	if e.Err != nil {
		msg += " - " + e.Err.Error()
	}
	return msg
}

func (e *HistoryError) Unwrap() error { return e.Err }

// GitHistory reads the commit history from a local git repository using the git binary
type GitHistory struct {
	RepoPath string // The path to the repository

	FirstParent bool   // Only follow the first parent of merge commits, yielding the merge commits of the mainline
	Author      string // If not empty, only commits by this author are kept between the two boundaries
}

const gitLogFormat = "--format=%H%x00%ct%x00%an%x00%s"

// OrderedCommits returns the commits between the passed start and end commit.
// The passed commits are included in the result.
// The returned slice is ordered chronologically, starting from the start commit at index 0 and the end commit at the last index
func (g GitHistory) OrderedCommits(ctx context.Context, start, end string) ([]Commit, error) {
	startHash, err := g.revParse(ctx, start)
	if err != nil {
		return nil, &HistoryError{Start: start, End: end, Msg: fmt.Sprintf("cannot resolve start commit %s", start), Err: err}
	}
	endHash, err := g.revParse(ctx, end)
	if err != nil {
		return nil, &HistoryError{Start: start, End: end, Msg: fmt.Sprintf("cannot resolve end commit %s", end), Err: err}
	}
	if startHash == endHash {
		return nil, &HistoryError{Start: start, End: end, Msg: "start and end are the same commit"}
	}

	// Make sure there is a path from the end commit to the start commit
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", startHash, endHash)
	cmd.Dir = g.RepoPath
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, &HistoryError{Start: start, End: end, Msg: fmt.Sprintf("end commit %s is not a descendant of start commit %s", end, start)}
		}
		return nil, &HistoryError{Start: start, End: end, Msg: "ancestry check failed", Err: err}
	}

	args := []string{"log", "--reverse", gitLogFormat}
	if g.FirstParent {
		args = append(args, "--first-parent")
	}
	if g.Author != "" {
		args = append(args, "--author="+g.Author)
	}
	args = append(args, "^"+startHash, endHash)

	cmd = exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.RepoPath
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to get log of end commit %s to start commit %s", end, start), err)
	}
	between, err := parseGitLog(string(out))
	if err != nil {
		return nil, err
	}

	// With an author filter, the end commit may have been dropped
	if len(between) == 0 || between[len(between)-1].Hash != endHash {
		last, err := g.show(ctx, endHash)
		if err != nil {
			return nil, err
		}
		between = append(between, last)
	}

	// Get excluded boundary commit
	first, err := g.show(ctx, startHash)
	if err != nil {
		return nil, err
	}

	commits := append([]Commit{first}, between...)
	for i := range commits {
		commits[i].Position = i
	}
	return commits, nil
}

func (g GitHistory) revParse(ctx context.Context, rev string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	cmd.Dir = g.RepoPath
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (g GitHistory) show(ctx context.Context, hash string) (Commit, error) {
	cmd := exec.CommandContext(ctx, "git", "--no-pager", "log", "-1", gitLogFormat, hash)
	cmd.Dir = g.RepoPath
	out, err := cmd.Output()
	if err != nil {
		return Commit{}, errors.Join(fmt.Errorf("failed to get info of commit %s", hash), err)
	}
	commits, err := parseGitLog(string(out))
	if err != nil {
		return Commit{}, err
	}
	if len(commits) != 1 {
		return Commit{}, fmt.Errorf("git log of commit %s returned %d commits", hash, len(commits))
	}
	return commits[0], nil
}

// parseGitLog parses the output of git log using gitLogFormat
func parseGitLog(out string) ([]Commit, error) {
	var commits []Commit
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\x00", 4)
		if len(fields) != 4 {
			return nil, fmt.Errorf("git log output is not of the expected format: %q", line)
		}
		ts, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("invalid commit timestamp %q", fields[1]), err)
		}
		commits = append(commits, Commit{
			Hash:    fields[0],
			Date:    time.Unix(ts, 0).UTC(),
			Author:  fields[2],
			Summary: fields[3],
		})
	}
	return commits, nil
}
