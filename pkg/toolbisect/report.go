package toolbisect

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hako/durafmt"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// Exit codes of a finished bisection
const (
	ExitConverged = 0
	ExitExhausted = 2
	ExitFailed    = 3
)

// A Step is a single attempt at testing a commit
type Step struct {
	Commit   Commit
	Verdict  Verdict
	Attempt  int // 1 for the first attempt at a commit, incremented on every retry
	Duration time.Duration
}

// A Report is the outcome of a bisection run
type Report struct {
	ID string // Unique ID of the run

	Start, End string // The commit range as requested

	State State

	FirstBad *Commit // The commit which introduced the regression. Only set if the run converged

	Low, High *Commit // The final search interval

	Commits int    // The amount of commits in the searched range
	Trail   []Step // Every attempt at testing a commit, in order

	PossibleOtherCommits []string // Other possible offending commits. Set if unavailable artifacts caused uncertainty in the exact offending commit

	Faults []string // The infrastructure failures encountered, and the reason of a failed run

	Started  time.Time
	Duration time.Duration
}

func newReport(start, end string) *Report {
	return &Report{
		ID:      uuid.NewString(),
		Start:   start,
		End:     end,
		State:   Initializing,
		Started: time.Now(),
	}
}

// ExitCode returns the exit status of a tool which performed this run
func (r *Report) ExitCode() int {
	switch r.State {
	case Converged:
		return ExitConverged
	case Exhausted:
		return ExitExhausted
	default:
		return ExitFailed
	}
}

type commitDoc struct {
	Hash     string `yaml:"hash" json:"hash"`
	Position int    `yaml:"position" json:"position"`
	Date     string `yaml:"date,omitempty" json:"date,omitempty"`
	Author   string `yaml:"author,omitempty" json:"author,omitempty"`
	Summary  string `yaml:"summary,omitempty" json:"summary,omitempty"`
}

type stepDoc struct {
	Commit   string `yaml:"commit" json:"commit"`
	Position int    `yaml:"position" json:"position"`
	Verdict  string `yaml:"verdict" json:"verdict"`
	Attempt  int    `yaml:"attempt" json:"attempt"`
	Duration string `yaml:"duration" json:"duration"`
	Error    string `yaml:"error,omitempty" json:"error,omitempty"`
}

type reportDoc struct {
	ID    string `yaml:"id" json:"id"`
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
	State string `yaml:"state" json:"state"`

	FirstBad *commitDoc `yaml:"firstBad,omitempty" json:"firstBad,omitempty"`
	Low      *commitDoc `yaml:"low,omitempty" json:"low,omitempty"`
	High     *commitDoc `yaml:"high,omitempty" json:"high,omitempty"`

	Commits int       `yaml:"commits" json:"commits"`
	Trail   []stepDoc `yaml:"trail" json:"trail"`

	PossibleOtherCommits []string `yaml:"possibleOtherCommits,omitempty" json:"possibleOtherCommits,omitempty"`
	Faults               []string `yaml:"faults,omitempty" json:"faults,omitempty"`

	Started  string `yaml:"started" json:"started"`
	Duration string `yaml:"duration" json:"duration"`
}

func toCommitDoc(c *Commit) *commitDoc {
	if c == nil {
		return nil
	}
	doc := &commitDoc{
		Hash:     c.Hash,
		Position: c.Position,
		Author:   c.Author,
		Summary:  c.Summary,
	}
	if !c.Date.IsZero() {
		doc.Date = c.Date.Format(time.RFC3339)
	}
	return doc
}

func (r *Report) document() reportDoc {
	doc := reportDoc{
		ID:    r.ID,
		Start: r.Start,
		End:   r.End,
		State: r.State.String(),

		FirstBad: toCommitDoc(r.FirstBad),
		Low:      toCommitDoc(r.Low),
		High:     toCommitDoc(r.High),

		Commits: r.Commits,
		Trail:   make([]stepDoc, 0, len(r.Trail)),

		PossibleOtherCommits: r.PossibleOtherCommits,
		Faults:               r.Faults,

		Started:  r.Started.Format(time.RFC3339),
		Duration: r.Duration.Round(time.Millisecond).String(),
	}
	for _, step := range r.Trail {
		s := stepDoc{
			Commit:   step.Commit.Hash,
			Position: step.Commit.Position,
			Verdict:  step.Verdict.String(),
			Attempt:  step.Attempt,
			Duration: step.Duration.Round(time.Millisecond).String(),
		}
		if step.Verdict.Err != nil {
			s.Error = step.Verdict.Err.Error()
		}
		doc.Trail = append(doc.Trail, s)
	}
	return doc
}

// MarshalYAML implements yaml.Marshaler
func (r *Report) MarshalYAML() (interface{}, error) {
	return r.document(), nil
}

// MarshalJSON implements json.Marshaler
func (r *Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.document())
}

// Write serializes the report to w in the passed format, either yaml or json
func (r *Report) Write(w io.Writer, format string) error {
	switch format {
	case "yaml", "yml", "":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(r); err != nil {
			return err
		}
		return encoder.Close()
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(r)
	}
	return fmt.Errorf("unknown report format %q", format)
}

// Print writes a human readable summary of the report to w
func (r *Report) Print(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Offset", "Commit", "Verdict", "Attempt", "Duration"})
	table.SetAutoWrapText(false)
	for i, step := range r.Trail {
		table.Append([]string{
			strconv.Itoa(i + 1),
			strconv.Itoa(step.Commit.Position),
			step.Commit.Short(),
			step.Verdict.String(),
			strconv.Itoa(step.Attempt),
			durafmt.Parse(step.Duration.Round(time.Second)).LimitFirstN(2).String(),
		})
	}
	table.Render()

	fmt.Fprintf(w, "Searched %d commits from %s to %s in %s\n", r.Commits, r.Start, r.End, durafmt.Parse(r.Duration.Round(time.Second)).LimitFirstN(2).String())
	switch r.State {
	case Converged:
		fmt.Fprintf(w, "Regression introduced in %s", r.FirstBad.Hash)
		if r.FirstBad.Summary != "" {
			fmt.Fprintf(w, " (%s)", r.FirstBad.Summary)
		}
		fmt.Fprintln(w)
		if len(r.PossibleOtherCommits) > 0 {
			fmt.Fprintf(w, "The following commits have no artifacts and may have introduced the regression instead:\n")
			for _, c := range r.PossibleOtherCommits {
				fmt.Fprintf(w, "  %s\n", c)
			}
		}
	case Exhausted:
		fmt.Fprintf(w, "No testable commit left between %s and %s\n", r.Low.Hash, r.High.Hash)
	default:
		fmt.Fprintf(w, "Bisection %s\n", r.State)
		for _, fault := range r.Faults {
			fmt.Fprintf(w, "  %s\n", fault)
		}
	}
}
