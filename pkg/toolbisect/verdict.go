package toolbisect

import (
	"fmt"
)

// VerdictKind is the outcome of testing a single commit
type VerdictKind int

const (
	RegressionAbsent  VerdictKind = iota // The predicate did not reproduce the regression
	RegressionPresent                    // The predicate reproduced the regression
	Inconclusive                         // The commit could not be tested, see InconclusiveReason
)

func (k VerdictKind) String() string {
	switch k {
	case RegressionAbsent:
		return "absent"
	case RegressionPresent:
		return "present"
	case Inconclusive:
		return "inconclusive"
	}
	return fmt.Sprintf("VerdictKind(%d)", int(k))
}

// InconclusiveReason tells why a commit could not be tested
type InconclusiveReason int

const (
	NoReason              InconclusiveReason = iota
	ArtifactUnavailable                      // No toolchain could be resolved for the commit
	InfrastructureFailure                    // The sandbox, the network or the step timeout failed
)

func (r InconclusiveReason) String() string {
	switch r {
	case NoReason:
		return ""
	case ArtifactUnavailable:
		return "artifact unavailable"
	case InfrastructureFailure:
		return "infrastructure failure"
	}
	return fmt.Sprintf("InconclusiveReason(%d)", int(r))
}

// A Verdict is the result of testing one commit.
// Only verdicts of kind Inconclusive carry a reason and an error.
type Verdict struct {
	Kind   VerdictKind
	Reason InconclusiveReason

	Unavailable UnavailableReason // Set if Reason is ArtifactUnavailable

	Err error // The fault behind an inconclusive verdict
}

// Present returns a verdict stating that the regression was reproduced
func Present() Verdict {
	return Verdict{Kind: RegressionPresent}
}

// Absent returns a verdict stating that the regression was not reproduced
func Absent() Verdict {
	return Verdict{Kind: RegressionAbsent}
}

// InfraFailure returns an inconclusive verdict caused by the passed fault
func InfraFailure(err error) Verdict {
	return Verdict{Kind: Inconclusive, Reason: InfrastructureFailure, Err: err}
}

// Unresolvable returns an inconclusive verdict for a commit without a usable artifact
func Unresolvable(err *UnavailableError) Verdict {
	return Verdict{Kind: Inconclusive, Reason: ArtifactUnavailable, Unavailable: err.Reason, Err: err}
}

// IsConclusive reports whether the verdict can be used to narrow the search
func (v Verdict) IsConclusive() bool {
	return v.Kind != Inconclusive
}

func (v Verdict) String() string {
	switch {
	case v.Kind != Inconclusive:
		return v.Kind.String()
	case v.Reason == ArtifactUnavailable:
		return fmt.Sprintf("inconclusive (%s: %s)", v.Reason, v.Unavailable)
	default:
		return fmt.Sprintf("inconclusive (%s)", v.Reason)
	}
}
