package agent

import (
	"strings"
)

// Marker tokens agents emit in their output. Markers are advisory:
// completion is decided git-truth-first (commits on the story branch beat
// a missing completion marker), but an explicit failure marker always
// wins.
const (
	MarkerComplete = "WORK_COMPLETE"
	MarkerFailed   = "WORK_FAILED"
)

// Review verdicts.
const (
	VerdictApprove = "APPROVE"
	VerdictReject  = "REJECT"
)

// Markers is the structured view of the marker tokens found in output.
type Markers struct {
	Completed     bool
	Failed        bool
	FailureReason string
}

// ParseMarkers scans output for completion and failure markers. A failure
// reason is taken from the remainder of the failure marker's line
// ("WORK_FAILED: could not satisfy the interface").
func ParseMarkers(output string) Markers {
	var m Markers
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, MarkerFailed):
			m.Failed = true
			reason := strings.TrimPrefix(trimmed, MarkerFailed)
			reason = strings.TrimSpace(strings.TrimPrefix(reason, ":"))
			if reason != "" && m.FailureReason == "" {
				m.FailureReason = reason
			}
		case strings.HasPrefix(trimmed, MarkerComplete):
			m.Completed = true
		}
	}
	return m
}

// Review is the verdict extracted from reviewer output.
type Review struct {
	Verdict  string
	Comments []string
}

// Approved reports whether the reviewer accepted the work.
func (r Review) Approved() bool {
	return r.Verdict == VerdictApprove
}

// ParseReview extracts the verdict and comments from reviewer output.
// Expected format:
//
//	VERDICT: APPROVE
//	COMMENTS:
//	- file:line: description
//
// A missing or unrecognized verdict reads as REJECT so a truncated review
// never approves work by accident.
func ParseReview(output string) Review {
	review := Review{Verdict: VerdictReject}
	inComments := false

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)

		switch {
		case strings.HasPrefix(upper, "VERDICT:"):
			verdict := strings.ToUpper(strings.TrimSpace(trimmed[len("VERDICT:"):]))
			if verdict == VerdictApprove || verdict == VerdictReject {
				review.Verdict = verdict
			}
			inComments = false
		case strings.HasPrefix(upper, "COMMENTS:"):
			inComments = true
		case inComments && (strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*")):
			comment := strings.TrimSpace(strings.TrimLeft(trimmed, "-* "))
			if comment != "" {
				review.Comments = append(review.Comments, comment)
			}
		case inComments && trimmed == "":
			// blank lines inside the comment list are fine
		case inComments:
			inComments = false
		}
	}
	return review
}
