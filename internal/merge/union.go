// Package merge resolves merge conflicts in three tiers: a mechanical
// union merge of conflict regions, agent-assisted resolution with a
// post-verify marker re-scan, and escalation that aborts the merge while
// preserving the story branch for human follow-up.
package merge

import (
	"strings"
)

// Conflict marker prefixes. git always emits at least seven repeated
// characters; matching on the seven-character prefix covers longer runs.
const (
	markerOurs   = "<<<<<<<"
	markerBase   = "|||||||"
	markerSplit  = "======="
	markerTheirs = ">>>>>>>"
)

// HasConflictMarkers reports whether content still contains any git
// conflict markers. Used both before resolution and for the post-verify
// re-scan after agent-assisted resolution.
func HasConflictMarkers(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if isMarker(line, markerOurs) || isMarker(line, markerSplit) || isMarker(line, markerTheirs) {
			return true
		}
	}
	return false
}

func isMarker(line, marker string) bool {
	return strings.HasPrefix(line, marker)
}

// UnionMerge mechanically resolves conflict regions by unioning the two
// sides: our lines first, then any of their lines not already present.
// Line order within each side is preserved. Regions that cannot be parsed
// (nested or unterminated markers) are left untouched, so the caller can
// detect partial resolution by re-scanning for markers.
//
// Union merging is only safe when both sides add independent content
// (import lists, registry entries, parallel additions); it is the first
// tier precisely because anything it gets wrong is caught by review and
// testing downstream.
func UnionMerge(content string) (string, bool) {
	lines := strings.Split(content, "\n")
	var out []string
	fullyResolved := true

	for i := 0; i < len(lines); {
		if !isMarker(lines[i], markerOurs) {
			out = append(out, lines[i])
			i++
			continue
		}

		region, next, ok := parseRegion(lines, i)
		if !ok {
			// Unparseable region: emit verbatim through the end of input
			// to avoid mangling nested markers, and report failure.
			out = append(out, lines[i])
			i++
			fullyResolved = false
			continue
		}

		out = append(out, unionLines(region.ours, region.theirs)...)
		i = next
	}

	return strings.Join(out, "\n"), fullyResolved
}

type conflictRegion struct {
	ours   []string
	theirs []string
}

// parseRegion parses one conflict region starting at the <<<<<<< line at
// index start. Returns the region, the index just past >>>>>>>, and
// whether parsing succeeded.
func parseRegion(lines []string, start int) (conflictRegion, int, bool) {
	var region conflictRegion
	side := "ours"

	for i := start + 1; i < len(lines); i++ {
		line := lines[i]
		switch {
		case isMarker(line, markerOurs):
			// Nested conflict region: bail out.
			return region, 0, false
		case isMarker(line, markerBase):
			if side != "ours" {
				return region, 0, false
			}
			side = "base"
		case isMarker(line, markerSplit):
			if side == "theirs" {
				return region, 0, false
			}
			side = "theirs"
		case isMarker(line, markerTheirs):
			if side != "theirs" {
				return region, 0, false
			}
			return region, i + 1, true
		default:
			switch side {
			case "ours":
				region.ours = append(region.ours, line)
			case "theirs":
				region.theirs = append(region.theirs, line)
			}
			// base lines are discarded: union merging keeps both sides'
			// new content, not the common ancestor.
		}
	}
	return region, 0, false
}

// unionLines returns ours followed by the lines of theirs not already in
// ours.
func unionLines(ours, theirs []string) []string {
	seen := make(map[string]struct{}, len(ours))
	for _, line := range ours {
		seen[line] = struct{}{}
	}
	out := make([]string, 0, len(ours)+len(theirs))
	out = append(out, ours...)
	for _, line := range theirs {
		if _, dup := seen[line]; !dup {
			out = append(out, line)
		}
	}
	return out
}
