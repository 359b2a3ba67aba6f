package poller

import (
	"strings"
	"time"
)

// Phase is the completion-detection state for one instance's current turn.
type Phase string

const (
	// PhaseIdle means no output has been seen since the last completion.
	PhaseIdle Phase = "idle"
	// PhaseStreaming means output appeared and quiet polls are being counted.
	PhaseStreaming Phase = "streaming"
)

// turn holds the per-instance state machine fields. Counters live here as
// named fields so each heuristic edge is testable on its own.
type turn struct {
	phase        Phase
	lastClean    string // previous stripped capture
	quietPolls   int    // consecutive polls with no screen change
	echoPolls    int    // polls spent suppressing the prompt echo
	sawOutput    bool   // true once real (non-echo) output appeared
	buffer       strings.Builder
	lastChangeAt time.Time
	staleAlerted bool
	inFlight     bool // a poll for this instance is currently running
}

// reset returns the turn to idle after a completion, keeping lastClean so
// the next delta is computed against the final screen.
func (t *turn) reset() {
	t.phase = PhaseIdle
	t.quietPolls = 0
	t.echoPolls = 0
	t.sawOutput = false
	t.buffer.Reset()
	t.staleAlerted = false
}

// captureDelta extracts the new output between two stripped captures.
//
// The common case is append-only scrollback, where cur simply extends
// prev. When the screen redrew (scrollback rotated, agent repainted), the
// last non-blank line of prev is located in cur and everything after its
// final occurrence is the delta. If even that anchor is gone the whole
// capture is treated as new rather than dropping output.
func captureDelta(prev, cur string) string {
	if cur == prev {
		return ""
	}
	if strings.TrimSpace(prev) == "" {
		return cur
	}
	if strings.HasPrefix(cur, prev) {
		return strings.TrimPrefix(cur, prev)
	}

	anchor := lastNonBlankLine(prev)
	if anchor != "" {
		if idx := strings.LastIndex(cur, anchor); idx >= 0 {
			after := cur[idx+len(anchor):]
			return strings.TrimPrefix(after, "\n")
		}
	}
	return cur
}

func lastNonBlankLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

// stripPromptEcho removes lines that only repeat one of the user's pending
// prompt tails. Returns the remaining text, which may be empty when the
// delta was pure echo.
func stripPromptEcho(delta string, tails []string) string {
	if len(tails) == 0 {
		return delta
	}
	var kept []string
	for _, line := range strings.Split(delta, "\n") {
		trimmed := strings.TrimSpace(line)
		echoed := false
		for _, tail := range tails {
			if tail != "" && strings.Contains(trimmed, tail) {
				echoed = true
				break
			}
		}
		if !echoed {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
