// Package textutil holds the plain text transforms the bridge applies to
// terminal output before it reaches a chat channel: control-sequence
// stripping, platform-limit chunk splitting, and file-path extraction.
package textutil

import (
	"regexp"
	"strings"
)

// MaxMessageLength is the hard per-message character limit shared by the
// supported chat platforms (Discord's 2000-character cap is the smaller).
const MaxMessageLength = 2000

var (
	// CSI sequences (colors, cursor movement), OSC sequences (titles,
	// hyperlinks), and stray single-character escapes.
	csiRe  = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	oscRe  = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)
	escRe  = regexp.MustCompile(`\x1b[@-_]`)
	ctrlRe = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
)

// StripANSI removes terminal control sequences and non-printing control
// characters, leaving plain text with newlines intact.
func StripANSI(s string) string {
	s = oscRe.ReplaceAllString(s, "")
	s = csiRe.ReplaceAllString(s, "")
	s = escRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return ctrlRe.ReplaceAllString(s, "")
}

// SplitForChat splits a message into chunks no longer than limit runes.
// It prefers newline boundaries (when past half the limit), then spaces,
// then hard splits. Open code fences are closed at the chunk boundary and
// reopened in the next chunk so fenced agent output renders correctly.
func SplitForChat(message string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}

	runes := []rune(message)
	if len(runes) <= limit {
		return []string{message}
	}

	// Reserve room for a closing fence marker on each chunk.
	budget := limit - 4

	var chunks []string
	openFence := ""

	for len(runes) > 0 {
		if len(runes) <= budget {
			chunk := string(runes)
			if openFence != "" {
				chunk = openFence + "\n" + chunk
			}
			chunks = append(chunks, chunk)
			break
		}

		end := splitPoint(runes, budget)
		chunk := string(runes[:end])
		runes = runes[end:]

		prefix := ""
		if openFence != "" {
			prefix = openFence + "\n"
		}
		openFence = danglingFence(prefix + chunk)
		if openFence != "" {
			chunk += "\n```"
		}
		chunks = append(chunks, prefix+chunk)
	}

	return chunks
}

// splitPoint finds the index to cut a rune slice that must be split.
// Newline is preferred once the chunk is at least half full, then space,
// then a hard cut at the budget.
func splitPoint(runes []rune, budget int) int {
	area := runes[:budget]

	if pos := lastIndexRune(area, '\n'); pos >= 0 {
		if pos >= budget/2 {
			return pos + 1
		}
	}
	if pos := lastIndexRune(area, ' '); pos >= 0 {
		return pos + 1
	}
	return budget
}

func lastIndexRune(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

// danglingFence reports the fence marker left open by text, or "" if all
// code fences are balanced. The returned marker includes the language tag
// so the reopened fence keeps its highlighting.
func danglingFence(text string) string {
	open := ""
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open == "" {
			open = trimmed
		} else {
			open = ""
		}
	}
	return open
}

// Extensions the bridge will upload back to the channel as attachments.
var filePathRe = regexp.MustCompile(
	`(?i)(?:^|[\s` + "`" + `"'(\[])(/[^\s` + "`" + `"')\]]+\.(?:png|jpg|jpeg|gif|webp|svg|bmp|pdf|docx|pptx|xlsx|csv|json|txt))(?:$|[\s` + "`" + `"')\].,;:!?])`,
)

// ExtractFilePaths returns the absolute file paths with supported
// extensions mentioned in text, deduplicated in first-seen order.
func ExtractFilePaths(text string) []string {
	seen := make(map[string]bool)
	var paths []string

	for _, m := range filePathRe.FindAllStringSubmatch(text, -1) {
		path := m[1]
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	return paths
}

var (
	tripleBlankRe = regexp.MustCompile(`\n{3,}`)
	blankWsLineRe = regexp.MustCompile(`(?m)^[ \t]+$`)
)

// StripFilePaths removes the given paths from user-visible text, including
// markdown image references and backticked forms, then collapses the blank
// lines left behind.
func StripFilePaths(text string, paths []string) string {
	result := text
	for _, path := range paths {
		escaped := regexp.QuoteMeta(path)
		result = regexp.MustCompile(`!\[[^\]]*\]\(`+escaped+`\)`).ReplaceAllString(result, "")
		result = regexp.MustCompile("`"+escaped+"`").ReplaceAllString(result, "")
		result = regexp.MustCompile(escaped).ReplaceAllString(result, "")
	}
	result = tripleBlankRe.ReplaceAllString(result, "\n\n")
	return blankWsLineRe.ReplaceAllString(result, "")
}
