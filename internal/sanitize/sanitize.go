// Package sanitize turns raw terminal output from interactive coding agents
// into clean, classifiable text. Interactive agent TUIs redraw constantly:
// cursor movement instead of padding, spinner frames, status bars with token
// counters and shortcut hints. Everything here is a pure transform so callers
// can apply the passes in any order without shared state.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"
)

var (
	// Cursor-forward movement (CSI n C). Interactive UIs use it instead of
	// spaces for horizontal layout, so it is replaced with a literal space
	// before the generic strip pass removes everything else.
	cursorForwardPattern = regexp.MustCompile(`\x1b\[(\d*)C`)

	// Generic CSI sequences: cursor position, erase, SGR, mode switches.
	csiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

	// OSC sequences (window title, hyperlinks), terminated by BEL or ST.
	oscPattern = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

	// Runs of three or more spaces left behind by stripped positioning.
	spaceRunPattern = regexp.MustCompile(`   +`)

	// Lines that are transient "working" indicators: a spinner glyph
	// followed by a gerund, or the interrupt hint agents print while busy.
	loadingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)esc to interrupt`),
		regexp.MustCompile(`(?i)^[\s⠁-⣿✢✳✶✻·∗*]+\s*[a-z]+ing(\.{0,3}|…)?\s*(\(|$)`),
		regexp.MustCompile(`(?i)^\s*(thinking|loading|working|processing|connecting)(\.{0,3}|…)?\s*$`),
	}

	// Status-bar metadata: token counters, timers, mode indicators and
	// keyboard-shortcut hints that agents render at the bottom of the screen.
	statusBarPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b\d+(\.\d+)?k?\s*tokens?\b`),
		regexp.MustCompile(`(?i)\btok/s\b`),
		regexp.MustCompile(`(?i)context left until auto-compact`),
		regexp.MustCompile(`(?i)\? for shortcuts`),
		regexp.MustCompile(`(?i)\bctrl\+[a-z]\b`),
		regexp.MustCompile(`(?i)shift\+tab to cycle`),
		regexp.MustCompile(`(?i)\bauto-accept edits\b`),
		regexp.MustCompile(`(?i)\bbypassing permissions\b`),
		regexp.MustCompile(`(?i)^\s*[⏵▸>]+\s*(accept|plan|normal)\b`),
	}

	// Completion-summary extraction patterns, applied line by line.
	summaryPatterns = []*regexp.Regexp{
		regexp.MustCompile(`https?://\S+/pull/\d+`),
		regexp.MustCompile(`(?i)\b(created|opened)\s+(a\s+)?pull request\s+#?\d+`),
		regexp.MustCompile(`(?i)\bcommit\b.*\b[0-9a-f]{7,40}\b`),
		regexp.MustCompile(`^\[[^\]]+\s+[0-9a-f]{7,40}\]`),
		regexp.MustCompile(`\b\d+ files? changed\b`),
		regexp.MustCompile(`\b\d+ insertions?\(\+\)`),
		regexp.MustCompile(`\b\d+ deletions?\(-\)`),
	}
)

// decorative glyphs removed by CleanForDisplay: box drawing, block elements,
// and the spinner frames common to agent TUIs.
func isDecorative(r rune) bool {
	switch {
	case r >= 0x2500 && r <= 0x257F: // box drawing
		return true
	case r >= 0x2580 && r <= 0x259F: // block elements
		return true
	case r >= 0x2800 && r <= 0x28FF: // braille spinner frames
		return true
	}
	switch r {
	case '✢', '✳', '✶', '✻', '✽', '⏺', '●', '◐', '◓', '◑', '◒':
		return true
	}
	return false
}

// StripControlSequences removes terminal control sequences from raw output.
// Cursor-forward movement becomes a literal space (interactive UIs position
// with movement instead of padding), carriage returns and backspaces are
// dropped, runs of three or more spaces collapse to one, and the result is
// trimmed.
func StripControlSequences(raw string) string {
	s := cursorForwardPattern.ReplaceAllString(raw, " ")
	s = oscPattern.ReplaceAllString(s, "")
	s = csiPattern.ReplaceAllString(s, "")
	// Anything the targeted passes missed (DCS, APC, stray escapes).
	s = ansi.Strip(s)
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\b", "")
	s = spaceRunPattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// CleanForDisplay strips control sequences, then removes the decorative and
// transient noise of an interactive agent screen: box-drawing and spinner
// glyphs, loading/thinking indicator lines, status-bar metadata lines, and
// lines with no alphanumeric content. Three or more consecutive blank lines
// collapse to a single blank line.
func CleanForDisplay(raw string) string {
	stripped := StripControlSequences(raw)

	var out []string
	blanks := 0
	for _, line := range strings.Split(stripped, "\n") {
		line = strings.Map(func(r rune) rune {
			if isDecorative(r) {
				return -1
			}
			return r
		}, line)
		line = strings.TrimSpace(spaceRunPattern.ReplaceAllString(line, " "))

		if line == "" {
			blanks++
			continue
		}

		if matchesAny(line, loadingPatterns) || matchesAny(line, statusBarPatterns) {
			continue
		}
		if !hasAlphanumeric(line) {
			continue
		}

		// Emit one blank separator for any run of 3+ blank source lines;
		// shorter runs are preserved as-is.
		if blanks > 0 && len(out) > 0 {
			if blanks >= 3 {
				out = append(out, "")
			} else {
				for i := 0; i < blanks; i++ {
					out = append(out, "")
				}
			}
		}
		blanks = 0
		out = append(out, line)
	}

	return strings.Join(out, "\n")
}

// ExtractCompletionSummary scans cleaned output for result-shaped lines:
// pull-request URLs, "created/opened pull request #N" phrases, commit-hash
// mentions, and diff-stat lines. Duplicates are removed and the survivors
// joined with newlines, giving operators a compact result instead of a raw
// transcript. Re-applying the function to its own output is a no-op.
func ExtractCompletionSummary(raw string) string {
	cleaned := CleanForDisplay(raw)

	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(cleaned, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		if matchesAny(line, summaryPatterns) {
			seen[line] = true
			out = append(out, line)
		}
	}

	return strings.Join(out, "\n")
}

// TruncateWidth shortens s to at most maxWidth terminal cells, appending an
// ellipsis when truncation occurs. Width is measured in display cells so
// wide characters count double.
func TruncateWidth(s string, maxWidth int) string {
	return runewidth.Truncate(s, maxWidth, "…")
}

func matchesAny(line string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func hasAlphanumeric(line string) bool {
	return strings.ContainsFunc(line, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	})
}
