package supervisor

import (
	"strings"

	"github.com/zhubert/shepherd/internal/sanitize"
)

// previewWidth bounds the prompt and reasoning excerpts carried in
// broadcast events and log lines.
const previewWidth = 120

// preview flattens text to a single line and truncates it to a display
// width that fits a log line or event feed.
func preview(text string) string {
	line := strings.Join(strings.Fields(text), " ")
	return sanitize.TruncateWidth(line, previewWidth)
}

// labelWidth bounds labels derived from task descriptions.
const labelWidth = 40

// shortLabel derives a task label from its description when the caller
// didn't name the task.
func shortLabel(description string) string {
	line := strings.Join(strings.Fields(description), " ")
	if line == "" {
		return "task"
	}
	return sanitize.TruncateWidth(line, labelWidth)
}

// tailChars returns up to the last n bytes of s, snapped forward to the
// next line boundary so the excerpt begins cleanly.
func tailChars(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i+1 < len(cut) {
		cut = cut[i+1:]
	}
	return cut
}
