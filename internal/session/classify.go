package session

import (
	"strings"
)

// Verdict is the outcome of examining a session's recent output.
type Verdict int

const (
	// VerdictNone means the agent is still working or has produced
	// nothing to act on.
	VerdictNone Verdict = iota
	// VerdictBlocked means an interactive prompt is awaiting input.
	VerdictBlocked
	// VerdictTurnComplete means the agent finished its turn and went quiet.
	VerdictTurnComplete
)

// Classification carries the verdict and, for blocked sessions, the prompt
// text awaiting input.
type Classification struct {
	Verdict Verdict
	Prompt  string
}

// Classifier examines cleaned session output and decides whether the agent
// is blocked on a prompt, done with its turn, or still working. The tail
// passed in is cleaned output; implementations look at the trailing window
// only, since finished prompts scroll away from the bottom of the screen.
type Classifier interface {
	Classify(agentType, tail string) Classification
}

// tailWindowLines is how many trailing lines are examined for prompt and
// busy indicators. Prompts render at the bottom of an agent's screen;
// anything older has scrolled past and was already handled.
const tailWindowLines = 25

// promptWindowLines caps how many trailing lines are reported as the
// prompt text for a blocked session.
const promptWindowLines = 12

// DefaultClassifier detects the permission dialogs, confirmation prompts,
// and input boxes of common coding agents. Per-agent indicator sets cover
// tool-specific dialog text; the generic set covers the shell-style
// confirmations every tool eventually shells out to.
type DefaultClassifier struct {
	agentPrompts map[string][]string
	prompts      []string
	busy         []string
}

// NewDefaultClassifier creates a classifier with built-in indicator sets.
func NewDefaultClassifier() *DefaultClassifier {
	return &DefaultClassifier{
		agentPrompts: map[string][]string{
			"claude": {
				"no, and tell claude what to do differently",
				"yes, allow once",
				"yes, allow always",
				"do you want to proceed",
				"do you trust the files in this folder",
				"❯ yes",
			},
			"aider": {
				"(y)es/(n)o",
				"(y)es/(n)o/(d)on't ask again",
				"aider>",
			},
			"codex": {
				"allow command?",
				"approve this command",
			},
			"gemini": {
				"allow execution",
				"yes, allow once",
			},
		},
		prompts: []string{
			"do you want",
			"would you like",
			"proceed?",
			"continue?",
			"(y/n)",
			"[y/n]",
			"(yes/no)",
			"[yes/no]",
			"press enter to continue",
			"overwrite?",
			"are you sure",
			"1. yes",
			"❯ 1.",
			"select an option",
			"enter your choice",
			"password:",
			"passphrase",
		},
		busy: []string{
			"esc to interrupt",
			"ctrl+c to interrupt",
			"ctrl-c to cancel",
			"press ctrl+c to stop",
		},
	}
}

// Classify implements Classifier. Prompt detection takes priority over
// busy indicators: a permission dialog is a prompt even while a stale
// "esc to interrupt" hint is still visible higher up the screen.
func (c *DefaultClassifier) Classify(agentType, tail string) Classification {
	window := lastNLines(tail, tailWindowLines)
	if strings.TrimSpace(window) == "" {
		return Classification{Verdict: VerdictNone}
	}
	lower := strings.ToLower(window)

	if c.hasPromptIndicator(agentType, lower) {
		return Classification{
			Verdict: VerdictBlocked,
			Prompt:  promptText(window),
		}
	}

	for _, indicator := range c.busy {
		if strings.Contains(lower, indicator) {
			return Classification{Verdict: VerdictNone}
		}
	}

	return Classification{Verdict: VerdictTurnComplete}
}

func (c *DefaultClassifier) hasPromptIndicator(agentType, lower string) bool {
	for _, indicator := range c.agentPrompts[agentType] {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	for _, indicator := range c.prompts {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

// lastNLines returns the trailing n lines of content.
func lastNLines(content string, n int) string {
	lines := strings.Split(content, "\n")
	if len(lines) <= n {
		return content
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// promptText returns the trailing block of non-empty lines, capped at
// promptWindowLines, which is the question plus its visible options.
func promptText(window string) string {
	lines := strings.Split(window, "\n")

	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	start := end
	for start > 0 && strings.TrimSpace(lines[start-1]) != "" {
		start--
	}
	if end-start > promptWindowLines {
		start = end - promptWindowLines
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n"))
}

var _ Classifier = (*DefaultClassifier)(nil)

// keySequences maps key names a decision may carry to the control bytes an
// interactive agent expects on stdin.
var keySequences = map[string]string{
	"enter":     "\r",
	"return":    "\r",
	"tab":       "\t",
	"shift-tab": "\x1b[Z",
	"space":     " ",
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"right":     "\x1b[C",
	"left":      "\x1b[D",
	"escape":    "\x1b",
	"esc":       "\x1b",
	"backspace": "\x7f",
	"home":      "\x1b[H",
	"end":       "\x1b[F",
	"ctrl-c":    "\x03",
	"ctrl-d":    "\x04",
}

// EncodeKey translates a key name into the bytes to write. Single-rune
// names ("1", "y") pass through literally; everything else must be in the
// key table.
func EncodeKey(name string) (string, bool) {
	if seq, ok := keySequences[strings.ToLower(name)]; ok {
		return seq, true
	}
	if len([]rune(name)) == 1 {
		return name, true
	}
	return "", false
}

// EncodeKeys translates a key sequence, returning the unknown name if any
// key does not translate.
func EncodeKeys(names []string) (string, string, bool) {
	var b strings.Builder
	for _, name := range names {
		seq, ok := EncodeKey(name)
		if !ok {
			return "", name, false
		}
		b.WriteString(seq)
	}
	return b.String(), "", true
}
