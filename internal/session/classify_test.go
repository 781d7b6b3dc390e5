package session

import (
	"strings"
	"testing"
)

func TestClassifyClaudePermissionPrompt(t *testing.T) {
	c := NewDefaultClassifier()
	tail := `Editing main.go

Do you want to proceed?
❯ 1. Yes
  2. Yes, allow once
  3. No, and tell Claude what to do differently`

	got := c.Classify("claude", tail)
	if got.Verdict != VerdictBlocked {
		t.Fatalf("Verdict = %v, want blocked", got.Verdict)
	}
	if !strings.Contains(got.Prompt, "Do you want to proceed?") {
		t.Errorf("Prompt = %q, want the question text", got.Prompt)
	}
	if !strings.Contains(got.Prompt, "1. Yes") {
		t.Errorf("Prompt = %q, want the visible options", got.Prompt)
	}
}

func TestClassifyGenericConfirmations(t *testing.T) {
	c := NewDefaultClassifier()
	cases := []string{
		"Overwrite existing file? (y/n)",
		"Apply these changes? [Y/n]",
		"Press Enter to continue",
		"Are you sure you want to delete the branch?",
		"Enter passphrase for key '/home/u/.ssh/id_ed25519':",
	}
	for _, tail := range cases {
		got := c.Classify("shell", tail)
		if got.Verdict != VerdictBlocked {
			t.Errorf("Classify(%q).Verdict = %v, want blocked", tail, got.Verdict)
		}
	}
}

func TestClassifyAiderPrompt(t *testing.T) {
	c := NewDefaultClassifier()
	got := c.Classify("aider", "Add README.md to the chat? (Y)es/(N)o/(D)on't ask again")
	if got.Verdict != VerdictBlocked {
		t.Errorf("Verdict = %v, want blocked", got.Verdict)
	}
}

func TestClassifyBusySuppressesTurnComplete(t *testing.T) {
	c := NewDefaultClassifier()
	tail := `Reading files

✻ Churning (esc to interrupt)`

	got := c.Classify("claude", tail)
	if got.Verdict != VerdictNone {
		t.Errorf("Verdict = %v, want none while busy indicator is showing", got.Verdict)
	}
}

func TestClassifyPromptBeatsBusyIndicator(t *testing.T) {
	c := NewDefaultClassifier()
	// A stale interrupt hint above a live permission dialog: the dialog wins.
	tail := `esc to interrupt

Do you want to proceed?
❯ 1. Yes
  2. No`

	got := c.Classify("claude", tail)
	if got.Verdict != VerdictBlocked {
		t.Errorf("Verdict = %v, want blocked when a prompt is present", got.Verdict)
	}
}

func TestClassifyQuietOutputIsTurnComplete(t *testing.T) {
	c := NewDefaultClassifier()
	tail := `Updated three files and ran the tests.
All 42 tests passed.`

	got := c.Classify("claude", tail)
	if got.Verdict != VerdictTurnComplete {
		t.Errorf("Verdict = %v, want turn complete", got.Verdict)
	}
}

func TestClassifyEmptyTail(t *testing.T) {
	c := NewDefaultClassifier()
	for _, tail := range []string{"", "   \n\n  "} {
		got := c.Classify("claude", tail)
		if got.Verdict != VerdictNone {
			t.Errorf("Classify(%q).Verdict = %v, want none", tail, got.Verdict)
		}
	}
}

func TestClassifyOnlyExaminesTailWindow(t *testing.T) {
	c := NewDefaultClassifier()

	// A prompt that scrolled more than the tail window back was answered
	// or abandoned; only the trailing lines count.
	var b strings.Builder
	b.WriteString("Do you want to proceed?\n")
	for i := 0; i < tailWindowLines+5; i++ {
		b.WriteString("output line\n")
	}
	b.WriteString("done")

	got := c.Classify("claude", b.String())
	if got.Verdict != VerdictTurnComplete {
		t.Errorf("Verdict = %v, want turn complete once the prompt scrolled away", got.Verdict)
	}
}

func TestClassifyPromptTextIsTrailingBlock(t *testing.T) {
	c := NewDefaultClassifier()
	tail := `first paragraph of output

Do you want to proceed? (y/n)`

	got := c.Classify("shell", tail)
	if got.Verdict != VerdictBlocked {
		t.Fatalf("Verdict = %v, want blocked", got.Verdict)
	}
	if strings.Contains(got.Prompt, "first paragraph") {
		t.Errorf("Prompt = %q, should only contain the trailing block", got.Prompt)
	}
}

func TestEncodeKey(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"enter", "\r"},
		{"Enter", "\r"},
		{"tab", "\t"},
		{"shift-tab", "\x1b[Z"},
		{"up", "\x1b[A"},
		{"down", "\x1b[B"},
		{"escape", "\x1b"},
		{"ctrl-c", "\x03"},
		{"y", "y"},
		{"1", "1"},
	}
	for _, tc := range cases {
		got, ok := EncodeKey(tc.name)
		if !ok {
			t.Errorf("EncodeKey(%q) not recognized", tc.name)
			continue
		}
		if got != tc.want {
			t.Errorf("EncodeKey(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}

	if _, ok := EncodeKey("flurp"); ok {
		t.Error("EncodeKey should reject unknown multi-character names")
	}
}

func TestEncodeKeys(t *testing.T) {
	seq, _, ok := EncodeKeys([]string{"down", "down", "enter"})
	if !ok {
		t.Fatal("EncodeKeys failed on valid sequence")
	}
	if seq != "\x1b[B\x1b[B\r" {
		t.Errorf("EncodeKeys = %q, want down down enter bytes", seq)
	}

	_, bad, ok := EncodeKeys([]string{"down", "warp", "enter"})
	if ok {
		t.Fatal("EncodeKeys should fail on unknown key")
	}
	if bad != "warp" {
		t.Errorf("bad key = %q, want %q", bad, "warp")
	}
}
