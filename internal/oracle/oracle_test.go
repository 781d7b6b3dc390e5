package oracle

import (
	"context"
	stderrors "errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/shepherd/internal/errors"
)

func TestParseDecisionRespond(t *testing.T) {
	raw := `{"action": "respond", "response": "yes", "reasoning": "prompt is a safe confirmation"}`
	d, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("ParseDecision returned error: %v", err)
	}
	if d.Action != ActionRespond {
		t.Errorf("Action = %q, want %q", d.Action, ActionRespond)
	}
	if d.Response != "yes" {
		t.Errorf("Response = %q, want %q", d.Response, "yes")
	}
	if d.UseKeys {
		t.Error("UseKeys should default to false")
	}
}

func TestParseDecisionRespondWithKeys(t *testing.T) {
	raw := `{"action": "respond", "useKeys": true, "keys": ["down", "enter"], "reasoning": "select second option"}`
	d, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("ParseDecision returned error: %v", err)
	}
	if !d.UseKeys {
		t.Error("UseKeys should be true")
	}
	if len(d.Keys) != 2 || d.Keys[0] != "down" || d.Keys[1] != "enter" {
		t.Errorf("Keys = %v, want [down enter]", d.Keys)
	}
}

func TestParseDecisionEscalateAndComplete(t *testing.T) {
	for _, action := range []string{ActionEscalate, ActionComplete} {
		raw := `{"action": "` + action + `", "reasoning": "because"}`
		d, err := ParseDecision(raw)
		if err != nil {
			t.Errorf("ParseDecision(%s) returned error: %v", action, err)
			continue
		}
		if d.Action != action {
			t.Errorf("Action = %q, want %q", d.Action, action)
		}
		if d.Reasoning != "because" {
			t.Errorf("Reasoning = %q, want %q", d.Reasoning, "because")
		}
	}
}

func TestParseDecisionWrappedInProse(t *testing.T) {
	raw := "Sure, here is my decision:\n```json\n" +
		`{"action": "respond", "response": "2", "reasoning": "pick the second menu item"}` +
		"\n```\nLet me know if you need anything else."
	d, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("ParseDecision returned error: %v", err)
	}
	if d.Response != "2" {
		t.Errorf("Response = %q, want %q", d.Response, "2")
	}
}

func TestParseDecisionBracesInsideStrings(t *testing.T) {
	raw := `{"action": "respond", "response": "use {x: 1} as the config", "reasoning": "answer includes {braces}"}`
	d, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("ParseDecision returned error: %v", err)
	}
	if !strings.Contains(d.Response, "{x: 1}") {
		t.Errorf("Response = %q, braces inside strings were mangled", d.Response)
	}
}

func TestParseDecisionEscapedQuotes(t *testing.T) {
	raw := `{"action": "respond", "response": "say \"hello\"", "reasoning": "r"}`
	d, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("ParseDecision returned error: %v", err)
	}
	if d.Response != `say "hello"` {
		t.Errorf("Response = %q, escaped quotes were mangled", d.Response)
	}
}

func TestParseDecisionMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"no JSON", "I think you should continue."},
		{"truncated object", `{"action": "respond", "response":`},
		{"missing action", `{"response": "yes", "reasoning": "r"}`},
		{"unknown action", `{"action": "ponder", "reasoning": "r"}`},
		{"respond without payload", `{"action": "respond", "reasoning": "r"}`},
		{"respond keys flag without keys", `{"action": "respond", "useKeys": true, "reasoning": "r"}`},
		{"whitespace response", `{"action": "respond", "response": "   ", "reasoning": "r"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDecision(tc.raw)
			if err == nil {
				t.Fatalf("ParseDecision(%q) should fail", tc.raw)
			}
			if !errors.Is(err, errors.KindOracleParse) {
				t.Errorf("error kind = %v, want oracle parse failure", err)
			}
		})
	}
}

func TestParseDecisionUsesFirstObject(t *testing.T) {
	raw := `{"action": "complete", "reasoning": "first"} {"action": "escalate", "reasoning": "second"}`
	d, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("ParseDecision returned error: %v", err)
	}
	if d.Action != ActionComplete {
		t.Errorf("Action = %q, want the first object's action", d.Action)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCLIOracleDecide(t *testing.T) {
	requireShell(t)

	o := NewCLIOracle([]string{"sh", "-c", `cat > /dev/null; echo '{"action": "complete", "reasoning": "done"}'`}, 5*time.Second)
	raw, err := o.Decide(context.Background(), "what now?")
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	d, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("reply did not parse: %v", err)
	}
	if d.Action != ActionComplete {
		t.Errorf("Action = %q, want complete", d.Action)
	}
}

func TestCLIOracleReceivesPromptOnStdin(t *testing.T) {
	requireShell(t)

	// Echo stdin back inside the reply so the test can see it arrived.
	o := NewCLIOracle([]string{"sh", "-c", `printf '{"action": "escalate", "reasoning": "%s"}' "$(cat)"`}, 5*time.Second)
	raw, err := o.Decide(context.Background(), "the prompt text")
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if !strings.Contains(raw, "the prompt text") {
		t.Errorf("reply %q does not contain the stdin prompt", raw)
	}
}

func TestCLIOracleTimeout(t *testing.T) {
	requireShell(t)

	o := NewCLIOracle([]string{"sh", "-c", "sleep 5"}, 50*time.Millisecond)
	start := time.Now()
	_, err := o.Decide(context.Background(), "prompt")
	if err == nil {
		t.Fatal("Decide should fail on timeout")
	}
	if !errors.Is(err, errors.KindOracleTimeout) {
		t.Errorf("error kind = %v, want oracle timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Decide took %v, timeout did not fire", elapsed)
	}
}

func TestCLIOracleCommandFailure(t *testing.T) {
	requireShell(t)

	o := NewCLIOracle([]string{"sh", "-c", "echo boom >&2; exit 3"}, 5*time.Second)
	_, err := o.Decide(context.Background(), "prompt")
	if err == nil {
		t.Fatal("Decide should fail when the command exits nonzero")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q should carry the command's stderr", err)
	}
}

func TestCLIOracleNoCommand(t *testing.T) {
	o := NewCLIOracle(nil, time.Second)
	if _, err := o.Decide(context.Background(), "prompt"); err == nil {
		t.Fatal("Decide should fail with no command configured")
	}
}

func TestMockOracleQueue(t *testing.T) {
	m := NewMockOracle()
	m.QueueReply(`{"action": "respond", "response": "yes", "reasoning": "r"}`)
	m.QueueError(stderrors.New("transport down"))

	raw, err := m.Decide(context.Background(), "first")
	if err != nil {
		t.Fatalf("first Decide returned error: %v", err)
	}
	if !strings.Contains(raw, `"respond"`) {
		t.Errorf("first reply = %q, want queued respond", raw)
	}

	if _, err := m.Decide(context.Background(), "second"); err == nil {
		t.Fatal("second Decide should return the queued error")
	}

	// Unscripted calls fall back to a harmless escalation.
	raw, err = m.Decide(context.Background(), "third")
	if err != nil {
		t.Fatalf("third Decide returned error: %v", err)
	}
	d, err := ParseDecision(raw)
	if err != nil || d.Action != ActionEscalate {
		t.Errorf("default reply = %q (parse err %v), want escalate", raw, err)
	}

	calls := m.Calls()
	if len(calls) != 3 || calls[0] != "first" || calls[2] != "third" {
		t.Errorf("Calls = %v, want the three prompts in order", calls)
	}
}

func TestMockOracleHoldRelease(t *testing.T) {
	m := NewMockOracle()
	m.QueueReply(`{"action": "complete", "reasoning": "r"}`)
	m.Hold()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Decide(context.Background(), "prompt")
		close(done)
	}()

	// The call must be recorded but still blocked.
	deadline := time.After(2 * time.Second)
	for m.CallCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("Decide never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	select {
	case <-done:
		t.Fatal("Decide returned while held")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Decide did not return after Release")
	}
	wg.Wait()
}

func TestMockOracleHoldRespectsContext(t *testing.T) {
	m := NewMockOracle()
	m.Hold()
	defer m.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := m.Decide(ctx, "prompt"); err == nil {
		t.Fatal("held Decide should fail when the context expires")
	}
}
