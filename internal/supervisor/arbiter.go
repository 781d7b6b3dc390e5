package supervisor

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/zhubert/shepherd/internal/broadcast"
	"github.com/zhubert/shepherd/internal/config"
	"github.com/zhubert/shepherd/internal/logger"
	"github.com/zhubert/shepherd/internal/notification"
	"github.com/zhubert/shepherd/internal/oracle"
	"github.com/zhubert/shepherd/internal/registry"
	"github.com/zhubert/shepherd/internal/sanitize"
	"github.com/zhubert/shepherd/internal/session"
)

// oracleContextChars bounds how much session output one oracle
// consultation includes.
const oracleContextChars = 4000

// autoRule is a compiled deterministic prompt rule.
type autoRule struct {
	pattern  string
	re       *regexp.Regexp
	response string
	useKeys  bool
	keys     []string
}

// compileAutoRules compiles the configured rules for case-insensitive
// matching. Rules whose pattern fails to compile are dropped with a
// warning rather than taking the supervisor down.
func compileAutoRules(rules []config.AutoResponse) []autoRule {
	out := make([]autoRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			logger.Warn("auto-response pattern %q does not compile: %v", r.Pattern, err)
			continue
		}
		out = append(out, autoRule{
			pattern:  r.Pattern,
			re:       re,
			response: r.Response,
			useKeys:  r.UseKeys,
			keys:     r.Keys,
		})
	}
	return out
}

// matchAutoRule returns the first configured rule matching the prompt.
func (s *Supervisor) matchAutoRule(prompt string) (autoRule, bool) {
	for _, r := range s.autoRules {
		if r.re.MatchString(prompt) {
			return r, true
		}
	}
	return autoRule{}, false
}

// sendRule writes a deterministic rule's answer to the session.
func (s *Supervisor) sendRule(sessionID string, rule autoRule) error {
	if rule.useKeys {
		return s.sessions.SendKeys(sessionID, rule.keys)
	}
	return s.sessions.Send(sessionID, rule.response)
}

// HandleBlocked arbitrates a blocked prompt for one session. Deterministic
// rules answer trivial prompts without the oracle; past the auto-response
// limit every prompt escalates to the operator; everything else goes to the
// oracle, with at most one round trip in flight per session. Process I/O
// failures are logged here, never thrown past the loop.
func (s *Supervisor) HandleBlocked(ev session.BlockedEvent) {
	task := s.tasks.Get(ev.SessionID)
	if task == nil {
		// Events race teardown; an unknown session is a no-op.
		logger.Debug("blocked event for unregistered session %s dropped", ev.SessionID)
		return
	}
	if task.Terminal() {
		return
	}

	maxAuto := s.cfg.GetMaxAutoResponses()

	// Deterministic rules stand down at the threshold so the safety valve
	// below engages, and while a decision is in flight so two writers never
	// race on the same stdin.
	var applied *autoRule
	if !ev.AutoResponded && task.AutoResolvedCount() < maxAuto && !s.tasks.InFlight(ev.SessionID) {
		if rule, ok := s.matchAutoRule(ev.Prompt); ok {
			if err := s.sendRule(ev.SessionID, rule); err != nil {
				logger.Warn("auto-response for session %s failed: %v", ev.SessionID, err)
			} else {
				ev.AutoResponded = true
				applied = &rule
			}
		}
	}

	if ev.AutoResponded {
		count := task.IncrementAutoResolved()
		d := registry.Decision{
			Kind:   registry.DecisionAutoResolved,
			Prompt: ev.Prompt,
		}
		if applied != nil {
			d.Reasoning = fmt.Sprintf("matched auto-response rule %q", applied.pattern)
			d.Response = applied.response
			d.UseKeys = applied.useKeys
			d.Keys = applied.keys
		} else {
			d.Reasoning = "prompt answered deterministically"
		}
		task.AppendDecision(d)
		logger.Info("session %s prompt auto-resolved, %d of %d before escalation", ev.SessionID, count, maxAuto)
		s.publish(broadcast.KindAutoResolved, task, preview(ev.Prompt))
		return
	}

	if s.tasks.ShouldNotify(ev.SessionID, ev.Prompt) {
		s.publish(broadcast.KindBlocked, task, preview(ev.Prompt))
	}

	if count := task.AutoResolvedCount(); count >= maxAuto {
		// Safety valve: this many automatic answers without real progress
		// means the loop may be spinning. Hand off instead of asking the
		// oracle to approve one more.
		d := registry.Decision{
			Kind:      registry.DecisionEscalate,
			Prompt:    ev.Prompt,
			Reasoning: fmt.Sprintf("auto-response limit reached: %d prompts resolved automatically (limit %d)", count, maxAuto),
		}
		task.AppendDecision(d)
		if err := s.executeDecision(task, d); err != nil {
			logger.Error("escalating session %s: %v", ev.SessionID, err)
		}
		return
	}

	if !s.tasks.BeginArbitration(ev.SessionID) {
		logger.Debug("session %s already has a decision in flight, blocked event dropped", ev.SessionID)
		return
	}
	defer s.tasks.EndArbitration(ev.SessionID)

	task.SetStatus(registry.StatusBlocked)

	raw, err := s.oracle.Decide(context.Background(), s.blockedPrompt(task, ev))
	var dec oracle.Decision
	if err != nil {
		logger.Warn("oracle call for blocked session %s failed: %v", ev.SessionID, err)
		dec = oracle.Decision{
			Action:    oracle.ActionEscalate,
			Reasoning: fmt.Sprintf("oracle unavailable: %v", err),
		}
	} else if parsed, perr := oracle.ParseDecision(raw); perr != nil {
		logger.Warn("oracle reply for blocked session %s unparseable: %v", ev.SessionID, perr)
		dec = oracle.Decision{
			Action:    oracle.ActionEscalate,
			Reasoning: fmt.Sprintf("invalid oracle reply: %v", perr),
		}
	} else {
		dec = parsed
	}

	switch dec.Action {
	case oracle.ActionRespond:
		// Credit real progress against the auto-resolution count.
		task.DecayAutoResolved()
		d := decisionRecord(registry.DecisionRespond, dec, ev.Prompt)
		task.AppendDecision(d)
		s.publish(broadcast.KindDecision, task, "respond: "+preview(dec.Reasoning))
		if err := s.executeDecision(task, d); err != nil {
			logger.Error("executing respond for session %s: %v", ev.SessionID, err)
		}

	case oracle.ActionComplete:
		d := decisionRecord(registry.DecisionComplete, dec, ev.Prompt)
		task.AppendDecision(d)
		s.publish(broadcast.KindDecision, task, "complete: "+preview(dec.Reasoning))
		if err := s.executeDecision(task, d); err != nil {
			logger.Error("executing complete for session %s: %v", ev.SessionID, err)
		}

	default:
		// Escalate, including every oracle failure fallback.
		d := decisionRecord(registry.DecisionEscalate, dec, ev.Prompt)
		task.AppendDecision(d)
		s.publish(broadcast.KindDecision, task, "escalate: "+preview(dec.Reasoning))
		if err := s.executeDecision(task, d); err != nil {
			logger.Error("executing escalate for session %s: %v", ev.SessionID, err)
		}
	}
}

// HandleTurnComplete arbitrates a finished turn: the oracle reads the
// turn's output and either declares the task done, sends the next
// instruction, or asks for review. The whole handler is skipped while a
// decision is in flight, so a blocked event and a turn-complete event
// racing on the same output never double-process. An untrustworthy oracle
// signal stops the session; failing toward completion beats orphaning a
// running agent.
func (s *Supervisor) HandleTurnComplete(ev session.TurnCompleteEvent) {
	task := s.tasks.Get(ev.SessionID)
	if task == nil {
		logger.Debug("turn-complete event for unregistered session %s dropped", ev.SessionID)
		return
	}
	if task.Terminal() {
		return
	}

	if !s.tasks.BeginArbitration(ev.SessionID) {
		logger.Debug("session %s already has a decision in flight, turn-complete event dropped", ev.SessionID)
		return
	}
	defer s.tasks.EndArbitration(ev.SessionID)

	s.tasks.ClearNotifyThrottle(ev.SessionID)

	raw, err := s.oracle.Decide(context.Background(), s.turnCompletePrompt(task, ev))
	var dec oracle.Decision
	if err != nil {
		logger.Warn("oracle call for session %s turn failed: %v", ev.SessionID, err)
		dec = oracle.Decision{
			Action:    oracle.ActionComplete,
			Reasoning: fmt.Sprintf("invalid response from oracle: %v", err),
		}
	} else if parsed, perr := oracle.ParseDecision(raw); perr != nil {
		logger.Warn("oracle reply for session %s turn unparseable: %v", ev.SessionID, perr)
		dec = oracle.Decision{
			Action:    oracle.ActionComplete,
			Reasoning: fmt.Sprintf("invalid response from oracle: %v", perr),
		}
	} else {
		dec = parsed
	}

	switch dec.Action {
	case oracle.ActionRespond:
		d := decisionRecord(registry.DecisionRespond, dec, "")
		task.AppendDecision(d)
		s.publish(broadcast.KindDecision, task, "respond: "+preview(dec.Reasoning))
		if err := s.executeDecision(task, d); err != nil {
			logger.Error("executing respond for session %s: %v", ev.SessionID, err)
		}

	case oracle.ActionEscalate:
		// Not part of the turn-complete contract, but an oracle that asks
		// for review gets it rather than a forced stop.
		d := decisionRecord(registry.DecisionEscalate, dec, "")
		task.AppendDecision(d)
		s.publish(broadcast.KindDecision, task, "escalate: "+preview(dec.Reasoning))
		if err := s.executeDecision(task, d); err != nil {
			logger.Error("executing escalate for session %s: %v", ev.SessionID, err)
		}

	default:
		// Complete, including every oracle failure fallback.
		if note := sanitize.ExtractCompletionSummary(ev.Response); note != "" {
			task.SetCompletionNote(note)
		}
		d := decisionRecord(registry.DecisionComplete, dec, "")
		task.AppendDecision(d)
		s.publish(broadcast.KindDecision, task, "complete: "+preview(dec.Reasoning))
		if err := s.executeDecision(task, d); err != nil {
			logger.Error("executing complete for session %s: %v", ev.SessionID, err)
		}
	}
}

// HandleExit records a session's process exiting. Deliberate stops have
// already moved the task to a terminal status; anything else is the agent
// ending on its own, which counts as completion when clean and failure
// otherwise.
func (s *Supervisor) HandleExit(sessionID string, err error) {
	task := s.tasks.Get(sessionID)
	if task == nil {
		return
	}

	if !task.Terminal() {
		if err != nil {
			task.SetStatus(registry.StatusFailed)
		} else {
			task.SetStatus(registry.StatusCompleted)
			if task.CompletionNote() == "" {
				if note, cerr := s.sessions.CaptureSinceMarker(sessionID); cerr == nil {
					task.SetCompletionNote(sanitize.ExtractCompletionSummary(note))
				}
			}
		}
	}

	detail := ""
	if err != nil {
		detail = preview(err.Error())
	}
	logger.Info("session %s exited: status=%s err=%v", sessionID, task.Status(), err)
	s.publish(broadcast.KindSessionExit, task, detail)
}

// executeDecision carries out a decision's side effects: respond writes to
// the process, complete stops the session, escalate records the handoff and
// never touches the process. Process I/O errors return to the caller, who
// logs them; state after a failed write is unknown and must not be
// swallowed silently.
func (s *Supervisor) executeDecision(task *registry.TaskContext, d registry.Decision) error {
	id := task.SessionID()
	switch d.Kind {
	case registry.DecisionRespond:
		task.SetStatus(registry.StatusActive)
		s.tasks.ClearNotifyThrottle(id)
		if d.UseKeys {
			return s.sessions.SendKeys(id, d.Keys)
		}
		return s.sessions.Send(id, d.Response)

	case registry.DecisionComplete:
		task.SetStatus(registry.StatusCompleted)
		if task.CompletionNote() == "" {
			if note, err := s.sessions.CaptureSinceMarker(id); err == nil {
				task.SetCompletionNote(sanitize.ExtractCompletionSummary(note))
			}
		}
		if err := s.sessions.Stop(id); err != nil {
			return err
		}
		s.publish(broadcast.KindTaskComplete, task, preview(task.CompletionNote()))
		if s.cfg.GetNotificationsEnabled() {
			_ = notification.TaskCompleted(task.Label())
		}
		return nil

	case registry.DecisionEscalate:
		task.SetStatus(registry.StatusEscalated)
		s.tasks.SetPending(id, d)
		detail := d.Prompt
		if detail == "" {
			detail = d.Reasoning
		}
		s.publish(broadcast.KindEscalation, task, preview(detail))
		if s.cfg.GetNotificationsEnabled() {
			_ = notification.EscalationRaised(task.Label(), preview(detail))
		}
		return nil
	}
	return nil
}

// decisionRecord converts an oracle decision into an audit-trail record.
func decisionRecord(kind registry.DecisionKind, dec oracle.Decision, prompt string) registry.Decision {
	return registry.Decision{
		Kind:      kind,
		Reasoning: dec.Reasoning,
		Response:  dec.Response,
		UseKeys:   dec.UseKeys,
		Keys:      dec.Keys,
		Prompt:    prompt,
	}
}

// blockedPrompt builds the oracle consultation for a blocked session.
func (s *Supervisor) blockedPrompt(task *registry.TaskContext, ev session.BlockedEvent) string {
	var b strings.Builder
	b.WriteString("You supervise an autonomous coding agent. It is blocked on an interactive prompt and you decide what happens next.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", task.Description())
	fmt.Fprintf(&b, "Agent: %s\n\n", task.AgentType())
	fmt.Fprintf(&b, "The agent is waiting on:\n%s\n", ev.Prompt)
	if tail := tailChars(ev.Tail, oracleContextChars); tail != "" {
		fmt.Fprintf(&b, "\nRecent output:\n%s\n", tail)
	}
	b.WriteString(`
Reply with one JSON object and nothing else:
{"action": "respond", "response": "<text to type>", "reasoning": "<one sentence>"}
{"action": "respond", "useKeys": true, "keys": ["enter"], "reasoning": "<one sentence>"} for menu prompts; key names include enter, up, down, tab, escape
{"action": "escalate", "reasoning": "<one sentence>"} when a human must decide, such as credentials or destructive operations
{"action": "complete", "reasoning": "<one sentence>"} when the task is finished and the session should stop`)
	return b.String()
}

// turnCompletePrompt builds the oracle consultation for a finished turn.
func (s *Supervisor) turnCompletePrompt(task *registry.TaskContext, ev session.TurnCompleteEvent) string {
	var b strings.Builder
	b.WriteString("You supervise an autonomous coding agent. It has finished a turn and you decide whether the task is done.\n\n")
	fmt.Fprintf(&b, "Task: %s\n\n", task.Description())
	fmt.Fprintf(&b, "The agent's output for this turn:\n%s\n", tailChars(ev.Response, oracleContextChars))
	b.WriteString(`
Reply with one JSON object and nothing else:
{"action": "complete", "reasoning": "<one sentence>"} when the task is done
{"action": "respond", "response": "<next instruction>", "reasoning": "<one sentence>"} to keep the agent working toward the task
{"action": "escalate", "reasoning": "<one sentence>"} when a human should review before continuing`)
	return b.String()
}
