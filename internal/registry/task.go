package registry

import (
	"sync"
	"time"
)

// Status describes where a task is in its lifecycle.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusActive    Status = "active"
	StatusBlocked   Status = "blocked"
	StatusEscalated Status = "escalated"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// DecisionKind identifies how a blocked or turn-complete event was resolved.
type DecisionKind string

const (
	DecisionAutoResolved DecisionKind = "auto_resolved"
	DecisionRespond      DecisionKind = "respond"
	DecisionEscalate     DecisionKind = "escalate"
	DecisionComplete     DecisionKind = "complete"
)

// Decision is one resolution in a task's audit trail. Records are append-only;
// once appended they are never mutated.
type Decision struct {
	Kind      DecisionKind `json:"kind"`
	Reasoning string       `json:"reasoning,omitempty"`
	Response  string       `json:"response,omitempty"`
	UseKeys   bool         `json:"use_keys,omitempty"`
	Keys      []string     `json:"keys,omitempty"`
	Prompt    string       `json:"prompt,omitempty"`
	Time      time.Time    `json:"time"`
}

// TaskContext tracks one supervised task: what the agent was asked to do,
// the decisions made on its behalf, and how often it has been unstuck
// automatically. All fields are protected by mu.
type TaskContext struct {
	mu sync.Mutex

	sessionID   string
	label       string
	description string
	agentType   string
	workDir     string

	status         Status
	decisions      []Decision
	autoResolved   int
	idleChecks     int
	startedAt      time.Time
	lastEventAt    time.Time
	completionNote string
}

// NewTaskContext creates a task context in the starting state.
func NewTaskContext(sessionID, label, description, agentType, workDir string) *TaskContext {
	now := time.Now()
	return &TaskContext{
		sessionID:   sessionID,
		label:       label,
		description: description,
		agentType:   agentType,
		workDir:     workDir,
		status:      StatusStarting,
		startedAt:   now,
		lastEventAt: now,
	}
}

// SessionID returns the session this task is bound to.
func (t *TaskContext) SessionID() string {
	return t.sessionID
}

// Label returns the short human-readable name for the task.
func (t *TaskContext) Label() string {
	return t.label
}

// Description returns the task instruction the agent was started with.
func (t *TaskContext) Description() string {
	return t.description
}

// AgentType returns the configured agent this task runs on.
func (t *TaskContext) AgentType() string {
	return t.agentType
}

// WorkDir returns the working directory the agent was spawned in.
func (t *TaskContext) WorkDir() string {
	return t.workDir
}

// StartedAt returns when the task was registered.
func (t *TaskContext) StartedAt() time.Time {
	return t.startedAt
}

// Status returns the current lifecycle state.
func (t *TaskContext) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus moves the task to a new lifecycle state.
func (t *TaskContext) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
	t.lastEventAt = time.Now()
}

// Terminal reports whether the task has reached a final state.
func (t *TaskContext) Terminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusCompleted, StatusStopped, StatusFailed:
		return true
	}
	return false
}

// AppendDecision adds a resolution record to the audit trail. The record's
// timestamp is filled in if the caller left it zero.
func (t *TaskContext) AppendDecision(d Decision) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d.Time.IsZero() {
		d.Time = time.Now()
	}
	t.decisions = append(t.decisions, d)
	t.lastEventAt = d.Time
}

// Decisions returns a copy of the audit trail.
func (t *TaskContext) Decisions() []Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Decision, len(t.decisions))
	copy(out, t.decisions)
	return out
}

// LastDecision returns the most recent resolution, if any.
func (t *TaskContext) LastDecision() (Decision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.decisions) == 0 {
		return Decision{}, false
	}
	return t.decisions[len(t.decisions)-1], true
}

// AutoResolvedCount returns how many automatic resolutions are currently
// counted against the task.
func (t *TaskContext) AutoResolvedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.autoResolved
}

// IncrementAutoResolved counts one more automatic resolution and returns
// the new total.
func (t *TaskContext) IncrementAutoResolved() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.autoResolved++
	return t.autoResolved
}

// DecayAutoResolved credits the task for an oracle-supplied response by
// lowering the automatic-resolution count, never below zero. A burst of
// auto-responses followed by real progress should not pin the task at
// the escalation threshold forever.
func (t *TaskContext) DecayAutoResolved() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.autoResolved > 0 {
		t.autoResolved--
	}
	return t.autoResolved
}

// IdleCheckCount returns how many times the idle monitor has examined
// this task's session while it sat quiet.
func (t *TaskContext) IdleCheckCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idleChecks
}

// IncrementIdleCheck counts one more idle examination and returns the
// new total. Idle checks are bookkeeping, not activity, so lastEventAt
// is left alone.
func (t *TaskContext) IncrementIdleCheck() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idleChecks++
	return t.idleChecks
}

// SetCompletionNote records the summary captured when the task finished.
func (t *TaskContext) SetCompletionNote(note string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completionNote = note
}

// CompletionNote returns the summary captured when the task finished.
func (t *TaskContext) CompletionNote() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completionNote
}

// LastEventAt returns the time of the most recent status change or decision.
func (t *TaskContext) LastEventAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEventAt
}
