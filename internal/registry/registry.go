// Package registry tracks the tasks under supervision and the cross-cutting
// arbitration state that keeps decisions serialized per session: the set of
// sessions with an oracle round trip in flight, decisions awaiting operator
// input, and throttling state for observer notifications.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Registry is the authoritative map from session IDs to task contexts.
// All fields are protected by mu. TaskContext values carry their own lock,
// so callers may use a context returned from Get without holding the
// registry lock.
type Registry struct {
	mu sync.Mutex

	tasks    map[string]*TaskContext
	inFlight map[string]bool
	pending  map[string]Decision

	lastNotifiedPrompt map[string]string
	lastNotifiedAt     map[string]time.Time
	notifyCooldown     time.Duration
}

// DefaultNotifyCooldown is how long identical blocked notifications for a
// session are suppressed.
const DefaultNotifyCooldown = 2 * time.Minute

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tasks:              make(map[string]*TaskContext),
		inFlight:           make(map[string]bool),
		pending:            make(map[string]Decision),
		lastNotifiedPrompt: make(map[string]string),
		lastNotifiedAt:     make(map[string]time.Time),
		notifyCooldown:     DefaultNotifyCooldown,
	}
}

// Register binds a task context to its session ID.
func (r *Registry) Register(task *TaskContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.SessionID()] = task
}

// Get returns the task for a session, or nil if the session is unknown.
// Events for sessions that were torn down race harmlessly into nil here.
func (r *Registry) Get(sessionID string) *TaskContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[sessionID]
}

// Remove deletes a task and all per-session bookkeeping for it.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, sessionID)
	delete(r.inFlight, sessionID)
	delete(r.pending, sessionID)
	delete(r.lastNotifiedPrompt, sessionID)
	delete(r.lastNotifiedAt, sessionID)
}

// List returns all registered tasks ordered by start time, oldest first.
func (r *Registry) List() []*TaskContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TaskContext, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt().Equal(out[j].StartedAt()) {
			return out[i].SessionID() < out[j].SessionID()
		}
		return out[i].StartedAt().Before(out[j].StartedAt())
	})
	return out
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// BeginArbitration marks a session as having a decision in flight. It
// returns false if one is already in flight, in which case the caller must
// not start another; the session stays marked until EndArbitration.
func (r *Registry) BeginArbitration(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[sessionID] {
		return false
	}
	r.inFlight[sessionID] = true
	return true
}

// EndArbitration clears the in-flight mark for a session.
func (r *Registry) EndArbitration(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, sessionID)
}

// InFlight reports whether a session currently has a decision in flight.
func (r *Registry) InFlight(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight[sessionID]
}

// SetPending stores an escalated decision awaiting operator input. Any
// previous pending decision for the session is replaced.
func (r *Registry) SetPending(sessionID string, d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[sessionID] = d
}

// Pending returns the escalated decision for a session without consuming it.
func (r *Registry) Pending(sessionID string) (Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.pending[sessionID]
	return d, ok
}

// TakePending removes and returns the escalated decision for a session.
func (r *Registry) TakePending(sessionID string) (Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.pending[sessionID]
	if ok {
		delete(r.pending, sessionID)
	}
	return d, ok
}

// PendingSessions returns the IDs of sessions with an escalation awaiting
// operator input, sorted for stable output.
func (r *Registry) PendingSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ShouldNotify reports whether an observer notification for a blocked
// prompt should go out, and records it if so. Repeat notifications for the
// same prompt text are suppressed until the cooldown elapses; a different
// prompt always notifies.
func (r *Registry) ShouldNotify(sessionID, prompt string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, seen := r.lastNotifiedPrompt[sessionID]
	if seen && last == prompt {
		if time.Since(r.lastNotifiedAt[sessionID]) < r.notifyCooldown {
			return false
		}
	}
	r.lastNotifiedPrompt[sessionID] = prompt
	r.lastNotifiedAt[sessionID] = time.Now()
	return true
}

// ClearNotifyThrottle forgets the notification state for a session, so the
// next blocked prompt always notifies. Called when a turn completes or a
// response is sent.
func (r *Registry) ClearNotifyThrottle(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastNotifiedPrompt, sessionID)
	delete(r.lastNotifiedAt, sessionID)
}

// SetNotifyCooldown overrides the suppression window. Tests use this to
// exercise the throttle without waiting.
func (r *Registry) SetNotifyCooldown(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyCooldown = d
}
