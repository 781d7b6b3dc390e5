// Package session manages the interactive agent processes under
// supervision: spawning them, feeding them input, retaining their output in
// bounded buffers, and classifying quiet periods into blocked and
// turn-complete events.
package session

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/shepherd/internal/errors"
	"github.com/zhubert/shepherd/internal/logger"
	"github.com/zhubert/shepherd/internal/sanitize"
)

// Status describes where a session is in its lifecycle.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusBlocked  Status = "blocked"
	StatusStopped  Status = "stopped"
	StatusExited   Status = "exited"
	StatusFailed   Status = "failed"
)

// DefaultIdleTimeout is how long a session's output must be quiet before
// its tail is classified.
const DefaultIdleTimeout = 8 * time.Second

// classifyTailBytes bounds how much raw output feeds one classification.
const classifyTailBytes = 4096

// stderrTailBytes bounds how much captured stderr an exit error carries.
const stderrTailBytes = 500

// SpawnOptions describes the agent process to start.
type SpawnOptions struct {
	AgentType string
	Command   []string
	WorkDir   string
}

// BlockedEvent reports a session whose agent is waiting on an interactive
// prompt. Prompt is the cleaned prompt text, Tail is cleaned recent output
// around it for context. AutoResponded is set by the layer that answers
// prompts deterministically before arbitration.
type BlockedEvent struct {
	SessionID     string
	Prompt        string
	Tail          string
	AutoResponded bool
}

// TurnCompleteEvent reports a session whose agent finished a turn.
// Response is the cleaned output captured since the turn began; capturing
// it consumed the turn marker.
type TurnCompleteEvent struct {
	SessionID string
	Response  string
}

// Callbacks defines the hooks the manager invokes as sessions produce
// events. All callbacks fire outside the manager's locks, from CheckIdle's
// caller or from process goroutines; implementations must be thread-safe.
type Callbacks struct {
	OnBlocked      func(ev BlockedEvent)
	OnTurnComplete func(ev TurnCompleteEvent)

	// OnIdleCheck fires each time CheckIdle examines a session that has
	// gone quiet, whether or not the examination produces an event.
	OnIdleCheck func(sessionID string)

	// OnExit fires when a session's process exits for any reason,
	// including a deliberate Stop. err is nil for clean exits.
	OnExit func(sessionID string, err error)
}

// ManagerConfig holds the tunables for a Manager. Zero values fall back
// to defaults.
type ManagerConfig struct {
	BufferLimit int
	IdleTimeout time.Duration
	Classifier  Classifier
}

// Manager owns all live sessions. The sessions map is protected by mu;
// each Session carries its own lock so event handling for one session
// never blocks another.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	callbacks   Callbacks
	classifier  Classifier
	bufferLimit int
	idleTimeout time.Duration
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig, callbacks Callbacks) *Manager {
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = NewDefaultClassifier()
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		callbacks:   callbacks,
		classifier:  classifier,
		bufferLimit: cfg.BufferLimit,
		idleTimeout: idleTimeout,
	}
}

// Session is one supervised agent process. All mutable fields are
// protected by mu; buf carries its own lock.
type Session struct {
	mu sync.Mutex

	id        string
	agentType string
	command   []string
	workDir   string

	status Status
	buf    *Buffer
	proc   *process

	startedAt    time.Time
	lastOutputAt time.Time

	// turnOpen is true from an instruction being sent until its output
	// is captured. Idle classification only runs on open turns.
	turnOpen bool

	// lastBlockedPrompt suppresses re-emitting a blocked event while the
	// screen has not changed. Cleared whenever input is sent.
	lastBlockedPrompt string

	// transcript receives the session's raw output for post-mortem reads.
	// Nil when the file could not be opened; the session runs without it.
	transcript *os.File

	exitErr error
}

// Info is a point-in-time snapshot of a session for listings.
type Info struct {
	ID           string
	AgentType    string
	WorkDir      string
	Status       Status
	StartedAt    time.Time
	LastOutputAt time.Time
	PID          int
}

// Spawn starts an agent process and returns its session ID.
func (m *Manager) Spawn(opts SpawnOptions) (string, error) {
	if len(opts.Command) == 0 {
		return "", errors.SpawnFailed(opts.AgentType, fmt.Errorf("no command configured"))
	}

	id := uuid.New().String()
	now := time.Now()
	s := &Session{
		id:           id,
		agentType:    opts.AgentType,
		command:      opts.Command,
		workDir:      opts.WorkDir,
		status:       StatusStarting,
		buf:          NewBuffer(m.bufferLimit),
		startedAt:    now,
		lastOutputAt: now,
		turnOpen:     true,
	}
	// The agent's startup output counts as the first turn; some agents
	// block on a trust or login prompt before any instruction arrives.
	s.buf.MarkTurn()

	transcript, err := os.OpenFile(logger.SessionLogPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger.Warn("session %s transcript unavailable: %v", id, err)
	} else {
		s.transcript = transcript
	}

	// Register before starting so output callbacks always find the session.
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	proc, err := startProcess(opts.Command, opts.WorkDir, procCallbacks{
		onData: func(chunk []byte) { m.handleData(s, chunk) },
		onExit: func(err error, stderr string) { m.handleProcessExit(s, err, stderr) },
	})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		if s.transcript != nil {
			s.transcript.Close()
			os.Remove(s.transcript.Name())
		}
		return "", errors.SpawnFailed(opts.AgentType, err)
	}

	s.mu.Lock()
	s.proc = proc
	// A process that died during startup has already moved the status on;
	// don't clobber it.
	if s.status == StatusStarting {
		s.status = StatusActive
	}
	s.mu.Unlock()

	logger.Info("session spawned: id=%s agent=%s pid=%d dir=%s", id, opts.AgentType, proc.pid(), opts.WorkDir)
	return id, nil
}

// Send writes an instruction line to a session's agent and opens a new turn.
func (m *Manager) Send(id, text string) error {
	const op errors.Op = "session.Send"
	s, proc, err := m.activeSession(op, id)
	if err != nil {
		return err
	}
	if err := proc.write([]byte(text + "\n")); err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	s.noteInputSent()
	logger.Debug("sent to session %s: %d bytes", id, len(text)+1)
	return nil
}

// SendKeys writes a key sequence to a session's agent and opens a new
// turn. Key names translate through the key table; single characters pass
// through literally.
func (m *Manager) SendKeys(id string, keys []string) error {
	const op errors.Op = "session.SendKeys"
	seq, bad, ok := EncodeKeys(keys)
	if !ok {
		return errors.E(op, errors.KindInvalid, fmt.Sprintf("unknown key %q", bad))
	}
	s, proc, err := m.activeSession(op, id)
	if err != nil {
		return err
	}
	if err := proc.write([]byte(seq)); err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	s.noteInputSent()
	logger.Debug("sent keys to session %s: %v", id, keys)
	return nil
}

// Stop shuts a session's process down. Safe to call on sessions that have
// already exited; stopping twice is a no-op.
func (m *Manager) Stop(id string) error {
	const op errors.Op = "session.Stop"
	s := m.get(id)
	if s == nil {
		return errors.UnknownSession(op, id)
	}

	s.mu.Lock()
	proc := s.proc
	running := proc != nil && proc.isRunning()
	if running {
		s.status = StatusStopped
	}
	s.turnOpen = false
	s.mu.Unlock()

	if running {
		logger.Info("stopping session %s", id)
		proc.stop()
	}
	return nil
}

// Remove forgets a session. Its process is stopped first if still running.
func (m *Manager) Remove(id string) error {
	if err := m.Stop(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// GetOutput returns a session's retained output cleaned for display.
func (m *Manager) GetOutput(id string) (string, error) {
	const op errors.Op = "session.GetOutput"
	s := m.get(id)
	if s == nil {
		return "", errors.UnknownSession(op, id)
	}
	return sanitize.CleanForDisplay(s.buf.String()), nil
}

// CaptureSinceMarker returns the cleaned output produced since the turn
// began and consumes the marker: a second call returns empty until a new
// turn opens.
func (m *Manager) CaptureSinceMarker(id string) (string, error) {
	const op errors.Op = "session.CaptureSinceMarker"
	s := m.get(id)
	if s == nil {
		return "", errors.UnknownSession(op, id)
	}
	raw, ok := s.buf.ConsumeMarker()
	if !ok {
		return "", nil
	}
	s.mu.Lock()
	s.turnOpen = false
	s.mu.Unlock()
	return sanitize.CleanForDisplay(raw), nil
}

// MarkTurn opens a new turn at the current end of a session's output.
func (m *Manager) MarkTurn(id string) error {
	const op errors.Op = "session.MarkTurn"
	s := m.get(id)
	if s == nil {
		return errors.UnknownSession(op, id)
	}
	s.mu.Lock()
	s.buf.MarkTurn()
	s.turnOpen = true
	s.mu.Unlock()
	return nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (Info, error) {
	const op errors.Op = "session.Get"
	s := m.get(id)
	if s == nil {
		return Info{}, errors.UnknownSession(op, id)
	}
	return s.info(), nil
}

// List returns snapshots of all sessions ordered by start time.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Running reports whether a session's process is alive.
func (m *Manager) Running(id string) bool {
	s := m.get(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && s.proc.isRunning()
}

// StopAll stops every live session, in parallel, and returns when all
// processes have exited.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Stop(id)
		}(id)
	}
	wg.Wait()
}

// CheckIdle examines every session whose output has been quiet past the
// idle timeout and emits blocked or turn-complete events for them. The
// supervisor calls this on its poll tick; callbacks fire on the caller's
// goroutine after all locks are released.
func (m *Manager) CheckIdle() {
	now := time.Now()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var checked []string
	var blocked []BlockedEvent
	var complete []TurnCompleteEvent

	for _, s := range sessions {
		s.mu.Lock()
		idle := s.proc != nil && s.proc.isRunning() && s.turnOpen &&
			now.Sub(s.lastOutputAt) >= m.idleTimeout
		agentType := s.agentType
		s.mu.Unlock()
		if !idle {
			continue
		}
		checked = append(checked, s.id)

		// A turn with no output yet is an agent still booting, not an
		// event.
		sinceMarker, ok := s.buf.SinceMarker()
		if !ok || strings.TrimSpace(sinceMarker) == "" {
			continue
		}

		// Busy indicators live on lines the display cleaner drops, so
		// classification sees stripped text, not display text.
		stripped := sanitize.StripControlSequences(s.buf.Tail(classifyTailBytes))
		cls := m.classifier.Classify(agentType, stripped)

		switch cls.Verdict {
		case VerdictBlocked:
			prompt := sanitize.CleanForDisplay(cls.Prompt)
			s.mu.Lock()
			repeat := s.lastBlockedPrompt == prompt
			if !repeat {
				s.lastBlockedPrompt = prompt
				s.status = StatusBlocked
			}
			s.mu.Unlock()
			if repeat {
				continue
			}
			blocked = append(blocked, BlockedEvent{
				SessionID: s.id,
				Prompt:    prompt,
				Tail:      sanitize.CleanForDisplay(sinceMarker),
			})

		case VerdictTurnComplete:
			raw, ok := s.buf.ConsumeMarker()
			if !ok {
				continue
			}
			s.mu.Lock()
			s.turnOpen = false
			s.lastBlockedPrompt = ""
			if s.status == StatusBlocked {
				s.status = StatusActive
			}
			s.mu.Unlock()
			complete = append(complete, TurnCompleteEvent{
				SessionID: s.id,
				Response:  sanitize.CleanForDisplay(raw),
			})
		}
	}

	if m.callbacks.OnIdleCheck != nil {
		for _, id := range checked {
			m.callbacks.OnIdleCheck(id)
		}
	}
	for _, ev := range blocked {
		logger.Info("session %s blocked on prompt (%d chars)", ev.SessionID, len(ev.Prompt))
		if m.callbacks.OnBlocked != nil {
			m.callbacks.OnBlocked(ev)
		}
	}
	for _, ev := range complete {
		logger.Info("session %s turn complete (%d chars)", ev.SessionID, len(ev.Response))
		if m.callbacks.OnTurnComplete != nil {
			m.callbacks.OnTurnComplete(ev)
		}
	}
}

// IdleTimeout returns the quiet period required before classification.
func (m *Manager) IdleTimeout() time.Duration {
	return m.idleTimeout
}

func (m *Manager) get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// activeSession resolves a session that must be able to receive input.
func (m *Manager) activeSession(op errors.Op, id string) (*Session, *process, error) {
	s := m.get(id)
	if s == nil {
		return nil, nil, errors.UnknownSession(op, id)
	}
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil || !proc.isRunning() {
		return nil, nil, errors.InactiveSession(op, id)
	}
	return s, proc, nil
}

// noteInputSent opens a new turn after input reached the agent.
func (s *Session) noteInputSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.MarkTurn()
	s.turnOpen = true
	s.lastBlockedPrompt = ""
	if s.status == StatusBlocked {
		s.status = StatusActive
	}
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:           s.id,
		AgentType:    s.agentType,
		WorkDir:      s.workDir,
		Status:       s.status,
		StartedAt:    s.startedAt,
		LastOutputAt: s.lastOutputAt,
	}
	if s.proc != nil {
		info.PID = s.proc.pid()
	}
	return info
}

// handleData appends a chunk of process output to the session buffer and
// the transcript. Called from the process output pump with the session
// itself, so a session already forgotten by the manager still records
// its last bytes.
func (m *Manager) handleData(s *Session, chunk []byte) {
	s.buf.Append(chunk)
	s.mu.Lock()
	s.lastOutputAt = time.Now()
	if s.transcript != nil {
		// A failed write loses transcript bytes, not the session.
		_, _ = s.transcript.Write(chunk)
	}
	s.mu.Unlock()
}

// handleProcessExit records a process exit and notifies the exit callback.
// Called from the process exit monitor with the session itself, so a
// session removed while its process was still dying closes out cleanly.
func (m *Manager) handleProcessExit(s *Session, err error, stderr string) {
	s.mu.Lock()
	deliberate := s.status == StatusStopped
	if !deliberate {
		if err != nil {
			s.status = StatusFailed
			if tail := strings.TrimSpace(stderr); tail != "" {
				if len(tail) > stderrTailBytes {
					tail = tail[len(tail)-stderrTailBytes:]
				}
				err = fmt.Errorf("%v: %s", err, tail)
			}
			s.exitErr = err
		} else {
			s.status = StatusExited
		}
	}
	s.turnOpen = false
	exitErr := s.exitErr
	if s.transcript != nil {
		s.transcript.Close()
		s.transcript = nil
	}
	s.mu.Unlock()

	if deliberate {
		logger.Debug("session %s stopped", s.id)
	} else {
		logger.Info("session %s process exited: err=%v", s.id, exitErr)
	}

	if m.callbacks.OnExit != nil {
		m.callbacks.OnExit(s.id, exitErr)
	}
}
