// Package supervisor ties the pieces together: the session manager raises
// blocked and turn-complete events, deterministic rules and the oracle
// arbitrate them, the registry keeps per-task state and audit trails, and
// the broadcaster feeds observers. One Supervisor drives many concurrent
// agent sessions.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/zhubert/shepherd/internal/broadcast"
	"github.com/zhubert/shepherd/internal/errors"
	"github.com/zhubert/shepherd/internal/logger"
	"github.com/zhubert/shepherd/internal/oracle"
	"github.com/zhubert/shepherd/internal/registry"
	"github.com/zhubert/shepherd/internal/session"
)

// shutdownTimeout bounds how long Run waits for sessions to stop and
// in-flight decisions to land before giving up.
const shutdownTimeout = 30 * time.Second

// defaultReapAfter is how long a finished task stays visible before its
// session and registry entry are swept.
const defaultReapAfter = time.Minute

// Options configures a Supervisor.
type Options struct {
	Config Config
	Oracle oracle.Client

	// LockPath is the singleton lock file. Empty disables the lock.
	LockPath string

	// PidPath is where Run records its process ID. Empty disables it.
	PidPath string

	// ReapAfter overrides how long finished tasks linger before being
	// swept. Zero means the default.
	ReapAfter time.Duration
}

// Supervisor owns the supervised sessions and the decision loop over them.
type Supervisor struct {
	cfg    Config
	oracle oracle.Client

	tasks    *registry.Registry
	sessions *session.Manager
	events   *broadcast.Broadcaster

	autoRules []autoRule

	lockPath  string
	pidPath   string
	reapAfter time.Duration

	// handlers tracks dispatched event handlers so shutdown can wait for
	// in-flight decisions.
	handlers sync.WaitGroup
}

// New wires a supervisor from its dependencies. Call Run to start it.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		cfg:       opts.Config,
		oracle:    opts.Oracle,
		tasks:     registry.New(),
		events:    broadcast.New(),
		autoRules: compileAutoRules(opts.Config.GetAutoResponses()),
		lockPath:  opts.LockPath,
		pidPath:   opts.PidPath,
		reapAfter: opts.ReapAfter,
	}
	if s.reapAfter == 0 {
		s.reapAfter = defaultReapAfter
	}
	s.sessions = session.NewManager(session.ManagerConfig{
		BufferLimit: opts.Config.GetOutputBufferLimit(),
		IdleTimeout: opts.Config.GetIdleTimeout(),
	}, session.Callbacks{
		OnBlocked: func(ev session.BlockedEvent) {
			s.handlers.Add(1)
			go func() {
				defer s.handlers.Done()
				s.HandleBlocked(ev)
			}()
		},
		OnTurnComplete: func(ev session.TurnCompleteEvent) {
			s.handlers.Add(1)
			go func() {
				defer s.handlers.Done()
				s.HandleTurnComplete(ev)
			}()
		},
		OnIdleCheck: func(sessionID string) {
			if task := s.tasks.Get(sessionID); task != nil {
				task.IncrementIdleCheck()
			}
		},
		// Exit bookkeeping is registry and broadcast only, so it runs
		// inline on the process monitor goroutine and StopAll returns
		// with every exit recorded.
		OnExit: s.HandleExit,
	})
	return s
}

// Run supervises until ctx is canceled. It enforces the single-supervisor
// lock, records its PID, and drives idle classification on the configured
// poll interval. On return every session has been stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.lockPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.lockPath), 0755); err != nil {
			return fmt.Errorf("creating lock directory: %w", err)
		}
		lock := flock.New(s.lockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring supervisor lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("another supervisor is already running (lock %s is held)", s.lockPath)
		}
		defer func() { _ = lock.Unlock() }()
	}

	if s.pidPath != "" {
		if err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
		defer func() { _ = os.Remove(s.pidPath) }()
	}

	logger.Info("supervisor running: pid=%d poll=%s idle=%s", os.Getpid(), s.cfg.GetIdlePollInterval(), s.cfg.GetIdleTimeout())

	ticker := time.NewTicker(s.cfg.GetIdlePollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.sessions.CheckIdle()
			s.reapFinished()
		}
	}
}

// reapFinished sweeps tasks that have sat in a terminal status past the
// linger, dropping both the session and the registry entry so a
// long-running daemon stays bounded. Escalated tasks are waiting on an
// operator and are never swept.
func (s *Supervisor) reapFinished() {
	for _, task := range s.tasks.List() {
		if !task.Terminal() || time.Since(task.LastEventAt()) < s.reapAfter {
			continue
		}
		id := task.SessionID()
		if err := s.sessions.Remove(id); err != nil && !errors.Is(err, errors.KindUnknownSession) {
			logger.Warn("reaping session %s: %v", id, err)
			continue
		}
		s.tasks.Remove(id)
		logger.Info("reaped finished task %q: session=%s status=%s", task.Label(), id, task.Status())
	}
}

// shutdown stops every session, then waits briefly for in-flight decision
// handlers. Handlers abandoned at the deadline find their sessions
// inactive and log rather than crash.
func (s *Supervisor) shutdown() {
	logger.Info("supervisor shutting down: stopping %d session(s)", len(s.sessions.List()))
	done := make(chan struct{})
	go func() {
		s.sessions.StopAll()
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown deadline exceeded, abandoning in-flight decisions")
	}
	s.events.Close()
}

// TaskOptions describes a task to start supervising.
type TaskOptions struct {
	// Label names the task in events and logs. Derived from the
	// description when empty.
	Label string

	// Description is the instruction sent to the agent as its opening
	// turn and quoted to the oracle on every consultation.
	Description string

	// AgentType picks a configured agent. The default agent when empty.
	AgentType string

	// WorkDir is the agent's working directory. Inherited when empty.
	WorkDir string
}

// StartTask spawns an agent session, registers its task context, and sends
// the task description as the opening instruction. It returns the new
// session ID.
func (s *Supervisor) StartTask(opts TaskOptions) (string, error) {
	const op errors.Op = "supervisor.StartTask"

	agentType := opts.AgentType
	if agentType == "" {
		agentType = s.cfg.GetDefaultAgent()
	}
	command, ok := s.cfg.GetAgentCommand(agentType)
	if !ok {
		return "", errors.E(op, errors.KindConfig, fmt.Sprintf("no command configured for agent %q", agentType))
	}

	id, err := s.sessions.Spawn(session.SpawnOptions{
		AgentType: agentType,
		Command:   command,
		WorkDir:   opts.WorkDir,
	})
	if err != nil {
		return "", err
	}

	label := opts.Label
	if label == "" {
		label = shortLabel(opts.Description)
	}
	task := registry.NewTaskContext(id, label, opts.Description, agentType, opts.WorkDir)
	s.tasks.Register(task)
	task.SetStatus(registry.StatusActive)
	s.publish(broadcast.KindSessionStarted, task, preview(opts.Description))
	logger.Info("task %q started: session=%s agent=%s", label, id, agentType)

	if opts.Description != "" {
		if err := s.sessions.Send(id, opts.Description); err != nil {
			return id, err
		}
	}
	return id, nil
}

// StopTask stops a task's session. The task keeps its audit trail and is
// marked stopped unless it already reached a terminal status.
func (s *Supervisor) StopTask(sessionID string) error {
	if task := s.tasks.Get(sessionID); task != nil && !task.Terminal() {
		task.SetStatus(registry.StatusStopped)
	}
	return s.sessions.Stop(sessionID)
}

// ResolveEscalation sends the operator's answer to an escalated task and
// puts it back to work. The pending escalation is consumed.
func (s *Supervisor) ResolveEscalation(sessionID, response string) error {
	const op errors.Op = "supervisor.ResolveEscalation"

	task := s.tasks.Get(sessionID)
	if task == nil {
		return errors.UnknownSession(op, sessionID)
	}
	if _, ok := s.tasks.Pending(sessionID); !ok {
		return errors.E(op, errors.KindInvalid, fmt.Sprintf("session %s has no pending escalation", sessionID))
	}
	if err := s.sessions.Send(sessionID, response); err != nil {
		return err
	}
	s.tasks.TakePending(sessionID)
	task.AppendDecision(registry.Decision{
		Kind:      registry.DecisionRespond,
		Response:  response,
		Reasoning: "operator response to escalation",
	})
	task.SetStatus(registry.StatusActive)
	s.tasks.ClearNotifyThrottle(sessionID)
	s.publish(broadcast.KindDecision, task, "operator: "+preview(response))
	return nil
}

// Send writes an operator instruction to a session and reopens its turn.
func (s *Supervisor) Send(sessionID, text string) error {
	if err := s.sessions.Send(sessionID, text); err != nil {
		return err
	}
	s.noteOperatorInput(sessionID)
	return nil
}

// SendKeys writes raw key presses to a session.
func (s *Supervisor) SendKeys(sessionID string, keys []string) error {
	if err := s.sessions.SendKeys(sessionID, keys); err != nil {
		return err
	}
	s.noteOperatorInput(sessionID)
	return nil
}

func (s *Supervisor) noteOperatorInput(sessionID string) {
	if task := s.tasks.Get(sessionID); task != nil && !task.Terminal() {
		task.SetStatus(registry.StatusActive)
	}
	s.tasks.ClearNotifyThrottle(sessionID)
}

// Output returns a session's retained output, cleaned for display.
func (s *Supervisor) Output(sessionID string) (string, error) {
	return s.sessions.GetOutput(sessionID)
}

// Task returns the task context for a session, or nil if unknown.
func (s *Supervisor) Task(sessionID string) *registry.TaskContext {
	return s.tasks.Get(sessionID)
}

// Tasks returns every supervised task, oldest first.
func (s *Supervisor) Tasks() []*registry.TaskContext {
	return s.tasks.List()
}

// Sessions returns a snapshot of every session, oldest first.
func (s *Supervisor) Sessions() []session.Info {
	return s.sessions.List()
}

// PendingEscalations returns the session IDs waiting on an operator.
func (s *Supervisor) PendingEscalations() []string {
	return s.tasks.PendingSessions()
}

// PendingEscalation returns a session's escalated decision, if any.
func (s *Supervisor) PendingEscalation(sessionID string) (registry.Decision, bool) {
	return s.tasks.Pending(sessionID)
}

// Subscribe attaches an observer to the event stream. The returned
// function detaches it.
func (s *Supervisor) Subscribe() (<-chan broadcast.Event, func()) {
	return s.events.Subscribe()
}

// CheckIdleNow runs one idle classification pass outside the ticker.
func (s *Supervisor) CheckIdleNow() {
	s.sessions.CheckIdle()
}

// publish emits a fire-and-forget observer event.
func (s *Supervisor) publish(kind broadcast.Kind, task *registry.TaskContext, detail string) {
	s.events.Publish(broadcast.Event{
		Kind:      kind,
		SessionID: task.SessionID(),
		Label:     task.Label(),
		Detail:    detail,
	})
}
