package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/shepherd/internal/broadcast"
	"github.com/zhubert/shepherd/internal/config"
	"github.com/zhubert/shepherd/internal/errors"
	"github.com/zhubert/shepherd/internal/logger"
	"github.com/zhubert/shepherd/internal/oracle"
	"github.com/zhubert/shepherd/internal/registry"
)

// stubConfig is a fixed-value Config for tests.
type stubConfig struct {
	agents        map[string][]string
	defaultAgent  string
	maxAuto       int
	idleTimeout   time.Duration
	pollInterval  time.Duration
	bufferLimit   int
	autoResponses []config.AutoResponse
	notifications bool
}

func newStubConfig() *stubConfig {
	return &stubConfig{
		agents:       map[string][]string{"shell": {"sh", "-c", "cat"}},
		defaultAgent: "shell",
		maxAuto:      10,
		idleTimeout:  50 * time.Millisecond,
		pollInterval: 20 * time.Millisecond,
		bufferLimit:  64 * 1024,
	}
}

func (c *stubConfig) GetAgentCommand(agentType string) ([]string, bool) {
	cmd, ok := c.agents[agentType]
	return cmd, ok
}

func (c *stubConfig) GetDefaultAgent() string { return c.defaultAgent }

func (c *stubConfig) GetMaxAutoResponses() int { return c.maxAuto }

func (c *stubConfig) GetIdleTimeout() time.Duration { return c.idleTimeout }

func (c *stubConfig) GetIdlePollInterval() time.Duration { return c.pollInterval }

func (c *stubConfig) GetOutputBufferLimit() int { return c.bufferLimit }

func (c *stubConfig) GetAutoResponses() []config.AutoResponse { return c.autoResponses }

func (c *stubConfig) GetNotificationsEnabled() bool { return c.notifications }

var _ Config = (*stubConfig)(nil)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func testSupervisor(t *testing.T, cfg *stubConfig, mock oracle.Client) *Supervisor {
	t.Helper()
	s := New(Options{Config: cfg, Oracle: mock})
	t.Cleanup(func() {
		s.sessions.StopAll()
		for _, info := range s.sessions.List() {
			os.Remove(logger.SessionLogPath(info.ID))
		}
	})
	return s
}

// registerTask adds a task context without a backing process, for tests
// that exercise bookkeeping paths only.
func registerTask(s *Supervisor, id string) *registry.TaskContext {
	task := registry.NewTaskContext(id, "label-"+id, "test task", "shell", "/tmp")
	s.tasks.Register(task)
	task.SetStatus(registry.StatusActive)
	return task
}

func startShellTask(t *testing.T, s *Supervisor, description string) string {
	t.Helper()
	requireShell(t)
	id, err := s.StartTask(TaskOptions{Description: description, WorkDir: "/tmp"})
	if err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	return id
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitForEvent reads events until one of the wanted kind arrives.
func waitForEvent(t *testing.T, events <-chan broadcast.Event, kind broadcast.Kind) broadcast.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event within timeout", kind)
		}
	}
}

func outputContains(s *Supervisor, id, want string) func() bool {
	return func() bool {
		out, err := s.Output(id)
		return err == nil && strings.Contains(out, want)
	}
}

func TestStartTaskSpawnsAndRegisters(t *testing.T) {
	requireShell(t)
	s := testSupervisor(t, newStubConfig(), oracle.NewMockOracle())
	events, unsub := s.Subscribe()
	defer unsub()

	id, err := s.StartTask(TaskOptions{Description: "write the parser", WorkDir: "/tmp"})
	if err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	if id == "" {
		t.Fatal("StartTask returned empty session ID")
	}

	task := s.Task(id)
	if task == nil {
		t.Fatal("task not registered")
	}
	if task.Label() != "write the parser" {
		t.Errorf("Label = %q, want %q", task.Label(), "write the parser")
	}
	if task.Status() != registry.StatusActive {
		t.Errorf("Status = %q, want %q", task.Status(), registry.StatusActive)
	}
	if task.AgentType() != "shell" {
		t.Errorf("AgentType = %q, want %q", task.AgentType(), "shell")
	}

	ev := waitForEvent(t, events, broadcast.KindSessionStarted)
	if ev.SessionID != id {
		t.Errorf("event SessionID = %q, want %q", ev.SessionID, id)
	}

	waitFor(t, 2*time.Second, "description echoed", outputContains(s, id, "write the parser"))
}

func TestStartTaskUnknownAgent(t *testing.T) {
	s := testSupervisor(t, newStubConfig(), oracle.NewMockOracle())

	_, err := s.StartTask(TaskOptions{AgentType: "ghost", Description: "anything"})
	if !errors.Is(err, errors.KindConfig) {
		t.Errorf("error = %v, want config kind", err)
	}
	if len(s.Tasks()) != 0 {
		t.Error("no task should be registered on failure")
	}
}

func TestStartTaskSpawnFailure(t *testing.T) {
	cfg := newStubConfig()
	cfg.agents["broken"] = []string{"/nonexistent/agent/binary"}
	s := testSupervisor(t, cfg, oracle.NewMockOracle())

	_, err := s.StartTask(TaskOptions{AgentType: "broken", Description: "anything"})
	if !errors.Is(err, errors.KindSpawn) {
		t.Errorf("error = %v, want spawn kind", err)
	}
	if len(s.Tasks()) != 0 {
		t.Error("no task should be registered on failure")
	}
}

func TestStartTaskLabels(t *testing.T) {
	requireShell(t)
	s := testSupervisor(t, newStubConfig(), oracle.NewMockOracle())

	id := startShellTask(t, s, "")
	if got := s.Task(id).Label(); got != "task" {
		t.Errorf("fallback label = %q, want %q", got, "task")
	}

	id2, err := s.StartTask(TaskOptions{Label: "parser", Description: "rewrite the parser end to end", WorkDir: "/tmp"})
	if err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	if got := s.Task(id2).Label(); got != "parser" {
		t.Errorf("explicit label = %q, want %q", got, "parser")
	}
}

func TestStopTaskMarksStopped(t *testing.T) {
	requireShell(t)
	s := testSupervisor(t, newStubConfig(), oracle.NewMockOracle())
	events, unsub := s.Subscribe()
	defer unsub()

	id := startShellTask(t, s, "review the diff")
	if err := s.StopTask(id); err != nil {
		t.Fatalf("StopTask failed: %v", err)
	}
	if got := s.Task(id).Status(); got != registry.StatusStopped {
		t.Errorf("Status = %q, want %q", got, registry.StatusStopped)
	}

	waitForEvent(t, events, broadcast.KindSessionExit)
	// Exit bookkeeping must not reinterpret a deliberate stop.
	if got := s.Task(id).Status(); got != registry.StatusStopped {
		t.Errorf("Status after exit = %q, want %q", got, registry.StatusStopped)
	}
}

func TestSendReactivatesBlockedTask(t *testing.T) {
	requireShell(t)
	s := testSupervisor(t, newStubConfig(), oracle.NewMockOracle())

	id := startShellTask(t, s, "fix the lints")
	task := s.Task(id)
	task.SetStatus(registry.StatusBlocked)

	if err := s.Send(id, "choose the second option"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if task.Status() != registry.StatusActive {
		t.Errorf("Status = %q, want %q", task.Status(), registry.StatusActive)
	}
	waitFor(t, 2*time.Second, "input echoed", outputContains(s, id, "choose the second option"))
}

func TestResolveEscalation(t *testing.T) {
	requireShell(t)
	s := testSupervisor(t, newStubConfig(), oracle.NewMockOracle())

	id := startShellTask(t, s, "migrate the schema")
	task := s.Task(id)
	task.SetStatus(registry.StatusEscalated)
	s.tasks.SetPending(id, registry.Decision{Kind: registry.DecisionEscalate, Prompt: "Which database?"})

	if err := s.ResolveEscalation(id, "use the staging copy"); err != nil {
		t.Fatalf("ResolveEscalation failed: %v", err)
	}
	if _, ok := s.PendingEscalation(id); ok {
		t.Error("pending escalation should be consumed")
	}
	if task.Status() != registry.StatusActive {
		t.Errorf("Status = %q, want %q", task.Status(), registry.StatusActive)
	}
	last, ok := task.LastDecision()
	if !ok || last.Kind != registry.DecisionRespond {
		t.Fatalf("last decision = %+v, want respond", last)
	}
	if last.Response != "use the staging copy" {
		t.Errorf("Response = %q, want %q", last.Response, "use the staging copy")
	}
	waitFor(t, 2*time.Second, "response delivered", outputContains(s, id, "use the staging copy"))
}

func TestResolveEscalationErrors(t *testing.T) {
	requireShell(t)
	s := testSupervisor(t, newStubConfig(), oracle.NewMockOracle())

	if err := s.ResolveEscalation("missing", "hello"); !errors.Is(err, errors.KindUnknownSession) {
		t.Errorf("unknown session error = %v, want unknown session kind", err)
	}

	id := startShellTask(t, s, "tidy imports")
	if err := s.ResolveEscalation(id, "hello"); !errors.Is(err, errors.KindInvalid) {
		t.Errorf("no-pending error = %v, want invalid kind", err)
	}
}

func TestPendingEscalations(t *testing.T) {
	s := testSupervisor(t, newStubConfig(), oracle.NewMockOracle())

	registerTask(s, "s1")
	registerTask(s, "s2")
	s.tasks.SetPending("s1", registry.Decision{Kind: registry.DecisionEscalate, Prompt: "first"})
	s.tasks.SetPending("s2", registry.Decision{Kind: registry.DecisionEscalate, Prompt: "second"})

	ids := s.PendingEscalations()
	if len(ids) != 2 {
		t.Fatalf("PendingEscalations len = %d, want 2", len(ids))
	}
	d, ok := s.PendingEscalation("s1")
	if !ok || d.Prompt != "first" {
		t.Errorf("PendingEscalation = %+v, ok=%v", d, ok)
	}
}

func TestRunSingletonLockAndPidFile(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		Config:   newStubConfig(),
		Oracle:   oracle.NewMockOracle(),
		LockPath: filepath.Join(dir, "shepherd.lock"),
		PidPath:  filepath.Join(dir, "shepherd.pid"),
	}

	first := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()

	waitFor(t, 2*time.Second, "pid file", func() bool {
		data, err := os.ReadFile(opts.PidPath)
		return err == nil && string(data) == strconv.Itoa(os.Getpid())
	})

	second := New(opts)
	if err := second.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Errorf("second Run error = %v, want already-running", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, err := os.Stat(opts.PidPath); !os.IsNotExist(err) {
		t.Error("pid file should be removed on shutdown")
	}
}

// The full loop: a spawned agent prints a prompt, idle classification
// raises a blocked event, the oracle answers, the agent finishes and
// exits, and the task lands completed.
func TestRunArbitratesBlockedSession(t *testing.T) {
	requireShell(t)
	cfg := newStubConfig()
	cfg.agents = map[string][]string{
		"shell": {"sh", "-c", "printf 'Do you want to proceed? (y/n) '; head -n 1 >/dev/null; printf 'all done\\n'"},
	}
	mock := oracle.NewMockOracle()
	mock.QueueReply(`{"action": "respond", "response": "y", "reasoning": "safe to proceed"}`)
	s := testSupervisor(t, cfg, mock)
	events, unsub := s.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	id, err := s.StartTask(TaskOptions{WorkDir: "/tmp"})
	if err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}

	waitForEvent(t, events, broadcast.KindBlocked)
	waitForEvent(t, events, broadcast.KindSessionExit)
	waitFor(t, 3*time.Second, "task completion", func() bool {
		task := s.Task(id)
		return task != nil && task.Status() == registry.StatusCompleted
	})

	if mock.CallCount() != 1 {
		t.Errorf("oracle calls = %d, want 1", mock.CallCount())
	}
	if calls := mock.Calls(); len(calls) > 0 && !strings.Contains(calls[0], "Do you want to proceed?") {
		t.Errorf("oracle prompt missing blocked text: %q", calls[0])
	}
	if task := s.Task(id); task != nil && task.IdleCheckCount() == 0 {
		t.Error("the blocked session should have recorded idle checks")
	}
}

// A task that finishes is swept after the linger: both the registry entry
// and the session disappear, while an unfinished task stays.
func TestRunReapsFinishedTasks(t *testing.T) {
	requireShell(t)
	cfg := newStubConfig()
	cfg.agents = map[string][]string{
		"shell": {"sh", "-c", "head -n 1 >/dev/null; echo finished"},
		"idle":  {"sh", "-c", "cat"},
	}
	s := New(Options{
		Config:    cfg,
		Oracle:    oracle.NewMockOracle(),
		ReapAfter: 50 * time.Millisecond,
	})
	t.Cleanup(func() {
		s.sessions.StopAll()
		for _, info := range s.sessions.List() {
			os.Remove(logger.SessionLogPath(info.ID))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	id, err := s.StartTask(TaskOptions{Description: "finish quickly", WorkDir: "/tmp"})
	if err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	defer os.Remove(logger.SessionLogPath(id))
	keep, err := s.StartTask(TaskOptions{Description: "stay busy", AgentType: "idle", WorkDir: "/tmp"})
	if err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	defer os.Remove(logger.SessionLogPath(keep))

	waitFor(t, 3*time.Second, "finished task reaped", func() bool {
		return s.Task(id) == nil
	})
	if len(s.Sessions()) != 1 {
		t.Errorf("sessions after reap = %d, want 1", len(s.Sessions()))
	}
	if s.Task(keep) == nil {
		t.Error("active task should not be reaped")
	}
}
