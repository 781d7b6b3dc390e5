package session

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/zhubert/shepherd/internal/logger"
)

// stopGracePeriod is how long a stopped process gets to exit after SIGINT
// before it is killed.
const stopGracePeriod = 3 * time.Second

// readChunkSize is the read buffer for the output pump. Interactive agents
// repaint rather than print lines, so output is consumed as raw chunks.
const readChunkSize = 4096

// readResult holds the result of a read operation for cancellation handling.
type readResult struct {
	n   int
	err error
}

// procCallbacks defines the hooks the output pump and exit monitor invoke.
// Both are called from the process goroutines; implementations must be
// thread-safe and quick.
type procCallbacks struct {
	// onData is called with each chunk read from stdout. The slice is
	// only valid for the duration of the call.
	onData func(chunk []byte)

	// onExit is called exactly once when the process exits, with the
	// exit error (nil for a clean exit) and any captured stderr.
	onExit func(err error, stderr string)
}

// process manages one agent subprocess: pipes, the output pump, and the
// exit monitor. Mutable state is protected by mu.
type process struct {
	mu sync.Mutex

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	running bool

	stderrContent string
	stderrDone    chan struct{}

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// stop() selects on this channel instead of calling cmd.Wait()
	// itself, so Wait() is only ever called once.
	waitDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	callbacks procCallbacks
}

// startProcess launches argv in dir and begins pumping its output. The
// caller owns the returned process and must call stop() to release it.
func startProcess(argv []string, dir string, callbacks procCallbacks) (*process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	setSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start process: %v", err)
	}

	p := &process{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		running:    true,
		stderrDone: make(chan struct{}),
		waitDone:   make(chan struct{}),
		callbacks:  callbacks,
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	logger.Debug("process started: pid=%d command=%s", cmd.Process.Pid, argv[0])

	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		p.readOutput()
	}()
	go func() {
		defer p.wg.Done()
		p.drainStderr()
	}()
	go func() {
		defer p.wg.Done()
		p.monitorExit()
	}()

	return p, nil
}

// isRunning reports whether the process is still alive.
func (p *process) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// pid returns the process ID, or 0 if the process is gone.
func (p *process) pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// write sends data to the process stdin.
func (p *process) write(data []byte) error {
	p.mu.Lock()
	stdin := p.stdin
	running := p.running
	p.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("process not running")
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to process: %v", err)
	}
	return nil
}

// interrupt asks the process group to stop without waiting for the exit.
func (p *process) interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.cmd == nil || p.cmd.Process == nil {
		return fmt.Errorf("process not running")
	}
	return interruptProcessGroup(p.cmd.Process.Pid)
}

// stop shuts the process down: SIGINT first, then a kill if it has not
// exited within the grace period. Safe to call multiple times; it returns
// once the process has exited and its goroutines are done.
func (p *process) stop() {
	p.mu.Lock()
	wasRunning := p.running

	if p.cancel != nil {
		p.cancel()
	}

	if !wasRunning {
		p.mu.Unlock()
		return
	}
	p.running = false

	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}

	cmd := p.cmd
	waitDone := p.waitDone
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		logger.Debug("stopping process pid=%d", cmd.Process.Pid)
		interruptProcessGroup(cmd.Process.Pid)

		select {
		case <-waitDone:
			logger.Debug("process exited after SIGINT")
		case <-time.After(stopGracePeriod):
			logger.Debug("force killing process pid=%d", cmd.Process.Pid)
			killProcessGroup(cmd.Process.Pid)
			<-waitDone
		}
	}

	p.wg.Wait()

	p.mu.Lock()
	if p.stderr != nil {
		p.stderr.Close()
		p.stderr = nil
	}
	p.cmd = nil
	p.stdout = nil
	p.mu.Unlock()
}

// readOutput pumps stdout chunks into the onData callback until EOF or
// cancellation. Exit handling belongs to monitorExit.
func (p *process) readOutput() {
	buf := make([]byte, readChunkSize)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		p.mu.Lock()
		running := p.running
		stdout := p.stdout
		p.mu.Unlock()

		if !running || stdout == nil {
			return
		}

		n, err := p.readChunk(stdout, buf)
		if n > 0 && p.callbacks.onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.callbacks.onData(chunk)
		}
		if err != nil {
			if err != io.EOF && p.ctx.Err() == nil {
				logger.Debug("error reading stdout: %v", err)
			}
			return
		}
	}
}

// readChunk reads from stdout, blocking until data is available or the
// process context is cancelled. The read goroutine itself cannot be
// cancelled, but the buffered channel lets it finish its send after this
// function has returned, and the pipe close in stop() unblocks it.
func (p *process) readChunk(r io.Reader, buf []byte) (int, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		n, err := r.Read(buf)
		resultCh <- readResult{n: n, err: err}
	}()

	select {
	case <-p.ctx.Done():
		return 0, p.ctx.Err()
	case result := <-resultCh:
		return result.n, result.err
	}
}

// drainStderr captures stderr so exit errors can carry it. It must run
// concurrently with the process so the pipe is drained before cmd.Wait()
// closes it.
func (p *process) drainStderr() {
	defer close(p.stderrDone)

	p.mu.Lock()
	stderr := p.stderr
	p.mu.Unlock()

	if stderr == nil {
		return
	}
	data, err := io.ReadAll(stderr)
	if err != nil {
		return
	}
	if len(data) > 0 {
		p.mu.Lock()
		p.stderrContent = string(data)
		p.mu.Unlock()
	}
}

// monitorExit is the sole caller of cmd.Wait(). It signals waitDone when
// Wait() completes so stop() can coordinate, then fires onExit exactly once.
func (p *process) monitorExit() {
	p.mu.Lock()
	cmd := p.cmd
	waitDone := p.waitDone
	p.mu.Unlock()

	if cmd == nil {
		close(waitDone)
		return
	}

	err := cmd.Wait()
	close(waitDone)

	// Stderr must be fully drained before it is reported.
	<-p.stderrDone

	p.mu.Lock()
	p.running = false
	stderrContent := p.stderrContent
	p.mu.Unlock()

	logger.Debug("process exited: pid=%d err=%v", cmd.Process.Pid, err)

	if p.callbacks.onExit != nil {
		p.callbacks.onExit(err, stderrContent)
	}
}
