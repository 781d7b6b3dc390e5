package oracle

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/zhubert/shepherd/internal/errors"
	"github.com/zhubert/shepherd/internal/logger"
)

// DefaultTimeout bounds one oracle round trip when no timeout is configured.
const DefaultTimeout = 60 * time.Second

// CLIOracle runs a configured command for each decision. The prompt goes to
// the command's stdin and the reply is read from stdout. Any CLI that speaks
// the decision JSON works here; the command is configuration, not code.
type CLIOracle struct {
	command []string
	timeout time.Duration
}

// NewCLIOracle creates an oracle backed by the given argv. A zero timeout
// falls back to DefaultTimeout.
func NewCLIOracle(command []string, timeout time.Duration) *CLIOracle {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CLIOracle{command: command, timeout: timeout}
}

// Decide runs one oracle round trip. The call is bounded by the configured
// timeout on top of any deadline already on ctx.
func (o *CLIOracle) Decide(ctx context.Context, prompt string) (string, error) {
	if len(o.command) == 0 {
		return "", fmt.Errorf("oracle command not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, o.command[0], o.command[1:]...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("oracle call starting: command=%s promptLen=%d", o.command[0], len(prompt))

	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		logger.Warn("oracle call timed out after %v", elapsed)
		return "", errors.OracleTimeout(elapsed)
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("oracle command failed: %w: %s", err, detail)
		}
		return "", fmt.Errorf("oracle command failed: %w", err)
	}

	logger.Debug("oracle call finished in %v, replyLen=%d", elapsed, stdout.Len())
	return stdout.String(), nil
}

var _ Client = (*CLIOracle)(nil)
