package supervisor

import (
	"time"

	"github.com/zhubert/shepherd/internal/config"
)

// Config is the knob surface the supervisor reads. *config.Config satisfies
// it; tests substitute a fixed-value implementation.
type Config interface {
	// GetAgentCommand returns the argv template for an agent type, and
	// whether the type is known.
	GetAgentCommand(agentType string) ([]string, bool)

	// GetDefaultAgent returns the agent type used when a task omits one.
	GetDefaultAgent() string

	// GetMaxAutoResponses returns how many automatic prompt resolutions a
	// task may accumulate before blocked prompts escalate unconditionally.
	GetMaxAutoResponses() int

	// GetIdleTimeout returns how long a session's output must stay quiet
	// before its turn is classified.
	GetIdleTimeout() time.Duration

	// GetIdlePollInterval returns how often quiet sessions are checked.
	GetIdlePollInterval() time.Duration

	// GetOutputBufferLimit returns the per-session output retention cap in
	// bytes.
	GetOutputBufferLimit() int

	// GetAutoResponses returns the ordered deterministic prompt rules.
	GetAutoResponses() []config.AutoResponse

	// GetNotificationsEnabled reports whether desktop notifications go out
	// on escalation and completion.
	GetNotificationsEnabled() bool
}

var _ Config = (*config.Config)(nil)
