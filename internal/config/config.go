package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Defaults applied when a field is absent from the config file.
const (
	DefaultOracleTimeoutSecs = 60
	DefaultMaxAutoResponses  = 10
	DefaultIdleTimeoutSecs   = 8
	DefaultIdlePollMs        = 500
	DefaultOutputBufferLimit = 256 * 1024
)

// AutoResponse is a deterministic rule for answering a prompt without
// consulting the oracle. Rules are checked in order; the first pattern
// found in the prompt text wins.
type AutoResponse struct {
	Pattern  string   `json:"pattern"`            // substring or regex matched against the prompt
	Response string   `json:"response,omitempty"` // text to send (newline appended)
	UseKeys  bool     `json:"use_keys,omitempty"` // send Keys instead of Response
	Keys     []string `json:"keys,omitempty"`     // key names, e.g. ["enter"], ["down", "enter"]
}

// Config holds the application configuration
type Config struct {
	Agents        map[string][]string `json:"agents"`                   // agent type -> argv template
	DefaultAgent  string              `json:"default_agent,omitempty"`  // agent type used when spawn omits one
	OracleCommand []string            `json:"oracle_command,omitempty"` // argv template for the decision oracle

	OracleTimeoutSecs int `json:"oracle_timeout_secs,omitempty"` // oracle subprocess deadline
	MaxAutoResponses  int `json:"max_auto_responses,omitempty"`  // escalation threshold for auto-resolved prompts
	IdleTimeoutSecs   int `json:"idle_timeout_secs,omitempty"`   // output silence before a turn is classified
	IdlePollMs        int `json:"idle_poll_ms,omitempty"`        // idle monitor tick interval
	OutputBufferLimit int `json:"output_buffer_limit,omitempty"` // per-session output buffer cap in bytes

	AutoResponses        []AutoResponse `json:"auto_responses,omitempty"`        // ordered deterministic prompt rules
	NotificationsEnabled bool           `json:"notifications_enabled,omitempty"` // desktop notifications on escalation/completion

	mu       sync.RWMutex
	filePath string
}

// Dir returns the path to the config directory
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".shepherd"), nil
}

// configPath returns the path to the config file
func configPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// LockPath returns the path to the daemon singleton lock file
func LockPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "shepherd.lock"), nil
}

// PidPath returns the path to the daemon PID file
func PidPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "shepherd.pid"), nil
}

// Load reads the config from disk, or creates a new one if it doesn't exist
func Load() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.ensureInitialized()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Ensure maps and defaults are in place before Validate(), which only reads.
	cfg.ensureInitialized()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ensureInitialized fills in nil maps, empty defaults, and zero-valued
// numeric knobs.
//
// Thread-safety: NOT thread-safe; only call during single-threaded
// initialization, before the Config is shared across goroutines.
func (c *Config) ensureInitialized() {
	if c.Agents == nil {
		c.Agents = map[string][]string{
			"claude": {"claude"},
		}
	}
	if c.DefaultAgent == "" {
		for agent := range c.Agents {
			if agent == "claude" {
				c.DefaultAgent = "claude"
			}
		}
		if c.DefaultAgent == "" {
			// Pick deterministically so repeated loads agree.
			for agent := range c.Agents {
				if c.DefaultAgent == "" || agent < c.DefaultAgent {
					c.DefaultAgent = agent
				}
			}
		}
	}
	if len(c.OracleCommand) == 0 {
		c.OracleCommand = []string{"claude", "-p"}
	}
	if c.OracleTimeoutSecs == 0 {
		c.OracleTimeoutSecs = DefaultOracleTimeoutSecs
	}
	if c.MaxAutoResponses == 0 {
		c.MaxAutoResponses = DefaultMaxAutoResponses
	}
	if c.IdleTimeoutSecs == 0 {
		c.IdleTimeoutSecs = DefaultIdleTimeoutSecs
	}
	if c.IdlePollMs == 0 {
		c.IdlePollMs = DefaultIdlePollMs
	}
	if c.OutputBufferLimit == 0 {
		c.OutputBufferLimit = DefaultOutputBufferLimit
	}
	if c.AutoResponses == nil {
		c.AutoResponses = []AutoResponse{}
	}
}

// Validate checks that the config is internally consistent.
// This is a read-only operation - call ensureInitialized() first if needed.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for agent, argv := range c.Agents {
		if agent == "" {
			return fmt.Errorf("agent with empty name found")
		}
		if len(argv) == 0 || argv[0] == "" {
			return fmt.Errorf("agent %s has an empty command", agent)
		}
	}

	if c.DefaultAgent != "" {
		if _, ok := c.Agents[c.DefaultAgent]; !ok {
			return fmt.Errorf("default agent %s is not in the agents map", c.DefaultAgent)
		}
	}

	if c.OracleTimeoutSecs < 0 {
		return fmt.Errorf("oracle_timeout_secs cannot be negative, got %d", c.OracleTimeoutSecs)
	}
	if c.MaxAutoResponses < 0 {
		return fmt.Errorf("max_auto_responses cannot be negative, got %d", c.MaxAutoResponses)
	}
	if c.IdleTimeoutSecs < 0 {
		return fmt.Errorf("idle_timeout_secs cannot be negative, got %d", c.IdleTimeoutSecs)
	}
	if c.IdlePollMs < 0 {
		return fmt.Errorf("idle_poll_ms cannot be negative, got %d", c.IdlePollMs)
	}
	if c.OutputBufferLimit < 0 {
		return fmt.Errorf("output_buffer_limit cannot be negative, got %d", c.OutputBufferLimit)
	}

	seenPatterns := make(map[string]bool)
	for _, rule := range c.AutoResponses {
		if rule.Pattern == "" {
			return fmt.Errorf("auto-response rule with empty pattern found")
		}
		if seenPatterns[rule.Pattern] {
			return fmt.Errorf("duplicate auto-response pattern: %s", rule.Pattern)
		}
		seenPatterns[rule.Pattern] = true

		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("auto-response pattern %q does not compile: %w", rule.Pattern, err)
		}
		if rule.UseKeys && len(rule.Keys) == 0 {
			return fmt.Errorf("auto-response pattern %q uses keys but lists none", rule.Pattern)
		}
		if !rule.UseKeys && rule.Response == "" {
			return fmt.Errorf("auto-response pattern %q has no response", rule.Pattern)
		}
	}

	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir, err := Dir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// GetAgentCommand returns the argv template for an agent type.
// The second return value is false when the agent type is unknown.
func (c *Config) GetAgentCommand(agentType string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	argv, ok := c.Agents[agentType]
	if !ok {
		return nil, false
	}
	out := make([]string, len(argv))
	copy(out, argv)
	return out, true
}

// SetAgentCommand registers or replaces the argv template for an agent type
func (c *Config) SetAgentCommand(agentType string, argv []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Agents == nil {
		c.Agents = make(map[string][]string)
	}
	stored := make([]string, len(argv))
	copy(stored, argv)
	c.Agents[agentType] = stored
}

// AgentTypes returns the configured agent type names
func (c *Config) AgentTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	types := make([]string, 0, len(c.Agents))
	for agent := range c.Agents {
		types = append(types, agent)
	}
	return types
}

// GetDefaultAgent returns the agent type used when a spawn request omits one
func (c *Config) GetDefaultAgent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DefaultAgent
}

// SetDefaultAgent sets the default agent type
func (c *Config) SetDefaultAgent(agentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultAgent = agentType
}

// GetOracleCommand returns a copy of the oracle argv template
func (c *Config) GetOracleCommand() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	argv := make([]string, len(c.OracleCommand))
	copy(argv, c.OracleCommand)
	return argv
}

// SetOracleCommand sets the oracle argv template
func (c *Config) SetOracleCommand(argv []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]string, len(argv))
	copy(stored, argv)
	c.OracleCommand = stored
}

// GetOracleTimeout returns the oracle subprocess deadline
func (c *Config) GetOracleTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.OracleTimeoutSecs) * time.Second
}

// GetMaxAutoResponses returns the auto-resolved escalation threshold
func (c *Config) GetMaxAutoResponses() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MaxAutoResponses
}

// GetIdleTimeout returns how long a session must be silent before its
// turn is classified
func (c *Config) GetIdleTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}

// GetIdlePollInterval returns the idle monitor tick interval
func (c *Config) GetIdlePollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.IdlePollMs) * time.Millisecond
}

// GetOutputBufferLimit returns the per-session output buffer cap in bytes
func (c *Config) GetOutputBufferLimit() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.OutputBufferLimit
}

// GetAutoResponses returns a copy of the deterministic prompt rules
func (c *Config) GetAutoResponses() []AutoResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rules := make([]AutoResponse, len(c.AutoResponses))
	copy(rules, c.AutoResponses)
	return rules
}

// AddAutoResponse appends a deterministic prompt rule if its pattern is
// not already present
func (c *Config) AddAutoResponse(rule AutoResponse) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.AutoResponses {
		if existing.Pattern == rule.Pattern {
			return false
		}
	}
	c.AutoResponses = append(c.AutoResponses, rule)
	return true
}

// RemoveAutoResponse removes the rule with the given pattern.
// Returns true if the rule was found and removed, false otherwise.
func (c *Config) RemoveAutoResponse(pattern string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, rule := range c.AutoResponses {
		if rule.Pattern == pattern {
			c.AutoResponses = append(c.AutoResponses[:i], c.AutoResponses[i+1:]...)
			return true
		}
	}
	return false
}

// GetNotificationsEnabled returns whether desktop notifications are enabled
func (c *Config) GetNotificationsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.NotificationsEnabled
}

// SetNotificationsEnabled sets whether desktop notifications are enabled
func (c *Config) SetNotificationsEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NotificationsEnabled = enabled
}
