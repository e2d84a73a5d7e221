package cli

import (
	"time"

	"github.com/damianoneill/netdev/transport"
)

// Mode selects how commands reach the device.
type Mode string

// Modes.
const (
	// ShellMode runs every command on one persistent interactive shell.
	ShellMode Mode = "shell"
	// ExecMode runs every command on its own exec channel.
	ExecMode Mode = "exec"
)

// Config defines properties controlling session behaviour.
type Config struct {
	transport.SSHConfig

	Mode Mode
	// Prompts are the candidate prompt endings, checked in order.
	Prompts   []string
	Responses []ResponseRule
	Rules     ClassificationRuleSet

	// ReadSize is the maximum number of bytes requested from the channel by each read.
	ReadSize int
	// Backoff is the pause after a read that delivered no data.
	Backoff time.Duration
	// WireLog, if not empty, names the file receiving outbound bytes; inbound bytes go to WireLog + ".in".
	WireLog string
}

// DefaultConfig defines the values applied to any unspecified Config property.
var DefaultConfig = Config{
	SSHConfig: transport.SSHConfig{
		Port:    22,
		Timeout: 30 * time.Second,
	},
	Mode:     ShellMode,
	Prompts:  []string{"#", "$"},
	ReadSize: 65536,
	Backoff:  100 * time.Millisecond,
}

// SessionOption implements options for configuring session behaviour.
type SessionOption func(*Config)

// WithPrompts overrides the candidate prompt endings.
func WithPrompts(prompts ...string) SessionOption {
	return func(c *Config) {
		c.Prompts = prompts
	}
}

// WithResponses defines the rules answering interactive questions.
func WithResponses(rules ...ResponseRule) SessionOption {
	return func(c *Config) {
		c.Responses = rules
	}
}

// WithClassification defines the rules classifying command output.
func WithClassification(rules ClassificationRuleSet) SessionOption {
	return func(c *Config) {
		c.Rules = rules
	}
}

// WithMode selects shell or exec mode.
func WithMode(mode Mode) SessionOption {
	return func(c *Config) {
		c.Mode = mode
	}
}
