package audit

import (
	"errors"
	"fmt"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config represents the audit emitter configuration.
type Config struct {
	// Enabled enables audit emission. When false the noop emitter is used.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Output specifies the destination (stdout, stderr, file path).
	Output string `yaml:"output,omitempty" json:"output,omitempty"`

	// Format specifies the output format (json, text).
	Format string `yaml:"format,omitempty" json:"format,omitempty"`

	// BufferSize bounds the async queue. Zero writes synchronously.
	BufferSize int `yaml:"bufferSize,omitempty" json:"bufferSize,omitempty"`

	// RedactFields lists payload keys whose values are replaced.
	RedactFields []string `yaml:"redactFields,omitempty" json:"redactFields,omitempty"`

	// SkipEventTypes lists event types that are not emitted.
	SkipEventTypes []EventType `yaml:"skipEventTypes,omitempty" json:"skipEventTypes,omitempty"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:      true,
		Output:       "stdout",
		Format:       FormatJSON,
		BufferSize:   1024,
		RedactFields: []string{"password", "secret", "token", "ssn"},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	switch c.Format {
	case "", FormatJSON, FormatText:
	default:
		return fmt.Errorf("invalid audit format %q", c.Format)
	}
	if c.BufferSize < 0 {
		return errors.New("audit bufferSize must be non-negative")
	}
	for _, t := range c.SkipEventTypes {
		if t == EventTypeViolation {
			return errors.New("tenant.violation events cannot be skipped")
		}
	}
	return nil
}

func (c *Config) effectiveFormat() string {
	if c.Format == "" {
		return FormatJSON
	}
	return c.Format
}

func (c *Config) effectiveOutput() string {
	if c.Output == "" {
		return "stdout"
	}
	return c.Output
}

func (c *Config) skips(t EventType) bool {
	for _, s := range c.SkipEventTypes {
		if s == t {
			return true
		}
	}
	return false
}
