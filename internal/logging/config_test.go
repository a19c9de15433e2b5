package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ServiceName, cfg.Fields["service"])
	assert.True(t, cfg.Output.Stdout)
	assert.False(t, cfg.Output.OTEL)
	assert.True(t, cfg.Redaction.Enabled)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }, "format must be"},
		{"no outputs", func(c *Config) { c.Output.Stdout = false }, "at least one output"},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, "sampling tick"},
		{"zero initial", func(c *Config) { c.Sampling.Initial = 0 }, "invalid sampling rates"},
		{"negative caller skip", func(c *Config) { c.Caller.Skip = -1 }, "caller skip"},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, "invalid redaction pattern"},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }, "empty value"},
		{"negative excerpt", func(c *Config) { c.ExcerptLength = -1 }, "excerpt_length"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestConfig_SamplingIgnoredWhenDisabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	cfg.Sampling.Tick = 0
	assert.NoError(t, cfg.Validate())
}
