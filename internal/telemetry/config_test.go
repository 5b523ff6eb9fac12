package telemetry

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled, "export should be opt-in")
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.Equal(t, "forged", cfg.ServiceName)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.Sampling.Rate)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Metrics.ExportInterval.Duration())
	assert.Equal(t, 5*time.Second, cfg.Shutdown.Timeout.Duration())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid once enabled",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) { c.Endpoint = "" },
			wantErr: "endpoint is required",
		},
		{
			name:    "missing service name",
			mutate:  func(c *Config) { c.ServiceName = "" },
			wantErr: "service_name is required",
		},
		{
			name:    "missing service version",
			mutate:  func(c *Config) { c.ServiceVersion = "" },
			wantErr: "service_version is required",
		},
		{
			name:    "unknown protocol",
			mutate:  func(c *Config) { c.Protocol = "udp" },
			wantErr: "protocol must be",
		},
		{
			name:   "http protocol accepted",
			mutate: func(c *Config) { c.Protocol = ProtocolHTTP },
		},
		{
			name:    "plaintext to remote endpoint",
			mutate:  func(c *Config) { c.Endpoint = "collector.example.com:4317" },
			wantErr: "not allowed",
		},
		{
			name: "tls to remote endpoint",
			mutate: func(c *Config) {
				c.Endpoint = "collector.example.com:4317"
				c.Insecure = false
			},
		},
		{
			name:    "sampling rate above one",
			mutate:  func(c *Config) { c.Sampling.Rate = 1.5 },
			wantErr: "sampling.rate",
		},
		{
			name:    "sampling rate negative",
			mutate:  func(c *Config) { c.Sampling.Rate = -0.1 },
			wantErr: "sampling.rate",
		},
		{
			name:    "zero export interval with metrics on",
			mutate:  func(c *Config) { c.Metrics.ExportInterval = 0 },
			wantErr: "export_interval",
		},
		{
			name: "zero export interval ignored when metrics off",
			mutate: func(c *Config) {
				c.Metrics.Enabled = false
				c.Metrics.ExportInterval = 0
			},
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.Shutdown.Timeout = 0 },
			wantErr: "shutdown.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfigValidateSkippedWhenDisabled(t *testing.T) {
	cfg := &Config{Enabled: false}
	assert.NoError(t, cfg.Validate())
}

func TestIsLocalEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		local    bool
	}{
		{"localhost:4317", true},
		{"localhost", true},
		{"127.0.0.1:4317", true},
		{"127.5.5.5:4317", true},
		{"[::1]:4317", true},
		{"::1", true},
		{"collector.example.com:4317", false},
		{"10.0.0.1:4317", false},
		{"otel.internal", false},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.local, isLocalEndpoint(tt.endpoint))
		})
	}
}

func TestConfigDurationFields(t *testing.T) {
	var d config.Duration
	require.NoError(t, d.UnmarshalText([]byte("30s")))
	assert.Equal(t, 30*time.Second, d.Duration())
}
