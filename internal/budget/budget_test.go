package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsNonPositive(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"iterations", func(c *Config) { c.MaxIterations = 0 }},
		{"fixes", func(c *Config) { c.MaxFixesPerIteration = -1 }},
		{"files_per_iteration", func(c *Config) { c.MaxFilesChangedPerIteration = 0 }},
		{"files_total", func(c *Config) { c.MaxTotalFilesChanged = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCheckIteration(t *testing.T) {
	cfg := Config{MaxIterations: 3, MaxFixesPerIteration: 1, MaxFilesChangedPerIteration: 1, MaxTotalFilesChanged: 1}

	assert.Equal(t, BreachNone, cfg.CheckIteration(3))
	assert.Equal(t, BreachIterations, cfg.CheckIteration(4))
}

func TestCheckFiles(t *testing.T) {
	cfg := Config{MaxIterations: 1, MaxFixesPerIteration: 1, MaxFilesChangedPerIteration: 2, MaxTotalFilesChanged: 5}

	assert.Equal(t, BreachNone, cfg.CheckFiles(2, 5))
	assert.Equal(t, BreachFilesPerIter, cfg.CheckFiles(3, 3))
	assert.Equal(t, BreachFilesTotal, cfg.CheckFiles(1, 6))
}
