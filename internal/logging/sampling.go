// internal/logging/sampling.go
package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore applies volume sampling to everything below Error.
// Error and above always pass through: a sampled-away failure is a
// failure nobody can audit.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	rate := cfg.Levels[zapcore.InfoLevel]
	sampled := zapcore.NewSamplerWithOptions(
		&bandCore{Core: core, floor: TraceLevel, ceiling: zapcore.WarnLevel},
		cfg.Tick.Duration(),
		rate.Initial,
		rate.Thereafter,
	)
	errors := &bandCore{Core: core, floor: zapcore.ErrorLevel, ceiling: zapcore.FatalLevel}
	return zapcore.NewTee(errors, sampled)
}

// bandCore passes through entries whose level falls inside
// [floor, ceiling] and drops the rest.
type bandCore struct {
	zapcore.Core
	floor   zapcore.Level
	ceiling zapcore.Level
}

func (c *bandCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.floor && lvl <= c.ceiling && c.Core.Enabled(lvl)
}

func (c *bandCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *bandCore) With(fields []zapcore.Field) zapcore.Core {
	return &bandCore{Core: c.Core.With(fields), floor: c.floor, ceiling: c.ceiling}
}
