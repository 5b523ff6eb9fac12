package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/forged/internal/config"
)

func observedSampler(cfg SamplingConfig) (*zap.Logger, *observer.ObservedLogs) {
	core, observed := observer.New(TraceLevel)
	return zap.New(newSampledCore(core, cfg)), observed
}

func TestSamplingDisabledPassesEverything(t *testing.T) {
	logger, observed := observedSampler(SamplingConfig{Enabled: false})

	for i := 0; i < 50; i++ {
		logger.Info("flood")
	}

	assert.Equal(t, 50, observed.FilterMessage("flood").Len())
}

func TestSamplingThrottlesInfo(t *testing.T) {
	cfg := SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel: {Initial: 5, Thereafter: 0},
		},
	}
	logger, observed := observedSampler(cfg)

	for i := 0; i < 50; i++ {
		logger.Info("flood")
	}

	assert.Equal(t, 5, observed.FilterMessage("flood").Len())
}

func TestSamplingNeverDropsErrors(t *testing.T) {
	cfg := SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel: {Initial: 1, Thereafter: 0},
		},
	}
	logger, observed := observedSampler(cfg)

	for i := 0; i < 30; i++ {
		logger.Error("boom")
	}

	assert.Equal(t, 30, observed.FilterMessage("boom").Len())
}

func TestBandCoreWithPreservesBand(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	band := &bandCore{Core: core, floor: zapcore.ErrorLevel, ceiling: zapcore.FatalLevel}
	logger := zap.New(band.With([]zapcore.Field{zap.String("k", "v")}))

	logger.Info("filtered")
	logger.Error("kept")

	assert.Equal(t, 0, observed.FilterMessage("filtered").Len())
	assert.Equal(t, 1, observed.FilterMessage("kept").Len())
}
