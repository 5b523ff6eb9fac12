package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestTestLoggerRecordsEntries(t *testing.T) {
	tl := NewTestLogger()

	tl.Info(context.Background(), "hello", zap.String("k", "v"))

	assert.Len(t, tl.All(), 1)
	tl.AssertLogged(t, zapcore.InfoLevel, "hello")
	tl.AssertField(t, "hello", "k", "v")
}

func TestTestLoggerReset(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "one")

	tl.Reset()

	assert.Empty(t, tl.All())
}

func TestTestLoggerFilterMessage(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "keep this")
	tl.Info(context.Background(), "drop that")

	assert.Equal(t, 1, tl.FilterMessage("keep").Len())
}

func TestTestLoggerEnabledDownToTrace(t *testing.T) {
	tl := NewTestLogger()

	tl.Trace(context.Background(), "wire bytes")

	tl.AssertLogged(t, TraceLevel, "wire bytes")
}
