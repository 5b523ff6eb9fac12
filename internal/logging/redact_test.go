package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/forged/internal/config"
)

func TestRedactingEncoderBlanksSensitiveKeys(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled: true,
		Fields:  []string{"password", "api_key"},
	})
	require.NoError(t, err)

	enc.AddString("password", "hunter2")
	enc.AddString("user", "alice")

	buf, err := enc.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Message: "login"}, nil)
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "alice")
}

func TestRedactingEncoderKeyMatchIsCaseInsensitive(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled: true,
		Fields:  []string{"token"},
	})
	require.NoError(t, err)

	enc.AddString("TOKEN", "abc123")

	buf, err := enc.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Message: "m"}, nil)
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "abc123")
}

func TestRedactingEncoderBlanksPatternValues(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled:  true,
		Patterns: []string{`(?i)bearer\s+\S+`},
	})
	require.NoError(t, err)

	enc.AddString("header", "Bearer s3cr3t")

	buf, err := enc.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Message: "m"}, nil)
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "[REDACTED:pattern]")
	assert.NotContains(t, out, "s3cr3t")
}

func TestRedactingEncoderDisabledPassesThrough(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: false})
	require.NoError(t, err)

	enc.AddString("password", "hunter2")

	buf, err := enc.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Message: "m"}, nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "hunter2")
}

func TestNewRedactingEncoderRejectsBadPattern(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled:  true,
		Patterns: []string{"(unclosed"},
	})
	assert.Error(t, err)
}

func TestRedactingEncoderCloneKeepsRules(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled: true,
		Fields:  []string{"secret"},
	})
	require.NoError(t, err)

	clone := enc.Clone().(*RedactingEncoder)
	clone.AddString("secret", "value")

	buf, err := clone.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Message: "m"}, nil)
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "value")
}

func TestRedactedStringCarriesLength(t *testing.T) {
	field := RedactedString("token", "abcdef")
	assert.Equal(t, "[REDACTED:6]", field.String)
}

func TestSecretFieldLogsOnlyLength(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	logger.Info("auth", Secret("api_key", config.Secret("topsecret")))

	entries := observed.FilterMessage("auth").All()
	require.Len(t, entries, 1)
	enc := zapcore.NewMapObjectEncoder()
	require.NoError(t, entries[0].Context[0].Interface.(zapcore.ObjectMarshaler).MarshalLogObject(enc))
	assert.Equal(t, "[REDACTED:9]", enc.Fields["api_key"])
}
