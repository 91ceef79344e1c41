package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewRedactingEncoder(t *testing.T) {
	t.Run("invalid pattern rejected", func(t *testing.T) {
		_, err := NewRedactingEncoder(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			RedactionConfig{Enabled: true, Patterns: []string{"("}},
		)
		assert.Error(t, err)
	})

	t.Run("disabled passes through", func(t *testing.T) {
		enc, err := NewRedactingEncoder(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			RedactionConfig{Enabled: false},
		)
		require.NoError(t, err)
		assert.Empty(t, enc.redactFields)
	})
}

func TestRedactionEndToEnd(t *testing.T) {
	cfg := NewDefaultConfig()
	logger := NewTestLogger()

	// Observer bypasses the encoder, so test the encoder path directly
	// through key classification.
	enc, err := NewRedactingEncoder(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		cfg.Redaction,
	)
	require.NoError(t, err)

	assert.True(t, enc.shouldRedactKey("api_key"))
	assert.True(t, enc.shouldRedactKey("API_KEY"))
	assert.True(t, enc.shouldRedactKey("password"))
	assert.False(t, enc.shouldRedactKey("session_id"))

	// Secret field helper always reports length only.
	logger.Info(context.Background(), "config loaded", RedactedString("token", "abcd1234"))
	entries := logger.FilterMessage("config loaded").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "[REDACTED:8]", entries[0].Context[0].String)
}

func TestRedactingEncoderClone(t *testing.T) {
	cfg := NewDefaultConfig().Redaction
	enc, err := NewRedactingEncoder(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		cfg,
	)
	require.NoError(t, err)

	clone, ok := enc.Clone().(*RedactingEncoder)
	require.True(t, ok)
	assert.True(t, clone.shouldRedactKey("secret"))
}
