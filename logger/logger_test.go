package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitialize(t *testing.T) {
	for _, jsonOutput := range []bool{true, false} {
		require.NoError(t, Initialize(jsonOutput, VerbosityInfo))
		assert.NotNil(t, Logger)
		assert.Equal(t, jsonOutput, JSONOutput)
		assert.True(t, Logger.Desugar().Core().Enabled(zapcore.InfoLevel))
		assert.False(t, Logger.Desugar().Core().Enabled(zapcore.DebugLevel))
	}
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(-1))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(5))
}

func TestFieldsFromContext(t *testing.T) {
	assert.Empty(t, FieldsFromContext(context.Background()))

	ctx := WithExecutionID(WithDatasetID(context.Background(), "ds-1"), "exec-9")
	assert.Equal(t,
		[]interface{}{FieldDatasetID, "ds-1", FieldExecutionID, "exec-9"},
		FieldsFromContext(ctx))
}
