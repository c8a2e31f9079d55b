//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"

	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_LogMapsLevelsAndFields(t *testing.T) {
	t.Parallel()

	core, observed := observer.New(zapcore.DebugLevel)
	logger := Wrap(zap.New(core))

	logger.Log(context.Background(), log.LevelWarn, "lease lost", log.String("holder", "w-1"), log.Err(errors.New("conflict")))
	logger.With(log.Int("batch", 7)).Log(context.Background(), log.LevelError, "publish failed")

	entries := observed.All()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "w-1", entries[0].ContextMap()["holder"])
	assert.Equal(t, "conflict", entries[0].ContextMap()["error"])

	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.EqualValues(t, 7, entries[1].ContextMap()["batch"])
}

func TestLogger_Enabled(t *testing.T) {
	t.Parallel()

	core, _ := observer.New(zapcore.WarnLevel)
	logger := Wrap(zap.New(core))

	assert.True(t, logger.Enabled(log.LevelError))
	assert.True(t, logger.Enabled(log.LevelWarn))
	assert.False(t, logger.Enabled(log.LevelInfo))
}

func TestLogger_NilSafe(t *testing.T) {
	t.Parallel()

	var logger *Logger

	logger.Log(context.Background(), log.LevelInfo, "no panic")
	assert.NotNil(t, logger.Raw())
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Environment: EnvironmentProduction})
	require.ErrorIs(t, err, ErrLibraryNameRequired)

	_, err = New(Config{Environment: "moon", OTelLibraryName: "pipeline"})
	require.ErrorIs(t, err, ErrInvalidEnvironment)

	_, err = New(Config{Environment: EnvironmentLocal, OTelLibraryName: "pipeline", Level: "loud"})
	require.Error(t, err)
}

func TestNew_ResolvesLevel(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Environment: EnvironmentLocal, OTelLibraryName: "pipeline", DisableOTelBridge: true})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, logger.Level().Level())

	logger, err = New(Config{Environment: EnvironmentProduction, OTelLibraryName: "pipeline", Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, logger.Level().Level())
	assert.False(t, logger.Enabled(log.LevelInfo))
}
