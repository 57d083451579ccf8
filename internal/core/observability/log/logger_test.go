package log

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerWritesTypedFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromCore(core)

	l.With(String("component", "push")).Warn("dropped message",
		Int("seq", 4),
		Duration("age", time.Second),
		Error(errors.New("bad payload")))

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	require.Equal(t, "push", ctx["component"])
	require.EqualValues(t, 4, ctx["seq"])
	require.Equal(t, "bad payload", ctx["error"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromCore(core)
	l.SetLevel(LevelWarn)

	l.Info("ignored")
	l.Error("kept")

	require.Equal(t, 1, logs.Len())
	require.Equal(t, LevelWarn, l.GetLevel())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, LevelWarn, ParseLevel("warning"))
	require.Equal(t, LevelSilent, ParseLevel("off"))
	require.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
