//go:build unit

package log

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEntry struct {
	level  Level
	msg    string
	fields []Field
}

type recordingLogger struct {
	enabled bool
	entries []recordedEntry
}

func (logger *recordingLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	logger.entries = append(logger.entries, recordedEntry{level: level, msg: msg, fields: fields})
}

func (logger *recordingLogger) With(...Field) Logger { return logger }

func (logger *recordingLogger) WithGroup(string) Logger { return logger }

func (logger *recordingLogger) Enabled(Level) bool { return logger.enabled }

func (logger *recordingLogger) Sync(context.Context) error { return nil }

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		" warn ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
	}

	for input, expected := range cases {
		level, err := ParseLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, level, input)
	}

	_, err := ParseLevel("fatal")
	require.Error(t, err)
}

func TestLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, "info", LevelInfo.String())
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestFieldConstructors(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")

	assert.Equal(t, Field{Key: "queue", Value: "database_queries"}, String("queue", "database_queries"))
	assert.Equal(t, Field{Key: "count", Value: 3}, Int("count", 3))
	assert.Equal(t, Field{Key: "record_id", Value: int64(7)}, Int64("record_id", 7))
	assert.Equal(t, Field{Key: "durable", Value: true}, Bool("durable", true))
	assert.Equal(t, Field{Key: "interval", Value: 3 * time.Second}, Duration("interval", 3*time.Second))
	assert.Equal(t, Field{Key: "error", Value: err}, Err(err))
	assert.Equal(t, Field{Key: "raw", Value: 1.5}, Any("raw", 1.5))

	assert.Equal(t, Int64("record_id", 7), RecordID(7))
	assert.Equal(t, String("queue", "database_queries"), Queue("database_queries"))
	assert.Equal(t, String("message_id", "7"), MessageID("7"))
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()

	logger.Log(context.Background(), LevelError, "ignored")
	assert.False(t, logger.Enabled(LevelError))
	assert.Same(t, logger, logger.With(String("k", "v")))
	assert.Same(t, logger, logger.WithGroup("group"))
	require.NoError(t, logger.Sync(context.Background()))
	assert.Same(t, logger, NewNop())
}

func TestSafeError(t *testing.T) {
	t.Parallel()

	err := errors.New("password=hunter2 rejected")

	t.Run("development logs the error", func(t *testing.T) {
		t.Parallel()

		logger := &recordingLogger{enabled: true}
		SafeError(logger, context.Background(), "publish failed", err, false)

		require.Len(t, logger.entries, 1)
		assert.Equal(t, LevelError, logger.entries[0].level)
		assert.Equal(t, Err(err), logger.entries[0].fields[0])
	})

	t.Run("production logs only the type", func(t *testing.T) {
		t.Parallel()

		logger := &recordingLogger{enabled: true}
		SafeError(logger, context.Background(), "publish failed", err, true)

		require.Len(t, logger.entries, 1)
		assert.Equal(t, "error_type", logger.entries[0].fields[0].Key)
		assert.Equal(t, "*errors.errorString", logger.entries[0].fields[0].Value)
	})

	t.Run("disabled or nil inputs are ignored", func(t *testing.T) {
		t.Parallel()

		logger := &recordingLogger{enabled: false}
		SafeError(logger, context.Background(), "publish failed", err, false)
		SafeError(nil, context.Background(), "publish failed", err, false)
		SafeError(&recordingLogger{enabled: true}, context.Background(), "publish failed", nil, false)

		assert.Empty(t, logger.entries)
	})
}
