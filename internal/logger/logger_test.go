package logger

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sl.log")
	l := New(Config{Level: "debug", Format: "json", Output: "file", FilePath: path, MaxSize: 1})
	require.NotNil(t, l)
	l.Info("hello")
	_ = l.Sync()
	assert.FileExists(t, path)
}

func TestCronAdapter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c := Cron(zap.New(core))
	c.Info("tick", "entry", 1)
	c.Error(errors.New("boom"), "job failed", "entry", 2)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "job failed", entries[1].Message)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}
