package logging

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_PrefixAndLevels(t *testing.T) {
	var lines []string
	record := func(level string) LogFunc {
		return func(format string, args ...interface{}) {
			lines = append(lines, level+" "+fmt.Sprintf(format, args...))
		}
	}

	logger := NewLogger("process: mydaemon , ", LogFuncs{
		Debugf: record("debug"),
		Infof:  record("info"),
		Warnf:  record("warn"),
		// Errorf left nil on purpose
	})

	logger.Debugf("spawned pid %d", 10)
	logger.Infof("state %s", "running")
	logger.Warnf("forced kill")
	logger.Errorf("dropped")
	logger.LogLevelf(LogLevelInfo, "via level")

	assert.Equal(t, []string{
		"debug process: mydaemon , spawned pid 10",
		"info process: mydaemon , state running",
		"warn process: mydaemon , forced kill",
		"info process: mydaemon , via level",
	}, lines)
}

func TestLogger_FromLoggerNesting(t *testing.T) {
	var lines []string
	parent := NewLogger("supervisor , ", LogFuncs{
		Infof: func(format string, args ...interface{}) {
			lines = append(lines, fmt.Sprintf(format, args...))
		},
	})

	child := NewLogger("sink , ", FromLogger(parent))
	child.Infof("reopened %s", "out.log")

	assert.Equal(t, []string{"supervisor , sink , reopened out.log"}, lines)
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	assert.NotPanics(t, func() {
		logger.Errorf("nothing %d", 1)
		logger.LogLevelf(LogLevelWarn, "nothing")
	})
}

func TestNewZapLogFuncs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewLogger("", NewZapLogFuncs(zap.New(core).Sugar()))

	logger.Infof("state changed: %s -> %s", "stopped", "starting")
	logger.Warnf("forced kill of pid %d", 7)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "state changed: stopped -> starting", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestNewZapLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.log")

	logger, cleanup, err := NewZapLogger(ZapConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("hello")
	cleanup()

	assert.FileExists(t, path)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
