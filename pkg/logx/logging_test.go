package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesFieldsInOrder(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf)).With(String("worker", "first"))

	log.Info("hello", String("worker", "second"), Int("n", 3))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "hello", m["message"])
	require.Equal(t, "second", m["worker"])
	require.EqualValues(t, 3, m["n"])
	require.Contains(t, m[zerolog.CallerFieldName], "logging_test.go:")
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	require.True(t, log.IsZero())
	require.NotPanics(t, func() { log.Error("nothing", Err(os.ErrClosed)) })
	require.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{in: "trace", want: LevelTrace},
		{in: " Debug ", want: LevelDebug},
		{in: "warning", want: LevelWarn},
		{in: "ERROR", want: LevelError},
		{in: "fatal", want: LevelFatal},
		{in: "panic", want: LevelPanic},
		{in: "disabled", want: LevelOff},
		{in: "", want: LevelInfo},
		{in: "bogus", want: LevelInfo},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestServiceApplySwitchesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workerd.log")
	svc, log := NewService(Config{Level: "info"})
	t.Cleanup(func() { _ = svc.Close() })

	require.NoError(t, svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}))
	require.True(t, log.Enabled(LevelDebug))

	log.Debug("to file", String("k", "v"))
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(b), `"message":"to file"`), "log file: %s", b)
	require.Equal(t, "debug", svc.Config().Level)
}

func TestServiceApplyFallsBackToConsole(t *testing.T) {
	svc, log := NewService(Config{Level: "info"})
	t.Cleanup(func() { _ = svc.Close() })

	bad := filepath.Join(t.TempDir(), "missing", "workerd.log")
	err := svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: bad}})
	require.ErrorContains(t, err, "open log file")
	require.False(t, log.Enabled(LevelWarn))
	require.True(t, log.Enabled(LevelError))
}

func TestWorkerFields(t *testing.T) {
	var buf bytes.Buffer
	New(zerolog.New(&buf)).With(Worker("db-writer"), RunID("r1")).Info("x")

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "db-writer", m["worker"])
	require.Equal(t, "r1", m["run_id"])
}

func TestTraceWriterRateLimit(t *testing.T) {
	var buf bytes.Buffer
	tw := NewTraceWriter(&buf, 2)

	for i := 0; i < 5; i++ {
		_, err := tw.Write([]byte("line\n"))
		require.NoError(t, err)
	}
	require.Equal(t, uint64(2), tw.Written())
	require.Equal(t, uint64(3), tw.Dropped())
	require.Equal(t, "line\nline\n", buf.String())
}

func TestTraceWriterDisabled(t *testing.T) {
	var buf bytes.Buffer
	tw := NewTraceWriter(&buf, 0)
	tw.Apply(false, 0)

	n, err := tw.Write([]byte("x\n"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Empty(t, buf.String())

	tw.Apply(true, 0)
	_, _ = tw.Write([]byte("y\n"))
	require.Equal(t, "y\n", buf.String())
}

func TestDisabledLevelSilencesService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workerd.log")
	svc, log := NewService(Config{Level: "disabled", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	require.False(t, log.Enabled(LevelError))
	log.Error("should not appear")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, b)
}
