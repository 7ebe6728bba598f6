package meshlog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New("runtime", Options{Writer: &buf, Level: slog.LevelInfo})

	logger.Info("job admitted", "job_id", "job-1", "state", "Pending")

	out := buf.String()
	require.Contains(t, out, "job admitted")
	require.Contains(t, out, "job_id=job-1")
	require.Contains(t, out, "state=Pending")
	require.Contains(t, out, "component=runtime")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New("mana", Options{Writer: &buf, Level: slog.LevelWarn})

	logger.Info("should be dropped")
	logger.Warn("should appear")

	out := buf.String()
	require.False(t, strings.Contains(out, "should be dropped"))
	require.True(t, strings.Contains(out, "should appear"))
}

func TestWithAttrsIsAdditive(t *testing.T) {
	var buf bytes.Buffer
	logger := New("receipt", Options{Writer: &buf, Level: slog.LevelInfo})
	scoped := logger.With("job_id", "job-42")

	scoped.Info("anchored", "cid", "bafy123")

	out := buf.String()
	require.Contains(t, out, "job_id=job-42")
	require.Contains(t, out, "cid=bafy123")
}
