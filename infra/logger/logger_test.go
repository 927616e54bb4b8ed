package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var recordRe = regexp.MustCompile(`^\d{4}-[A-Z][a-z]{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{6} hello fd=7$`)

func TestLogfPrefix(t *testing.T) {
	var buf bytes.Buffer
	sink := New(&buf, true)

	sink.Logf("hello fd=%d", 7)

	line := strings.TrimSuffix(buf.String(), "\n")
	require.True(t, recordRe.MatchString(line), "unexpected record: %q", line)
}

func TestRawfHasNoPrefix(t *testing.T) {
	var buf bytes.Buffer
	sink := New(&buf, true)

	sink.Rawf("  fd=%d bytes=%d", 3, 42)

	require.Equal(t, "  fd=3 bytes=42\n", buf.String())
}

func TestBufferingWithoutFlush(t *testing.T) {
	var buf bytes.Buffer
	sink := New(&buf, false)

	sink.Logf("queued")
	require.Zero(t, buf.Len(), "line must stay buffered until Flush")

	require.NoError(t, sink.Flush())
	require.Contains(t, buf.String(), "queued")
}

func TestSlogFacade(t *testing.T) {
	var buf bytes.Buffer
	log := NewSlog(New(&buf, true))

	log.Info("breaker state changed", slog.String("endpoint", "10.0.0.1:80"))
	log.Debug("must be discarded")

	out := buf.String()
	require.Contains(t, out, "breaker state changed endpoint=10.0.0.1:80")
	require.NotContains(t, out, "discarded")
	require.Equal(t, 1, strings.Count(out, "\n"))
}
