package sloghook

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newBuf() (*bytes.Buffer, *slog.Logger) {
	var buf bytes.Buffer
	return &buf, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestRedactsIDs(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{})
	h.ValueDecodeFailed("users", "alice@example.com", errors.New("bad"))
	out := buf.String()
	if strings.Contains(out, "alice@example.com") {
		t.Fatalf("id not redacted: %s", out)
	}
	if !strings.Contains(out, h.redact("alice@example.com")) {
		t.Fatalf("redacted id missing: %s", out)
	}
}

func TestSampling(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{TaskSkippedEvery: 5})
	for i := 0; i < 10; i++ {
		h.TaskSkipped("report", "ownership_lost")
	}
	if n := strings.Count(buf.String(), "cascluster.task_skipped"); n != 2 {
		t.Fatalf("logged %d times, want 2", n)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	h := New(nil, Options{})
	h.TaskFailed("t", errors.New("x"))
	h.RemoteCallFailed("i", "impl", "m", "n", nil)
}
