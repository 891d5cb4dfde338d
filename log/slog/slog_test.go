package slog

import (
	"bytes"
	stdslog "log/slog"
	"strings"
	"testing"

	"github.com/unkn0wn-root/cascluster"
)

func TestSlogLoggerStableFields(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{L: stdslog.New(stdslog.NewTextHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelInfo}))}

	l.Debug("hidden", cascluster.Fields{"x": 1})
	l.Info("evicted", cascluster.Fields{"z": 3, "cache": "users", "a": 1})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked: %s", out)
	}
	ia, ic, iz := strings.Index(out, "a=1"), strings.Index(out, "cache=users"), strings.Index(out, "z=3")
	if ia < 0 || ic < 0 || iz < 0 || !(ia < ic && ic < iz) {
		t.Fatalf("fields missing or unsorted: %s", out)
	}
}
