package promhook

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndReRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.Evicted("users", []string{"a", "b"})
	h.TaskSkipped("report", "ownership_lost")
	h.TaskExecuted("report", 20*time.Millisecond)
	h.RemoteCallFailed("Greeter", "default", "Hello", "n2", errors.New("x"))

	if got := testutil.ToFloat64(h.evicted.WithLabelValues("users")); got != 2 {
		t.Fatalf("evicted=%v", got)
	}

	// a second node in the same process shares the collectors
	h2, err := New(reg)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	h2.Evicted("users", []string{"c"})
	if got := testutil.ToFloat64(h.evicted.WithLabelValues("users")); got != 3 {
		t.Fatalf("evicted after re-register=%v", got)
	}
	if got := testutil.ToFloat64(h.taskSkipped.WithLabelValues("report", "ownership_lost")); got != 1 {
		t.Fatalf("skipped=%v", got)
	}
}
