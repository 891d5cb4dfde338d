package session

import (
	"context"
	"errors"
	"testing"
)

// globalManager mimics hosts that keep identity in process state.
type globalManager struct {
	current Token
}

func (g *globalManager) Current(context.Context) Token { return g.current }
func (g *globalManager) System() Token                 { return "root" }
func (g *globalManager) Enter(ctx context.Context, t Token) (context.Context, func()) {
	prev := g.current
	g.current = t
	return ctx, func() { g.current = prev }
}

func TestContextManager(t *testing.T) {
	var m ContextManager
	ctx := With(context.Background(), "alice")
	if got := m.Current(ctx); got != "alice" {
		t.Fatalf("Current=%q", got)
	}
	err := Run(ctx, m, m.System(), func(inner context.Context) error {
		if got := m.Current(inner); got != System {
			t.Fatalf("inside=%q", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Current(ctx); got != "alice" {
		t.Fatalf("outer identity changed: %q", got)
	}
	if (ContextManager{SystemToken: "svc"}).System() != "svc" {
		t.Fatalf("SystemToken override ignored")
	}
}

func TestRunRestoresOnErrorAndPanic(t *testing.T) {
	g := &globalManager{current: "bob"}
	want := errors.New("x")
	if err := Run(context.Background(), g, "root", func(context.Context) error { return want }); err != want {
		t.Fatalf("err=%v", err)
	}
	if g.current != "bob" {
		t.Fatalf("not restored after error: %q", g.current)
	}
	func() {
		defer func() { _ = recover() }()
		_ = Run(context.Background(), g, "root", func(context.Context) error { panic("boom") })
	}()
	if g.current != "bob" {
		t.Fatalf("not restored after panic: %q", g.current)
	}
}
