// Package session carries the caller's execution identity across timer task
// bodies and layer calls. The core treats a Token as opaque; a Manager adapts
// whatever security context the host application uses.
package session

import "context"

// Token is an opaque execution identity.
type Token string

// System is the privileged identity timer task bodies run under.
const System Token = "system"

// Manager captures and installs execution identities.
type Manager interface {
	// Current returns the identity bound to ctx, or "" when none is.
	Current(ctx context.Context) Token
	// System returns the privileged identity.
	System() Token
	// Enter returns ctx running as t plus a func restoring whatever identity
	// was in effect before. The restore func is safe to call more than once.
	Enter(ctx context.Context, t Token) (context.Context, func())
}

type ctxKey struct{}

// ContextManager keeps the identity in the context. Restore is a no-op because
// the caller's context was never modified.
type ContextManager struct {
	// SystemToken overrides System when set.
	SystemToken Token
}

var _ Manager = ContextManager{}

func (ContextManager) Current(ctx context.Context) Token {
	t, _ := ctx.Value(ctxKey{}).(Token)
	return t
}

func (m ContextManager) System() Token {
	if m.SystemToken != "" {
		return m.SystemToken
	}
	return System
}

func (ContextManager) Enter(ctx context.Context, t Token) (context.Context, func()) {
	return With(ctx, t), func() {}
}

// With binds t to ctx.
func With(ctx context.Context, t Token) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// Run executes fn under t and always restores the previous identity, also
// when fn panics.
func Run(ctx context.Context, m Manager, t Token, fn func(context.Context) error) error {
	if m == nil {
		m = ContextManager{}
	}
	inner, restore := m.Enter(ctx, t)
	defer restore()
	return fn(inner)
}
