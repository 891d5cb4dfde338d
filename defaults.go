package cascluster

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// OrNop returns l, or NopLogger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}

// OrNopHooks returns h, or NopHooks when h is nil.
func OrNopHooks(h Hooks) Hooks {
	if h == nil {
		return NopHooks{}
	}
	return h
}
