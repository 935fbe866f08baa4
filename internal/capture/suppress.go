package capture

import "context"

// suppressKey is the context key marking an apply-in-progress call path.
type suppressKey struct{}

// WithSuppression returns a context under which Record is a no-op.
//
// The sync manager wraps its apply path with this so replayed remote changes
// are not captured again as fresh local changes. Scoping the flag to the
// context rather than a process global keeps concurrent sessions independent.
func WithSuppression(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey{}, true)
}

// Suppressed reports whether capture is disabled on this call path.
func Suppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressKey{}).(bool)
	return v
}
