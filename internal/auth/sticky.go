package auth

import "context"

// Sticky is the Request-Scoped Binding (spec.md §3): a per-request slot
// holding the credential key of the account selected for the current
// request. It is passed explicitly rather than kept as thread-local ambient
// state, per spec.md §9's redesign note ("pass as a task-local value or as
// an explicit argument").
type Sticky struct {
	Key string
}

type stickyContextKey struct{}

// WithSticky attaches a fresh Sticky to ctx, to be populated by the first
// GetAccessToken call within this request's lifetime.
func WithSticky(ctx context.Context) (context.Context, *Sticky) {
	s := &Sticky{}
	return context.WithValue(ctx, stickyContextKey{}, s), s
}

// StickyFromContext retrieves the Sticky attached by WithSticky, or nil.
func StickyFromContext(ctx context.Context) *Sticky {
	s, _ := ctx.Value(stickyContextKey{}).(*Sticky)
	return s
}
