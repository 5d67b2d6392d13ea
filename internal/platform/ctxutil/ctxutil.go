package ctxutil

import (
	"context"
	"time"
)

const defaultTimeout = 120 * time.Second

// WithDefaultTimeout attaches a fallback deadline when the caller did not
// set one. Provider calls must never hang indefinitely.
func WithDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultTimeout)
}
