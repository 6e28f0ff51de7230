package session

import (
	"context"

	"github.com/TheMichaelB/syncsession/internal/models"
)

type mainLoopKey struct{}

// WithMainLoop marks ctx as belonging to the application's event loop.
// Blocking waits refuse to run under a marked context.
func WithMainLoop(ctx context.Context) context.Context {
	return context.WithValue(ctx, mainLoopKey{}, true)
}

// OnMainLoop reports whether ctx was marked by WithMainLoop.
func OnMainLoop(ctx context.Context) bool {
	marked, _ := ctx.Value(mainLoopKey{}).(bool)
	return marked
}

func checkNotOnMainLoop(ctx context.Context, op string) error {
	if OnMainLoop(ctx) {
		return models.WithOp(models.ErrMainLoop, op)
	}
	return nil
}
