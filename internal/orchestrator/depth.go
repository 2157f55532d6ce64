package orchestrator

import (
	"context"
	"errors"
)

// DefaultMaxDepth bounds improvement-cycle nesting. The top-level loop runs
// at depth 0.
const DefaultMaxDepth = 2

// ErrMaxDepth is returned when an improvement cycle would nest deeper than allowed.
var ErrMaxDepth = errors.New("improvement cycle nesting limit reached")

type depthKey struct{}

// WithDepth returns a context carrying the loop nesting depth.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// DepthFrom returns the nesting depth carried by ctx, or 0.
func DepthFrom(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}
