package capture

import (
	"context"
	"sync/atomic"
)

type suppressKey struct{}

// Guard keeps capture suppressed for the context returned with it until
// Release is called.
type Guard struct {
	parent   *Guard
	released atomic.Bool
}

// Release re-enables capture for the guarded context. It is safe to call more
// than once.
func (g *Guard) Release() {
	g.released.Store(true)
}

// Suppress returns a context under which writes are not captured. Writes
// applied on behalf of a peer run under it so they are never sent back.
//
//	ctx, guard := capture.Suppress(ctx)
//	defer guard.Release()
func Suppress(ctx context.Context) (context.Context, *Guard) {
	parent, _ := ctx.Value(suppressKey{}).(*Guard)
	g := &Guard{parent: parent}
	return context.WithValue(ctx, suppressKey{}, g), g
}

func Suppressed(ctx context.Context) bool {
	g, _ := ctx.Value(suppressKey{}).(*Guard)
	for ; g != nil; g = g.parent {
		if !g.released.Load() {
			return true
		}
	}
	return false
}
