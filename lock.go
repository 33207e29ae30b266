package gate

import (
	"context"
	"errors"
	"syscall"
)

// reentrancyKey marks a context as already holding a particular gate's
// single-writer lock, so a nested Update/Clear call issued from within a
// Decorate or Scope callback doesn't deadlock against itself. This replaces
// the source's thread-local reentrant lock, which has no direct Go
// equivalent without sniffing goroutine IDs (REDESIGN FLAGS, "implicit
// timestamp restoration" neighbor: make reentrancy an explicit contract,
// not a side effect of the caller's thread).
type reentrancyKey struct{ gate *Gate }

func withReentrant(ctx context.Context, g *Gate) context.Context {
	return context.WithValue(ctx, reentrancyKey{gate: g}, true)
}

func isReentrant(ctx context.Context, g *Gate) bool {
	v, _ := ctx.Value(reentrancyKey{gate: g}).(bool)
	return v
}

// flockRetryEINTR wraps a flock(2) call, retrying on EINTR. Signals can
// interrupt any blocking syscall; EINTR means the call didn't fail, it just
// needs to be retried.
func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for i := 0; i < maxEINTRRetries; i++ {
		err = syscall.Flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}
	return err
}
