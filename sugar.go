package gate

import "context"

// Do performs the entry update for value and throw, the operation every
// sugar form funnels through (spec 4.8).
func (g *Gate) Do(ctx context.Context, value int64, throw bool) error {
	return g.Update(ctx, value, throw)
}

// Closer is returned by Scope. Close is always a no-op: the gate counts
// attempts, not successful completions, so a failure after scope entry
// never undoes the increment (spec 4.2 and 9, "scope-exit-after-failed-
// update" Open Question, resolved as no-undo).
type Closer struct{}

// Close is a no-op, see Closer.
func (Closer) Close() error { return nil }

// Scope performs the entry update and, on success, returns a context
// carrying a reentrancy marker for g alongside a no-op Closer. Any
// Update, CheckLimits, or nested Scope call made with the returned context
// reuses the outer call's hold on g's single-writer lock instead of
// blocking on it, so scope-guarded code may freely call back into the
// gate it is scoped under (spec 5's thread-local reentrant lock,
// re-architected per REDESIGN FLAGS as an explicit context marker).
func (g *Gate) Scope(ctx context.Context, value int64, throw bool) (context.Context, Closer, error) {
	if err := g.Do(ctx, value, throw); err != nil {
		return ctx, Closer{}, err
	}
	return withReentrant(ctx, g), Closer{}, nil
}

// Decorate wraps fn so every call first performs the entry update (value,
// throw) against g, invoking fn only on success and propagating fn's own
// return. fn receives a reentrancy-marked context, so it may call back into
// g without deadlocking.
//
// F is constrained to context-taking, error-returning functions: the
// source distinguishes sync call sites from async/deferred ones and
// dispatches accordingly, but Go has one function shape for both, so the
// call-site/factory split (REDESIGN FLAGS) collapses into this single
// generic wrapper plus whatever scheduling fn itself does.
func Decorate[F ~func(context.Context) error](g *Gate, value int64, throw bool, fn F) func(context.Context) error {
	return func(ctx context.Context) error {
		nested, closer, err := g.Scope(ctx, value, throw)
		if err != nil {
			return err
		}
		defer closer.Close()
		return fn(nested)
	}
}
