package gate

import (
	"context"
	"time"
)

// Kind tags which storage backend a Gate uses.
type Kind int

const (
	// Local stores frame data in-process, behind a mutex. No cross-process
	// visibility.
	Local Kind = iota + 1
	// Shared stores frame data in a flock-guarded, mmap'd region visible to
	// sibling processes descended from the same parent. Does not survive a
	// host reboot.
	Shared
	// Distributed stores frame data in a Redis-compatible key-value server,
	// visible across processes and hosts, and durable across restarts.
	Distributed
)

// String returns the portable dictionary-shape tag for k ("simple",
// "shared", or "redis"), per spec 6.
func (k Kind) String() string {
	switch k {
	case Local:
		return "simple"
	case Shared:
		return "shared"
	case Distributed:
		return "redis"
	default:
		return "unknown"
	}
}

// ParseKind parses the portable dictionary-shape tag back into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "simple":
		return Local, nil
	case "shared":
		return Shared, nil
	case "redis":
		return Distributed, nil
	default:
		return 0, newConfigError("invalid storage kind: %q", s)
	}
}

// Storage is the capability interface every backend implements. It is the
// sum-type-plus-capabilities re-architecture REDESIGN FLAGS calls for, in
// place of runtime-type polymorphism over a class hierarchy: Gate holds a
// single Storage value and never inspects its concrete type.
//
// Every method that can block (on a file lock or a network round trip)
// takes a context.Context; Local's implementation never blocks and so
// ignores the context it's handed, same as any in-memory stdlib data
// structure would.
type Storage interface {
	// Slide shifts the ring right by n frames (n >= 1), discarding the n
	// oldest entries and prepending n zeros, adjusting sum accordingly.
	// Callers must route n >= frame count to Clear instead.
	Slide(ctx context.Context, n int) error

	// AtomicUpdate applies value to the current frame and the window sum,
	// checking frameLimit/gateLimit (0 = no ceiling) and the two overflow
	// guards, all within one critical section. On success, returns the new
	// current-frame value. frameLimit/gateLimit of 0 disables that check.
	AtomicUpdate(ctx context.Context, value, frameLimit, gateLimit int64) (newValue int64, err error)

	// Sum returns the cached window sum.
	Sum(ctx context.Context) (int64, error)

	// State returns a copy of the frame ring, newest first.
	State(ctx context.Context) ([]int64, error)

	// Clear resets every frame, the sum, and the stored timestamp to zero/absent.
	Clear(ctx context.Context) error

	// Timestamp returns the last-persisted current-frame anchor, if any.
	Timestamp(ctx context.Context) (t time.Time, ok bool, err error)

	// SetTimestamp persists the current-frame anchor.
	SetTimestamp(ctx context.Context, t time.Time) error

	// Close releases any OS or network resources the backend holds. Safe
	// to call more than once.
	Close() error
}
