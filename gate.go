package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Gate is a named sliding-window rate-limit counter. It composes a clock
// (currentStep), a slide engine (refreshFrames), and a pluggable Storage
// backend behind a single-writer lock. Grounded on catrate's Limiter, which
// pairs a mutex with per-category ring buffers; Gate generalizes that to one
// ring per gate and a capability interface in place of catrate's concrete
// backend.
type Gate struct {
	mu sync.Mutex

	name       string
	windowSize time.Duration
	frameStep  time.Duration
	frames     int
	gateLimit  int64
	frameLimit int64
	loc        *time.Location
	kind       Kind

	storage Storage

	currentDT    time.Time
	hasCurrentDT bool

	closed bool
}

type gateConfig struct {
	gateLimit    int64
	frameLimit   int64
	loc          *time.Location
	kind         Kind
	redisClient  redis.UniversalClient
	redisOwned   bool
	initialData  []int64
	initialTS    time.Time
	hasInitialTS bool
}

// Option configures a Gate at construction. New starts from local storage,
// UTC, and no limits, and applies each Option on top, per the functional-options
// pattern: every optional parameter of the source constructor's kwargs
// becomes one Option instead of a sentinel-guarded keyword argument
// (REDESIGN FLAGS, "sentinel-as-singleton").
type Option func(*gateConfig) error

// WithGateLimit sets the whole-window ceiling. 0 (the default) means no ceiling.
func WithGateLimit(limit int64) Option {
	return func(c *gateConfig) error { c.gateLimit = limit; return nil }
}

// WithFrameLimit sets the per-frame ceiling. 0 (the default) means no ceiling.
func WithFrameLimit(limit int64) Option {
	return func(c *gateConfig) error { c.frameLimit = limit; return nil }
}

// WithTimezone anchors frame boundaries to loc instead of UTC.
func WithTimezone(loc *time.Location) Option {
	return func(c *gateConfig) error {
		if loc == nil {
			return newConfigError("timezone must not be nil")
		}
		c.loc = loc
		return nil
	}
}

// WithLocalStorage selects the in-process backend (the default).
func WithLocalStorage() Option {
	return func(c *gateConfig) error { c.kind = Local; return nil }
}

// WithSharedStorage selects the cross-process, flock-guarded backend.
func WithSharedStorage() Option {
	return func(c *gateConfig) error { c.kind = Shared; return nil }
}

// WithRedisStorage selects the distributed backend, using client for every
// operation. client is borrowed, per spec 5's owned-vs-borrowed
// distinction: the gate never closes it, since it didn't create it and has
// no way to know whether the caller needs it after the gate is done. Pair
// this with WithOwnedRedisClient if you're handing the gate a client built
// solely for its own use and want Close to close it too.
func WithRedisStorage(client redis.UniversalClient) Option {
	return func(c *gateConfig) error {
		if client == nil {
			return newConfigError("redis client must not be nil")
		}
		c.kind = Distributed
		c.redisClient = client
		return nil
	}
}

// WithOwnedRedisClient marks the client given to WithRedisStorage as owned:
// the gate's Close will close it too. Has no effect without
// WithRedisStorage.
func WithOwnedRedisClient() Option {
	return func(c *gateConfig) error {
		c.redisOwned = true
		return nil
	}
}

// WithInitialData seeds the ring with data, newest first (data[0] is the
// current frame), zero-padded to the frame count. New rejects data longer
// than the frame count with a ConfigError.
func WithInitialData(data []int64) Option {
	return func(c *gateConfig) error {
		for _, v := range data {
			if v < 0 {
				return newConfigError("initial data must be non-negative")
			}
		}
		c.initialData = data
		return nil
	}
}

// WithInitialTimestamp sets the current-frame anchor explicitly, bypassing
// the storage's persisted-timestamp restoration (spec 4.2).
func WithInitialTimestamp(t time.Time) Option {
	return func(c *gateConfig) error {
		c.initialTS = t
		c.hasInitialTS = true
		return nil
	}
}

// New constructs a Gate named name, with a window of windowSize split into
// frames of frameStep. ctx bounds any network round trip needed to
// initialize the distributed backend; it is not retained afterward.
func New(ctx context.Context, name string, windowSize, frameStep time.Duration, opts ...Option) (*Gate, error) {
	if name == "" {
		return nil, newConfigError("name must not be empty")
	}

	cfg := &gateConfig{loc: time.UTC, kind: Local}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	frames, err := validateWindowAndStep(windowSize, frameStep)
	if err != nil {
		return nil, err
	}
	if err := validateLimits(cfg.gateLimit, cfg.frameLimit); err != nil {
		return nil, err
	}
	if len(cfg.initialData) > frames {
		return nil, newConfigError("initial data longer than frame count %d", frames)
	}

	g := &Gate{
		name:       name,
		windowSize: windowSize,
		frameStep:  frameStep,
		frames:     frames,
		gateLimit:  cfg.gateLimit,
		frameLimit: cfg.frameLimit,
		loc:        cfg.loc,
		kind:       cfg.kind,
	}

	switch cfg.kind {
	case Local:
		g.storage = newLocalStorage(frames, cfg.initialData, cfg.initialTS, cfg.hasInitialTS)
	case Shared:
		s, err := newSharedStorage(name, frames, cfg.initialData, cfg.initialTS, cfg.hasInitialTS)
		if err != nil {
			return nil, err
		}
		g.storage = s
	case Distributed:
		s, err := newRedisStorage(ctx, cfg.redisClient, cfg.redisOwned, name, frames, cfg.initialData, cfg.initialTS, cfg.hasInitialTS)
		if err != nil {
			return nil, err
		}
		g.storage = s
	default:
		return nil, newConfigError("unknown storage kind %d", cfg.kind)
	}

	if cfg.hasInitialTS {
		g.currentDT, g.hasCurrentDT = cfg.initialTS, true
	} else if ts, ok, err := g.storage.Timestamp(ctx); err != nil {
		return nil, err
	} else if ok {
		now := time.Now().In(g.loc)
		skew := now.Sub(ts)
		if skew < 0 {
			skew = -skew
		}
		if skew <= windowSize {
			g.currentDT, g.hasCurrentDT = ts, true
		}
	}

	return g, nil
}

// Name returns the gate's identifier.
func (g *Gate) Name() string { return g.name }

// WindowSize returns the total observation interval.
func (g *Gate) WindowSize() time.Duration { return g.windowSize }

// FrameStep returns the frame granularity.
func (g *Gate) FrameStep() time.Duration { return g.frameStep }

// Frames returns the derived frame count.
func (g *Gate) Frames() int { return g.frames }

// GateLimit returns the configured whole-window ceiling, or 0 if unset.
func (g *Gate) GateLimit() int64 { return g.gateLimit }

// FrameLimit returns the configured per-frame ceiling, or 0 if unset.
func (g *Gate) FrameLimit() int64 { return g.frameLimit }

// StorageKind returns which backend this gate uses.
func (g *Gate) StorageKind() Kind { return g.kind }

// refreshFrames advances the ring to the current instant, per spec 4.3.
// Callers must hold g.mu (directly, or via the reentrancy marker).
func (g *Gate) refreshFrames(ctx context.Context) error {
	stepNow := currentStep(time.Now().In(g.loc), g.frameStep)

	if !g.hasCurrentDT {
		g.currentDT, g.hasCurrentDT = stepNow, true
		return g.storage.SetTimestamp(ctx, stepNow)
	}

	diff := int(stepNow.Sub(g.currentDT) / g.frameStep)
	if diff <= 0 {
		return nil
	}
	if diff >= g.frames {
		if err := g.storage.Clear(ctx); err != nil {
			return err
		}
		g.hasCurrentDT = false
		return nil
	}

	if err := g.storage.Slide(ctx, diff); err != nil {
		return err
	}
	g.currentDT = stepNow
	return g.storage.SetTimestamp(ctx, stepNow)
}

func (g *Gate) lock(ctx context.Context) (unlock func()) {
	if isReentrant(ctx, g) {
		return func() {}
	}
	g.mu.Lock()
	return g.mu.Unlock
}

// Update adds value to the current frame and the window sum. value == 0 is
// a no-op. If value exceeds a configured frame limit outright, it fails
// immediately regardless of throw. Otherwise, on a throttling failure: if
// throw, the error is returned (carrying a back-reference to g); if not,
// Update blocks, sleeping one frame step between attempts, until the
// update succeeds, the context is cancelled, or a non-throttling error
// occurs (spec 4.2).
func (g *Gate) Update(ctx context.Context, value int64, throw bool) error {
	if value == 0 {
		return nil
	}
	if g.frameLimit > 0 && value > g.frameLimit {
		return newFrameLimitError(g, g.frameLimit)
	}

	unlock := g.lock(ctx)
	defer unlock()

	if err := g.refreshFrames(ctx); err != nil {
		return err
	}
	_, err := g.storage.AtomicUpdate(ctx, value, g.frameLimit, g.gateLimit)
	if err == nil {
		return nil
	}

	var throttling ThrottlingError
	if throw || !errors.As(err, &throttling) {
		return attachGate(err, g)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.frameStep):
		}

		if err := g.refreshFrames(ctx); err != nil {
			return err
		}
		_, err := g.storage.AtomicUpdate(ctx, value, g.frameLimit, g.gateLimit)
		if err == nil {
			return nil
		}
		if !errors.As(err, &throttling) {
			return attachGate(err, g)
		}
	}
}

// CheckLimits refreshes the frames without mutating, then raises a gate
// limit error if sum >= GateLimit > 0, or a frame limit error if
// data[0] >= FrameLimit > 0.
func (g *Gate) CheckLimits(ctx context.Context) error {
	unlock := g.lock(ctx)
	defer unlock()

	if err := g.refreshFrames(ctx); err != nil {
		return err
	}
	sum, err := g.storage.Sum(ctx)
	if err != nil {
		return err
	}
	if g.gateLimit > 0 && sum >= g.gateLimit {
		return attachGate(newGateLimitError(nil, g.gateLimit), g)
	}
	state, err := g.storage.State(ctx)
	if err != nil {
		return err
	}
	if g.frameLimit > 0 && len(state) > 0 && state[0] >= g.frameLimit {
		return attachGate(newFrameLimitError(nil, g.frameLimit), g)
	}
	return nil
}

// Clear resets the ring, the sum, and the timestamp under the single-writer lock.
func (g *Gate) Clear(ctx context.Context) error {
	unlock := g.lock(ctx)
	defer unlock()

	if err := g.storage.Clear(ctx); err != nil {
		return err
	}
	g.hasCurrentDT = false
	return nil
}

// Sum returns the cached window sum.
func (g *Gate) Sum(ctx context.Context) (int64, error) {
	unlock := g.lock(ctx)
	defer unlock()
	return g.storage.Sum(ctx)
}

// Data returns a copy of the frame ring, newest first.
func (g *Gate) Data(ctx context.Context) ([]int64, error) {
	unlock := g.lock(ctx)
	defer unlock()
	return g.storage.State(ctx)
}

// CurrentDT returns the current frame's anchor instant, if any has been
// observed yet.
func (g *Gate) CurrentDT() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentDT, g.hasCurrentDT
}

// Close releases any OS or network resources the storage backend holds.
// Safe to call more than once.
func (g *Gate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.storage.Close()
}
