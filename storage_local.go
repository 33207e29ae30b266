package gate

import (
	"context"
	"sync"
	"time"
)

// localStorage is the in-process backend: a frameRing behind a single
// mutex, with an incrementally-maintained sum. No cross-process visibility,
// per spec 4.5.
type localStorage struct {
	mu        sync.Mutex
	ring      *frameRing
	sum       int64
	timestamp time.Time
	hasTS     bool
}

// newLocalStorage creates a local backend with the given frame count,
// optionally seeded with data (newest first, zero-padded/truncated to
// frames) and an initial timestamp.
func newLocalStorage(frames int, data []int64, ts time.Time, hasTS bool) *localStorage {
	s := &localStorage{ring: newFrameRing(frames)}
	if data != nil {
		s.ring.Load(data)
		for i := 0; i < s.ring.Cap(); i++ {
			s.sum += s.ring.Get(i)
		}
	}
	s.timestamp = ts
	s.hasTS = hasTS
	return s
}

func (s *localStorage) Slide(_ context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 || n > s.ring.Cap() {
		return newConfigError("slide: n out of range")
	}
	s.sum -= s.ring.Slide(n)
	return nil
}

func (s *localStorage) AtomicUpdate(_ context.Context, value, frameLimit, gateLimit int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.ring.Get(0)
	newValue := cur + value
	newSum := s.sum + value

	if frameLimit > 0 && newValue > frameLimit {
		return 0, newFrameLimitError(nil, frameLimit)
	}
	if gateLimit > 0 && newSum > gateLimit {
		return 0, newGateLimitError(nil, gateLimit)
	}
	if newSum < 0 {
		return 0, newGateOverflowError(nil)
	}
	if newValue < 0 {
		return 0, newFrameOverflowError(nil)
	}

	s.ring.Set(0, newValue)
	s.sum = newSum
	return newValue, nil
}

func (s *localStorage) Sum(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum, nil
}

func (s *localStorage) State(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Slice(), nil
}

func (s *localStorage) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring.Clear()
	s.sum = 0
	s.hasTS = false
	s.timestamp = time.Time{}
	return nil
}

func (s *localStorage) Timestamp(_ context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamp, s.hasTS, nil
}

func (s *localStorage) SetTimestamp(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timestamp = t
	s.hasTS = true
	return nil
}

func (s *localStorage) Close() error { return nil }

var _ Storage = (*localStorage)(nil)
