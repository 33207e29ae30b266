package gate

// frameRing is a fixed-capacity ring of frame counts. Unlike a growable
// queue, a frameRing always holds exactly Cap() logical slots - index 0 is
// the current (newest) frame, index Cap()-1 is the oldest. Sliding the ring
// moves the head backwards and zero-fills the newly-exposed slots; it never
// grows or shrinks the backing array.
type frameRing struct {
	s    []int64
	head int
}

// newFrameRing allocates a ring with the given capacity, all zero.
func newFrameRing(capacity int) *frameRing {
	if capacity <= 0 {
		panic(`gate: ring: capacity must be > 0`)
	}
	return &frameRing{s: make([]int64, capacity)}
}

// mask reduces val (which may be negative) into [0, len(s)).
func (x *frameRing) mask(val int) int {
	n := len(x.s)
	val %= n
	if val < 0 {
		val += n
	}
	return val
}

// Cap returns the number of frames the ring holds.
func (x *frameRing) Cap() int {
	return len(x.s)
}

// Get returns the value at logical index i (0 = newest).
func (x *frameRing) Get(i int) int64 {
	if i < 0 || i >= len(x.s) {
		panic(`gate: ring: get: index out of range`)
	}
	return x.s[x.mask(x.head+i)]
}

// Set overwrites the value at logical index i.
func (x *frameRing) Set(i int, value int64) {
	if i < 0 || i >= len(x.s) {
		panic(`gate: ring: set: index out of range`)
	}
	x.s[x.mask(x.head+i)] = value
}

// Slice returns a copy of the ring contents, newest first.
func (x *frameRing) Slice() []int64 {
	b := make([]int64, len(x.s))
	for i := range b {
		b[i] = x.Get(i)
	}
	return b
}

// Load replaces the ring contents with data, positioned newest-first:
// data[0] becomes the current frame (logical index 0), data[1] the one
// before it, and so on. If data is shorter than the capacity, the
// remaining (older) slots are left at zero. If it's longer, entries past
// the capacity - the oldest-most supplied values - are dropped.
func (x *frameRing) Load(data []int64) {
	x.head = 0
	for i := range x.s {
		x.s[i] = 0
	}
	n := len(data)
	if n > len(x.s) {
		n = len(x.s)
	}
	for i := 0; i < n; i++ {
		x.s[i] = data[i]
	}
}

// Slide shifts the ring right by n frames: the n oldest entries are
// discarded and n zeros are inserted at the head. Returns the sum of the
// discarded values. n must be >= 1 and <= Cap(); callers must route
// n >= Cap() to Clear instead.
func (x *frameRing) Slide(n int) (removed int64) {
	if n < 1 || n > len(x.s) {
		panic(`gate: ring: slide: n out of range`)
	}
	for i := len(x.s) - n; i < len(x.s); i++ {
		removed += x.Get(i)
	}
	x.head = x.mask(x.head - n)
	for i := 0; i < n; i++ {
		x.Set(i, 0)
	}
	return removed
}

// Clear zeros every slot and resets the head.
func (x *frameRing) Clear() {
	x.head = 0
	for i := range x.s {
		x.s[i] = 0
	}
}
