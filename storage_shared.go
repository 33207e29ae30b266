//go:build unix

package gate

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// sharedStorage is the cross-process backend: a flock(2)-guarded, mmap'd
// region of fixed layout, visible to sibling processes that share the
// region's path. Grounded on the source's GlobalLock/SharedMemory pairing
// (a single fcntl.flock guarding a raw numpy buffer): here the buffer is a
// memory-mapped file instead of POSIX shared memory, since the stdlib has no
// shm_open, but the guarantee is the same - one file-scoped lock serializes
// every access to the region.
//
// Unlike the ring used by the local backend, frame 0 is always the region's
// first slot; slide shifts the remaining entries down in place rather than
// rotating a head index, because the head would itself need to live in
// shared memory and be kept consistent across processes for no real benefit
// at these capacities.
type sharedStorage struct {
	mu       sync.Mutex
	lockFD   int
	region   []byte
	frames   int
	lockPath string
	dataPath string
}

const (
	sharedHasTSOffset = 0
	sharedTSOffset    = 8
	sharedSumOffset   = 16
	sharedHeaderWords = 3
	sharedHeaderBytes = sharedHeaderWords * 8
	sharedWordBytes   = 8
)

func sharedDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func sharedPaths(name string) (lockPath, dataPath string) {
	dir := sharedDir()
	return filepath.Join(dir, "gate-"+name+".lock"), filepath.Join(dir, "gate-"+name+".dat")
}

func newSharedStorage(name string, frames int, data []int64, ts time.Time, hasTS bool) (*sharedStorage, error) {
	lockPath, dataPath := sharedPaths(name)
	size := int64(sharedHeaderBytes + frames*sharedWordBytes)

	lf, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, newBackendError(err, "opening shared lock file")
	}
	lockFD := int(lf.Fd())

	if err := flockRetryEINTR(lockFD, syscall.LOCK_EX); err != nil {
		_ = lf.Close()
		return nil, newBackendError(err, "acquiring shared lock")
	}
	defer func() {
		_ = flockRetryEINTR(lockFD, syscall.LOCK_UN)
	}()

	df, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		_ = lf.Close()
		return nil, newBackendError(err, "opening shared data file")
	}
	defer df.Close()

	info, err := df.Stat()
	if err != nil {
		_ = lf.Close()
		return nil, newBackendError(err, "statting shared data file")
	}
	created := info.Size() == 0
	if info.Size() < size {
		if err := df.Truncate(size); err != nil {
			_ = lf.Close()
			return nil, newBackendError(err, "sizing shared data file")
		}
	}

	region, err := syscall.Mmap(int(df.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = lf.Close()
		return nil, newBackendError(err, "mapping shared data file")
	}

	s := &sharedStorage{lockFD: lockFD, region: region, frames: frames, lockPath: lockPath, dataPath: dataPath}

	if created || data != nil {
		s.resetLocked()
		if data != nil {
			n := len(data)
			if n > frames {
				data = data[:frames]
				n = frames
			}
			for i := 0; i < n; i++ {
				s.setFrame(i, data[i])
			}
			s.setSum(sum(data))
		}
		if hasTS {
			s.setTimestamp(ts)
		}
	}

	return s, nil
}

func sum(vs []int64) int64 {
	var total int64
	for _, v := range vs {
		total += v
	}
	return total
}

func (s *sharedStorage) frameOffset(i int) int { return sharedHeaderBytes + i*sharedWordBytes }

func (s *sharedStorage) getFrame(i int) int64 {
	return int64(binary.LittleEndian.Uint64(s.region[s.frameOffset(i):]))
}

func (s *sharedStorage) setFrame(i int, v int64) {
	binary.LittleEndian.PutUint64(s.region[s.frameOffset(i):], uint64(v))
}

func (s *sharedStorage) getSum() int64 {
	return int64(binary.LittleEndian.Uint64(s.region[sharedSumOffset:]))
}

func (s *sharedStorage) setSum(v int64) {
	binary.LittleEndian.PutUint64(s.region[sharedSumOffset:], uint64(v))
}

func (s *sharedStorage) getTimestamp() (time.Time, bool) {
	if binary.LittleEndian.Uint64(s.region[sharedHasTSOffset:]) == 0 {
		return time.Time{}, false
	}
	nanos := int64(binary.LittleEndian.Uint64(s.region[sharedTSOffset:]))
	return time.Unix(0, nanos).UTC(), true
}

func (s *sharedStorage) setTimestamp(t time.Time) {
	binary.LittleEndian.PutUint64(s.region[sharedHasTSOffset:], 1)
	binary.LittleEndian.PutUint64(s.region[sharedTSOffset:], uint64(t.UnixNano()))
}

func (s *sharedStorage) resetLocked() {
	for i := range s.region {
		s.region[i] = 0
	}
}

func (s *sharedStorage) withLock(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := flockRetryEINTR(s.lockFD, syscall.LOCK_EX); err != nil {
		return newBackendError(err, "acquiring shared lock")
	}
	defer func() {
		_ = flockRetryEINTR(s.lockFD, syscall.LOCK_UN)
	}()
	fn()
	return nil
}

func (s *sharedStorage) Slide(_ context.Context, n int) error {
	if n < 1 || n > s.frames {
		return newConfigError("slide: n out of range")
	}
	return s.withLock(func() {
		var removed int64
		if n >= s.frames {
			for i := 0; i < s.frames; i++ {
				removed += s.getFrame(i)
				s.setFrame(i, 0)
			}
		} else {
			for i := s.frames - n; i < s.frames; i++ {
				removed += s.getFrame(i)
			}
			for i := s.frames - 1; i >= n; i-- {
				s.setFrame(i, s.getFrame(i-n))
			}
			for i := 0; i < n; i++ {
				s.setFrame(i, 0)
			}
		}
		s.setSum(s.getSum() - removed)
	})
}

func (s *sharedStorage) AtomicUpdate(_ context.Context, value, frameLimit, gateLimit int64) (int64, error) {
	var newValue int64
	var outErr error
	err := s.withLock(func() {
		cur := s.getFrame(0)
		nv := cur + value
		curSum := s.getSum()
		nsum := curSum + value

		switch {
		case frameLimit > 0 && nv > frameLimit:
			outErr = newFrameLimitError(nil, frameLimit)
		case gateLimit > 0 && nsum > gateLimit:
			outErr = newGateLimitError(nil, gateLimit)
		case nsum < 0:
			outErr = newGateOverflowError(nil)
		case nv < 0:
			outErr = newFrameOverflowError(nil)
		default:
			s.setFrame(0, nv)
			s.setSum(nsum)
			newValue = nv
		}
	})
	if err != nil {
		return 0, err
	}
	if outErr != nil {
		return 0, outErr
	}
	return newValue, nil
}

func (s *sharedStorage) Sum(_ context.Context) (int64, error) {
	var v int64
	err := s.withLock(func() { v = s.getSum() })
	return v, err
}

func (s *sharedStorage) State(_ context.Context) ([]int64, error) {
	out := make([]int64, s.frames)
	err := s.withLock(func() {
		for i := range out {
			out[i] = s.getFrame(i)
		}
	})
	return out, err
}

func (s *sharedStorage) Clear(_ context.Context) error {
	return s.withLock(func() {
		for i := 0; i < s.frames; i++ {
			s.setFrame(i, 0)
		}
		s.setSum(0)
		binary.LittleEndian.PutUint64(s.region[sharedHasTSOffset:], 0)
		binary.LittleEndian.PutUint64(s.region[sharedTSOffset:], 0)
	})
}

func (s *sharedStorage) Timestamp(_ context.Context) (time.Time, bool, error) {
	var t time.Time
	var ok bool
	err := s.withLock(func() { t, ok = s.getTimestamp() })
	return t, ok, err
}

func (s *sharedStorage) SetTimestamp(_ context.Context, t time.Time) error {
	return s.withLock(func() { s.setTimestamp(t) })
}

// Close unmaps the region, closes the lock descriptor, and unlinks both
// backing files. The unlink is best-effort: another process may still have
// the region mapped or the lock file open, in which case removing the
// directory entry doesn't disturb its existing mapping/descriptor, it just
// means a later gate with the same name starts from a fresh region instead
// of attaching to this one.
func (s *sharedStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.region == nil {
		return nil
	}
	err := syscall.Munmap(s.region)
	s.region = nil
	closeErr := syscall.Close(s.lockFD)
	_ = os.Remove(s.dataPath)
	_ = os.Remove(s.lockPath)
	if err != nil {
		return fmt.Errorf("gate: shared: unmapping region: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("gate: shared: closing lock fd: %w", closeErr)
	}
	return nil
}

var _ Storage = (*sharedStorage)(nil)
