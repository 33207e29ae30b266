package gate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

// Snapshot is the portable dictionary shape of spec 6: every static
// configuration field plus the live data and current-frame anchor, in the
// JSON tag names the source's as_dict/from_dict round trip uses.
type Snapshot struct {
	Name       string  `json:"name"`
	GateSize   float64 `json:"gate_size"`
	FrameStep  float64 `json:"frame_step"`
	GateLimit  int64   `json:"gate_limit"`
	FrameLimit int64   `json:"frame_limit"`
	Timezone   *string `json:"timezone"`
	Storage    string  `json:"storage"`
	Data       []int64 `json:"_data"`
	CurrentDT  *string `json:"_current_dt"`
}

// AsDict captures g's configuration and live state into a Snapshot.
// Deserializing it with FromDict reproduces the gate on any backend (P7).
func (g *Gate) AsDict(ctx context.Context) (Snapshot, error) {
	unlock := g.lock(ctx)
	defer unlock()

	data, err := g.storage.State(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	s := Snapshot{
		Name:       g.name,
		GateSize:   g.windowSize.Seconds(),
		FrameStep:  g.frameStep.Seconds(),
		GateLimit:  g.gateLimit,
		FrameLimit: g.frameLimit,
		Storage:    g.kind.String(),
		Data:       data,
	}
	if g.loc != time.UTC {
		name := g.loc.String()
		s.Timezone = &name
	}
	if g.hasCurrentDT {
		iso := g.currentDT.Format(time.RFC3339Nano)
		s.CurrentDT = &iso
	}
	return s, nil
}

// FromDict reconstructs a Gate from a Snapshot. storageOverride, when
// non-empty, replaces the snapshot's recorded storage tag - the mechanism
// spec 4.2 calls out for migrating a persisted gate between backends on
// reload. extra carries any backend-specific options the target kind
// needs (for example WithRedisStorage for Kind Distributed).
func FromDict(ctx context.Context, snap Snapshot, storageOverride string, extra ...Option) (*Gate, error) {
	windowSize := time.Duration(snap.GateSize * float64(time.Second))
	frameStep := time.Duration(snap.FrameStep * float64(time.Second))

	kindTag := snap.Storage
	if storageOverride != "" {
		kindTag = storageOverride
	}
	kind, err := ParseKind(kindTag)
	if err != nil {
		return nil, err
	}

	opts := make([]Option, 0, len(extra)+6)
	opts = append(opts, extra...)
	switch kind {
	case Local:
		opts = append(opts, WithLocalStorage())
	case Shared:
		opts = append(opts, WithSharedStorage())
	case Distributed:
		// WithRedisStorage must be supplied via extra; the live client is
		// never part of the portable shape (spec 4.7's "live socket is
		// never serialized").
	}
	if snap.GateLimit > 0 {
		opts = append(opts, WithGateLimit(snap.GateLimit))
	}
	if snap.FrameLimit > 0 {
		opts = append(opts, WithFrameLimit(snap.FrameLimit))
	}
	if snap.Timezone != nil {
		loc, err := time.LoadLocation(*snap.Timezone)
		if err != nil {
			return nil, newConfigError("invalid timezone %q: %v", *snap.Timezone, err)
		}
		opts = append(opts, WithTimezone(loc))
	}
	if len(snap.Data) > 0 {
		for _, v := range snap.Data {
			if v < 0 {
				return nil, newTypeMisuseError("snapshot data must be non-negative integers")
			}
		}
		opts = append(opts, WithInitialData(snap.Data))
	}
	if snap.CurrentDT != nil {
		raw := strings.Replace(*snap.CurrentDT, "Z", "+00:00", 1)
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, newConfigError("malformed current_dt %q: %v", *snap.CurrentDT, err)
		}
		opts = append(opts, WithInitialTimestamp(ts))
	}

	return New(ctx, snap.Name, windowSize, frameStep, opts...)
}

// ToFile writes g's snapshot as indented JSON to path, creating parent
// directories as needed and replacing the file atomically via a
// rename-on-write, so a crash mid-write never leaves a truncated file.
func (g *Gate) ToFile(ctx context.Context, path string) error {
	snap, err := g.AsDict(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return newBackendError(err, "creating snapshot directory")
	}
	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return newBackendError(err, "marshaling snapshot")
	}
	if err := atomic.WriteFile(path, strings.NewReader(string(body))); err != nil {
		return newBackendError(err, "writing snapshot file")
	}
	return nil
}

// FromFile reads a Snapshot written by ToFile and reconstructs the gate,
// optionally migrating to a different storage kind.
func FromFile(ctx context.Context, path string, storageOverride string, extra ...Option) (*Gate, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, newBackendError(err, "reading snapshot file")
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, newTypeMisuseError("malformed snapshot file: %v", err)
	}
	return FromDict(ctx, snap, storageOverride, extra...)
}
