package gate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_AsDict(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx, "as-dict", 2*time.Second, time.Second, WithGateLimit(5), WithFrameLimit(3))
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, g.Update(ctx, 1, true))

	snap, err := g.AsDict(ctx)
	require.NoError(t, err)
	assert.Equal(t, "as-dict", snap.Name)
	assert.Equal(t, 2.0, snap.GateSize)
	assert.Equal(t, 1.0, snap.FrameStep)
	assert.EqualValues(t, 5, snap.GateLimit)
	assert.EqualValues(t, 3, snap.FrameLimit)
	assert.Equal(t, "simple", snap.Storage)
	assert.Equal(t, []int64{1, 0}, snap.Data)
	require.NotNil(t, snap.CurrentDT)
	assert.Nil(t, snap.Timezone)
}

func TestFromDict_RoundTrip(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx, "round-trip", 2*time.Second, time.Second, WithGateLimit(5))
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, g.Update(ctx, 1, true))
	snap, err := g.AsDict(ctx)
	require.NoError(t, err)

	restored, err := FromDict(ctx, snap, "")
	require.NoError(t, err)
	defer restored.Close()

	assert.Equal(t, g.Name(), restored.Name())
	assert.Equal(t, g.GateLimit(), restored.GateLimit())

	data, err := restored.Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0}, data)

	sum, err := restored.Sum(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, sum)
}

func TestFromDict_StorageOverrideMigratesBackend(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx, "migrate", 2*time.Second, time.Second)
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, g.Update(ctx, 2, true))
	snap, err := g.AsDict(ctx)
	require.NoError(t, err)

	restored, err := FromDict(ctx, snap, "shared")
	require.NoError(t, err)
	defer restored.Close()

	assert.Equal(t, Shared, restored.StorageKind())
	sum, err := restored.Sum(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, sum)
}

func TestGate_ToFileFromFile(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx, "to-file", 2*time.Second, time.Second, WithGateLimit(5))
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, g.Update(ctx, 1, true))

	path := filepath.Join(t.TempDir(), "nested", "gate.json")
	require.NoError(t, g.ToFile(ctx, path))

	restored, err := FromFile(ctx, path, "")
	require.NoError(t, err)
	defer restored.Close()

	data, err := restored.Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0}, data)
	assert.EqualValues(t, 5, restored.GateLimit())
}

func TestFromDict_RejectsNegativeData(t *testing.T) {
	ctx := context.Background()
	snap := Snapshot{Name: "bad-data", GateSize: 2, FrameStep: 1, Storage: "simple", Data: []int64{-1, 0}}
	_, err := FromDict(ctx, snap, "")
	var typeErr *TypeMisuseError
	require.ErrorAs(t, err, &typeErr)
}
