//go:build unix

package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniqueSharedName(t *testing.T) string {
	return "gate-test-" + t.Name()
}

func TestSharedStorage_AtomicUpdateAndSum(t *testing.T) {
	ctx := context.Background()
	name := uniqueSharedName(t)
	s, err := newSharedStorage(name, 3, nil, time.Time{}, false)
	require.NoError(t, err)
	defer s.Close()

	nv, err := s.AtomicUpdate(ctx, 2, 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, nv)

	sum, err := s.Sum(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, sum)
}

func TestSharedStorage_VisibleAcrossInstances(t *testing.T) {
	ctx := context.Background()
	name := uniqueSharedName(t)

	first, err := newSharedStorage(name, 3, nil, time.Time{}, false)
	require.NoError(t, err)
	defer first.Close()

	_, err = first.AtomicUpdate(ctx, 5, 0, 0)
	require.NoError(t, err)

	second, err := newSharedStorage(name, 3, nil, time.Time{}, false)
	require.NoError(t, err)
	defer second.Close()

	sum, err := second.Sum(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, sum)
}

func TestSharedStorage_SlideAndClear(t *testing.T) {
	ctx := context.Background()
	name := uniqueSharedName(t)
	s, err := newSharedStorage(name, 3, []int64{1, 2, 3}, time.Time{}, false)
	require.NoError(t, err)
	defer s.Close()

	state, err := s.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, state)

	require.NoError(t, s.Slide(ctx, 1))
	state, err = s.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2}, state)

	sum, err := s.Sum(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, sum)

	require.NoError(t, s.Clear(ctx))
	sum, err = s.Sum(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum)

	_, ok, err := s.Timestamp(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSharedStorage_Timestamp(t *testing.T) {
	ctx := context.Background()
	name := uniqueSharedName(t)
	s, err := newSharedStorage(name, 2, nil, time.Time{}, false)
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Timestamp(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.SetTimestamp(ctx, now))

	got, ok, err := s.Timestamp(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(now))
}

func TestSharedStorage_LimitsAndOverflow(t *testing.T) {
	ctx := context.Background()
	name := uniqueSharedName(t)
	s, err := newSharedStorage(name, 2, nil, time.Time{}, false)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.AtomicUpdate(ctx, 5, 3, 0)
	var frameErr *FrameLimitError
	require.ErrorAs(t, err, &frameErr)

	_, err = s.AtomicUpdate(ctx, -1, 0, 0)
	var overflowErr *GateOverflowError
	require.ErrorAs(t, err, &overflowErr)
}
