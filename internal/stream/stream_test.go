package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_PublishAdvancesCounter(t *testing.T) {
	t.Parallel()

	s := New("t.residual", []int{4}, 1)
	assert.Equal(t, uint64(0), s.Counter())

	require.NoError(t, s.Publish([]float64{1, 2, 3, 4}))
	assert.Equal(t, uint64(1), s.Counter())
	assert.Equal(t, []float64{1, 2, 3, 4}, s.Current())

	require.NoError(t, s.Publish([]float64{5, 6, 7, 8}))
	assert.Equal(t, uint64(2), s.Counter())
	assert.Equal(t, []float64{5, 6, 7, 8}, s.Current())
}

func TestStream_PublishSizeMismatch(t *testing.T) {
	t.Parallel()

	s := New("t.residual", []int{4}, 1)
	assert.Error(t, s.Publish([]float64{1, 2}))
}

func TestStream_RingSlots(t *testing.T) {
	t.Parallel()

	s := New("t.dm", []int{2}, 3)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Publish([]float64{float64(i), float64(i)}))
	}
	// Three commits into a depth-3 ring: current is the third, earlier
	// slots still hold the prior publications.
	assert.Equal(t, []float64{3, 3}, s.Current())
	idx := s.SliceIndex()
	assert.Equal(t, []float64{2, 2}, s.Slot((idx+3-1)%3))
	assert.Equal(t, []float64{1, 1}, s.Slot((idx+3-2)%3))
}

func TestStream_WriteTxVisibility(t *testing.T) {
	t.Parallel()

	s := New("t.dm", []int{2}, 2)
	require.NoError(t, s.Publish([]float64{1, 1}))

	tx := s.BeginWrite()
	tx.Data[0], tx.Data[1] = 9, 9
	// Uncommitted writes are invisible: counter and current still point at
	// the last committed slot.
	assert.True(t, s.Writing())
	assert.Equal(t, uint64(1), s.Counter())
	assert.Equal(t, []float64{1, 1}, s.Current())

	tx.Commit()
	assert.False(t, s.Writing())
	assert.Equal(t, uint64(2), s.Counter())
	assert.Equal(t, []float64{9, 9}, s.Current())
}

func TestStream_WaitReportsBacklog(t *testing.T) {
	t.Parallel()

	s := New("t.wfs", []int{1}, 4)
	sem := s.Subscribe()

	// Publish a burst while the consumer is away; the wake consumes one
	// post and the drain reports the coalesced remainder.
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Publish([]float64{float64(i)}))
	}

	skipped, err := s.Wait(context.Background(), sem)
	require.NoError(t, err)
	assert.Equal(t, 4, skipped)
	assert.Equal(t, []float64{4}, s.Current())

	// Backlog fully drained: the next wait blocks until a fresh frame.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Wait(ctx, sem)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStream_WaitCancelled(t *testing.T) {
	t.Parallel()

	s := New("t.wfs", []int{1}, 1)
	sem := s.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Wait(ctx, sem)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStream_WaitCounter(t *testing.T) {
	t.Parallel()

	s := New("t.wfs", []int{1}, 1)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = s.Publish([]float64{1})
	}()

	cnt, err := s.WaitCounter(context.Background(), 0, 100*time.Microsecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cnt)
}

func TestSemaphore_PostNeverBlocks(t *testing.T) {
	t.Parallel()

	sem := NewSemaphore(2)
	for i := 0; i < 10; i++ {
		sem.Post() // overflow is coalesced, not blocking
	}
	assert.Equal(t, 2, sem.Drain())
	assert.False(t, sem.TryWait())
}

func TestRegistry_CreateAndAttach(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	s, err := r.Create("bench.wfs", []int{2, 2}, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Len())

	got, err := r.Attach("bench.wfs")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.Attach("bench.dm")
	assert.Error(t, err)
}

func TestRegistry_DuplicateCreate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Create("bench.wfs", []int{4}, 1)
	require.NoError(t, err)
	_, err = r.Create("bench.wfs", []int{4}, 1)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
