// Package stream provides the shared-buffer abstraction used for all
// inter-stage data exchange in the control engine. A Stream holds a
// multi-dimensional float array plus the metadata the real-time loop relies
// on: a write-in-progress flag, a monotonic update counter, a ring slice
// index, and a set of counting semaphores for subscriber notification.
//
// Every Stream has exactly one writer. Writers bracket mutation with
// BeginWrite/EndWrite; EndWrite advances the ring, increments the counter
// and posts all subscriber semaphores as its last step, so readers never
// observe a counter increment without a consistent buffer behind it.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Stream is a shared numeric buffer with subscriber notification.
type Stream struct {
	name  string
	id    uuid.UUID
	shape []int
	size  int
	depth int

	mu    sync.RWMutex
	slots [][]float64
	subs  []*Semaphore

	cnt0    atomic.Uint64 // update counter
	cnt1    atomic.Int64  // ring slice index of the last committed write
	writing atomic.Bool   // write-in-progress flag
}

// New creates a Stream with the given element shape and ring depth. A depth
// of 1 gives a plain double-free buffer with a single slot.
func New(name string, shape []int, depth int) *Stream {
	if depth < 1 {
		depth = 1
	}
	size := 1
	for _, d := range shape {
		size *= d
	}
	s := &Stream{
		name:  name,
		id:    uuid.New(),
		shape: append([]int(nil), shape...),
		size:  size,
		depth: depth,
		slots: make([][]float64, depth),
	}
	for i := range s.slots {
		s.slots[i] = make([]float64, size)
	}
	s.cnt1.Store(int64(depth - 1))
	return s
}

// Name returns the stream name used for attach-by-name lookup.
func (s *Stream) Name() string { return s.name }

// ID returns the unique instance identifier.
func (s *Stream) ID() uuid.UUID { return s.id }

// Shape returns the element shape.
func (s *Stream) Shape() []int { return append([]int(nil), s.shape...) }

// Len returns the flattened element count.
func (s *Stream) Len() int { return s.size }

// Depth returns the number of ring slots.
func (s *Stream) Depth() int { return s.depth }

// Counter returns the monotonic update counter.
func (s *Stream) Counter() uint64 { return s.cnt0.Load() }

// SliceIndex returns the ring index of the last committed write.
func (s *Stream) SliceIndex() int { return int(s.cnt1.Load()) }

// Writing reports whether a write is in progress.
func (s *Stream) Writing() bool { return s.writing.Load() }

// Subscribe registers a new counting semaphore that is posted on every
// publication. The returned semaphore belongs to the caller.
func (s *Stream) Subscribe() *Semaphore {
	sem := NewSemaphore(s.depth * 4)
	s.mu.Lock()
	s.subs = append(s.subs, sem)
	s.mu.Unlock()
	return sem
}

// WriteTx is an in-progress write. The caller fills Data and commits with
// Commit; the slot does not become visible to readers until then.
type WriteTx struct {
	s    *Stream
	slot int
	// Data is the writable slot buffer.
	Data []float64
}

// BeginWrite starts a write transaction on the next ring slot and sets the
// write-in-progress flag.
func (s *Stream) BeginWrite() *WriteTx {
	s.writing.Store(true)
	slot := (int(s.cnt1.Load()) + 1) % s.depth
	return &WriteTx{s: s, slot: slot, Data: s.slots[slot]}
}

// Commit publishes the transaction: advances the ring index, increments the
// update counter, clears the write flag and posts every subscriber
// semaphore, in that order.
func (tx *WriteTx) Commit() {
	s := tx.s
	s.cnt1.Store(int64(tx.slot))
	s.cnt0.Add(1)
	s.writing.Store(false)

	s.mu.RLock()
	subs := s.subs
	s.mu.RUnlock()
	for _, sem := range subs {
		sem.Post()
	}
}

// Publish copies vals into the next ring slot and commits in one call.
func (s *Stream) Publish(vals []float64) error {
	if len(vals) != s.size {
		return fmt.Errorf("stream %s: publish size %d does not match stream size %d", s.name, len(vals), s.size)
	}
	tx := s.BeginWrite()
	copy(tx.Data, vals)
	tx.Commit()
	return nil
}

// Current returns the most recently committed slot. The slice aliases the
// stream's storage; under the single-writer discipline a reader holding the
// slice sees a stable value until the ring wraps back to that slot.
func (s *Stream) Current() []float64 {
	return s.slots[int(s.cnt1.Load())]
}

// Slot returns the ring slot at the given index.
func (s *Stream) Slot(i int) []float64 {
	return s.slots[i%s.depth]
}

// Snapshot copies the current slot into dst.
func (s *Stream) Snapshot(dst []float64) {
	copy(dst, s.Current())
}

// Wait blocks on the subscriber semaphore until the stream is published,
// then drains any backlog so the next Wait corresponds to the next fresh
// publication. Returns the number of coalesced publications skipped.
func (s *Stream) Wait(ctx context.Context, sem *Semaphore) (skipped int, err error) {
	if err := sem.Wait(ctx); err != nil {
		return 0, err
	}
	return sem.Drain(), nil
}

// WaitCounter is the polling fallback for sources without a semaphore: it
// spins on the update counter at the given poll interval until it moves past
// last.
func (s *Stream) WaitCounter(ctx context.Context, last uint64, poll time.Duration) (uint64, error) {
	if poll <= 0 {
		poll = 10 * time.Microsecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if c := s.cnt0.Load(); c != last {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
