package ingest

import (
	"context"

	"github.com/controlgate/telemetry-writer/internal/metrics"
)

// PutPolicy controls what a bounded Queue does when Put is called against
// a full queue.
type PutPolicy int

const (
	// PutBlock blocks the caller until space is available or the context
	// is cancelled. Used for the telemetry queue: GPS and liveness data
	// must never be dropped for being full.
	PutBlock PutPolicy = iota
	// PutDropOldest evicts the oldest queued item to make room for the
	// new one.
	PutDropOldest
	// PutDropNew discards the incoming item instead of making room.
	PutDropNew
)

// Queue is a bounded FIFO of T with a configurable full-queue policy. It
// wraps a buffered channel rather than reimplementing synchronization,
// matching ordinary Go channel idiom.
type Queue[T any] struct {
	name   string
	policy PutPolicy
	ch     chan T
}

// NewQueue creates a queue of the given capacity. name is used only as a
// metrics label.
func NewQueue[T any](name string, capacity int, policy PutPolicy) *Queue[T] {
	return &Queue[T]{name: name, policy: policy, ch: make(chan T, capacity)}
}

// Put enqueues v according to the queue's policy. dropped reports whether
// the item (old or new) was discarded to honor a drop policy; err is
// non-nil only on context cancellation.
func (q *Queue[T]) Put(ctx context.Context, v T) (dropped bool, err error) {
	defer q.reportDepth()

	switch q.policy {
	case PutBlock:
		select {
		case q.ch <- v:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}

	case PutDropNew:
		select {
		case q.ch <- v:
			return false, nil
		default:
			metrics.QueueDroppedTotal.WithLabelValues(q.name, "drop_new").Inc()
			return true, nil
		}

	case PutDropOldest:
		select {
		case q.ch <- v:
			return false, nil
		default:
		}
		select {
		case <-q.ch:
			metrics.QueueDroppedTotal.WithLabelValues(q.name, "drop_oldest").Inc()
		default:
		}
		select {
		case q.ch <- v:
			return true, nil
		case <-ctx.Done():
			return true, ctx.Err()
		}

	default:
		select {
		case q.ch <- v:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// TryGet performs a non-blocking receive.
func (q *Queue[T]) TryGet() (T, bool) {
	defer q.reportDepth()
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Get blocks until an item is available or ctx is cancelled.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	defer q.reportDepth()
	select {
	case v := <-q.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Len reports the current depth.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

func (q *Queue[T]) reportDepth() {
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.ch)))
}
