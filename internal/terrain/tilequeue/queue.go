// Package tilequeue is the bounded hand-off from tile resolution to the
// download worker. Producers never block: when the queue is full the item is
// dropped and the worker's periodic poll finds the row anyway.
package tilequeue

import (
	"sync/atomic"

	"github.com/google/uuid"
)

type Item struct {
	WorldVersionID uuid.UUID
	TileKey        string
}

type Queue struct {
	ch      chan Item
	dropped atomic.Int64
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Item, capacity)}
}

// TryEnqueue reports whether the item was accepted.
func (q *Queue) TryEnqueue(it Item) bool {
	select {
	case q.ch <- it:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

func (q *Queue) C() <-chan Item { return q.ch }

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Dropped() int64 { return q.dropped.Load() }
