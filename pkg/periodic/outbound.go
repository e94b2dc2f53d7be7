// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package periodic

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/pymscada/pymscada/pkg/log"
	"github.com/pymscada/pymscada/pkg/wire"
)

// OutboundQueue is a bounded, per-tag-coalescing queue of frames awaiting
// delivery to the bus. A frame for a TagID that is already queued
// replaces the queued one, so only the newest pending value per tag is
// kept (spec.md §4.5). When capacity distinct tags are already queued
// and a frame for another tag arrives, the oldest queued tag's frame is
// dropped to make room, and that tag's pending value is lost with it.
// A bus client uses it for its locally authored SETs.
type OutboundQueue struct {
	mu       sync.Mutex
	order    []uint16 // TagIDs in queue order, oldest first
	byTag    map[uint16]wire.Frame
	capacity int
	limiter  *rate.Limiter

	notify chan struct{}
}

// NewOutboundQueue returns a queue holding up to capacity distinct tags'
// latest frames, drained at at most ratePerSec frames/second (0 disables
// pacing).
func NewOutboundQueue(capacity int, ratePerSec float64) *OutboundQueue {
	var lim *rate.Limiter
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}
	return &OutboundQueue{
		byTag:    make(map[uint16]wire.Frame),
		capacity: capacity,
		limiter:  lim,
		notify:   make(chan struct{}, 1),
	}
}

// Push enqueues f, coalescing with any already-queued frame for the same
// TagID. If the queue is at capacity and f's TagID isn't already queued,
// the oldest distinct tag's frame is dropped to make room.
func (q *OutboundQueue) Push(f wire.Frame) {
	q.mu.Lock()
	if _, exists := q.byTag[f.TagID]; !exists {
		if len(q.order) >= q.capacity {
			oldest := q.order[0]
			q.order = q.order[1:]
			delete(q.byTag, oldest)
			log.Warnf("periodic: outbound queue full, dropped stale frame for tag %d", oldest)
		}
		q.order = append(q.order, f.TagID)
	}
	q.byTag[f.TagID] = f
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain runs until ctx is cancelled, calling send for each queued frame in
// FIFO tag order, paced by the queue's configured rate limit.
func (q *OutboundQueue) Drain(ctx context.Context, send func(wire.Frame) error) {
	for {
		f, ok := q.pop()
		if !ok {
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if err := send(f); err != nil {
			log.Warnf("periodic: outbound send failed for tag %d: %v", f.TagID, err)
			return
		}
	}
}

func (q *OutboundQueue) pop() (wire.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return wire.Frame{}, false
	}
	tag := q.order[0]
	q.order = q.order[1:]
	f := q.byTag[tag]
	delete(q.byTag, tag)
	return f, true
}

// Len reports the number of distinct tags currently queued.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
