// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package periodic

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pymscada/pymscada/pkg/wire"
)

func TestAlignedStartOnBoundary(t *testing.T) {
	period := 100 * time.Millisecond
	now := time.Unix(0, int64(5*period))
	got := alignedStart(now, period)
	if !got.Equal(now) {
		t.Fatalf("already on boundary: got %v, want %v", got, now)
	}
}

func TestAlignedStartRoundsUp(t *testing.T) {
	period := 100 * time.Millisecond
	now := time.Unix(0, int64(5*period)+int64(30*time.Millisecond))
	want := time.Unix(0, int64(6*period))
	got := alignedStart(now, period)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSchedulerEveryFires(t *testing.T) {
	sch, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var fires int32
	if err := sch.Every(20*time.Millisecond, "test-tick", func() {
		atomic.AddInt32(&fires, 1)
	}); err != nil {
		t.Fatalf("Every: %v", err)
	}
	sch.Start()
	defer sch.Shutdown()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&fires) < 2 {
		select {
		case <-deadline:
			t.Fatalf("only %d fires after timeout", atomic.LoadInt32(&fires))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestReconnectRetriesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var attempts int32

	done := make(chan struct{})
	go func() {
		Reconnect(ctx, "test", time.Hour, func(ctx context.Context) error {
			n := atomic.AddInt32(&attempts, 1)
			if n >= 3 {
				cancel()
			}
			return errors.New("simulated failure")
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Reconnect did not return after cancellation")
	}
	if atomic.LoadInt32(&attempts) < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", attempts)
	}
}

func TestOutboundQueueCoalescesSameTag(t *testing.T) {
	q := NewOutboundQueue(10, 0)
	q.Push(wire.Frame{TagID: 1, TimeUs: 1})
	q.Push(wire.Frame{TagID: 1, TimeUs: 2})
	if q.Len() != 1 {
		t.Fatalf("expected 1 distinct tag queued, got %d", q.Len())
	}
	f, ok := q.pop()
	if !ok || f.TimeUs != 2 {
		t.Fatalf("expected the latest frame (TimeUs=2), got %+v ok=%v", f, ok)
	}
}

func TestOutboundQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewOutboundQueue(2, 0)
	q.Push(wire.Frame{TagID: 1, TimeUs: 1})
	q.Push(wire.Frame{TagID: 2, TimeUs: 1})
	q.Push(wire.Frame{TagID: 3, TimeUs: 1}) // tag 1 should be evicted

	var seen []uint16
	for {
		f, ok := q.pop()
		if !ok {
			break
		}
		seen = append(seen, f.TagID)
	}
	if len(seen) != 2 || seen[0] != 2 || seen[1] != 3 {
		t.Fatalf("unexpected surviving tags: %v", seen)
	}
}

func TestOutboundQueueDrainDeliversAll(t *testing.T) {
	q := NewOutboundQueue(10, 0)
	q.Push(wire.Frame{TagID: 1, TimeUs: 1})
	q.Push(wire.Frame{TagID: 2, TimeUs: 1})

	ctx, cancel := context.WithCancel(context.Background())
	var delivered []uint16
	done := make(chan struct{})
	go func() {
		q.Drain(ctx, func(f wire.Frame) error {
			delivered = append(delivered, f.TagID)
			if len(delivered) == 2 {
				cancel()
			}
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Drain did not finish")
	}
	if len(delivered) != 2 {
		t.Fatalf("expected 2 frames delivered, got %v", delivered)
	}
}
