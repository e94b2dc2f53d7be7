// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tag

import (
	"sync"
	"testing"

	"github.com/pymscada/pymscada/pkg/wire"
)

func TestRegistrySingleton(t *testing.T) {
	r := NewRegistry()
	a := r.New("IntVal", TypeInt64)
	b := r.New("IntVal", TypeInt64)
	if a != b {
		t.Fatalf("New returned different instances for the same name")
	}
	if got, ok := r.Get("IntVal"); !ok || got != a {
		t.Fatalf("Get did not return the singleton")
	}
}

func TestRegistryCreateHookFiresOnce(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.SetCreateHook(func(tg *Tag) { calls++ })
	r.New("A", TypeInt64)
	r.New("A", TypeInt64)
	r.New("B", TypeText)
	if calls != 2 {
		t.Fatalf("create hook fired %d times, want 2", calls)
	}
}

func TestSetAndGet(t *testing.T) {
	tg := newTag("x", TypeInt64)
	if _, _, _, ok := tg.Get(); ok {
		t.Fatalf("unset tag reports ok")
	}
	tg.Set(wire.IntValue(7), 1_000_000, 0)
	v, timeUs, busID, ok := tg.Get()
	if !ok || v.Int64 != 7 || timeUs != 1_000_000 || busID != 0 {
		t.Fatalf("got %+v %d %d %v", v, timeUs, busID, ok)
	}
}

func TestStaleWriteIsNoOp(t *testing.T) {
	tg := newTag("x", TypeInt64)
	tg.Set(wire.IntValue(7), 1_000_000, 0)
	tg.Set(wire.IntValue(9), 500_000, 0) // older time_us
	v, timeUs, _, _ := tg.Get()
	if v.Int64 != 7 || timeUs != 1_000_000 {
		t.Fatalf("stale write was applied: got %+v at %d", v, timeUs)
	}
}

func TestTypeMismatchFaults(t *testing.T) {
	tg := newTag("x", TypeInt64)
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on type mismatch")
		} else if _, ok := r.(*FaultError); !ok {
			t.Fatalf("expected *FaultError, got %T", r)
		}
	}()
	tg.Set(wire.TextValue("nope"), 1, 0)
}

// TestReentrantWriteFaults exercises spec.md §8 scenario S6: a callback
// that writes its own tag panics with a FaultError that the callback
// dispatcher recovers from, while the outer write still completes.
func TestReentrantWriteFaults(t *testing.T) {
	tg := newTag("IntVal", TypeInt64)
	called := false
	tg.AddCallback(func(inner *Tag) {
		called = true
		inner.Set(wire.IntValue(0), 1, 0) // reentrant; must fault, not apply
	}, 0)

	tg.Set(wire.IntValue(5), 1, 0)

	if !called {
		t.Fatalf("callback never ran")
	}
	v, _, _, _ := tg.Get()
	if v.Int64 != 5 {
		t.Fatalf("outer write did not complete: got %d, want 5", v.Int64)
	}
}

// TestConcurrentGoroutinesSerializeInsteadOfFaulting exercises the
// cross-goroutine case the reentrancy guard must NOT treat as reentrant:
// a second goroutine writing the same tag while the first is still
// mid-callback should block until the first finishes, not panic.
func TestConcurrentGoroutinesSerializeInsteadOfFaulting(t *testing.T) {
	tg := newTag("IntVal", TypeInt64)
	release := make(chan struct{})
	entered := make(chan struct{})
	var enterOnce sync.Once
	tg.AddCallback(func(*Tag) {
		enterOnce.Do(func() { close(entered) })
		<-release
	}, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		tg.Set(wire.IntValue(1), 1, 0)
	}()

	<-entered // first Set is now mid-fan-out, callback blocked on release

	other := make(chan interface{}, 1)
	go func() {
		defer func() { other <- recover() }()
		tg.Set(wire.IntValue(2), 2, 0) // must block, not fault
	}()

	select {
	case r := <-other:
		t.Fatalf("second goroutine's Set returned/panicked before the first finished: %v", r)
	default:
	}

	close(release)
	<-done
	if r := <-other; r != nil {
		t.Fatalf("second goroutine's Set panicked: %v", r)
	}

	v, _, _, _ := tg.Get()
	if v.Int64 != 2 {
		t.Fatalf("got %d, want 2 (second writer's value, applied after the first completed)", v.Int64)
	}
}

func TestCallbackOrderAndFilter(t *testing.T) {
	tg := newTag("x", TypeInt64)
	var order []string
	tg.AddCallback(func(*Tag) { order = append(order, "all-1") }, 0)
	tg.AddCallback(func(*Tag) { order = append(order, "peer-3-only") }, 3)
	tg.AddCallback(func(*Tag) { order = append(order, "all-2") }, 0)

	tg.Set(wire.IntValue(1), 1, 5) // busID 5: skips the filter(3) callback

	want := []string{"all-1", "all-2"}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Fatalf("got %v, want %v", order, want)
	}
}

func TestBusSinkOnlyPublishesLocalWrites(t *testing.T) {
	tg := newTag("x", TypeInt64)
	sink := &recordingSink{}
	tg.SetBusSink(sink)

	tg.Set(wire.IntValue(1), 1, 0) // local: should publish
	tg.Set(wire.IntValue(2), 2, 7) // remote: should not publish

	if sink.publishes != 1 {
		t.Fatalf("got %d Publish calls, want 1", sink.publishes)
	}
}

func TestRTAHandlerAtMostOne(t *testing.T) {
	tg := newTag("x", TypeBytes)
	if err := tg.SetRTAHandler(func(*Tag, wire.Value) {}); err != nil {
		t.Fatalf("first SetRTAHandler: %v", err)
	}
	if err := tg.SetRTAHandler(func(*Tag, wire.Value) {}); err == nil {
		t.Fatalf("second SetRTAHandler should have failed")
	}
}

func TestRTAWithoutSinkErrors(t *testing.T) {
	tg := newTag("x", TypeBytes)
	if err := tg.RTA(wire.BytesValue(nil)); err == nil {
		t.Fatalf("expected error requesting RTA with no bus sink attached")
	}
}

type recordingSink struct {
	publishes int
	rtas      int
}

func (s *recordingSink) Publish(t *Tag) { s.publishes++ }
func (s *recordingSink) RequestRTA(t *Tag, req wire.Value) error { s.rtas++; return nil }
