// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tag

import (
	"sync"

	"github.com/pymscada/pymscada/pkg/log"
	"github.com/pymscada/pymscada/pkg/wire"
)

// Callback is invoked synchronously, in registration order, whenever a
// Tag's value changes and the callback's filter accepts the change's
// BusID. It receives the Tag itself, never a copy of the value, so
// handlers use Tag's own accessors.
type Callback func(t *Tag)

type callbackEntry struct {
	handler     Callback
	filterBusID uint16
}

// RTAHandler is invoked when a Request-To-Author arrives for a tag this
// process authors. It normally finishes by setting t (t.SetNow), which
// becomes an ordinary SET routed back through the bus (spec.md §4.3).
type RTAHandler func(t *Tag, req wire.Value)

// BusSink is implemented by whatever bus client a Tag is attached to so
// that locally authored changes (BusID == 0) are forwarded onto the bus,
// and so Tag.RTA has somewhere to send its request.
type BusSink interface {
	Publish(t *Tag)
	RequestRTA(t *Tag, req wire.Value) error
}

// Tag is a named, typed value shared across processes via the bus. Tag
// values are created through a Registry, which enforces the "one Tag
// object per name" invariant (spec.md §3); callers never construct a Tag
// directly.
type Tag struct {
	mu sync.Mutex

	name string
	typ  Type

	everSet bool
	value   wire.Value
	timeUs  int64
	busID   uint16
	id      uint16

	desc, units string
	min, max    *float64
	dp          int
	multi       []string

	callbacks  []callbackEntry
	rtaHandler RTAHandler
	firing     bool
	firingG    uint64
	cond       *sync.Cond

	sink BusSink
}

func newTag(name string, typ Type) *Tag {
	t := &Tag{name: name, typ: typ}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Name returns the tag's immutable name.
func (t *Tag) Name() string { return t.name }

// Type returns the tag's declared scalar type.
func (t *Tag) Type() Type { return t.typ }

// ID returns the bus-assigned 16-bit tag ID, or 0 if unassigned.
func (t *Tag) ID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// SetID records the bus-assigned ID for this tag. Called by the bus
// client on receipt of an ID reply.
func (t *Tag) SetID(id uint16) {
	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
}

// SetBusSink attaches the bus client responsible for publishing this
// tag's locally authored changes and routing its RTA requests.
func (t *Tag) SetBusSink(sink BusSink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// Get returns the tag's current value, last-set time in microseconds,
// authoring bus ID, and whether it has ever been set (spec.md §4.4's
// Unset/Set state machine).
func (t *Tag) Get() (v wire.Value, timeUs int64, busID uint16, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value, t.timeUs, t.busID, t.everSet
}

// SetNow stamps v with the current wall-clock time and busID 0 (locally
// authored). This is the common case for application code setting a tag
// it owns: `tag.SetNow(wire.IntValue(7))`.
func (t *Tag) SetNow(v wire.Value) {
	t.Set(v, nowMicros(), 0)
}

// Set stores v as the tag's new value, timestamped timeUs and authored
// by busID (0 meaning "local, never crossed the bus"). It runs every
// registered callback whose filter accepts busID, then — only for
// locally authored changes (busID == 0) — forwards the change to the
// attached BusSink.
//
// Concurrent calls from different goroutines serialize per tag (spec.md
// §5): a Set already firing this tag's callbacks holds no other
// goroutine off except by making it wait its turn, exactly as if all
// writes to this tag went through one goroutine. Set panics with a
// *FaultError for the two programming-error faults spec.md §7 calls
// out: a reentrant write to the same tag from within one of its own
// callbacks — on the same goroutine, that nested call would otherwise
// block on itself forever — and a value whose wire kind doesn't match
// the tag's declared type. A write whose timeUs is older than the
// currently stored one is a silent no-op (spec.md §3's stale-write
// invariant), not a fault.
func (t *Tag) Set(v wire.Value, timeUs int64, busID uint16) {
	gid := goroutineID()

	t.mu.Lock()
	for t.firing {
		if t.firingG == gid {
			t.mu.Unlock()
			panic(&FaultError{TagName: t.name, Msg: "write to tag from within its own change callback"})
		}
		t.cond.Wait()
	}
	if !t.typ.compatible(v) {
		t.mu.Unlock()
		panic(&FaultError{TagName: t.name, Msg: "value kind " + v.Kind.String() + " incompatible with declared type " + t.typ.String()})
	}
	if t.everSet && timeUs < t.timeUs {
		t.mu.Unlock()
		return
	}

	t.value = v
	t.timeUs = timeUs
	t.busID = busID
	t.everSet = true
	t.firing = true
	t.firingG = gid
	cbs := make([]callbackEntry, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		if cb.filterBusID != 0 && cb.filterBusID != busID {
			continue
		}
		invokeCallback(t, cb.handler)
	}

	t.mu.Lock()
	t.firing = false
	t.firingG = 0
	sink := t.sink
	t.cond.Broadcast()
	t.mu.Unlock()

	if busID == 0 && sink != nil {
		sink.Publish(t)
	}
}

func invokeCallback(t *Tag, cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("tag %s: callback fault: %v", t.name, r)
		}
	}()
	cb(t)
}

// AddCallback registers a non-suspending handler. When the tag changes,
// handlers run synchronously, in registration order, before control
// returns to whoever called Set. filterBusID == 0 matches every change;
// a non-zero value restricts the handler to changes authored by that
// connection.
func (t *Tag) AddCallback(cb Callback, filterBusID uint16) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, callbackEntry{handler: cb, filterBusID: filterBusID})
	t.mu.Unlock()
}

// SetRTAHandler marks this process as the tag's RTA author. At most one
// handler may be set per tag (spec.md §4.4); a second call returns
// *ErrRTAHandlerSet and leaves the existing handler in place.
func (t *Tag) SetRTAHandler(h RTAHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rtaHandler != nil {
		return &ErrRTAHandlerSet{TagName: t.name}
	}
	t.rtaHandler = h
	return nil
}

// HasRTAHandler reports whether this process authors the tag's RTA
// responses.
func (t *Tag) HasRTAHandler() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rtaHandler != nil
}

// DispatchRTA runs the registered RTA handler, if any, recovering and
// logging panics the same way callback dispatch does. Called by
// pkg/busclient when an inbound RTA frame targets this tag.
func (t *Tag) DispatchRTA(req wire.Value) {
	t.mu.Lock()
	h := t.rtaHandler
	t.mu.Unlock()
	if h == nil {
		log.Warnf("tag %s: RTA delivered but no handler registered", t.name)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("tag %s: RTA handler fault: %v", t.name, r)
		}
	}()
	h(t, req)
}

// RTA issues a Request-To-Author for this tag through the attached
// BusSink. The caller is responsible for including whatever cookie
// convention (pkg/rta) its author expects and for matching the cookie on
// the response itself; RTA has no built-in timeout (spec.md §5).
func (t *Tag) RTA(req wire.Value) error {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink == nil {
		return &FaultError{TagName: t.name, Msg: "RTA requested but tag has no attached bus client"}
	}
	return sink.RequestRTA(t, req)
}

/* Metadata, attached from configuration (spec.md §6), not on the hot path. */

func (t *Tag) Desc() string { return t.desc }
func (t *Tag) Units() string { return t.units }
func (t *Tag) Dp() int { return t.dp }
func (t *Tag) Multi() []string {
	out := make([]string, len(t.multi))
	copy(out, t.multi)
	return out
}
func (t *Tag) Min() (float64, bool) {
	if t.min == nil {
		return 0, false
	}
	return *t.min, true
}
func (t *Tag) Max() (float64, bool) {
	if t.max == nil {
		return 0, false
	}
	return *t.max, true
}

// ApplyMetadata attaches display/validation hints from an external
// configuration loader. It never touches Value/TimeUs/BusID.
func (t *Tag) ApplyMetadata(desc, units string, min, max *float64, dp int, multi []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.desc = desc
	t.units = units
	t.min = min
	t.max = max
	t.dp = dp
	t.multi = multi
}
