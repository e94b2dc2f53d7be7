// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package busclient implements the bus client: the per-process singleton
// that dials the bus server, registers every local Tag, forwards locally
// authored changes as SET, materialises remote changes onto local Tag
// objects, and reconnects with backoff when the connection drops.
package busclient

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pymscada/pymscada/pkg/busproto"
	"github.com/pymscada/pymscada/pkg/log"
	"github.com/pymscada/pymscada/pkg/periodic"
	"github.com/pymscada/pymscada/pkg/tag"
	"github.com/pymscada/pymscada/pkg/wire"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadSilence  = 60 * time.Second
	defaultOutboundCap  = 1024
	defaultOutboundRate = 0 // unpaced by default
)

// Client is a bus client bound to one tag.Registry. The zero value is not
// usable; construct with New.
type Client struct {
	addr        string
	registry    *tag.Registry
	tus         int
	dialTimeout time.Duration
	readSilence time.Duration
	outCap      int
	outRate     float64

	rtaCookie uint32

	mu        sync.Mutex
	framer    *wire.Framer
	nc        net.Conn
	queue     *periodic.OutboundQueue
	idToName  map[uint16]string
	nameToID  map[string]uint16
	connected bool
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithTUS overrides the transmit-unit size this client proposes during
// the handshake. The default is wire.DefaultTUS.
func WithTUS(tus int) Option { return func(c *Client) { c.tus = tus } }

// WithDialTimeout overrides the 5s default dial timeout (spec.md §5).
func WithDialTimeout(d time.Duration) Option { return func(c *Client) { c.dialTimeout = d } }

// WithReadSilence overrides the 60s default read-silence-triggers-
// reconnect timeout (spec.md §5).
func WithReadSilence(d time.Duration) Option { return func(c *Client) { c.readSilence = d } }

// WithOutboundQueue overrides the outbound SET queue's capacity (distinct
// tags held) and drain rate in frames/second (0 = unpaced).
func WithOutboundQueue(capacity int, ratePerSec float64) Option {
	return func(c *Client) { c.outCap = capacity; c.outRate = ratePerSec }
}

// New returns a Client that will register and serve tags out of registry.
// It installs itself as registry's tag-creation hook, so call New before
// creating any tags that must auto-register once connected.
func New(addr string, registry *tag.Registry, opts ...Option) *Client {
	c := &Client{
		addr:        addr,
		registry:    registry,
		tus:         wire.DefaultTUS,
		dialTimeout: defaultDialTimeout,
		readSilence: defaultReadSilence,
		outCap:      defaultOutboundCap,
		outRate:     defaultOutboundRate,
		idToName:    make(map[uint16]string),
		nameToID:    make(map[string]uint16),
	}
	for _, opt := range opts {
		opt(c)
	}
	registry.SetCreateHook(c.onTagCreated)
	return c
}

// NextRTACookie returns a monotonically increasing value application code
// can embed in an outbound RTA request (via pkg/rta) so its eventual SET
// response can be distinguished from other concurrent RTA calls on the
// same tag (spec.md §4.3 step 6).
func (c *Client) NextRTACookie() uint32 { return atomic.AddUint32(&c.rtaCookie, 1) }

// Run dials addr and serves the connection until ctx is cancelled,
// reconnecting with full-jitter exponential backoff (spec.md §4.3 step 5)
// whenever the connection drops. It returns once ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	periodic.Reconnect(ctx, fmt.Sprintf("busclient(%s)", c.addr), c.readSilence, c.connectOnce)
}

// connectOnce dials, negotiates TUS, registers every known tag, and runs
// the read loop until it errors or ctx is cancelled. It implements
// periodic.Dialer.
func (c *Client) connectOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	nc, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", c.addr)
	cancel()
	if err != nil {
		return fmt.Errorf("busclient: dial %s: %w", c.addr, err)
	}
	defer nc.Close()

	tus, err := busproto.NegotiateTUS(nc, c.tus)
	if err != nil {
		return fmt.Errorf("busclient: handshake with %s: %w", c.addr, err)
	}

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	go func() {
		<-connCtx.Done()
		nc.Close() // unblocks the read loop below when ctx is cancelled
	}()

	framer := wire.NewFramer(nc, nc, tus)
	queue := periodic.NewOutboundQueue(c.outCap, c.outRate)

	c.mu.Lock()
	c.framer = framer
	c.nc = nc
	c.queue = queue
	c.idToName = make(map[uint16]string)
	c.nameToID = make(map[string]uint16)
	c.connected = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.framer = nil
		c.nc = nil
		c.queue = nil
		c.mu.Unlock()
	}()

	log.Infof("busclient: connected to %s (tus=%d)", c.addr, tus)

	go queue.Drain(connCtx, func(f wire.Frame) error {
		return framer.WriteMessage(f)
	})

	for _, t := range c.registry.All() {
		c.registerTag(t)
	}

	for {
		nc.SetReadDeadline(time.Now().Add(c.readSilence))
		msg, err := framer.ReadMessage()
		if err != nil {
			return fmt.Errorf("busclient: read from %s: %w", c.addr, err)
		}
		c.handleMessage(msg)
	}
}

// registerTag attaches the client as t's bus sink and, if connected, emits
// ID(name) to learn or confirm its bus-wide ID (spec.md §4.3 steps 2-3).
// The SUB that follows is sent once the ID reply arrives, in handleID.
func (c *Client) registerTag(t *tag.Tag) {
	t.SetBusSink(c)
	c.sendControl(wire.Frame{Command: wire.CmdID, Payload: wire.EncodeName(t.Name())})
}

// onTagCreated is installed as the registry's create hook so tags made
// after Run has started still register themselves (spec.md §4.3 step 3).
func (c *Client) onTagCreated(t *tag.Tag) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return
	}
	c.registerTag(t)
}

func (c *Client) handleMessage(msg wire.Frame) {
	switch msg.Command {
	case wire.CmdID:
		c.handleID(msg)
	case wire.CmdSET:
		c.handleSET(msg)
	case wire.CmdRTA:
		c.handleRTA(msg)
	case wire.CmdERR:
		log.Warnf("busclient: server ERR on tag %d: %s", msg.TagID, wire.DecodeErrText(msg.Payload))
	default:
		log.Warnf("busclient: unexpected command %v from server", msg.Command)
	}
}

// handleID records the name<->id mapping the server just broadcast and,
// if this process has a local Tag by that name, stamps its ID and
// subscribes to it (spec.md §4.2's "ID responses are broadcast to every
// connection").
func (c *Client) handleID(msg wire.Frame) {
	name := wire.DecodeName(msg.Payload)
	if name == "" {
		return
	}
	c.mu.Lock()
	c.idToName[msg.TagID] = name
	c.nameToID[name] = msg.TagID
	c.mu.Unlock()

	t, ok := c.registry.Get(name)
	if !ok {
		return // a name some other process declared; not ours
	}
	t.SetID(msg.TagID)
	c.sendControl(wire.Frame{Command: wire.CmdSUB, TagID: msg.TagID})
}

// handleSET materialises a remote change onto the matching local Tag.
// wire.KindNull marks "never set" (the SUB/GET reply for a tag with no
// stored value yet) and is not applied — there is nothing to set.
func (c *Client) handleSET(msg wire.Frame) {
	t := c.tagForID(msg.TagID)
	if t == nil {
		return
	}
	v, err := wire.DecodeValue(msg.Payload)
	if err != nil {
		log.Warnf("busclient: malformed SET for tag %q: %v", t.Name(), err)
		return
	}
	if v.Kind == wire.KindNull {
		return
	}
	t.Set(v, msg.TimeUs, msg.BusID)
}

// handleRTA dispatches an inbound Request-To-Author to the matching local
// Tag's RTA handler, if any.
func (c *Client) handleRTA(msg wire.Frame) {
	t := c.tagForID(msg.TagID)
	if t == nil {
		return
	}
	v, err := wire.DecodeValue(msg.Payload)
	if err != nil {
		log.Warnf("busclient: malformed RTA for tag %q: %v", t.Name(), err)
		return
	}
	t.DispatchRTA(v)
}

func (c *Client) tagForID(id uint16) *tag.Tag {
	c.mu.Lock()
	name, ok := c.idToName[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	t, ok := c.registry.Get(name)
	if !ok {
		return nil
	}
	return t
}

// sendControl writes f immediately, bypassing the coalescing outbound
// queue: ID/SUB/RTA/GET messages must never be dropped or merged with a
// later one the way SET traffic may be.
func (c *Client) sendControl(f wire.Frame) {
	c.mu.Lock()
	framer := c.framer
	c.mu.Unlock()
	if framer == nil {
		return // not connected; connectOnce re-registers on reconnect
	}
	if err := framer.WriteMessage(f); err != nil {
		log.Warnf("busclient: write failed: %v", err)
	}
}

// Publish implements tag.BusSink: it forwards a locally authored change
// (t's BusID == 0, enforced by Tag.Set before calling Publish) to the bus
// as a SET, via the coalescing outbound queue.
func (c *Client) Publish(t *tag.Tag) {
	c.mu.Lock()
	id, known := c.nameToID[t.Name()]
	queue := c.queue
	c.mu.Unlock()
	if !known || queue == nil {
		return // ID not yet assigned, or disconnected; lost until next local change after reconnect
	}
	v, timeUs, _, ok := t.Get()
	if !ok {
		return
	}
	payload, err := wire.EncodeValue(v)
	if err != nil {
		log.Errorf("busclient: encoding local change to %q: %v", t.Name(), err)
		return
	}
	queue.Push(wire.Frame{Command: wire.CmdSET, TagID: id, TimeUs: timeUs, Payload: payload})
}

// RequestRTA implements tag.BusSink: it sends req as an RTA frame for t's
// tag ID. BusID is left 0; the server stamps it with this connection's ID
// before routing to the author (spec.md §4.2).
func (c *Client) RequestRTA(t *tag.Tag, req wire.Value) error {
	c.mu.Lock()
	id, known := c.nameToID[t.Name()]
	framer := c.framer
	c.mu.Unlock()
	if !known || framer == nil {
		return fmt.Errorf("busclient: RTA on %q: not connected or tag not yet registered", t.Name())
	}
	payload, err := wire.EncodeValue(req)
	if err != nil {
		return fmt.Errorf("busclient: encoding RTA request for %q: %w", t.Name(), err)
	}
	return framer.WriteMessage(wire.Frame{Command: wire.CmdRTA, TagID: id, Payload: payload})
}
