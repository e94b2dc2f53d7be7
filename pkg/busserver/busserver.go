// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package busserver implements the bus server: it accepts TCP connections,
// assigns each a 16-bit connection ID, and maintains the process-wide
// name<->ID map, last-value store, per-tag subscriber sets, and RTA
// authorship used to route Request-To-Author messages to whichever
// connection most recently published a non-stale value.
package busserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pymscada/pymscada/internal/metrics"
	"github.com/pymscada/pymscada/pkg/busproto"
	"github.com/pymscada/pymscada/pkg/log"
	"github.com/pymscada/pymscada/pkg/wire"
)

// Server owns the bus's shared state: every connection reads and writes
// through its own Framer, but tag records, the name<->ID map, and
// subscriber sets are guarded by a single mutex. This mirrors spec.md §5's
// "sharded map keyed by tag_id is acceptable" allowance with the simplest
// possible shard count: one.
type Server struct {
	mu        sync.Mutex
	byName    map[string]*busproto.TagRecord
	byID      map[uint16]*busproto.TagRecord
	nextTagID uint16

	conns      map[uint16]*conn
	nextConnID uint16

	// pendingRTA tracks, per tag, when the most recent RTA request for it
	// was forwarded to its author, so the author's next SET on that tag
	// can be timed as the reply (metrics.RTALatency). Best-effort: RTA has
	// no correlation cookie at the protocol level (spec.md §5), so an
	// author that's handling several concurrent RTAs for the same tag
	// will have its latencies conflated.
	pendingRTA map[uint16]time.Time

	tus int
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithTUS overrides the transmit-unit size advertised during the
// handshake. The default is wire.DefaultTUS.
func WithTUS(tus int) Option {
	return func(s *Server) { s.tus = tus }
}

// New returns a ready-to-serve Server with empty tag and connection state.
func New(opts ...Option) *Server {
	s := &Server{
		byName:     make(map[string]*busproto.TagRecord),
		byID:       make(map[uint16]*busproto.TagRecord),
		conns:      make(map[uint16]*conn),
		pendingRTA: make(map[uint16]time.Time),
		tus:        wire.DefaultTUS,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// conn is one accepted connection's server-side state: its negotiated
// Framer, its ConnRecord (subscriptions), and a bounded outbound queue so
// one slow subscriber's socket can't stall fan-out to the others.
type conn struct {
	id     uint16
	record *busproto.ConnRecord
	framer *wire.Framer
	nc     net.Conn

	out     chan wire.Frame
	closed  chan struct{}
	closeMu sync.Mutex
	didShut bool
}

const outboundQueueDepth = 256

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
// Each accepted connection is handled in its own goroutine; Serve returns
// when the listener is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("busserver: accept: %w", err)
			}
		}
		go s.handleConn(ctx, nc)
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	tus, err := busproto.NegotiateTUS(nc, s.tus)
	if err != nil {
		log.Warnf("busserver: handshake with %s failed: %v", nc.RemoteAddr(), err)
		return
	}

	id := s.registerConn()
	defer s.unregisterConn(id)

	c := &conn{
		id:     id,
		record: busproto.NewConnRecord(id, tus),
		framer: wire.NewFramer(nc, nc, tus),
		nc:     nc,
		out:    make(chan wire.Frame, outboundQueueDepth),
		closed: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	log.Infof("busserver: connection %d from %s (tus=%d)", id, nc.RemoteAddr(), tus)
	metrics.Connections.Inc()
	defer metrics.Connections.Dec()

	go c.writeLoop()
	defer c.shutdown()

	for {
		msg, err := c.framer.ReadMessage()
		if err != nil {
			log.Infof("busserver: connection %d closed: %v", id, err)
			return
		}
		metrics.FramesIn.WithLabelValues(msg.Command.String()).Inc()
		s.dispatch(c, msg)
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case f, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.framer.WriteMessage(f); err != nil {
				log.Infof("busserver: connection %d write failed: %v", c.id, err)
				c.shutdown()
				return
			}
			metrics.FramesOut.WithLabelValues(f.Command.String()).Inc()
		case <-c.closed:
			return
		}
	}
}

// send enqueues f for delivery to c, dropping it if the connection is
// already shutting down or its queue is saturated (a wedged peer must not
// be allowed to stall fan-out to everyone else).
func (c *conn) send(f wire.Frame) {
	select {
	case c.out <- f:
	case <-c.closed:
	default:
		log.Warnf("busserver: connection %d outbound queue full, dropping frame", c.id)
	}
}

func (c *conn) shutdown() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.didShut {
		return
	}
	c.didShut = true
	close(c.closed)
	c.nc.Close()
}

func (s *Server) registerConn() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConnID++
	if s.nextConnID == 0 {
		log.Fatal("busserver: connection ID space exhausted")
	}
	return s.nextConnID
}

func (s *Server) unregisterConn(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
	for _, rec := range s.byID {
		delete(rec.Subscribers, id)
	}
}

// dispatch applies the semantics of spec.md §4.2 to one inbound message
// from c.
func (s *Server) dispatch(c *conn, msg wire.Frame) {
	switch msg.Command {
	case wire.CmdID:
		s.handleID(c, msg)
	case wire.CmdSET:
		s.handleSET(c, msg)
	case wire.CmdGET:
		s.handleGET(c, msg)
	case wire.CmdSUB:
		s.handleSUB(c, msg)
	case wire.CmdRTA:
		s.handleRTA(c, msg)
	default:
		c.send(errFrame(msg.TagID, fmt.Sprintf("unknown command 0x%02x", byte(msg.Command))))
	}
}

// handleID resolves name->id, allocating a fresh ID on first sight, and
// broadcasts the ID reply to every connection so all peers learn new
// mappings without per-peer negotiation (spec.md §4.2).
func (s *Server) handleID(c *conn, msg wire.Frame) {
	name := wire.DecodeName(msg.Payload)
	if name == "" {
		c.send(errFrame(msg.TagID, "malformed ID payload"))
		return
	}

	s.mu.Lock()
	rec, ok := s.byName[name]
	if !ok {
		s.nextTagID++
		if s.nextTagID == 0 {
			s.mu.Unlock()
			log.Fatal("busserver: tag ID space exhausted")
		}
		rec = busproto.NewTagRecord(name, s.nextTagID)
		s.byName[name] = rec
		s.byID[rec.ID] = rec
	}
	id := rec.ID
	conns := s.connsSnapshotLocked()
	s.mu.Unlock()

	reply := wire.Frame{Command: wire.CmdID, TagID: id, Payload: wire.EncodeName(name)}
	for _, peer := range conns {
		peer.send(reply)
	}
}

func (s *Server) connsSnapshotLocked() []*conn {
	out := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// handleSET applies a SET to the stored record (dropping it silently if
// stale) and forwards it verbatim to every subscriber except the
// connection whose ID matches the frame's effective bus_id — substituting
// the sender's own connection ID when the frame arrived with bus_id == 0,
// so a client's local-origin writes loop back to every OTHER subscriber
// but never to itself (spec.md §4.2, invariant 3).
func (s *Server) handleSET(c *conn, msg wire.Frame) {
	v, err := wire.DecodeValue(msg.Payload)
	if err != nil {
		c.send(errFrame(msg.TagID, "malformed SET payload"))
		return
	}

	authorBusID := msg.BusID
	if authorBusID == 0 {
		authorBusID = c.id
	}

	s.mu.Lock()
	rec, ok := s.byID[msg.TagID]
	if !ok {
		s.mu.Unlock()
		c.send(errFrame(msg.TagID, "SET to unknown tag id"))
		return
	}
	prevAuthor := rec.AuthorBusID
	applied := rec.Update(v, msg.TimeUs, authorBusID)
	var subs []*conn
	var rtaStart time.Time
	var rtaObserved bool
	if applied {
		subs = s.subscribersLocked(rec, authorBusID)
		if start, pending := s.pendingRTA[msg.TagID]; pending && authorBusID == prevAuthor {
			rtaStart, rtaObserved = start, true
			delete(s.pendingRTA, msg.TagID)
		}
	}
	s.mu.Unlock()

	if !applied {
		metrics.StaleDrops.Inc()
		return
	}
	if rtaObserved {
		metrics.RTALatency.Observe(time.Since(rtaStart).Seconds())
	}
	out := wire.Frame{Command: wire.CmdSET, TagID: msg.TagID, TimeUs: msg.TimeUs, BusID: authorBusID, Payload: msg.Payload}
	for _, sub := range subs {
		sub.send(out)
	}
}

// subscribersLocked returns every subscriber of rec except the one whose
// connection ID equals excludeBusID. Must be called with s.mu held.
func (s *Server) subscribersLocked(rec *busproto.TagRecord, excludeBusID uint16) []*conn {
	out := make([]*conn, 0, len(rec.Subscribers))
	for id := range rec.Subscribers {
		if id == excludeBusID {
			continue
		}
		if c, ok := s.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// handleGET replies with the stored value as a SET addressed only to the
// requester, or an empty (KindNull) SET if the tag has never been set
// (spec.md §4.2).
func (s *Server) handleGET(c *conn, msg wire.Frame) {
	s.mu.Lock()
	rec, ok := s.byID[msg.TagID]
	s.mu.Unlock()
	if !ok {
		c.send(errFrame(msg.TagID, "GET of unknown tag id"))
		return
	}
	c.send(s.valueFrameLocked(rec))
}

// handleSUB adds c to rec's subscriber set and immediately sends the
// current value, as GET does (spec.md §4.2).
func (s *Server) handleSUB(c *conn, msg wire.Frame) {
	s.mu.Lock()
	rec, ok := s.byID[msg.TagID]
	if !ok {
		s.mu.Unlock()
		c.send(errFrame(msg.TagID, "SUB to unknown tag id"))
		return
	}
	rec.Subscribers[c.id] = true
	c.record.Subscribed[msg.TagID] = true
	s.mu.Unlock()

	c.send(s.valueFrameLocked(rec))
}

// valueFrameLocked builds the SET frame GET/SUB reply with. Safe to call
// without s.mu held: rec's Value/TimeUs/AuthorBusID are only ever mutated
// under s.mu by handleSET, and reads here are racy only in the harmless
// sense of possibly returning a value one SET out of date, matching the
// "best effort" nature of a point-in-time GET.
func (s *Server) valueFrameLocked(rec *busproto.TagRecord) wire.Frame {
	if !rec.EverSet {
		payload, _ := wire.EncodeValue(wire.NullValue())
		return wire.Frame{Command: wire.CmdSET, TagID: rec.ID, Payload: payload}
	}
	payload, err := wire.EncodeValue(rec.Value)
	if err != nil {
		log.Errorf("busserver: re-encoding stored value for tag %q: %v", rec.Name, err)
		payload, _ = wire.EncodeValue(wire.NullValue())
	}
	return wire.Frame{Command: wire.CmdSET, TagID: rec.ID, TimeUs: rec.TimeUs, BusID: rec.AuthorBusID, Payload: payload}
}

// handleRTA delivers an RTA request to whichever connection most recently
// authored the target tag. If no one has ever authored it, the requester
// gets an ERR instead (spec.md §4.2, invariant 7).
func (s *Server) handleRTA(c *conn, msg wire.Frame) {
	s.mu.Lock()
	rec, ok := s.byID[msg.TagID]
	if !ok || !rec.EverSet {
		s.mu.Unlock()
		metrics.RTANoAuthor.Inc()
		c.send(errFrame(msg.TagID, "RTA to tag with no author"))
		return
	}
	author, ok := s.conns[rec.AuthorBusID]
	if ok {
		s.pendingRTA[msg.TagID] = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		c.send(errFrame(msg.TagID, "RTA author no longer connected"))
		return
	}

	out := msg
	out.BusID = c.id // requester's identity, so the author can target a reply
	author.send(out)
}

func errFrame(tagID uint16, text string) wire.Frame {
	return wire.Frame{Command: wire.CmdERR, TagID: tagID, Payload: wire.EncodeErrText(text)}
}
