// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package busserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pymscada/pymscada/pkg/busproto"
	"github.com/pymscada/pymscada/pkg/wire"
)

// testClient is a minimal hand-rolled protocol client used only to drive
// Server directly, independent of pkg/busclient.
type testClient struct {
	t      *testing.T
	framer *wire.Framer
	nc     net.Conn
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tus, err := busproto.NegotiateTUS(nc, wire.DefaultTUS)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return &testClient{t: t, framer: wire.NewFramer(nc, nc, tus), nc: nc}
}

// idFor sends ID(name) and returns the ID from the first ID frame for
// name. The server broadcasts every ID reply to all connections, so ID
// frames answering other clients' requests may be queued ahead of ours.
func (c *testClient) idFor(name string) uint16 {
	c.t.Helper()
	if err := c.framer.WriteMessage(wire.Frame{Command: wire.CmdID, Payload: wire.EncodeName(name)}); err != nil {
		c.t.Fatalf("write ID: %v", err)
	}
	for {
		msg := c.recvAny()
		if msg.Command != wire.CmdID {
			c.t.Fatalf("expected ID reply, got %v", msg.Command)
		}
		if wire.DecodeName(msg.Payload) == name {
			return msg.TagID
		}
	}
}

func (c *testClient) sub(id uint16) wire.Frame {
	c.t.Helper()
	if err := c.framer.WriteMessage(wire.Frame{Command: wire.CmdSUB, TagID: id}); err != nil {
		c.t.Fatalf("write SUB: %v", err)
	}
	return c.recv()
}

func (c *testClient) set(id uint16, v wire.Value, timeUs int64, busID uint16) {
	c.t.Helper()
	payload, err := wire.EncodeValue(v)
	if err != nil {
		c.t.Fatalf("encode value: %v", err)
	}
	if err := c.framer.WriteMessage(wire.Frame{Command: wire.CmdSET, TagID: id, TimeUs: timeUs, BusID: busID, Payload: payload}); err != nil {
		c.t.Fatalf("write SET: %v", err)
	}
}

func (c *testClient) rta(id uint16, v wire.Value) {
	c.t.Helper()
	payload, err := wire.EncodeValue(v)
	if err != nil {
		c.t.Fatalf("encode value: %v", err)
	}
	if err := c.framer.WriteMessage(wire.Frame{Command: wire.CmdRTA, TagID: id, Payload: payload}); err != nil {
		c.t.Fatalf("write RTA: %v", err)
	}
}

// recv returns the next message other than a broadcast ID reply.
func (c *testClient) recv() wire.Frame {
	c.t.Helper()
	for {
		if msg := c.recvAny(); msg.Command != wire.CmdID {
			return msg
		}
	}
}

func (c *testClient) recvAny() wire.Frame {
	c.t.Helper()
	c.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := c.framer.ReadMessage()
	if err != nil {
		c.t.Fatalf("recv: %v", err)
	}
	return msg
}

// expectTimeout asserts no message other than a broadcast ID reply
// arrives within a short window.
func (c *testClient) expectTimeout() {
	c.t.Helper()
	c.nc.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	for {
		msg, err := c.framer.ReadMessage()
		if err != nil {
			return
		}
		if msg.Command != wire.CmdID {
			c.t.Fatalf("expected no message, but one arrived")
		}
	}
}

func startServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx, ln)
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	return ln.Addr().String()
}

// TestSetFanOut exercises spec.md §8 scenario S1: A writes, B (subscribed)
// receives the update, A receives nothing of its own.
func TestSetFanOut(t *testing.T) {
	addr := startServer(t)
	a := dialTestClient(t, addr)
	b := dialTestClient(t, addr)

	id := a.idFor("IntVal")
	if got := b.idFor("IntVal"); got != id {
		t.Fatalf("A and B resolved different IDs: %d vs %d", id, got)
	}
	b.sub(id)

	a.set(id, wire.IntValue(7), 1_000_000, 0)

	msg := b.recv()
	if msg.Command != wire.CmdSET || msg.TagID != id || msg.TimeUs != 1_000_000 {
		t.Fatalf("unexpected message at B: %+v", msg)
	}
	v, err := wire.DecodeValue(msg.Payload)
	if err != nil || v.Int64 != 7 {
		t.Fatalf("unexpected value at B: %+v err=%v", v, err)
	}

	a.expectTimeout()
}

// TestStaleDrop exercises scenario S2: an older time_us write is dropped.
func TestStaleDrop(t *testing.T) {
	addr := startServer(t)
	a := dialTestClient(t, addr)
	b := dialTestClient(t, addr)

	id := a.idFor("IntVal")
	b.idFor("IntVal")
	b.sub(id)

	a.set(id, wire.IntValue(7), 1_000_000, 0)
	b.recv() // the first SET's fan-out

	a.set(id, wire.IntValue(9), 500_000, 0) // stale
	b.expectTimeout()

	// stored value is still 7
	c := dialTestClient(t, addr)
	gid := c.idFor("IntVal")
	reply := c.sub(gid)
	v, _ := wire.DecodeValue(reply.Payload)
	if v.Int64 != 7 {
		t.Fatalf("stored value changed: got %d, want 7", v.Int64)
	}
}

// TestLateSubscriber exercises scenario S3: a subscriber joining after a
// value was set receives it immediately via SUB's reply.
func TestLateSubscriber(t *testing.T) {
	addr := startServer(t)
	a := dialTestClient(t, addr)
	id := a.idFor("IntVal")
	a.set(id, wire.IntValue(7), 1_000_000, 0)

	c := dialTestClient(t, addr)
	cid := c.idFor("IntVal")
	if cid != id {
		t.Fatalf("late subscriber resolved different id: %d vs %d", cid, id)
	}
	reply := c.sub(cid)
	v, err := wire.DecodeValue(reply.Payload)
	if err != nil || v.Int64 != 7 || reply.TimeUs != 1_000_000 {
		t.Fatalf("unexpected SUB reply: %+v err=%v", reply, err)
	}
}

// TestGetUnknownValueReturnsNull exercises the "never set" branch of GET.
func TestGetUnknownValueReturnsNull(t *testing.T) {
	addr := startServer(t)
	a := dialTestClient(t, addr)
	id := a.idFor("NeverSet")
	if err := a.framer.WriteMessage(wire.Frame{Command: wire.CmdGET, TagID: id}); err != nil {
		t.Fatalf("write GET: %v", err)
	}
	reply := a.recv()
	v, err := wire.DecodeValue(reply.Payload)
	if err != nil || v.Kind != wire.KindNull {
		t.Fatalf("expected KindNull, got %+v err=%v", v, err)
	}
}

// TestRTARoutesToAuthorOnly exercises scenario S5's routing half: the RTA
// reaches the author, stamped with the requester's id, and nobody else.
// The no-author ERR case is TestRTAWithNoAuthorErrs.
func TestRTARoutesToAuthorOnly(t *testing.T) {
	addr := startServer(t)
	a := dialTestClient(t, addr)
	b := dialTestClient(t, addr)

	id := a.idFor("__history__")
	b.idFor("__history__")
	a.set(id, wire.BytesValue([]byte("seed")), 1, 0) // A becomes the author

	b.rta(id, wire.JSONValue(map[string]interface{}{"start": float64(0), "end": float64(10)}))
	reply := a.recv()
	if reply.Command != wire.CmdRTA {
		t.Fatalf("author did not receive RTA: %+v", reply)
	}

	// The server stamps BusID with the requester's connection id so the
	// author can target its reply.
	if reply.BusID == 0 {
		t.Fatalf("RTA requester id not propagated")
	}
	b.expectTimeout()
}

func TestRTAWithNoAuthorErrs(t *testing.T) {
	addr := startServer(t)
	a := dialTestClient(t, addr)
	id := a.idFor("Orphan")
	a.rta(id, wire.BytesValue(nil))
	reply := a.recv()
	if reply.Command != wire.CmdERR {
		t.Fatalf("expected ERR, got %v", reply.Command)
	}
}

// TestUnknownTagSETErrs exercises the unknown-tag-id error path.
func TestUnknownTagSETErrs(t *testing.T) {
	addr := startServer(t)
	a := dialTestClient(t, addr)
	a.set(9999, wire.IntValue(1), 1, 0)
	reply := a.recv()
	if reply.Command != wire.CmdERR {
		t.Fatalf("expected ERR, got %v", reply.Command)
	}
}
