// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package busproto holds the pieces of the wire protocol that both
// pkg/busclient and pkg/busserver need to agree on, but that don't belong
// in pkg/wire's generic frame/value codec: the pre-framing TUS handshake
// and the record shapes each side keeps about the other.
package busproto

import (
	"fmt"
	"io"
	"time"

	"github.com/pymscada/pymscada/pkg/wire"
)

// ProtocolVersion is bumped whenever the handshake or frame format changes
// incompatibly. It is the first thing written by either side of a new
// connection.
const ProtocolVersion = 1

// handshake is 4 bytes: ProtocolVersion (1B) + proposed TUS (3B, BE,
// unsigned). Three bytes is enough for any TUS worth negotiating
// (up to ~16MiB) while keeping the preamble fixed-size and trivial to
// read with io.ReadFull.
const handshakeSize = 4

// NegotiateTUS exchanges a handshake over rw and returns the session TUS:
// the smaller of the two sides' proposals. Both sides call this with
// their own preferred TUS (normally wire.DefaultTUS) before constructing
// a wire.Framer. It is symmetric — caller and callee run the same code —
// so the write runs concurrently with the read, which keeps both sides
// from blocking in Write on an unbuffered transport such as net.Pipe.
func NegotiateTUS(rw io.ReadWriter, proposed int) (int, error) {
	if proposed <= 0 {
		proposed = wire.DefaultTUS
	}
	out := make([]byte, handshakeSize)
	out[0] = ProtocolVersion
	put24(out[1:], uint32(proposed))
	werr := make(chan error, 1)
	go func() {
		_, err := rw.Write(out)
		werr <- err
	}()

	in := make([]byte, handshakeSize)
	if _, err := io.ReadFull(rw, in); err != nil {
		return 0, fmt.Errorf("busproto: reading handshake: %w", err)
	}
	if err := <-werr; err != nil {
		return 0, fmt.Errorf("busproto: writing handshake: %w", err)
	}
	if in[0] != ProtocolVersion {
		return 0, fmt.Errorf("busproto: peer protocol version %d, want %d", in[0], ProtocolVersion)
	}
	peerTUS := int(get24(in[1:]))
	if peerTUS <= 0 {
		return 0, fmt.Errorf("busproto: peer proposed non-positive TUS")
	}
	if peerTUS < proposed {
		return peerTUS, nil
	}
	return proposed, nil
}

func put24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func get24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// ConnRecord is the bus server's bookkeeping for one accepted connection:
// its assigned bus ID, negotiated TUS, and the set of tag IDs it has
// declared interest in via SUB (spec.md §3 "Connection record").
type ConnRecord struct {
	BusID       uint16
	TUS         int
	Subscribed  map[uint16]bool
	ConnectedAt time.Time
}

// NewConnRecord returns an empty ConnRecord for busID.
func NewConnRecord(busID uint16, tus int) *ConnRecord {
	return &ConnRecord{BusID: busID, TUS: tus, Subscribed: make(map[uint16]bool), ConnectedAt: time.Now()}
}

// TagRecord is the bus server's last-value store entry for one tag
// (spec.md §3 "Bus-server tag record"). Kind starts at wire.KindNull and
// takes the kind of each SET the record applies; the server
// never validates a SET's kind against a client-declared type because it
// never receives one — type-checking is the authoring tag.Tag's job.
type TagRecord struct {
	Name        string
	ID          uint16
	Kind        wire.Kind
	Value       wire.Value
	TimeUs      int64
	EverSet     bool
	AuthorBusID uint16
	Subscribers map[uint16]bool
}

// NewTagRecord returns an unset TagRecord for name, assigned id.
func NewTagRecord(name string, id uint16) *TagRecord {
	return &TagRecord{Name: name, ID: id, Kind: wire.KindNull, Subscribers: make(map[uint16]bool)}
}

// Update applies an incoming SET to the record, enforcing the same
// stale-write-drop rule as tag.Tag.Set (spec.md §3), and returns whether
// the value was actually applied.
func (r *TagRecord) Update(v wire.Value, timeUs int64, authorBusID uint16) bool {
	if r.EverSet && timeUs < r.TimeUs {
		return false
	}
	r.Value = v
	r.Kind = v.Kind
	r.TimeUs = timeUs
	r.AuthorBusID = authorBusID
	r.EverSet = true
	return true
}

