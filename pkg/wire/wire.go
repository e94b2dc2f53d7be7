// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wire implements the pymscada tag bus wire codec and framing
// layer: a fixed-width, big-endian frame header carrying one of six
// message kinds, plus a type-tagged scalar value encoding used by SET
// and RTA payloads. The package is stateless and has no notion of a
// connection; see pkg/busclient and pkg/busserver for that.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command identifies the kind of a frame.
type Command byte

const (
	CmdID  Command = 0x01 // C<->S: "what is the ID of X?"
	CmdSET Command = 0x02 // C<->S: type-tagged value
	CmdGET Command = 0x03 // C->S: "send me current value"
	CmdRTA Command = 0x04 // C<->S: Request-To-Author
	CmdSUB Command = 0x05 // C->S: subscribe to tag_id
	CmdERR Command = 0x06 // S->C: UTF-8 diagnostic text
)

func (c Command) String() string {
	switch c {
	case CmdID:
		return "ID"
	case CmdSET:
		return "SET"
	case CmdGET:
		return "GET"
	case CmdRTA:
		return "RTA"
	case CmdSUB:
		return "SUB"
	case CmdERR:
		return "ERR"
	default:
		return fmt.Sprintf("Command(0x%02x)", byte(c))
	}
}

// Flags bits within a frame header.
const (
	FlagContinuation byte = 1 << 0
	FlagLast         byte = 1 << 1
)

// HeaderSize is the fixed size, in bytes, of a frame header: command(1) +
// tag_id(2) + flags(1) + length(4) + time_us(8) + bus_id(2).
const HeaderSize = 1 + 2 + 1 + 4 + 8 + 2

// DefaultTUS is the default transmit-unit size negotiated per connection
// when nothing else is agreed.
const DefaultTUS = 55000

// Frame is one physical wire frame: a header plus its payload slice. A
// logical message may span several Frames when its encoded payload
// exceeds TUS-HeaderSize; see Framer.ReadMessage/WriteMessage.
type Frame struct {
	Command Command
	TagID   uint16
	Flags   byte
	TimeUs  int64
	BusID   uint16
	Payload []byte
}

// Continuation reports whether more fragments follow this one.
func (f Frame) Continuation() bool { return f.Flags&FlagContinuation != 0 }

// Last reports whether this is the final fragment of a fragmented message.
func (f Frame) Last() bool { return f.Flags&FlagLast != 0 }

var (
	// ErrShortHeader is returned when fewer than HeaderSize bytes are
	// available to decode a frame header.
	ErrShortHeader = errors.New("wire: short frame header")
	// ErrTruncatedPayload is returned when a frame header declares more
	// payload bytes than are actually available.
	ErrTruncatedPayload = errors.New("wire: truncated frame payload")
	// ErrFrameTooLarge is returned when a frame's declared length exceeds
	// the negotiated TUS.
	ErrFrameTooLarge = errors.New("wire: frame payload exceeds tus")
	// ErrProtocol covers framing-level protocol violations (orphaned
	// fragments, interleaved fragment streams).
	ErrProtocol = errors.New("wire: protocol violation")
)

type header struct {
	Command Command
	TagID   uint16
	Flags   byte
	Length  uint32
	TimeUs  int64
	BusID   uint16
}

func encodeHeader(h header) []byte {
	b := make([]byte, HeaderSize)
	b[0] = byte(h.Command)
	binary.BigEndian.PutUint16(b[1:3], h.TagID)
	b[3] = h.Flags
	binary.BigEndian.PutUint32(b[4:8], h.Length)
	binary.BigEndian.PutUint64(b[8:16], uint64(h.TimeUs))
	binary.BigEndian.PutUint16(b[16:18], h.BusID)
	return b
}

func decodeHeader(b []byte) (header, error) {
	if len(b) < HeaderSize {
		return header{}, ErrShortHeader
	}
	return header{
		Command: Command(b[0]),
		TagID:   binary.BigEndian.Uint16(b[1:3]),
		Flags:   b[3],
		Length:  binary.BigEndian.Uint32(b[4:8]),
		TimeUs:  int64(binary.BigEndian.Uint64(b[8:16])),
		BusID:   binary.BigEndian.Uint16(b[16:18]),
	}, nil
}

// EncodeFrame serialises a single physical frame: header followed by its
// payload. It does not fragment; callers with a payload larger than a
// negotiated TUS must use Framer.WriteMessage.
func EncodeFrame(f Frame) []byte {
	h := header{
		Command: f.Command,
		TagID:   f.TagID,
		Flags:   f.Flags,
		Length:  uint32(len(f.Payload)),
		TimeUs:  f.TimeUs,
		BusID:   f.BusID,
	}
	buf := encodeHeader(h)
	return append(buf, f.Payload...)
}

// DecodeFrame decodes a single physical frame from b, returning the frame
// and the number of bytes of b it consumed. It rejects truncated frames
// without panicking.
func DecodeFrame(b []byte) (Frame, int, error) {
	h, err := decodeHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}
	total := HeaderSize + int(h.Length)
	if len(b) < total {
		return Frame{}, 0, ErrTruncatedPayload
	}
	payload := make([]byte, h.Length)
	copy(payload, b[HeaderSize:total])
	return Frame{
		Command: h.Command,
		TagID:   h.TagID,
		Flags:   h.Flags,
		TimeUs:  h.TimeUs,
		BusID:   h.BusID,
		Payload: payload,
	}, total, nil
}
