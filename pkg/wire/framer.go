// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"io"
	"sync"
)

// Framer splits an ordered byte stream into whole Frames and reassembles
// fragments (CONTINUATION/LAST) into whole logical messages. One Framer
// wraps one connection's read and write sides; reads are not safe for
// concurrent use (the bus client/server each run a single read loop per
// connection), writes are serialised internally so multiple goroutines
// may call WriteMessage/WriteFrame concurrently.
type Framer struct {
	r   io.Reader
	w   io.Writer
	tus int

	wmu sync.Mutex
	hdr [HeaderSize]byte
}

// NewFramer returns a Framer reading from r and writing to w, with the
// given negotiated transmit-unit size. tus <= 0 selects DefaultTUS.
func NewFramer(r io.Reader, w io.Writer, tus int) *Framer {
	if tus <= 0 {
		tus = DefaultTUS
	}
	return &Framer{r: r, w: w, tus: tus}
}

// TUS returns the negotiated transmit-unit size.
func (fr *Framer) TUS() int { return fr.tus }

// MaxPayload returns the largest payload a single physical frame can
// carry before fragmentation is required.
func (fr *Framer) MaxPayload() int { return fr.tus - HeaderSize }

// ReadFrame reads exactly one physical frame, blocking until the header
// and payload are fully available. Errors from the underlying reader
// (including io.EOF) are passed through unwrapped so callers can detect
// a closed connection.
func (fr *Framer) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return Frame{}, err
	}
	h, err := decodeHeader(fr.hdr[:])
	if err != nil {
		return Frame{}, err
	}
	if int(h.Length) > fr.MaxPayload() {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.Length, fr.MaxPayload())
	}
	var payload []byte
	if h.Length > 0 {
		payload = make([]byte, h.Length)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return Frame{
		Command: h.Command,
		TagID:   h.TagID,
		Flags:   h.Flags,
		TimeUs:  h.TimeUs,
		BusID:   h.BusID,
		Payload: payload,
	}, nil
}

// WriteFrame writes exactly one physical frame. Callers with a payload
// larger than MaxPayload must fragment themselves, or use WriteMessage.
func (fr *Framer) WriteFrame(f Frame) error {
	fr.wmu.Lock()
	defer fr.wmu.Unlock()
	_, err := fr.w.Write(EncodeFrame(f))
	return err
}

// ReadMessage reads one whole logical message, transparently reassembling
// fragments that share (command, tag_id, time_us, bus_id) until the frame
// with FlagLast is seen. The returned Frame's Flags are always 0.
func (fr *Framer) ReadMessage() (Frame, error) {
	first, err := fr.ReadFrame()
	if err != nil {
		return Frame{}, err
	}
	switch {
	case !first.Continuation() && !first.Last():
		return first, nil
	case first.Continuation():
		return fr.reassemble(first)
	default:
		return Frame{}, fmt.Errorf("%w: orphaned LAST fragment", ErrProtocol)
	}
}

func (fr *Framer) reassemble(first Frame) (Frame, error) {
	buf := append([]byte(nil), first.Payload...)
	for {
		next, err := fr.ReadFrame()
		if err != nil {
			return Frame{}, err
		}
		if next.Command != first.Command || next.TagID != first.TagID ||
			next.TimeUs != first.TimeUs || next.BusID != first.BusID {
			return Frame{}, fmt.Errorf("%w: interleaved fragment stream", ErrProtocol)
		}
		buf = append(buf, next.Payload...)
		if next.Last() {
			return Frame{
				Command: first.Command,
				TagID:   first.TagID,
				TimeUs:  first.TimeUs,
				BusID:   first.BusID,
				Payload: buf,
			}, nil
		}
		if !next.Continuation() {
			return Frame{}, fmt.Errorf("%w: fragment missing CONTINUATION/LAST flag", ErrProtocol)
		}
	}
}

// WriteMessage writes f, fragmenting its payload across multiple frames
// sharing (command, tag_id, time_us, bus_id) when it exceeds MaxPayload.
// All but the final frame carry FlagContinuation; the final one carries
// FlagLast. A payload that fits in one frame is written with neither flag
// set, never with FlagLast alone.
//
// The write lock is held for the whole message, so fragments of messages
// written concurrently from several goroutines never interleave.
func (fr *Framer) WriteMessage(f Frame) error {
	fr.wmu.Lock()
	defer fr.wmu.Unlock()
	max := fr.MaxPayload()
	if len(f.Payload) <= max {
		f.Flags = 0
		_, err := fr.w.Write(EncodeFrame(f))
		return err
	}
	for off := 0; off < len(f.Payload); off += max {
		end := off + max
		last := end >= len(f.Payload)
		if last {
			end = len(f.Payload)
		}
		flags := byte(0)
		if last {
			flags = FlagLast
		} else {
			flags = FlagContinuation
		}
		chunk := Frame{
			Command: f.Command,
			TagID:   f.TagID,
			Flags:   flags,
			TimeUs:  f.TimeUs,
			BusID:   f.BusID,
			Payload: f.Payload[off:end],
		}
		if _, err := fr.w.Write(EncodeFrame(chunk)); err != nil {
			return err
		}
	}
	return nil
}
