// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rta implements the two RTA (Request-To-Author) response cookie
// conventions spec.md §6 and §9 describe: a JSON `__rta_id__` field for
// mapping-shaped payloads, and a 2-byte big-endian prefix for binary
// payloads. The reference implementation mixes both depending on the
// producer; this package supports both explicitly rather than guessing,
// per spec.md §9's Open Question.
package rta

import (
	"encoding/binary"

	"github.com/pymscada/pymscada/pkg/wire"
)

// JSONCookieField is the conventional JSON object key carrying the
// requester cookie in a mapping-shaped RTA request/response.
const JSONCookieField = "__rta_id__"

// Convention distinguishes which cookie encoding a tag's RTA author uses.
// A new bus-facing Tag should declare this once, at the same point it
// calls Tag.SetRTAHandler, so the convention travels with the tag instead
// of being silently assumed (spec.md §9).
type Convention int

const (
	// ConventionJSON carries the cookie as a JSON object field named
	// JSONCookieField, used by wire.KindJSON (mapping/sequence) payloads.
	ConventionJSON Convention = iota
	// ConventionBinaryPrefix carries the cookie as the first two bytes
	// of a wire.KindBytes payload, big-endian.
	ConventionBinaryPrefix
)

// CookieFromJSON extracts the requester cookie from a mapping-shaped RTA
// value. A cookie of 0 signals a broadcast response (spec.md §6).
func CookieFromJSON(v wire.Value) (cookie uint32, ok bool) {
	m, isMap := v.Any.(map[string]interface{})
	if !isMap {
		return 0, false
	}
	raw, present := m[JSONCookieField]
	if !present {
		return 0, false
	}
	switch n := raw.(type) {
	case float64:
		return uint32(n), true
	default:
		return 0, false
	}
}

// WithJSONCookie returns a copy of a mapping RTA value with the requester
// cookie field set, creating the mapping if v wasn't already one.
func WithJSONCookie(v wire.Value, cookie uint32) wire.Value {
	m, ok := v.Any.(map[string]interface{})
	if !ok || m == nil {
		m = make(map[string]interface{}, 1)
	} else {
		cp := make(map[string]interface{}, len(m)+1)
		for k, val := range m {
			cp[k] = val
		}
		m = cp
	}
	m[JSONCookieField] = float64(cookie)
	return wire.Value{Kind: wire.KindJSON, Any: m}
}

// CookieFromBinary extracts the requester cookie from the first two bytes
// of a bytes-shaped RTA value, per spec.md §6's binary convention.
func CookieFromBinary(v wire.Value) (cookie uint16, ok bool) {
	if v.Kind != wire.KindBytes || len(v.Bytes) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v.Bytes[:2]), true
}

// WithBinaryCookie prefixes body with the requester cookie, as the first
// two bytes of a bytes-shaped RTA value (spec.md §8 scenario S5: "a blob
// starting with 0x00 0x2A").
func WithBinaryCookie(cookie uint16, body []byte) wire.Value {
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out[:2], cookie)
	copy(out[2:], body)
	return wire.BytesValue(out)
}
