// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Kind is the scalar-type tag byte leading every SET/RTA value payload.
type Kind byte

const (
	KindInt64   Kind = 0
	KindFloat64 Kind = 1
	KindText    Kind = 2
	KindBytes   Kind = 3
	KindJSON    Kind = 4 // mapping or sequence, canonical JSON body

	// KindNull marks an absent value, used for the "empty SET" a GET or
	// SUB on a tag that has never been set produces (spec §4.2).
	KindNull Kind = 0xFF
)

func (k Kind) String() string {
	switch k {
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	case KindJSON:
		return "json"
	case KindNull:
		return "null"
	default:
		return fmt.Sprintf("Kind(0x%02x)", byte(k))
	}
}

// Value is the decoded form of a SET/RTA payload body. Exactly one of the
// typed fields is meaningful, selected by Kind.
type Value struct {
	Kind    Kind
	Int64   int64
	Float64 float64
	Text    string
	Bytes   []byte
	// Any holds the result of json.Unmarshal for Kind == KindJSON: a
	// map[string]interface{} for a mapping tag, or a []interface{} for a
	// sequence tag.
	Any interface{}
}

var (
	ErrShortValue   = errors.New("wire: value payload too short")
	ErrValueLength  = errors.New("wire: value length field disagrees with payload")
	ErrUnknownKind  = errors.New("wire: unknown value kind")
	ErrValueTooLong = errors.New("wire: value too long to encode")
)

func NullValue() Value       { return Value{Kind: KindNull} }
func IntValue(v int64) Value { return Value{Kind: KindInt64, Int64: v} }
func FloatValue(v float64) Value {
	return Value{Kind: KindFloat64, Float64: v}
}
func TextValue(v string) Value  { return Value{Kind: KindText, Text: v} }
func BytesValue(v []byte) Value { return Value{Kind: KindBytes, Bytes: v} }
func JSONValue(v interface{}) Value {
	return Value{Kind: KindJSON, Any: v}
}

// EncodeValue serialises v as kind-byte + body, per spec §4.1's value
// encoding table.
func EncodeValue(v Value) ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte{byte(KindNull)}, nil
	case KindInt64:
		buf := make([]byte, 1+8)
		buf[0] = byte(KindInt64)
		binary.BigEndian.PutUint64(buf[1:], uint64(v.Int64))
		return buf, nil
	case KindFloat64:
		buf := make([]byte, 1+8)
		buf[0] = byte(KindFloat64)
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v.Float64))
		return buf, nil
	case KindText:
		return encodeLengthPrefixed(byte(KindText), []byte(v.Text))
	case KindBytes:
		return encodeLengthPrefixed(byte(KindBytes), v.Bytes)
	case KindJSON:
		data, err := json.Marshal(v.Any)
		if err != nil {
			return nil, fmt.Errorf("wire: encode json value: %w", err)
		}
		return encodeLengthPrefixed(byte(KindJSON), data)
	default:
		return nil, ErrUnknownKind
	}
}

func encodeLengthPrefixed(kind byte, body []byte) ([]byte, error) {
	if uint64(len(body)) > math.MaxUint32 {
		return nil, ErrValueTooLong
	}
	buf := make([]byte, 1+4+len(body))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(body)))
	copy(buf[5:], body)
	return buf, nil
}

// DecodeValue parses a kind-byte + body payload produced by EncodeValue.
func DecodeValue(b []byte) (Value, error) {
	if len(b) < 1 {
		return Value{}, ErrShortValue
	}
	kind := Kind(b[0])
	body := b[1:]
	switch kind {
	case KindNull:
		return Value{Kind: KindNull}, nil
	case KindInt64:
		if len(body) != 8 {
			return Value{}, ErrShortValue
		}
		return Value{Kind: KindInt64, Int64: int64(binary.BigEndian.Uint64(body))}, nil
	case KindFloat64:
		if len(body) != 8 {
			return Value{}, ErrShortValue
		}
		return Value{Kind: KindFloat64, Float64: math.Float64frombits(binary.BigEndian.Uint64(body))}, nil
	case KindText:
		data, err := decodeLengthPrefixed(body)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindText, Text: string(data)}, nil
	case KindBytes:
		data, err := decodeLengthPrefixed(body)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBytes, Bytes: data}, nil
	case KindJSON:
		data, err := decodeLengthPrefixed(body)
		if err != nil {
			return Value{}, err
		}
		var any interface{}
		if err := json.Unmarshal(data, &any); err != nil {
			return Value{}, fmt.Errorf("wire: decode json value: %w", err)
		}
		return Value{Kind: KindJSON, Any: any}, nil
	default:
		return Value{}, ErrUnknownKind
	}
}

func decodeLengthPrefixed(body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, ErrShortValue
	}
	n := binary.BigEndian.Uint32(body[:4])
	rest := body[4:]
	if uint64(len(rest)) != uint64(n) {
		return nil, ErrValueLength
	}
	out := make([]byte, n)
	copy(out, rest)
	return out, nil
}

// EncodeName encodes the UTF-8 tag name payload carried by ID frames.
func EncodeName(name string) []byte { return []byte(name) }

// DecodeName decodes the UTF-8 tag name payload carried by ID frames.
func DecodeName(b []byte) string { return string(b) }

// EncodeErrText encodes the UTF-8 diagnostic text payload of an ERR frame.
func EncodeErrText(msg string) []byte { return []byte(msg) }

// DecodeErrText decodes the UTF-8 diagnostic text payload of an ERR frame.
func DecodeErrText(b []byte) string { return string(b) }
