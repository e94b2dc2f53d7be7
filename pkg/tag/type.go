// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tag

import (
	"fmt"

	"github.com/pymscada/pymscada/pkg/wire"
)

// Type is a tag's declared scalar type (spec.md §3: "one of {int64,
// float64, text, bytes, mapping, sequence}"). It is a superset of
// wire.Kind: mapping and sequence both travel on the wire as
// wire.KindJSON, distinguished here only for metadata/validation
// purposes (a "multi" tag is always TypeInt64, a dict config key is
// always TypeMapping, etc).
type Type int

const (
	TypeInt64 Type = iota
	TypeFloat64
	TypeText
	TypeBytes
	TypeMapping
	TypeSequence
)

func (t Type) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeText:
		return "text"
	case TypeBytes:
		return "bytes"
	case TypeMapping:
		return "mapping"
	case TypeSequence:
		return "sequence"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// WireKind returns the wire.Kind used to encode values of this type.
func (t Type) WireKind() wire.Kind {
	switch t {
	case TypeInt64:
		return wire.KindInt64
	case TypeFloat64:
		return wire.KindFloat64
	case TypeText:
		return wire.KindText
	case TypeBytes:
		return wire.KindBytes
	case TypeMapping, TypeSequence:
		return wire.KindJSON
	default:
		return wire.KindNull
	}
}

// compatible reports whether a decoded wire.Value of kind k may be stored
// in a tag declared as t. Mapping tags must decode to a JSON object,
// sequence tags to a JSON array; both otherwise share wire.KindJSON.
func (t Type) compatible(v wire.Value) bool {
	switch t {
	case TypeMapping:
		if v.Kind != wire.KindJSON {
			return false
		}
		_, ok := v.Any.(map[string]interface{})
		return ok
	case TypeSequence:
		if v.Kind != wire.KindJSON {
			return false
		}
		_, ok := v.Any.([]interface{})
		return ok
	default:
		return v.Kind == t.WireKind()
	}
}

// TypeFromString maps the YAML/config "type" option (spec.md §6: int,
// float, str, bytes, dict, list) to a Type.
func TypeFromString(s string) (Type, error) {
	switch s {
	case "int":
		return TypeInt64, nil
	case "float":
		return TypeFloat64, nil
	case "str":
		return TypeText, nil
	case "bytes":
		return TypeBytes, nil
	case "dict":
		return TypeMapping, nil
	case "list":
		return TypeSequence, nil
	default:
		return 0, fmt.Errorf("tag: unknown declared type %q", s)
	}
}
