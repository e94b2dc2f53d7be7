// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tagconfig loads the YAML tag-declaration file external modules
// ship alongside their bus client: a mapping from tag name to the scalar
// type and display metadata spec.md §6 describes. Loading creates (or
// retrieves) each declared Tag in the given registry and applies its
// metadata and initial value, all before the caller dials the bus.
package tagconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pymscada/pymscada/pkg/log"
	"github.com/pymscada/pymscada/pkg/tag"
	"github.com/pymscada/pymscada/pkg/wire"
)

// Declaration is one YAML tag entry (spec.md §6's option table).
type Declaration struct {
	Type   string     `yaml:"type"`
	Desc   string     `yaml:"desc"`
	Units  string     `yaml:"units"`
	Min    *float64   `yaml:"min"`
	Max    *float64   `yaml:"max"`
	Dp     int        `yaml:"dp"`
	Multi  []string   `yaml:"multi"`
	Format string     `yaml:"format"`
	Init   *InitValue `yaml:"init"`
}

// InitValue decodes a YAML scalar `init:` value generically; its
// interpretation depends on the declared type. YAML already gives us
// int64/float64/string/bool primitives, so we just keep whatever the
// decoder produced and convert it against Declaration.Type in Load.
type InitValue struct {
	raw interface{}
}

// UnmarshalYAML implements yaml.Unmarshaler, capturing the raw scalar.
func (i *InitValue) UnmarshalYAML(value *yaml.Node) error {
	var v interface{}
	if err := value.Decode(&v); err != nil {
		return err
	}
	i.raw = v
	return nil
}

// File is the top-level shape of a tag declaration YAML document: a flat
// mapping from tag name to its Declaration.
type File map[string]Declaration

// Load parses the YAML document at path and applies every declaration to
// reg: creating the Tag if it doesn't exist, attaching metadata, and
// applying `init` (stamped with BusID 0, time now) so the value is in
// place before the process dials the bus (spec.md §6).
func Load(path string, reg *tag.Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("tagconfig: reading %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("tagconfig: parsing %s: %w", path, err)
	}
	return Apply(f, reg)
}

// Apply applies every declaration in f to reg.
func Apply(f File, reg *tag.Registry) error {
	for name, decl := range f {
		if err := applyOne(name, decl, reg); err != nil {
			return fmt.Errorf("tagconfig: tag %q: %w", name, err)
		}
	}
	return nil
}

func applyOne(name string, decl Declaration, reg *tag.Registry) error {
	typ, err := typeFor(decl)
	if err != nil {
		return err
	}
	t := reg.New(name, typ)
	t.ApplyMetadata(decl.Desc, decl.Units, decl.Min, decl.Max, decl.Dp, decl.Multi)

	if decl.Init == nil {
		return nil
	}
	v, err := initValue(typ, decl.Init.raw)
	if err != nil {
		return err
	}
	t.SetNow(v)
	return nil
}

// typeFor resolves Declaration.Type, defaulting to int when `multi` is
// present without an explicit type (spec.md §6: "multi implies
// type=int").
func typeFor(decl Declaration) (tag.Type, error) {
	if decl.Type == "" && len(decl.Multi) > 0 {
		return tag.TypeInt64, nil
	}
	return tag.TypeFromString(decl.Type)
}

func initValue(typ tag.Type, raw interface{}) (wire.Value, error) {
	switch typ {
	case tag.TypeInt64:
		n, ok := asInt64(raw)
		if !ok {
			return wire.Value{}, fmt.Errorf("init value %v is not an integer", raw)
		}
		return wire.IntValue(n), nil
	case tag.TypeFloat64:
		f, ok := asFloat64(raw)
		if !ok {
			return wire.Value{}, fmt.Errorf("init value %v is not numeric", raw)
		}
		return wire.FloatValue(f), nil
	case tag.TypeText:
		s, ok := raw.(string)
		if !ok {
			return wire.Value{}, fmt.Errorf("init value %v is not a string", raw)
		}
		return wire.TextValue(s), nil
	case tag.TypeBytes:
		s, ok := raw.(string)
		if !ok {
			return wire.Value{}, fmt.Errorf("init value %v is not a string", raw)
		}
		return wire.BytesValue([]byte(s)), nil
	case tag.TypeMapping, tag.TypeSequence:
		return wire.JSONValue(raw), nil
	default:
		return wire.Value{}, fmt.Errorf("unsupported type %v for init value", typ)
	}
}

func asInt64(raw interface{}) (int64, bool) {
	switch n := raw.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat64(raw interface{}) (float64, bool) {
	switch n := raw.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		log.Debugf("tagconfig: unexpected init value type %T", raw)
		return 0, false
	}
}
