// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tagconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pymscada/pymscada/pkg/tag"
)

const sampleYAML = `
IntVal:
  type: int
  desc: "a test integer"
  init: 7
FloatVal:
  type: float
  min: 0.0
  max: 100.0
  init: 3.5
TextVal:
  type: str
StateVal:
  multi: ["OFF", "ON", "FAULT"]
  init: 1
`

func TestLoadAppliesDeclarationsAndInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tags.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	reg := tag.NewRegistry()
	if err := Load(path, reg); err != nil {
		t.Fatalf("Load: %v", err)
	}

	iv, ok := reg.Get("IntVal")
	if !ok {
		t.Fatalf("IntVal not created")
	}
	if iv.Type() != tag.TypeInt64 {
		t.Fatalf("IntVal type = %v, want int64", iv.Type())
	}
	v, _, _, ok := iv.Get()
	if !ok || v.Int64 != 7 {
		t.Fatalf("IntVal init not applied: %+v ok=%v", v, ok)
	}
	if iv.Desc() != "a test integer" {
		t.Fatalf("IntVal desc = %q", iv.Desc())
	}

	fv, ok := reg.Get("FloatVal")
	if !ok {
		t.Fatalf("FloatVal not created")
	}
	if minV, ok := fv.Min(); !ok || minV != 0.0 {
		t.Fatalf("FloatVal min = %v, ok=%v", minV, ok)
	}
	v, _, _, _ = fv.Get()
	if v.Float64 != 3.5 {
		t.Fatalf("FloatVal init = %v, want 3.5", v.Float64)
	}

	tv, ok := reg.Get("TextVal")
	if !ok || tv.Type() != tag.TypeText {
		t.Fatalf("TextVal missing or wrong type")
	}
	if _, _, _, ok := tv.Get(); ok {
		t.Fatalf("TextVal should remain unset (no init given)")
	}

	sv, ok := reg.Get("StateVal")
	if !ok || sv.Type() != tag.TypeInt64 {
		t.Fatalf("StateVal missing or not int64 (multi implies int)")
	}
	if len(sv.Multi()) != 3 || sv.Multi()[1] != "ON" {
		t.Fatalf("StateVal multi = %v", sv.Multi())
	}
}

func TestLoadUnknownTypeErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("X:\n  type: nope\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	reg := tag.NewRegistry()
	if err := Load(path, reg); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
