// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tag

import "fmt"

// FaultError is a programming-error fault (spec.md §7): reentrant writes
// and type-mismatched sets. Per the error taxonomy these are raised, not
// recovered, by the code that triggers them; Tag.Set panics with one and
// expects the caller (normally a callback dispatcher) to decide whether
// to recover.
type FaultError struct {
	TagName string
	Msg     string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("tag %s: %s", e.TagName, e.Msg)
}

// ErrNoRTAHandler reports that no author has ever claimed a tag. Nothing
// in this module returns it: an RTA with no author comes back from the
// bus server as an ERR frame, which pkg/busclient logs.
type ErrNoRTAHandler struct {
	TagName string
}

func (e *ErrNoRTAHandler) Error() string {
	return fmt.Sprintf("tag %s: no RTA author", e.TagName)
}

// ErrRTAHandlerSet is returned by SetRTAHandler when a handler is already
// registered (spec.md §4.4: "at most one per tag").
type ErrRTAHandlerSet struct {
	TagName string
}

func (e *ErrRTAHandlerSet) Error() string {
	return fmt.Sprintf("tag %s: RTA handler already set", e.TagName)
}
