// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tag

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the numeric id the runtime prints at the head of
// a goroutine's stack trace. Tag.Set uses it to tell a genuine recursive
// write (same goroutine, nested inside its own callback) apart from an
// unrelated goroutine that simply wants the tag's mutex next; there is
// no supported API for this, so it parses runtime.Stack's output like
// several reentrant-lock implementations in the wild do.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i >= 0 {
		buf = buf[:i]
	}
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}
