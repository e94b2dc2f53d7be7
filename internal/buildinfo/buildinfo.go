// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package buildinfo reports the version stamped into each cmd/ binary at
// build time, for the "-version" flag every binary exposes.
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// Version, Commit and Date are overridden at build time via
//
//	go build -ldflags "-X github.com/pymscada/pymscada/internal/buildinfo.Version=1.2.3 ..."
//
// A plain `go build` (as run by `go install` from source) leaves them at
// the defaults below.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// String returns a single-line summary suitable for a "-version" flag or
// a startup log line.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}

// GoVersion returns the Go toolchain version the running binary was
// built with, read from the embedded module build info.
func GoVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	return bi.GoVersion
}
