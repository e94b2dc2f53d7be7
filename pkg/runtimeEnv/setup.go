// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package runtimeEnv provides small OS/systemd integration helpers shared
// by every pymscada binary (bus server, gateway, history recorder, drivers).
package runtimeEnv

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/pymscada/pymscada/pkg/log"
)

// DropPrivileges changes the process's user and group to that given, e.g.
// after a bus server has bound its privileged listening port. The Go
// runtime takes care of all threads (not just the calling one) executing
// the underlying syscall.
func DropPrivileges(username string, group string) error {
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			log.Warn("runtimeEnv: error while looking up group")
			return err
		}

		gid, _ := strconv.Atoi(g.Gid)
		if err := syscall.Setgid(gid); err != nil {
			log.Warn("runtimeEnv: error while setting gid")
			return err
		}
	}

	if username != "" {
		u, err := user.Lookup(username)
		if err != nil {
			log.Warn("runtimeEnv: error while looking up user")
			return err
		}

		uid, _ := strconv.Atoi(u.Uid)
		if err := syscall.Setuid(uid); err != nil {
			log.Warn("runtimeEnv: error while setting uid")
			return err
		}
	}

	return nil
}

// SystemdNotify informs systemd of process readiness/status, if started
// under systemd: https://www.freedesktop.org/software/systemd/man/sd_notify.html
//
// A bus server that exits (§7: a server fault is fatal) relies on the
// supervisor to restart it; this is how it tells systemd it came back up.
func SystemdNotify(ready bool, status string) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return
	}

	args := []string{fmt.Sprintf("--pid=%d", os.Getpid())}
	if ready {
		args = append(args, "--ready")
	}

	if status != "" {
		args = append(args, fmt.Sprintf("--status=%s", status))
	}

	cmd := exec.Command("systemd-notify", args...)
	cmd.Run() // errors ignored on purpose, there is not much to do anyways.
}
