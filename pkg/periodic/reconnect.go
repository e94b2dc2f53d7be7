// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package periodic

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"github.com/pymscada/pymscada/pkg/log"
)

// ReconnectMinDelay and ReconnectMaxDelay bound the full-jitter backoff a
// bus client uses between dial attempts (spec.md §4.3 step 5: "100ms ->
// 30s, full jitter").
const (
	ReconnectMinDelay = 100 * time.Millisecond
	ReconnectMaxDelay = 30 * time.Second
)

// Dialer attempts to establish and fully use a connection, blocking until
// it fails or ctx is cancelled. A bus client's Dialer dials, negotiates
// TUS, re-registers tags, and then runs its read loop; it returns the
// error that ended the connection.
type Dialer func(ctx context.Context) error

// Reconnect calls dial repeatedly until ctx is cancelled, waiting with
// full-jitter exponential backoff between attempts. The backoff resets to
// ReconnectMinDelay after any attempt that stays connected for at least
// stableAfter, so a long-lived connection that eventually drops doesn't
// inherit a stale, maxed-out delay from an earlier outage.
func Reconnect(ctx context.Context, name string, stableAfter time.Duration, dial Dialer) {
	b := &backoff.Backoff{
		Min:    ReconnectMinDelay,
		Max:    ReconnectMaxDelay,
		Jitter: true,
	}
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		err := dial(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) >= stableAfter {
			b.Reset()
		}
		log.Warnf("%s: connection ended: %v", name, err)

		delay := b.Duration()
		log.Infof("%s: reconnecting in %s", name, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}
