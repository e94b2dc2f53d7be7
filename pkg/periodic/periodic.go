// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package periodic provides the scheduling primitives pymscada processes
// use outside the bus protocol itself: a drift-corrected periodic ticker
// for polling drivers and heartbeats, a bus-reconnect loop with backoff,
// and a bounded, per-tag-coalescing outbound frame queue.
package periodic

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/pymscada/pymscada/pkg/log"
)

// Scheduler wraps a gocron.Scheduler to run fixed-period work with drift
// correction: the first fire is aligned to the next `period` boundary
// (ceil(now/period)*period, spec.md §4.5) rather than `period` after
// Every is called, so two drivers started seconds apart on the same
// period still tick in lockstep.
type Scheduler struct {
	s gocron.Scheduler
}

// New returns a Scheduler; call Start to begin running registered jobs.
func New() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("periodic: creating scheduler: %w", err)
	}
	return &Scheduler{s: s}, nil
}

// Every registers fn to run every period, aligned to the next period
// boundary, skipping missed ticks if fn is still running when the next
// one is due rather than queueing a backlog (spec.md §4.5 "overruns skip
// missed ticks rather than backlogging").
func (sch *Scheduler) Every(period time.Duration, name string, fn func()) error {
	if period <= 0 {
		return fmt.Errorf("periodic: period must be positive, got %s", period)
	}
	start := alignedStart(time.Now(), period)
	_, err := sch.s.NewJob(
		gocron.DurationJob(period),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithStartAt(gocron.WithStartDateTime(start)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithEventListeners(gocron.AfterJobRunsWithError(func(jobID uuid.UUID, jobName string, err error) {
			log.Errorf("periodic: job %q failed: %v", jobName, err)
		})),
	)
	if err != nil {
		return fmt.Errorf("periodic: registering job %q: %w", name, err)
	}
	return nil
}

// alignedStart returns the next instant that is a multiple of period
// after the Unix epoch, matching spec.md §4.5's `ceil(now/P)*P`.
func alignedStart(now time.Time, period time.Duration) time.Time {
	rem := now.UnixNano() % period.Nanoseconds()
	if rem == 0 {
		return now
	}
	return now.Add(period - time.Duration(rem))
}

// Start begins running all registered jobs.
func (sch *Scheduler) Start() { sch.s.Start() }

// Shutdown stops the scheduler and waits for in-flight jobs to finish.
func (sch *Scheduler) Shutdown() error { return sch.s.Shutdown() }
