// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes the bus server's operational counters and
// gauges as Prometheus metrics, for an external scrape target; the bus
// protocol itself carries none of this (spec.md's Non-goals exclude an
// observability layer from the wire protocol, not from the process).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks currently open bus connections.
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pymscada",
		Subsystem: "bus",
		Name:      "connections",
		Help:      "Number of currently open bus connections.",
	})

	// FramesIn counts whole messages read, by command; a fragmented
	// message counts once, after reassembly.
	FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pymscada",
		Subsystem: "bus",
		Name:      "frames_in_total",
		Help:      "Frames read from bus connections, by command.",
	}, []string{"command"})

	// FramesOut counts whole messages written, by command; a fragmented
	// message counts once.
	FramesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pymscada",
		Subsystem: "bus",
		Name:      "frames_out_total",
		Help:      "Frames written to bus connections, by command.",
	}, []string{"command"})

	// StaleDrops counts SETs rejected for carrying an older time_us than
	// the stored value (spec.md §7).
	StaleDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pymscada",
		Subsystem: "bus",
		Name:      "stale_drops_total",
		Help:      "SET messages dropped for an out-of-order time_us.",
	})

	// RTANoAuthor counts RTA requests that failed because the target tag
	// has no author yet (spec.md §7).
	RTANoAuthor = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pymscada",
		Subsystem: "bus",
		Name:      "rta_no_author_total",
		Help:      "RTA requests that errored for lack of a tag author.",
	})

	// RTALatency observes the time between busserver forwarding an RTA
	// request to a tag's author and that author's next SET on the same
	// tag. Best-effort, since RTA carries no correlation cookie at the
	// protocol level (spec.md §5): concurrent RTAs against one tag have
	// their latencies conflated.
	RTALatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pymscada",
		Subsystem: "bus",
		Name:      "rta_latency_seconds",
		Help:      "Observed latency between an RTA request and its author's response.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Handler returns the HTTP handler a binary mounts at /metrics.
func Handler() http.Handler { return promhttp.Handler() }
