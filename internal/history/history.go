// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package history demonstrates the RTA-author side of the external
// history recorder spec.md §1 and §8 scenario S5 describe: it appends
// every sample of a watched Tag to a bounded in-memory series, and
// authors a `__history__` tag so other processes can request a time
// range via RTA. Real persistence (spec.md's Non-goals: "no persistence
// of tag values by the bus itself") is the recorder's job, not the bus's;
// this package is the bus-facing half of that external collaborator.
package history

import (
	"sort"
	"sync"

	"github.com/pymscada/pymscada/pkg/log"
	"github.com/pymscada/pymscada/pkg/rta"
	"github.com/pymscada/pymscada/pkg/tag"
	"github.com/pymscada/pymscada/pkg/wire"
)

// Sample is one recorded (time, value) pair.
type Sample struct {
	TimeUs int64
	Value  wire.Value
}

// Recorder appends samples for every tag it watches and answers RTA
// queries on the history tag it authors.
type Recorder struct {
	maxSamplesPerTag int

	mu     sync.Mutex
	series map[string][]Sample
}

// NewRecorder returns a Recorder retaining at most maxSamplesPerTag
// samples per watched tag (oldest dropped first).
func NewRecorder(maxSamplesPerTag int) *Recorder {
	return &Recorder{maxSamplesPerTag: maxSamplesPerTag, series: make(map[string][]Sample)}
}

// Watch appends every future change of t to its series.
func (r *Recorder) Watch(t *tag.Tag) {
	t.AddCallback(func(t *tag.Tag) {
		v, timeUs, _, ok := t.Get()
		if !ok {
			return
		}
		r.append(t.Name(), Sample{TimeUs: timeUs, Value: v})
	}, 0)
}

func (r *Recorder) append(name string, s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	series := append(r.series[name], s)
	if len(series) > r.maxSamplesPerTag {
		series = series[len(series)-r.maxSamplesPerTag:]
	}
	r.series[name] = series
}

// Range returns every retained sample of name with TimeUs in [start,end].
func (r *Recorder) Range(name string, start, end int64) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.series[name]
	lo := sort.Search(len(all), func(i int) bool { return all[i].TimeUs >= start })
	out := make([]Sample, 0, len(all)-lo)
	for _, s := range all[lo:] {
		if s.TimeUs > end {
			break
		}
		out = append(out, s)
	}
	return out
}

// historyQuery is the JSON shape of an RTA request on the history tag
// (spec.md §8 scenario S5).
type historyQuery struct {
	Tag   string `json:"tag"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

// ServeOn installs this Recorder as the RTA author of historyTag, which
// must be declared tag.TypeMapping. Each request decodes a
// {tag,start,end,__rta_id__} query and responds with
// {tag,samples,__rta_id__} on the same tag, preserving the requester
// cookie so the gateway can route it back to the right browser (spec.md
// §6's JSON RTA cookie convention).
func (r *Recorder) ServeOn(historyTag *tag.Tag) error {
	return historyTag.SetRTAHandler(func(t *tag.Tag, req wire.Value) {
		m, ok := req.Any.(map[string]interface{})
		if !ok {
			log.Warnf("history: malformed RTA request on %q", t.Name())
			return
		}
		q := parseQuery(m)
		cookie, _ := rta.CookieFromJSON(req)

		samples := r.Range(q.Tag, q.Start, q.End)
		resp := map[string]interface{}{
			"tag":     q.Tag,
			"samples": encodeSamples(samples),
		}
		t.SetNow(rta.WithJSONCookie(wire.JSONValue(resp), cookie))
	})
}

func parseQuery(m map[string]interface{}) historyQuery {
	var q historyQuery
	if s, ok := m["tag"].(string); ok {
		q.Tag = s
	}
	if n, ok := m["start"].(float64); ok {
		q.Start = int64(n)
	}
	if n, ok := m["end"].(float64); ok {
		q.End = int64(n)
	}
	return q
}

func encodeSamples(samples []Sample) []interface{} {
	out := make([]interface{}, len(samples))
	for i, s := range samples {
		out[i] = []interface{}{s.TimeUs, jsonable(s.Value)}
	}
	return out
}

func jsonable(v wire.Value) interface{} {
	switch v.Kind {
	case wire.KindInt64:
		return v.Int64
	case wire.KindFloat64:
		return v.Float64
	case wire.KindText:
		return v.Text
	case wire.KindBytes:
		return v.Bytes
	case wire.KindJSON:
		return v.Any
	default:
		return nil
	}
}
