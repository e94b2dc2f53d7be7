// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tag

import "sync"

// CreateHook is invoked whenever a brand-new Tag is created through a
// Registry, outside the registry's own lock. A bus client uses this to
// emit ID+SUB for tags created after it has already connected (spec.md
// §4.3 step 3).
type CreateHook func(t *Tag)

// Registry is a process-wide mapping from tag name to *Tag, modelled as
// an explicit context object rather than a package global so tests stay
// parallelisable (spec.md §9's redesign note). Most programs only need
// Default().
type Registry struct {
	mu         sync.Mutex
	tags       map[string]*Tag
	createHook CreateHook
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{tags: make(map[string]*Tag)}
}

// SetCreateHook installs the hook called after a new Tag is created.
// Only one hook is supported; a bus client installs it once at startup.
func (r *Registry) SetCreateHook(h CreateHook) {
	r.mu.Lock()
	r.createHook = h
	r.mu.Unlock()
}

// New returns the Tag named name, creating it with the given declared
// type if it doesn't already exist. A second call for an existing name
// returns the same *Tag instance regardless of the type argument (spec.md
// §3: "creating a second Tag with an existing name returns the existing
// instance").
func (r *Registry) New(name string, typ Type) *Tag {
	r.mu.Lock()
	if t, ok := r.tags[name]; ok {
		r.mu.Unlock()
		return t
	}
	t := newTag(name, typ)
	r.tags[name] = t
	hook := r.createHook
	r.mu.Unlock()

	if hook != nil {
		hook(t)
	}
	return t
}

// Get returns the Tag named name, if it has been created.
func (r *Registry) Get(name string) (*Tag, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tags[name]
	return t, ok
}

// ByID returns the first Tag whose assigned ID matches id, by a linear
// scan. pkg/busclient does not use it: it routes incoming SET/RTA frames
// through its own id->name map built from ID replies.
func (r *Registry) ByID(id uint16) (*Tag, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tags {
		if t.ID() == id {
			return t, true
		}
	}
	return nil, false
}

// All returns a snapshot slice of every Tag currently registered.
func (r *Registry) All() []*Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tag, 0, len(r.tags))
	for _, t := range r.tags {
		out = append(out, t)
	}
	return out
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide default Registry. Application code
// that doesn't need test isolation uses this; tests that want a clean
// namespace construct their own with NewRegistry.
func Default() *Registry { return defaultRegistry }
