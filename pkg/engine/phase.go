package engine

import (
	"fmt"
	"sort"
)

// Phase is one named step of a plan. It must end every invocation with
// exactly one of ctl.Finish, ctl.Retry or ctl.Hold, unless ctl.Pausing
// reported a pending pause, in which case it returns without any of them.
type Phase func(ctl *Control)

// Registry is the static table of phases, in execution order.
type Registry struct {
	order  []string
	index  map[string]int
	phases map[string]Phase
}

// NewRegistry builds a registry. Every name in order must have an
// implementation and every implementation must appear in order.
func NewRegistry(order []string, phases map[string]Phase) (*Registry, error) {
	if len(order) == 0 {
		return nil, fmt.Errorf("phase list is empty")
	}

	r := &Registry{
		order:  append([]string(nil), order...),
		index:  make(map[string]int, len(order)),
		phases: make(map[string]Phase, len(order)),
	}

	for i, name := range order {
		if _, dup := r.index[name]; dup {
			return nil, fmt.Errorf("phase %q listed twice", name)
		}
		fn, ok := phases[name]
		if !ok || fn == nil {
			return nil, fmt.Errorf("phase %q has no implementation", name)
		}
		r.index[name] = i
		r.phases[name] = fn
	}

	var extra []string
	for name := range phases {
		if _, ok := r.index[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return nil, fmt.Errorf("phases not in the ordered list: %v", extra)
	}

	return r, nil
}

// Names returns the ordered phase list.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// First returns the first phase name.
func (r *Registry) First() string {
	return r.order[0]
}

// Contains reports whether name is in the ordered list.
func (r *Registry) Contains(name string) bool {
	_, ok := r.index[name]
	return ok
}

// Lookup returns the implementation of name.
func (r *Registry) Lookup(name string) (Phase, bool) {
	fn, ok := r.phases[name]
	return fn, ok
}

// Next returns the phase after name. The second result is false when name
// is the last phase.
func (r *Registry) Next(name string) (string, bool) {
	i, ok := r.index[name]
	if !ok || i+1 >= len(r.order) {
		return "", false
	}
	return r.order[i+1], true
}
