package tool

import (
	"sort"

	"relaybot/internal/domain"
)

// Filter applies allow/deny rules to capability names.
type Filter struct {
	allowed map[string]bool // if non-empty, only these capabilities are allowed
	denied  map[string]bool // these capabilities are always denied
}

// NewFilter creates a filter from allow/deny lists. If allowed is non-empty,
// only those names pass. Denied names are blocked regardless of the allow list.
func NewFilter(allowed, denied []string) *Filter {
	f := &Filter{
		allowed: make(map[string]bool),
		denied:  make(map[string]bool),
	}
	for _, n := range allowed {
		f.allowed[n] = true
	}
	for _, n := range denied {
		f.denied[n] = true
	}
	return f
}

// IsAllowed returns true if the name passes the filter.
func (f *Filter) IsAllowed(name string) bool {
	if f == nil {
		return true
	}
	// Deny list always wins.
	if f.denied[name] {
		return false
	}
	if len(f.allowed) > 0 {
		return f.allowed[name]
	}
	return true
}

// IsEmpty returns true if the filter has no rules.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.allowed) == 0 && len(f.denied) == 0)
}

// Apply returns the capabilities that pass the filter, in input order.
func (f *Filter) Apply(caps []*domain.Capability) []*domain.Capability {
	if f.IsEmpty() {
		return caps
	}
	out := make([]*domain.Capability, 0, len(caps))
	for _, c := range caps {
		if f.IsAllowed(c.Name) {
			out = append(out, c)
		}
	}
	return out
}

// Unknown lists rule names that match none of known, sorted. Useful for
// flagging typos in configuration.
func (f *Filter) Unknown(known []string) []string {
	if f.IsEmpty() {
		return nil
	}
	set := make(map[string]bool, len(known))
	for _, n := range known {
		set[n] = true
	}
	var out []string
	for _, m := range []map[string]bool{f.allowed, f.denied} {
		for n := range m {
			if !set[n] {
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out
}
