package engine

import (
	"context"

	"github.com/twinsync/twinsync/pkg/fragment"
)

// Plugin owns one configuration domain. Collect observes the live
// system, Diff computes the actions that move observed toward desired,
// and Apply carries one action out. A plugin sees only its own domain's
// fragments and never touches the repository.
type Plugin interface {
	// Domain returns the domain name this plugin owns.
	Domain() string

	// Collect observes the live system and returns the domain's
	// current state as a fragment.
	Collect(ctx context.Context) (*fragment.Fragment, error)

	// ValidateDesired checks a desired fragment against the domain's
	// schema before it is diffed.
	ValidateDesired(desired *fragment.Fragment) error

	// Diff computes the ordered actions that would move observed state
	// to desired state. Iteration is deterministic: same inputs, same
	// action order.
	Diff(desired, observed *fragment.Fragment) ([]Action, error)

	// Apply executes one action against the live system.
	Apply(ctx context.Context, action Action) error
}

// Registry holds plugins in registration order. Registration order is
// execution order for both collection and planning, so dependencies
// between domains (packages before services, services before files) are
// expressed by registering in that order.
type Registry struct {
	plugins []Plugin
	byName  map[string]Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Plugin)}
}

// Register adds a plugin. Registering a duplicate domain replaces the
// earlier plugin in place, keeping its position.
func (r *Registry) Register(p Plugin) {
	domain := p.Domain()
	if _, ok := r.byName[domain]; ok {
		for i, existing := range r.plugins {
			if existing.Domain() == domain {
				r.plugins[i] = p
				break
			}
		}
	} else {
		r.plugins = append(r.plugins, p)
	}
	r.byName[domain] = p
}

// Get returns the plugin for a domain, or nil.
func (r *Registry) Get(domain string) Plugin {
	return r.byName[domain]
}

// All returns the plugins in registration order.
func (r *Registry) All() []Plugin {
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// Domains returns the domain names in registration order.
func (r *Registry) Domains() []string {
	out := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p.Domain())
	}
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	return len(r.plugins)
}
