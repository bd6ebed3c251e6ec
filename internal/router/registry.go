package router

import (
	"sync/atomic"

	"github.com/vnmchuo/llm-router/internal/provider"
)

// Entry pairs a profile with the transport built for it. Entries are immutable; a call
// keeps using the entry it captured even if the registry is swapped underneath it.
type Entry struct {
	Profile   provider.Profile
	Transport provider.Transport
}

type registrySnapshot struct {
	entries []*Entry
	byName  map[string]*Entry
}

// Registry holds the configured providers. Readers never block; ReplaceAll swaps the whole
// set atomically.
type Registry struct {
	factory provider.Factory
	current atomic.Pointer[registrySnapshot]
}

func NewRegistry(factory provider.Factory) *Registry {
	r := &Registry{factory: factory}
	r.current.Store(&registrySnapshot{byName: map[string]*Entry{}})
	return r
}

func (r *Registry) Get(name string) (*Entry, bool) {
	e, ok := r.current.Load().byName[name]
	return e, ok
}

// List returns entries in declaration order.
func (r *Registry) List() []*Entry {
	s := r.current.Load()
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ReplaceAll validates every profile, builds its transport and only then publishes the new
// set. On error the previous set stays in place.
func (r *Registry) ReplaceAll(profiles []provider.Profile) error {
	next := &registrySnapshot{
		entries: make([]*Entry, 0, len(profiles)),
		byName:  make(map[string]*Entry, len(profiles)),
	}
	for _, p := range profiles {
		if err := ValidateProfile(p); err != nil {
			return err
		}
		if _, dup := next.byName[p.Name]; dup {
			return &ConfigurationError{Provider: p.Name, Reason: "duplicate provider name"}
		}
		tr, err := r.factory(p)
		if err != nil {
			return &ConfigurationError{Provider: p.Name, Reason: err.Error()}
		}
		e := &Entry{Profile: p, Transport: tr}
		next.entries = append(next.entries, e)
		next.byName[p.Name] = e
	}
	r.current.Store(next)
	return nil
}

// ValidateProfile checks the load-time invariants of a single profile.
func ValidateProfile(p provider.Profile) error {
	if p.Name == "" {
		return &ConfigurationError{Reason: "provider name is required"}
	}
	switch p.Type {
	case provider.TypeOpenAI, provider.TypeAnthropic:
	case provider.TypeAzureOpenAI:
		if p.AzureDeployment == "" || p.AzureAPIVersion == "" {
			return &ConfigurationError{Provider: p.Name, Reason: "azure-openai requires both deployment name and api version"}
		}
		if p.BaseURL == "" {
			return &ConfigurationError{Provider: p.Name, Reason: "azure-openai requires an endpoint"}
		}
	default:
		return &ConfigurationError{Provider: p.Name, Reason: "unknown provider type " + p.Type.String()}
	}
	if p.ContextWindow <= 0 {
		return &ConfigurationError{Provider: p.Name, Reason: "context window must be positive"}
	}
	return nil
}
