package vendors

import (
	"fmt"
	"sort"
)

// Registry is the closed vendor-type → adapter mapping, built once at
// startup. An unknown vendor type is a configuration error surfaced
// immediately, never retried.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		id := a.Info().ID
		if id == "" {
			return nil, fmt.Errorf("adapter with empty vendor id")
		}
		if _, dup := r.adapters[id]; dup {
			return nil, fmt.Errorf("duplicate adapter for vendor %q", id)
		}
		r.adapters[id] = a
	}
	return r, nil
}

func (r *Registry) Resolve(vendor string) (Adapter, error) {
	a, ok := r.adapters[vendor]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for vendor %q", vendor)
	}
	return a, nil
}

// ResolvePush resolves a vendor that must accept externally-initiated
// deliveries.
func (r *Registry) ResolvePush(vendor string) (PushAdapter, error) {
	a, err := r.Resolve(vendor)
	if err != nil {
		return nil, err
	}
	p, ok := a.(PushAdapter)
	if !ok {
		return nil, fmt.Errorf("vendor %q does not accept push deliveries", vendor)
	}
	return p, nil
}

// Vendors lists the registered vendor ids, sorted.
func (r *Registry) Vendors() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
