package region

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownRegion is wrapped by Lookup failures.
var ErrUnknownRegion = errors.New("unknown region connector")

// Registry routes work to adapters by region-connector id or country code.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]Adapter
	byCountry map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{byID: map[string]Adapter{}, byCountry: map[string]Adapter{}}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(a Adapter) error {
	id := strings.ToLower(a.ID())
	if id == "" {
		return fmt.Errorf("region adapter without id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("region connector %s registered twice", id)
	}
	r.byID[id] = a
	if c := strings.ToUpper(a.Country()); c != "" {
		// first adapter wins the country route
		if _, ok := r.byCountry[c]; !ok {
			r.byCountry[c] = a
		}
	}
	return nil
}

// Lookup accepts a region-connector id ("fi-fingrid") or a country code ("FI").
func (r *Registry) Lookup(key string) (Adapter, error) {
	key = strings.TrimSpace(key)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.byID[strings.ToLower(key)]; ok {
		return a, nil
	}
	if a, ok := r.byCountry[strings.ToUpper(key)]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRegion, key)
}

// IDs lists registered region-connector ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Adapters returns the registered adapters ordered by id.
func (r *Registry) Adapters() []Adapter {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id])
	}
	return out
}
