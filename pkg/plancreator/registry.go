package plancreator

import (
	"fmt"
	"sort"
	"sync"
)

// AnyVersion registers a creator for every document version.
const AnyVersion = ""

type registryKey struct {
	field   string
	typ     string
	version string
}

// Registry maps (field name, type, document version) to a Creator.
type Registry struct {
	mu       sync.RWMutex
	creators map[registryKey]Creator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{creators: make(map[registryKey]Creator)}
}

// Register adds creator for the given versions, or for every version when
// none are named. Registering the same key twice is an error.
func (r *Registry) Register(creator Creator, versions ...string) error {
	if creator == nil {
		return fmt.Errorf("creator cannot be nil")
	}
	if len(versions) == 0 {
		versions = []string{AnyVersion}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var keys []registryKey
	for field, types := range creator.SupportedTypes() {
		for _, typ := range types {
			for _, v := range versions {
				key := registryKey{field: field, typ: typ, version: v}
				if _, exists := r.creators[key]; exists {
					return fmt.Errorf("creator already registered for field %q type %q version %q", field, typ, v)
				}
				keys = append(keys, key)
			}
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("creator supports no types")
	}
	for _, key := range keys {
		r.creators[key] = creator
	}
	return nil
}

// MustRegister is Register for startup code that cannot proceed on error.
func (r *Registry) MustRegister(creator Creator, versions ...string) {
	if err := r.Register(creator, versions...); err != nil {
		panic(err)
	}
}

// Lookup finds the creator for a node. Exact type and version win over
// AnyType and AnyVersion.
func (r *Registry) Lookup(field, typ, version string) (Creator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := []registryKey{
		{field, typ, version},
		{field, AnyType, version},
		{field, typ, AnyVersion},
		{field, AnyType, AnyVersion},
	}
	for _, key := range candidates {
		if c, ok := r.creators[key]; ok {
			return c, true
		}
	}
	return nil, false
}

// Fields lists the registered field names.
func (r *Registry) Fields() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for key := range r.creators {
		seen[key.field] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
