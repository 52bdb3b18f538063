package domwatch

import "sync"

// Registry is the set of element keys already optimised.
type Registry struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]struct{})}
}

// Claim inserts key and reports whether it was absent. Exactly one caller
// wins for a given key.
func (r *Registry) Claim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key]; ok {
		return false
	}
	r.keys[key] = struct{}{}
	return true
}

// Has reports whether key was claimed.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.keys[key]
	return ok
}

// Len returns the number of claimed keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// Reset forgets every key.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.keys = make(map[string]struct{})
	r.mu.Unlock()
}
