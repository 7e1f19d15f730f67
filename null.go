package twice

import "time"

// NullCache caches nothing: every read misses and every write is a
// no-op. Get still returns the full key set mapped to nil so callers
// need no special case.
type NullCache struct{}

// NewNullCache returns a Cache that never stores anything.
func NewNullCache() NullCache { return NullCache{} }

// Get maps every key to nil.
func (NullCache) Get(keys []string) (map[string]*Element, error) {
	out := make(map[string]*Element, len(keys))
	for _, key := range keys {
		out[key] = nil
	}
	return out, nil
}

// Set discards items.
func (NullCache) Set(map[string]*Element, time.Duration) error { return nil }

// Delete discards keys.
func (NullCache) Delete([]string) error { return nil }

// Flush does nothing.
func (NullCache) Flush() error { return nil }
