package twice

import (
	"time"

	"github.com/pkg/errors"
)

// ErrUnsupported is returned by cache operations a backend cannot
// perform (memcached has no flush-by-prefix, for instance).
var ErrUnsupported = errors.New("unsupported cache operation")

// A Cache stores elements for the data store. Implementations are
// interchangeable; selection is config-driven at startup.
//
// Get returns a mapping that contains every requested key; absent or
// expired entries map to nil, so callers need no special case per
// backend. Set stores every element under a single TTL; a zero TTL
// means the backend's no-expiry behavior.
type Cache interface {
	Get(keys []string) (map[string]*Element, error)
	Set(items map[string]*Element, ttl time.Duration) error
	Delete(keys []string) error
	Flush() error
}
