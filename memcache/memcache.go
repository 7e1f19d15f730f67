// Package memcache provides an implementation of twice.Cache that uses
// gomemcache to store elements in a memcached cluster.
//
// Keys are hashed to a fixed-width md5 digest before they go on the
// wire, and values are serialized with msgpack. Multi-key reads batch
// into a single GetMulti.
package memcache

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/twicecache/twice"
)

// Cache is an implementation of twice.Cache backed by memcached.
type Cache struct {
	client *memcache.Client
}

// New returns a new Cache using the provided memcache server(s) with
// equal weight.
func New(server ...string) *Cache {
	return NewWithClient(memcache.New(server...))
}

// NewWithClient returns a new Cache with the given memcache client.
func NewWithClient(client *memcache.Client) *Cache {
	return &Cache{client: client}
}

// cacheKey hashes an element key to the fixed-width digest used on the wire.
func cacheKey(key string) string {
	digest := md5.Sum([]byte(key))
	return hex.EncodeToString(digest[:])
}

// Get fetches keys in one batch, mapping misses to nil.
func (c *Cache) Get(keys []string) (map[string]*twice.Element, error) {
	digests := make([]string, len(keys))
	for i, key := range keys {
		digests[i] = cacheKey(key)
	}
	items, err := c.client.GetMulti(digests)
	out := make(map[string]*twice.Element, len(keys))
	for i, key := range keys {
		out[key] = nil
		item, ok := items[digests[i]]
		if !ok {
			continue
		}
		var element twice.Element
		if uerr := msgpack.Unmarshal(item.Value, &element); uerr != nil {
			log.Errorf("memcache: undecodable value for %s: %v", key, uerr)
			continue
		}
		out[key] = &element
	}
	return out, err
}

// Set stores every non-nil element with the given TTL.
func (c *Cache) Set(items map[string]*twice.Element, ttl time.Duration) error {
	var firstErr error
	for key, element := range items {
		if element == nil {
			continue
		}
		data, err := msgpack.Marshal(element)
		if err != nil {
			log.Errorf("memcache: unencodable value for %s: %v", key, err)
			continue
		}
		err = c.client.Set(&memcache.Item{
			Key:        cacheKey(key),
			Value:      data,
			Expiration: int32(ttl / time.Second),
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete removes keys from the cache.
func (c *Cache) Delete(keys []string) error {
	var firstErr error
	for _, key := range keys {
		err := c.client.Delete(cacheKey(key))
		if err != nil && err != memcache.ErrCacheMiss && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Flush is unsupported on memcached.
func (c *Cache) Flush() error {
	log.Error("memcache: flush is not supported")
	return twice.ErrUnsupported
}
