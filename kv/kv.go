// Package kv wraps the memcached protocol client the proxy uses to
// reach its durable and counter stores (the "backend memcache" and
// "viewdb" clusters). Methods are synchronous; callers that need
// concurrency run them from the data store's fan-out.
package kv

import (
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
)

// Client is a thin multi-key wrapper over a memcached client.
type Client struct {
	mc *memcache.Client
}

// New returns a Client using the provided server(s) with equal weight.
func New(server ...string) *Client {
	return NewWithClient(memcache.New(server...))
}

// NewWithClient returns a Client over an existing memcache client.
func NewWithClient(mc *memcache.Client) *Client {
	return &Client{mc: mc}
}

// Get returns the value for key and whether it was present. A cache
// miss is not an error.
func (c *Client) Get(key string) ([]byte, bool, error) {
	item, err := c.mc.Get(key)
	if err == memcache.ErrCacheMiss {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "kv get %s", key)
	}
	return item.Value, true, nil
}

// GetMulti returns the present subset of keys in one batch.
func (c *Client) GetMulti(keys []string) (map[string][]byte, error) {
	items, err := c.mc.GetMulti(keys)
	out := make(map[string][]byte, len(items))
	for key, item := range items {
		out[key] = item.Value
	}
	if err != nil {
		return out, errors.Wrap(err, "kv get_multi")
	}
	return out, nil
}

// Set stores key for ttl; a zero ttl never expires.
func (c *Client) Set(key string, value []byte, ttl time.Duration) error {
	return c.mc.Set(&memcache.Item{Key: key, Value: value, Expiration: int32(ttl / time.Second)})
}

// SetMulti stores every entry under a shared ttl.
func (c *Client) SetMulti(items map[string][]byte, ttl time.Duration) error {
	var firstErr error
	for key, value := range items {
		if err := c.Set(key, value, ttl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Add stores key only if it is absent.
func (c *Client) Add(key string, value []byte) error {
	err := c.mc.Add(&memcache.Item{Key: key, Value: value})
	if err == memcache.ErrNotStored {
		return nil
	}
	return err
}

// Delete removes key; deleting an absent key is not an error.
func (c *Client) Delete(key string) error {
	err := c.mc.Delete(key)
	if err == memcache.ErrCacheMiss {
		return nil
	}
	return err
}

// DeleteMulti removes every key.
func (c *Client) DeleteMulti(keys []string) error {
	var firstErr error
	for _, key := range keys {
		if err := c.Delete(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Incr adds one to the counter at key. Incrementing an absent key is
// memcached's call to make, not ours.
func (c *Client) Incr(key string) error {
	_, err := c.mc.Increment(key, 1)
	return err
}

// Decr subtracts one from the counter at key.
func (c *Client) Decr(key string) error {
	_, err := c.mc.Decrement(key, 1)
	return err
}
