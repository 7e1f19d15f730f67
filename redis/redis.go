// Package redis provides a redis-backed implementation of twice.Cache.
package redis

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/twicecache/twice"
)

// cache is an implementation of twice.Cache that stores elements in a
// redis server. Same digest and value envelope as the memcache backend.
type cache struct {
	pool *redis.Pool
}

// New returns a new Cache connected to addr.
func New(addr string) twice.Cache {
	return NewWithPool(&redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 240 * time.Second,
		Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", addr) },
	})
}

// NewWithPool returns a new Cache with the given connection pool.
func NewWithPool(pool *redis.Pool) twice.Cache {
	return cache{pool: pool}
}

func cacheKey(key string) string {
	digest := md5.Sum([]byte(key))
	return "twice:" + hex.EncodeToString(digest[:])
}

// Get fetches keys with a single MGET, mapping misses to nil.
func (c cache) Get(keys []string) (map[string]*twice.Element, error) {
	conn := c.pool.Get()
	defer conn.Close()

	args := make([]interface{}, len(keys))
	for i, key := range keys {
		args[i] = cacheKey(key)
	}
	values, err := redis.Values(conn.Do("MGET", args...))
	out := make(map[string]*twice.Element, len(keys))
	for i, key := range keys {
		out[key] = nil
		if err != nil || i >= len(values) {
			continue
		}
		data, ok := values[i].([]byte)
		if !ok || data == nil {
			continue
		}
		var element twice.Element
		if uerr := msgpack.Unmarshal(data, &element); uerr != nil {
			log.Errorf("redis: undecodable value for %s: %v", key, uerr)
			continue
		}
		out[key] = &element
	}
	return out, err
}

// Set pipelines a SETEX per element.
func (c cache) Set(items map[string]*twice.Element, ttl time.Duration) error {
	conn := c.pool.Get()
	defer conn.Close()

	seconds := int(ttl / time.Second)
	for key, element := range items {
		if element == nil {
			continue
		}
		data, err := msgpack.Marshal(element)
		if err != nil {
			log.Errorf("redis: unencodable value for %s: %v", key, err)
			continue
		}
		if seconds > 0 {
			conn.Send("SETEX", cacheKey(key), seconds, data)
		} else {
			conn.Send("SET", cacheKey(key), data)
		}
	}
	return conn.Flush()
}

// Delete removes keys from the cache.
func (c cache) Delete(keys []string) error {
	conn := c.pool.Get()
	defer conn.Close()

	args := make([]interface{}, len(keys))
	for i, key := range keys {
		args[i] = cacheKey(key)
	}
	_, err := conn.Do("DEL", args...)
	return err
}

// Flush clears the selected database.
func (c cache) Flush() error {
	conn := c.pool.Get()
	defer conn.Close()

	_, err := conn.Do("FLUSHDB")
	return err
}
