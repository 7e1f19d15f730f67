// Package leveldbcache provides an implementation of twice.Cache that
// uses github.com/syndtr/goleveldb/leveldb.
//
// leveldb has no native TTL, so each stored envelope carries its own
// expiry; expired entries read as absent.
package leveldbcache

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/twicecache/twice"
)

// timeNow is stubbed by tests.
var timeNow = time.Now

type envelope struct {
	Element   *twice.Element `msgpack:"element"`
	ExpiresOn int64          `msgpack:"expires_on"` // unix seconds, 0 = no expiry
}

// Cache is an implementation of twice.Cache with leveldb storage.
type Cache struct {
	db *leveldb.DB
}

// New returns a new Cache that will store leveldb in path.
func New(path string) (*Cache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

// NewWithDB returns a new Cache using the provided leveldb as
// underlying storage.
func NewWithDB(db *leveldb.DB) *Cache {
	return &Cache{db: db}
}

// Get returns the requested keys, mapping missing or expired entries to nil.
func (c *Cache) Get(keys []string) (map[string]*twice.Element, error) {
	now := timeNow().Unix()
	out := make(map[string]*twice.Element, len(keys))
	for _, key := range keys {
		out[key] = nil
		data, err := c.db.Get([]byte(key), nil)
		if err != nil {
			continue
		}
		var env envelope
		if uerr := msgpack.Unmarshal(data, &env); uerr != nil {
			log.Errorf("leveldb: undecodable value for %s: %v", key, uerr)
			continue
		}
		if env.ExpiresOn != 0 && now > env.ExpiresOn {
			c.db.Delete([]byte(key), nil)
			continue
		}
		out[key] = env.Element
	}
	return out, nil
}

// Set stores every non-nil element with the given TTL.
func (c *Cache) Set(items map[string]*twice.Element, ttl time.Duration) error {
	var expiresOn int64
	if ttl > 0 {
		expiresOn = timeNow().Add(ttl).Unix()
	}
	batch := new(leveldb.Batch)
	for key, element := range items {
		if element == nil {
			continue
		}
		data, err := msgpack.Marshal(envelope{Element: element, ExpiresOn: expiresOn})
		if err != nil {
			log.Errorf("leveldb: unencodable value for %s: %v", key, err)
			continue
		}
		batch.Put([]byte(key), data)
	}
	return c.db.Write(batch, nil)
}

// Delete removes keys from the cache.
func (c *Cache) Delete(keys []string) error {
	batch := new(leveldb.Batch)
	for _, key := range keys {
		batch.Delete([]byte(key))
	}
	return c.db.Write(batch, nil)
}

// Flush drops every stored entry.
func (c *Cache) Flush() error {
	iter := c.db.NewIterator(&util.Range{}, nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return c.db.Write(batch, nil)
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }
