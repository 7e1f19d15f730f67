package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/twicecache/twice"
	"github.com/twicecache/twice/httpmsg"
)

// kind is one entry in the element registry: how to key an element,
// how to fetch it on a miss, and whether a cached copy is still
// servable. Mutators back the incr/decr/set/delete template paths.
type kind struct {
	hash     func(req *httpmsg.Message, id string) string
	fetch    func(ctx context.Context, req *httpmsg.Message, id string) (*twice.Element, error)
	valid    func(req *httpmsg.Message, id string, el *twice.Element) bool
	mutators map[string]func(key string, args ...string) error
}

func alwaysValid(*httpmsg.Message, string, *twice.Element) bool { return true }

// errNoBackend reports a mutator hit while the backing KV is not wired.
var errNoBackend = errors.New("kv backend not configured")

// registry builds the static kind table. Adding a kind is one entry
// here. Kind names must not contain the key separator.
func (s *DataStore) registry() map[string]kind {
	return map[string]kind{
		"expiration": {
			hash: func(req *httpmsg.Message, _ string) string {
				return "expiration_" + trimURI(req.URI)
			},
			// Only the purge path populates expirations.
			fetch: func(context.Context, *httpmsg.Message, string) (*twice.Element, error) {
				return &twice.Element{}, nil
			},
			valid: alwaysValid,
		},

		"page": {
			hash: func(req *httpmsg.Message, _ string) string {
				return s.HashPage(req, PageOpts{})
			},
			fetch: func(ctx context.Context, req *httpmsg.Message, _ string) (*twice.Element, error) {
				return s.fetchPage(ctx, req)
			},
			valid: s.validPage,
		},

		"abdependency": {
			hash: func(req *httpmsg.Message, _ string) string {
				return "abdependency_" + trimURI(req.URI)
			},
			// Populated by the page extractor when the origin declares
			// dependencies.
			fetch: func(context.Context, *httpmsg.Message, string) (*twice.Element, error) {
				return &twice.Element{}, nil
			},
			valid: alwaysValid,
		},

		"abvalue": {
			hash: func(req *httpmsg.Message, _ string) string {
				return "abvalue_" + s.ab.ReadCookie(req)
			},
			fetch: s.fetchABValue,
			valid: alwaysValid,
		},

		"session": {
			hash: func(req *httpmsg.Message, _ string) string {
				id := s.SessionID(req)
				if id == "" {
					return ""
				}
				return "session_" + id
			},
			fetch: s.fetchSession,
			valid: alwaysValid,
		},

		"memcache": {
			hash:  func(_ *httpmsg.Message, id string) string { return "memcache_" + id },
			fetch: s.fetchKVText(func() KV { return s.kv }, "memcache_", 30*time.Second),
			valid: alwaysValid,
			mutators: map[string]func(key string, args ...string) error{
				"set": func(key string, args ...string) error {
					if s.kv == nil {
						return errNoBackend
					}
					log.Infof("Setting memcache %s", key)
					return s.kv.Set(key, []byte(first(args)), 0)
				},
				"incr": func(key string, _ ...string) error {
					if s.kv == nil {
						return errNoBackend
					}
					log.Infof("Incrementing memcache %s", key)
					return s.kv.Incr(key)
				},
				"decr": func(key string, _ ...string) error {
					if s.kv == nil {
						return errNoBackend
					}
					log.Infof("Decrementing memcache %s", key)
					return s.kv.Decr(key)
				},
				"delete": func(key string, _ ...string) error {
					if s.kv == nil {
						return errNoBackend
					}
					s.cache.Delete([]string{"memcache_" + key})
					return s.kv.Delete(key)
				},
			},
		},

		"viewdb": {
			hash:  func(_ *httpmsg.Message, id string) string { return "viewdb_" + id },
			fetch: s.fetchKVText(func() KV { return s.viewdb }, "viewdb_", 30*time.Second),
			valid: alwaysValid,
			mutators: map[string]func(key string, args ...string) error{
				"set": func(key string, args ...string) error {
					if s.viewdb == nil {
						return errNoBackend
					}
					log.Infof("Setting viewdb %s", key)
					return s.viewdb.Add(key, []byte(first(args)))
				},
				"incr": func(key string, _ ...string) error {
					if s.viewdb == nil {
						return errNoBackend
					}
					log.Infof("Incrementing viewdb %s", key)
					s.viewdb.Add(key, []byte("0"))
					return s.viewdb.Incr(key)
				},
			},
		},

		"unread": {
			hash:  s.sessionFamilyHash("unread_"),
			fetch: s.fetchCount("unread", 60*time.Second),
			valid: alwaysValid,
		},

		"favorite": {
			hash:  s.sessionFamilyHash("favorite_"),
			fetch: s.fetchFields("favorite", 60*time.Second),
			valid: alwaysValid,
		},

		"subscription": {
			hash:  s.sessionFamilyHash("subscription_"),
			fetch: s.fetchFields("subscription", 60*time.Second),
			valid: alwaysValid,
		},

		// geo and ip resolve lazily in the pipeline and are never
		// cache-backed; an empty key keeps them out of every fetch.
		"geo": {hash: func(*httpmsg.Message, string) string { return "" }},
		"ip":  {hash: func(*httpmsg.Message, string) string { return "" }},
	}
}

func first(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func (s *DataStore) sessionFamilyHash(prefix string) func(*httpmsg.Message, string) string {
	return func(req *httpmsg.Message, _ string) string {
		id := s.SessionID(req)
		if id == "" {
			return ""
		}
		return prefix + id
	}
}

// fetchKVText reads a raw KV value and caches it briefly under the
// element key.
func (s *DataStore) fetchKVText(kv func() KV, prefix string, ttl time.Duration) func(context.Context, *httpmsg.Message, string) (*twice.Element, error) {
	return func(_ context.Context, _ *httpmsg.Message, id string) (*twice.Element, error) {
		client := kv()
		if client == nil {
			return &twice.Element{}, nil
		}
		value, _, err := client.Get(id)
		if err != nil {
			return nil, err
		}
		el := twice.TextElement(string(value))
		s.cache.Set(map[string]*twice.Element{prefix + id: el}, ttl)
		return el, nil
	}
}

// fetchCount reads the viewdb counter for the session user, producing a
// one-entry field map.
func (s *DataStore) fetchCount(name string, ttl time.Duration) func(context.Context, *httpmsg.Message, string) (*twice.Element, error) {
	return func(_ context.Context, req *httpmsg.Message, _ string) (*twice.Element, error) {
		id := s.SessionID(req)
		if s.viewdb == nil || id == "" {
			return twice.FieldsElement(map[string]string{"count": "0"}), nil
		}
		value, ok, err := s.viewdb.Get(name + id)
		if err != nil {
			return nil, err
		}
		count := "0"
		if ok && len(value) > 0 {
			count = string(value)
		}
		el := twice.FieldsElement(map[string]string{"count": count})
		s.cache.Set(map[string]*twice.Element{name + "_" + id: el}, ttl)
		return el, nil
	}
}

// fetchFields reads a msgpack field map persisted for the session user.
func (s *DataStore) fetchFields(name string, ttl time.Duration) func(context.Context, *httpmsg.Message, string) (*twice.Element, error) {
	return func(_ context.Context, req *httpmsg.Message, _ string) (*twice.Element, error) {
		id := s.SessionID(req)
		fields := map[string]string{}
		if s.viewdb != nil && id != "" {
			value, ok, err := s.viewdb.Get(name + id)
			if err != nil {
				return nil, err
			}
			if ok {
				if uerr := msgpack.Unmarshal(value, &fields); uerr != nil {
					log.Errorf("Undecodable %s blob for %s: %v", name, id, uerr)
					fields = map[string]string{}
				}
			}
		}
		el := twice.FieldsElement(fields)
		s.cache.Set(map[string]*twice.Element{name + "_" + id: el}, ttl)
		return el, nil
	}
}

// fetchSession resolves the session cookie against the relational
// store and caches the flattened row for a day.
func (s *DataStore) fetchSession(ctx context.Context, req *httpmsg.Message, _ string) (*twice.Element, error) {
	id := s.SessionID(req)
	if s.sessions == nil {
		return twice.FieldsElement(map[string]string{}), nil
	}
	fields, err := s.sessions.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	el := twice.FieldsElement(fields)
	if id != "" {
		s.cache.Set(map[string]*twice.Element{"session_" + id: el}, 24*time.Hour)
	}
	return el, nil
}

// fetchABValue loads the persisted cohort, fills in assignments for any
// new tests, re-persists when something changed, and caches the result
// for five minutes.
func (s *DataStore) fetchABValue(_ context.Context, req *httpmsg.Message, _ string) (*twice.Element, error) {
	id := s.ab.ReadCookie(req)
	log.Infof("Looking up ab group: abvalue_%s", id)
	cohort, err := s.ab.Lookup(id)
	if err != nil {
		log.Errorf("Error reading ab cohort: %v", err)
		cohort = map[string]string{}
	}
	updated := s.ab.Assign(cohort)
	el := twice.FieldsElement(cohort)
	s.cache.Set(map[string]*twice.Element{"abvalue_" + id: el}, 5*time.Minute)
	if updated {
		if perr := s.ab.Persist(id, cohort); perr != nil {
			log.Errorf("Error persisting ab cohort: %v", perr)
		}
	}
	return el, nil
}
