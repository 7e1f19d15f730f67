// Package store is the central dispatcher between the request pipeline
// and everything that can produce data: the page cache, the origin web
// server, the relational session store, and the KV clusters.
//
// Every piece of data is an element with a kind; each kind supplies a
// hasher, a fetcher, and a revalidation predicate through a static
// registry. Get reads the cache, then fans fetchers out in parallel for
// whatever was missing or invalid.
package store

import (
	"context"
	"net"
	"net/url"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/twicecache/twice"
	"github.com/twicecache/twice/abtest"
	"github.com/twicecache/twice/config"
	"github.com/twicecache/twice/httpmsg"
	"github.com/twicecache/twice/mail"
)

// nowSeconds is stubbed by tests.
var nowSeconds = func() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Error kinds the pipeline translates to responses.
var (
	// ErrTimeout means the origin did not answer within the deadline.
	ErrTimeout = errors.New("origin timeout")
	// ErrOrigin means the origin connection or response failed.
	ErrOrigin = errors.New("origin failure")
)

// originTimeout bounds one origin round trip.
var originTimeout = 25 * time.Second

var uncacheableStatus = map[int]bool{
	500: true, 502: true, 503: true, 504: true, 304: true, 307: true,
}

var uncacheableMethods = map[string]bool{
	"POST": true, "PUT": true, "DELETE": true,
}

// shortStatusTTL is the fixed cache lifetime for 404 responses.
const shortStatusTTL = 30

// KV is the subset of the kv client the store drives.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte, ttl time.Duration) error
	Add(key string, value []byte) error
	Incr(key string) error
	Decr(key string) error
	Delete(key string) error
}

// Sessions resolves a session cookie to its field mapping.
type Sessions interface {
	Lookup(ctx context.Context, id string) (map[string]string, error)
}

// Options wires a DataStore together.
type Options struct {
	Config   *config.Config
	Cache    twice.Cache
	KV       KV // backend memcache
	Viewdb   KV // counters, unread, A/B persistence
	Sessions Sessions
	DB       *sqlx.DB
	Mailer   *mail.Mailer
}

// DataStore owns the element registry and the page-fetch machinery.
type DataStore struct {
	cfg      *config.Config
	cache    twice.Cache
	kv       KV
	viewdb   KV
	sessions Sessions
	ab       *abtest.Engine
	mailer   *mail.Mailer

	flights   singleflight.Group
	pendingMu sync.Mutex
	pending   map[string]struct{}

	variantsMu sync.Mutex
	variants   map[string][]string

	kinds map[string]kind

	// dial is stubbed by tests.
	dial func(addr string, timeout time.Duration) (net.Conn, error)
}

// New returns a wired DataStore.
func New(opts Options) *DataStore {
	s := &DataStore{
		cfg:      opts.Config,
		cache:    opts.Cache,
		kv:       opts.KV,
		viewdb:   opts.Viewdb,
		sessions: opts.Sessions,
		mailer:   opts.Mailer,
		pending:  map[string]struct{}{},
		variants: map[string][]string{},
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
	}
	s.ab = abtest.New(opts.Config.ABCookie, opts.Config.NewABCookie, opts.DB, opts.Viewdb)
	s.kinds = s.registry()
	return s
}

// AB exposes the engine for the pipeline (cookie minting, salting).
func (s *DataStore) AB() *abtest.Engine { return s.ab }

// KeyKind returns the kind prefix of a cache key. Kinds never contain
// the separator, so everything up to the first underscore is the kind.
func KeyKind(key string) string {
	kind, _, _ := strings.Cut(key, "_")
	return kind
}

// KeyID returns the id portion of a cache key.
func KeyID(key string) string {
	_, id, _ := strings.Cut(key, "_")
	return id
}

// ElementHash produces the cache key for an element, or "" when the
// kind is unknown or not addressable for this request.
func (s *DataStore) ElementHash(req *httpmsg.Message, kindName, id string) string {
	k, ok := s.kinds[strings.ToLower(kindName)]
	if !ok || k.hash == nil {
		return ""
	}
	return k.hash(req, id)
}

// Registered reports whether kindName is in the registry.
func (s *DataStore) Registered(kindName string) bool {
	_, ok := s.kinds[strings.ToLower(kindName)]
	return ok
}

// Get returns the named elements, reading the cache first unless force
// is set and fetching whatever is absent or invalid in parallel. A
// failed element fetch yields an empty element; only a page fetch
// failure is reported through the returned error.
func (s *DataStore) Get(ctx context.Context, keys []string, req *httpmsg.Message, force bool) (map[string]*twice.Element, error) {
	elements := make(map[string]*twice.Element, len(keys))
	if force {
		for _, key := range keys {
			elements[key] = nil
		}
	} else {
		cached, err := s.cache.Get(keys)
		if err != nil {
			log.Errorf("Cache read failed: %v", err)
		}
		for _, key := range keys {
			elements[key] = cached[key]
		}
	}
	return s.handleMisses(ctx, elements, req)
}

// handleMisses checks hits for validity and fetches misses and
// invalid entries in one parallel batch.
func (s *DataStore) handleMisses(ctx context.Context, elements map[string]*twice.Element, req *httpmsg.Message) (map[string]*twice.Element, error) {
	var missing []string
	for key, value := range elements {
		k, ok := s.kinds[KeyKind(key)]
		if !ok {
			log.Errorf("Unknown element kind for key %s", key)
			continue
		}
		switch {
		case value == nil:
			log.Infof("MISS [%s]", key)
			missing = append(missing, key)
		case k.valid != nil && !k.valid(req, KeyID(key), value):
			log.Infof("INVALID [%s]", key)
			missing = append(missing, key)
		default:
			log.Infof("HIT [%s]", key)
		}
	}
	if len(missing) == 0 {
		return elements, nil
	}

	results := make([]*twice.Element, len(missing))
	errs := make([]error, len(missing))
	g, start := taskgroup.New(nil).Limit(runtime.NumCPU())
	for i, key := range missing {
		i, key := i, key
		start(taskgroup.NoError(func() {
			k := s.kinds[KeyKind(key)]
			if k.fetch == nil {
				results[i] = &twice.Element{}
				return
			}
			el, err := k.fetch(ctx, req, KeyID(key))
			if err != nil {
				log.Errorf("Error calling fetch for key %s: %v", key, err)
				if KeyKind(key) != "page" {
					s.mailer.Error("Error fetching " + key + ": " + err.Error())
				}
				errs[i] = err
				el = &twice.Element{}
			}
			results[i] = el
		}))
	}
	g.Wait()

	var pageErr error
	for i, key := range missing {
		elements[key] = results[i]
		if errs[i] != nil && KeyKind(key) == "page" {
			pageErr = errs[i]
		}
	}
	return elements, pageErr
}

// Delete removes keys from the cache backend.
func (s *DataStore) Delete(keys ...string) error {
	return s.cache.Delete(keys)
}

// Flush clears the entire cache backend.
func (s *DataStore) Flush() error {
	return s.cache.Flush()
}

// ExpireURI writes the expiration sentinel for the request's URI,
// soft-invalidating every cached variant for the next 24 hours.
func (s *DataStore) ExpireURI(req *httpmsg.Message) error {
	key := s.ElementHash(req, "expiration", "")
	return s.cache.Set(map[string]*twice.Element{
		key: {Stamp: nowSeconds()},
	}, 24*time.Hour)
}

// UncacheableMethod reports whether responses to the method are never
// served from or written to the cache.
func UncacheableMethod(method string) bool {
	return uncacheableMethods[strings.ToUpper(method)]
}

// HasMutator reports whether a kind registers the named mutator.
func (s *DataStore) HasMutator(op, target string) bool {
	k, ok := s.kinds[strings.ToLower(target)]
	if !ok {
		return false
	}
	_, ok = k.mutators[op]
	return ok
}

// Mutate runs the named mutator (set, incr, decr, delete) for a kind on
// behalf of a template directive.
func (s *DataStore) Mutate(op, target, key string, args ...string) error {
	k, ok := s.kinds[strings.ToLower(target)]
	if !ok {
		return errors.Errorf("data store is missing %s_%s", op, target)
	}
	fn, ok := k.mutators[op]
	if !ok {
		return errors.Errorf("data store is missing %s_%s", op, target)
	}
	return fn(key, args...)
}

// SessionID returns the URL-unescaped session cookie, or "".
func (s *DataStore) SessionID(req *httpmsg.Message) string {
	raw := req.Cookie(s.cfg.SessionCookie)
	if raw == "" {
		return ""
	}
	id, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	return id
}

// Variants returns the known page keys for a base URI.
func (s *DataStore) Variants(uri string) []string {
	s.variantsMu.Lock()
	defer s.variantsMu.Unlock()
	return append([]string(nil), s.variants[trimURI(uri)]...)
}

func (s *DataStore) addVariant(uri, key string) {
	s.variantsMu.Lock()
	defer s.variantsMu.Unlock()
	for _, existing := range s.variants[uri] {
		if existing == key {
			return
		}
	}
	log.Infof("Added new variant for %s: %s", uri, key)
	s.variants[uri] = append(s.variants[uri], key)
}

func trimURI(uri string) string {
	return strings.TrimRight(uri, "?")
}

// splitSorted turns a comma list header into a sorted slice with
// empties dropped.
func splitSorted(header string) []string {
	var out []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	sort.Strings(out)
	return out
}

// ParseCohort parses a "test:label,test:label" header value.
func ParseCohort(header string) map[string]string {
	out := map[string]string{}
	if header == "" {
		return out
	}
	for _, pair := range strings.Split(header, ",") {
		name, label, ok := strings.Cut(pair, ":")
		if ok {
			out[name] = label
		}
	}
	return out
}

// FormatCohort renders a cohort map the way ParseCohort reads it,
// sorted for stable keys.
func FormatCohort(cohort map[string]string) string {
	names := make([]string, 0, len(cohort))
	for name := range cohort {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + ":" + cohort[name]
	}
	return strings.Join(parts, ",")
}
