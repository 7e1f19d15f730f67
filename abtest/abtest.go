// Package abtest assigns requests to weighted test cohorts, keeps the
// test catalog fresh from the relational store, and persists each
// visitor's assignments in the durable KV so a cohort is never lost.
package abtest

import (
	"context"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/twicecache/twice/httpmsg"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz123456790"

// idLength is the length of a minted A/B cookie value.
const idLength = 25

// KV is the durable store cohort maps persist to.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte, ttl time.Duration) error
}

// Bucket is one weighted cohort of a test.
type Bucket struct {
	Label  string
	Weight float64
}

// Engine owns the test catalog and the cohort lifecycle.
type Engine struct {
	CookieName    string // A/B identity cookie
	NewCookieName string // transient marker that a set-cookie is owed
	DB            *sqlx.DB
	KV            KV

	catalog   atomic.Value // map[string][]Bucket
	randFloat func() float64
}

// New returns an Engine with an empty catalog.
func New(cookieName, newCookieName string, db *sqlx.DB, kv KV) *Engine {
	e := &Engine{
		CookieName:    cookieName,
		NewCookieName: newCookieName,
		DB:            db,
		KV:            kv,
		randFloat:     rand.Float64,
	}
	e.catalog.Store(map[string][]Bucket{})
	return e
}

// Groups returns the current catalog snapshot.
func (e *Engine) Groups() map[string][]Bucket {
	return e.catalog.Load().(map[string][]Bucket)
}

// SetGroups replaces the catalog atomically.
func (e *Engine) SetGroups(groups map[string][]Bucket) {
	if groups == nil {
		groups = map[string][]Bucket{}
	}
	e.catalog.Store(groups)
}

// Run refreshes the catalog every minute until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	if e.DB == nil {
		return
	}
	if err := e.LoadGroups(ctx); err != nil {
		log.Errorf("Error loading ab testing groups: %v", err)
	}
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.LoadGroups(ctx); err != nil {
				log.Errorf("Error loading ab testing groups: %v", err)
			}
		}
	}
}

// LoadGroups replaces the catalog from a single query.
func (e *Engine) LoadGroups(ctx context.Context) error {
	rows, err := e.DB.QueryContext(ctx, "SELECT test_name, values_list FROM ab_testing_groups")
	if err != nil {
		return errors.Wrap(err, "load ab testing groups")
	}
	defer rows.Close()

	groups := map[string][]Bucket{}
	for rows.Next() {
		var name, list string
		if err := rows.Scan(&name, &list); err != nil {
			return err
		}
		buckets, err := ParseBuckets(list)
		if err != nil {
			log.Errorf("Error parsing ab test row %s=%s: %v", name, list, err)
			continue
		}
		groups[name] = buckets
	}
	if err := rows.Err(); err != nil {
		return err
	}
	e.SetGroups(groups)
	log.Infof("Loaded %d ab testing groups", len(groups))
	return nil
}

// ParseBuckets parses a "label:weight,label:weight" values list.
func ParseBuckets(list string) ([]Bucket, error) {
	var buckets []Bucket
	for _, pair := range strings.Split(list, ",") {
		label, weight, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, errors.Errorf("bad bucket %q", pair)
		}
		w, err := strconv.ParseFloat(weight, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad weight %q", pair)
		}
		buckets = append(buckets, Bucket{Label: label, Weight: w})
	}
	return buckets, nil
}

// ReadCookie returns the request's A/B identity, minting one (and
// marking the request so the response writer owes a set-cookie) when
// the request carries none.
func (e *Engine) ReadCookie(req *httpmsg.Message) string {
	id := req.Cookie(e.CookieName)
	if id == "" {
		id = e.GenID()
		log.Infof("Generating new ab cookie: %s", id)
		req.AddCookie(e.CookieName, id)
		req.AddCookie(e.NewCookieName, "True")
	}
	return id
}

// IsNew reports whether this request minted its A/B cookie.
func (e *Engine) IsNew(req *httpmsg.Message) bool {
	return req.Cookie(e.NewCookieName) == "True"
}

// GenID mints a 25-character alphanumeric identity.
func (e *Engine) GenID() string {
	var b strings.Builder
	for i := 0; i < idLength; i++ {
		b.WriteByte(idAlphabet[int(e.randFloat()*float64(len(idAlphabet)))%len(idAlphabet)])
	}
	return b.String()
}

// Lookup reads the persisted cohort map for id from the durable KV.
func (e *Engine) Lookup(id string) (map[string]string, error) {
	cohort := map[string]string{}
	if e.KV == nil {
		log.Info("Not connected to the viewdb")
		return cohort, nil
	}
	data, ok, err := e.KV.Get("abvalue_" + id)
	if err != nil {
		return cohort, errors.Wrap(err, "lookup ab cohort")
	}
	if ok {
		if err := msgpack.Unmarshal(data, &cohort); err != nil {
			log.Errorf("Undecodable ab cohort for %s: %v", id, err)
			cohort = map[string]string{}
		}
	}
	return cohort, nil
}

// Assign draws a bucket for every catalog test the cohort is missing.
// It reports whether anything new was assigned and needs persisting.
func (e *Engine) Assign(cohort map[string]string) bool {
	updated := false
	for name, buckets := range e.Groups() {
		if _, ok := cohort[name]; !ok {
			cohort[name] = e.Pick(buckets)
			updated = true
		}
	}
	return updated
}

// Pick draws a bucket by weight: n = W·u, then scan the list
// subtracting each weight, returning the first bucket with n below its
// weight. The last bucket examined wins on numeric underrun so the
// tail is always reachable.
func (e *Engine) Pick(buckets []Bucket) string {
	var total float64
	for _, b := range buckets {
		total += b.Weight
	}
	n := total * e.randFloat()
	var label string
	for _, b := range buckets {
		label = b.Label
		if n < b.Weight {
			return label
		}
		n -= b.Weight
	}
	return label
}

// Persist writes the full cohort map for id to the durable KV.
func (e *Engine) Persist(id string, cohort map[string]string) error {
	if e.KV == nil {
		return nil
	}
	data, err := msgpack.Marshal(cohort)
	if err != nil {
		return errors.Wrap(err, "encode ab cohort")
	}
	return e.KV.Set("abvalue_"+id, data, 0)
}

// Salt renders the page-key suffix for a dependency list: the sorted
// tests, each paired with its cohort label as test:label, joined by
// commas.
func Salt(deps []string, cohort map[string]string) string {
	sorted := make([]string, 0, len(deps))
	for _, dep := range deps {
		if dep != "" {
			sorted = append(sorted, dep)
		}
	}
	sort.Strings(sorted)
	parts := make([]string, len(sorted))
	for i, dep := range sorted {
		parts[i] = dep + ":" + cohort[dep]
	}
	return strings.Join(parts, ",")
}

// SeedRand overrides the random source, for tests.
func (e *Engine) SeedRand(f func() float64) { e.randFloat = f }
