package store

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twicecache/twice"
	"github.com/twicecache/twice/abtest"
	"github.com/twicecache/twice/httpmsg"
)

// PageOpts salts a page key beyond host and URI.
type PageOpts struct {
	Cookies []string          // cookie names the response varies on
	Deps    []string          // A/B tests the page depends on
	Cohort  map[string]string // current cohort labels
}

// HashPage composes the cache key a rendered page is stored under:
// host and URI, then the language, A/B, and cookie salts in that
// order, each behind a "//" separator.
func (s *DataStore) HashPage(req *httpmsg.Message, opts PageOpts) string {
	host := req.Header("x-real-host")
	if host == "" {
		host = req.Header("host")
	}
	key := "page_" + host + trimURI(req.URI)

	if s.cfg.HashLang {
		header := req.Header("accept-language")
		if header == "" {
			header = s.cfg.HashLangDefault
		}
		if lang := httpmsg.PrimaryLanguage(header); lang != "" {
			key += "//" + lang
		}
	}

	if salt := abtest.Salt(opts.Deps, opts.Cohort); salt != "" {
		key += "//" + salt
	}

	if len(opts.Cookies) > 0 {
		var found []string
		for _, name := range opts.Cookies {
			if name == "" {
				continue
			}
			if value := req.Cookie(name); value != "" {
				found = append(found, name+"="+value)
			}
		}
		if len(found) > 0 {
			key += "//" + strings.Join(found, ",")
		}
	}
	return key
}

// InFlight reports whether an origin fetch for the request's base page
// key is pending.
func (s *DataStore) InFlight(req *httpmsg.Message) bool {
	key := s.HashPage(req, PageOpts{})
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// BackgroundRefresh refetches the page without a waiting caller. When a
// fetch for the same page key is already pending the refresh drops out.
func (s *DataStore) BackgroundRefresh(req *httpmsg.Message) {
	if s.InFlight(req) {
		log.Infof("PENDING: Request is already pending for %s", req.URI)
		return
	}
	clone := req.Clone()
	go func() {
		if _, err := s.fetchPage(context.Background(), clone); err != nil {
			log.Errorf("Background refresh of %s failed: %v", clone.URI, err)
		}
	}()
}

// fetchPage retrieves the page from the origin, coalescing concurrent
// fetches for the same page key into a single origin connection.
func (s *DataStore) fetchPage(ctx context.Context, req *httpmsg.Message) (*twice.Element, error) {
	key := s.HashPage(req, PageOpts{})
	value, err, _ := s.flights.Do(key, func() (interface{}, error) {
		s.pendingMu.Lock()
		s.pending[key] = struct{}{}
		s.pendingMu.Unlock()
		defer func() {
			s.pendingMu.Lock()
			delete(s.pending, key)
			s.pendingMu.Unlock()
		}()
		return s.originFetch(req)
	})
	if err != nil {
		log.Errorf("ERROR: Could not retrieve [%s]: %v", trimURI(req.URI), err)
		return nil, err
	}
	return value.(*twice.Element), nil
}

// originFetch performs one origin round trip and extracts the result.
func (s *DataStore) originFetch(req *httpmsg.Message) (*twice.Element, error) {
	// Tell the origin who we are and strip inbound cache directives.
	out := req.Clone()
	out.SetHeader(s.cfg.TwiceHeader, "true")
	out.RemoveHeader("cache-control")

	addr := s.cfg.Origin
	if !strings.Contains(addr, ":") {
		addr += ":80"
	}
	conn, err := s.dial(addr, originTimeout)
	if err != nil {
		return nil, errors.Wrapf(ErrOrigin, "connect %s: %v", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(originTimeout))

	if _, err := conn.Write(out.WriteRequest()); err != nil {
		return nil, wrapOriginErr(err, req.URI)
	}
	resp, err := httpmsg.ReadMessage(bufio.NewReader(conn))
	if err != nil {
		return nil, wrapOriginErr(err, req.URI)
	}
	return s.extractPage(resp, req), nil
}

func wrapOriginErr(err error, uri string) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrapf(ErrTimeout, "request for %s timed out (%s)", uri, originTimeout)
	}
	return errors.Wrapf(ErrOrigin, "request for %s: %v", uri, err)
}

// extractPage applies the cache-decision table to a fetched response
// and stores whatever it decides to keep.
func (s *DataStore) extractPage(resp *httpmsg.Message, req *httpmsg.Message) *twice.Element {
	cookies := splitSorted(resp.Header(s.cfg.CookiesHeader))
	cohort := ParseCohort(req.Header(s.cfg.ABValueHeader))
	deps := splitSorted(resp.Header(s.cfg.ABDependencyHeader))

	key := s.HashPage(req, PageOpts{Cookies: cookies, Deps: deps, Cohort: cohort})
	s.addVariant(trimURI(req.URI), key)

	cacheIt := false
	cacheControl := 0
	if uncacheableMethods[req.Method] {
		log.Infof("NO-CACHE (Method is %s) [%s]", req.Method, key)
	} else {
		cacheControl = resp.MaxAge(s.cfg.CacheHeader)
		switch {
		case uncacheableStatus[resp.Status]:
			log.Infof("NO-CACHE (Status is %d) [%s]", resp.Status, key)
			cacheControl = 0
		case resp.Status == 404:
			log.Infof("SHORT-CACHE (Status is %d) [%s]", resp.Status, key)
			cacheIt = true
			cacheControl = shortStatusTTL
		case cacheControl > 0:
			log.Infof("CACHE [%s] (for %ds)", key, cacheControl)
			cacheIt = true
		default:
			log.Infof("NO-CACHE (No cache data) [%s]", key)
		}
	}

	element := &twice.Element{Page: &twice.PageEntry{
		Response:     resp,
		RenderedOn:   nowSeconds(),
		CacheControl: cacheControl,
	}}
	layerTTL := time.Duration(cacheControl*10) * time.Second
	if cacheIt {
		// Cookies never replay to other clients.
		resp.Cookies = nil
		s.cache.Set(map[string]*twice.Element{key: element}, layerTTL)
	}
	if len(deps) > 0 {
		s.cache.Set(map[string]*twice.Element{
			"abdependency_" + trimURI(req.URI): {Tests: deps},
		}, layerTTL)
	}
	return element
}

// validPage decides whether a cached page is servable and drives the
// stale-while-revalidate tiers.
func (s *DataStore) validPage(req *httpmsg.Message, id string, el *twice.Element) bool {
	if el == nil || el.Page == nil {
		return false
	}
	page := el.Page
	now := nowSeconds()
	switch {
	case now > page.RenderedOn+float64(3*page.CacheControl):
		// Hard stale: refuse, the caller refetches synchronously.
		log.Infof("STALE-HARD [%s]", id)
		return false

	case now > page.RenderedOn+float64(page.CacheControl):
		// Soft stale: serve this copy, buy 30s of freshness so the
		// refresh has room to land, and refetch in the background.
		log.Infof("STALE-SOFT [%s]", id)
		page.RenderedOn += 30
		cookies := splitSorted(page.Response.Header(s.cfg.CookiesHeader))
		key := s.HashPage(req, PageOpts{Cookies: cookies})
		s.cache.Set(map[string]*twice.Element{key: el}, 60*time.Second)
		s.BackgroundRefresh(req)
		return true

	case uncacheableMethods[req.Method]:
		log.Infof("PASS-THROUGH [%s]", req.Method)
		return false

	default:
		return true
	}
}
