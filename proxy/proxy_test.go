package proxy

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twicecache/twice"
	"github.com/twicecache/twice/abtest"
	"github.com/twicecache/twice/config"
	"github.com/twicecache/twice/httpmsg"
	"github.com/twicecache/twice/store"
)

// fakeKV is an in-memory store.KV.
type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string][]byte{}} }

func (f *fakeKV) Get(key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) Set(key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeKV) Add(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		f.data[key] = value
	}
	return nil
}

func (f *fakeKV) Incr(key string) error { return f.bump(key, 1) }
func (f *fakeKV) Decr(key string) error { return f.bump(key, -1) }

func (f *fakeKV) bump(key string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _ := strconv.Atoi(string(f.data[key]))
	f.data[key] = []byte(strconv.Itoa(n + delta))
	return nil
}

func (f *fakeKV) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

// fakeSessions is an in-memory store.Sessions.
type fakeSessions map[string]map[string]string

func (f fakeSessions) Lookup(_ context.Context, id string) (map[string]string, error) {
	if fields, ok := f[id]; ok {
		return fields, nil
	}
	return map[string]string{}, nil
}

// testOrigin is a scripted HTTP/1.0 origin on a real socket.
type testOrigin struct {
	ln      net.Listener
	mu      sync.Mutex
	hits    int
	reqs    []*httpmsg.Message
	respond func(req *httpmsg.Message) *httpmsg.Message
}

func newOrigin(t *testing.T, respond func(req *httpmsg.Message) *httpmsg.Message) *testOrigin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	o := &testOrigin{ln: ln, respond: respond}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				req, err := httpmsg.ReadMessage(bufio.NewReader(conn))
				if err != nil {
					return
				}
				o.mu.Lock()
				o.hits++
				o.reqs = append(o.reqs, req)
				respond := o.respond
				o.mu.Unlock()
				conn.Write(respond(req).WriteResponse(nil))
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return o
}

func (o *testOrigin) Hits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits
}

func (o *testOrigin) LastRequest() *httpmsg.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.reqs) == 0 {
		return nil
	}
	return o.reqs[len(o.reqs)-1]
}

func pageResponse(body string, headers map[string]string) func(*httpmsg.Message) *httpmsg.Message {
	return func(*httpmsg.Message) *httpmsg.Message {
		resp := httpmsg.NewResponse(200)
		resp.SetHeader("x-app-server", "web1")
		for k, v := range headers {
			resp.SetHeader(k, v)
		}
		resp.Body = []byte(body)
		return resp
	}
}

// env is one wired proxy with its scripted origin.
type env struct {
	cfg      *config.Config
	cache    *twice.MemoryCache
	backend  *fakeKV
	viewdb   *fakeKV
	sessions fakeSessions
	ds       *store.DataStore
	handler  *Handler
	origin   *testOrigin
	addr     string
}

func newEnv(t *testing.T, respond func(*httpmsg.Message) *httpmsg.Message) *env {
	t.Helper()
	e := &env{
		cfg:      config.Default(),
		cache:    twice.NewMemoryCache(),
		backend:  newFakeKV(),
		viewdb:   newFakeKV(),
		sessions: fakeSessions{},
	}
	e.origin = newOrigin(t, respond)
	e.cfg.Origin = e.origin.ln.Addr().String()

	e.ds = store.New(store.Options{
		Config:   e.cfg,
		Cache:    e.cache,
		KV:       e.backend,
		Viewdb:   e.viewdb,
		Sessions: e.sessions,
	})

	var err error
	e.handler, err = NewHandler(e.cfg, e.ds, nil, nil, "0.2", "testhost")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	e.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{Handler: e.handler}
	go server.Serve(ctx, ln)
	t.Cleanup(cancel)
	return e
}

// do writes one raw request and parses the single response.
func (e *env) do(t *testing.T, raw string) *httpmsg.Message {
	t.Helper()
	conn, err := net.Dial("tcp", e.addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write([]byte(raw))
	require.NoError(t, err)
	resp, err := httpmsg.ReadMessage(bufio.NewReader(conn))
	require.NoError(t, err)
	return resp
}

func rawGET(uri string, headers ...string) string {
	var b strings.Builder
	b.WriteString("GET " + uri + " HTTP/1.0\r\n")
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

func TestColdMissThenWarmHit(t *testing.T) {
	e := newEnv(t, pageResponse("hello", map[string]string{"x-twice-control": "max-age=60"}))

	resp := e.do(t, rawGET("/a", "Host: www.example.com"))
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, "hello", string(resp.Body))
	assert.Equal(t, 1, e.origin.Hits())

	// The proxy identifies itself and strips its private headers.
	assert.Contains(t, resp.Header("via"), "Twice 0.2")
	assert.Equal(t, "", resp.Header("x-twice-control"))
	assert.Equal(t, "", resp.Header("x-app-server"))

	// The origin saw the loop-detection marker and no cache-control.
	originReq := e.origin.LastRequest()
	require.NotNil(t, originReq)
	assert.Equal(t, "true", originReq.Header("x-twice"))
	assert.Equal(t, "", originReq.Header("cache-control"))

	// Warm hit: served from cache, no second origin connection.
	resp = e.do(t, rawGET("/a", "Host: www.example.com"))
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, "hello", string(resp.Body))
	assert.Equal(t, 1, e.origin.Hits())
}

func TestUncachedPagesRefetch(t *testing.T) {
	e := newEnv(t, pageResponse("dynamic", nil))

	e.do(t, rawGET("/d", "Host: www.example.com"))
	e.do(t, rawGET("/d", "Host: www.example.com"))
	// No control header, nothing cached, two origin fetches.
	assert.Equal(t, 2, e.origin.Hits())
}

func TestMethodBypass(t *testing.T) {
	e := newEnv(t, pageResponse("posted", map[string]string{"x-twice-control": "max-age=60"}))

	// Warm the cache with a GET first.
	e.do(t, rawGET("/a", "Host: www.example.com"))
	require.Equal(t, 1, e.origin.Hits())

	// POSTs never serve from cache and are never cached.
	post := "POST /a HTTP/1.0\r\nHost: www.example.com\r\ncontent-length: 0\r\n\r\n"
	resp := e.do(t, post)
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, 2, e.origin.Hits())
	resp = e.do(t, post)
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, 3, e.origin.Hits())

	// The GET cache entry still serves.
	e.do(t, rawGET("/a", "Host: www.example.com"))
	assert.Equal(t, 3, e.origin.Hits())
}

func TestTemplating(t *testing.T) {
	e := newEnv(t, pageResponse("hello <& get session username &>!",
		map[string]string{"x-twice-control": "max-age=60"}))
	e.sessions["u1"] = map[string]string{"username": "Ada"}

	resp := e.do(t, rawGET("/p", "Host: www.example.com", "Cookie: session=u1"))
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, "hello Ada!", string(resp.Body))
	assert.Equal(t, strconv.Itoa(len("hello Ada!")), resp.Header("content-length"))
}

func TestTemplatingHTMLFilter(t *testing.T) {
	e := newEnv(t, pageResponse("hello <& get session username | html &>!",
		map[string]string{"x-twice-control": "max-age=60"}))
	e.sessions["u1"] = map[string]string{"username": "<b>"}

	resp := e.do(t, rawGET("/p", "Host: www.example.com", "Cookie: session=u1"))
	assert.Equal(t, "hello &lt;b&gt;!", string(resp.Body))
}

func TestTemplatingMissingDirectiveSurvives(t *testing.T) {
	e := newEnv(t, pageResponse("x <& bogus &> y",
		map[string]string{"x-twice-control": "max-age=60"}))

	resp := e.do(t, rawGET("/p", "Host: www.example.com"))
	// Unparseable directives render as their expression text.
	assert.Equal(t, "x bogus y", string(resp.Body))
}

func TestTemplateBatchFetch(t *testing.T) {
	e := newEnv(t, pageResponse("views: <& get viewdb v9 0 | comma &>",
		map[string]string{"x-twice-control": "max-age=60"}))
	e.viewdb.Set("v9", []byte("1234567"), 0)

	resp := e.do(t, rawGET("/v", "Host: www.example.com"))
	assert.Equal(t, "views: 1,234,567", string(resp.Body))
}

func TestABDependencySeparatesVariants(t *testing.T) {
	e := newEnv(t, nil)
	e.origin.respond = func(req *httpmsg.Message) *httpmsg.Message {
		resp := httpmsg.NewResponse(200)
		resp.SetHeader("x-twice-control", "max-age=60")
		resp.SetHeader("x-twice-ab-dependencies", "color")
		// The origin renders per cohort, echoed back by the proxy.
		cohort := store.ParseCohort(req.Header("x-twice-ab-values"))
		resp.Body = []byte("color is " + cohort["color"])
		return resp
	}
	e.ds.AB().SetGroups(map[string][]abtest.Bucket{
		"color": {{Label: "red", Weight: 1}},
	})

	// User 1 arrives without an A/B cookie: assigned red, cookie issued.
	resp := e.do(t, rawGET("/b", "Host: www.example.com"))
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, "color is red", string(resp.Body))
	require.Len(t, resp.Cookies, 1)
	assert.Contains(t, resp.Cookies[0], "ab_id=")
	assert.Equal(t, 1, e.origin.Hits())

	// User 2 carries a persisted blue cohort: separate fetch and entry.
	require.NoError(t, e.ds.AB().Persist("user2cookievalue", map[string]string{"color": "blue"}))
	resp = e.do(t, rawGET("/b", "Host: www.example.com", "Cookie: ab_id=user2cookievalue"))
	assert.Equal(t, "color is blue", string(resp.Body))
	assert.Equal(t, 2, e.origin.Hits())
	// No new cookie for a returning visitor.
	assert.Empty(t, resp.Cookies)

	// Both variants coexist: user 2 again hits cache.
	resp = e.do(t, rawGET("/b", "Host: www.example.com", "Cookie: ab_id=user2cookievalue"))
	assert.Equal(t, "color is blue", string(resp.Body))
	assert.Equal(t, 2, e.origin.Hits())
}

func TestPurgeURL(t *testing.T) {
	e := newEnv(t, pageResponse("cached", map[string]string{"x-twice-control": "max-age=60"}))

	e.do(t, rawGET("/a", "Host: www.example.com"))
	require.Equal(t, 1, e.origin.Hits())

	resp := e.do(t, rawGET("/a", "Host: www.example.com", "x-twice-purge: url"))
	require.Equal(t, 200, resp.Status)
	assert.Contains(t, string(resp.Body), "Expired url_/a")

	// The sentinel beats rendered_on: the next request refetches even
	// though the entry is nowhere near hard-stale.
	e.do(t, rawGET("/a", "Host: www.example.com"))
	assert.Equal(t, 2, e.origin.Hits())

	// And the refetched copy serves from cache again.
	e.do(t, rawGET("/a", "Host: www.example.com"))
	assert.Equal(t, 2, e.origin.Hits())
}

func TestPurgeFlush(t *testing.T) {
	e := newEnv(t, pageResponse("cached", map[string]string{"x-twice-control": "max-age=60"}))

	e.do(t, rawGET("/a", "Host: www.example.com"))
	resp := e.do(t, rawGET("/ignored", "x-twice-purge: *"))
	require.Equal(t, 200, resp.Status)

	e.do(t, rawGET("/a", "Host: www.example.com"))
	assert.Equal(t, 2, e.origin.Hits())
}

func TestPurgeSessionFamily(t *testing.T) {
	e := newEnv(t, pageResponse("x", nil))
	seed := map[string]*twice.Element{
		"session_u1":      twice.FieldsElement(map[string]string{"username": "ada"}),
		"favorite_u1":     twice.FieldsElement(map[string]string{}),
		"subscription_u1": twice.FieldsElement(map[string]string{}),
		"unread_u1":       twice.FieldsElement(map[string]string{"count": "2"}),
		"viewdb_u1":       twice.TextElement("keep"),
	}
	require.NoError(t, e.cache.Set(seed, time.Hour))

	resp := e.do(t, rawGET("/u1", "x-twice-purge: session"))
	require.Equal(t, 200, resp.Status)

	got, _ := e.cache.Get([]string{
		"session_u1", "favorite_u1", "subscription_u1", "unread_u1", "viewdb_u1",
	})
	assert.Nil(t, got["session_u1"])
	assert.Nil(t, got["favorite_u1"])
	assert.Nil(t, got["subscription_u1"])
	assert.Nil(t, got["unread_u1"])
	assert.NotNil(t, got["viewdb_u1"], "unrelated kinds survive a session purge")
}

func TestPurgeNamedKind(t *testing.T) {
	e := newEnv(t, pageResponse("x", nil))
	require.NoError(t, e.cache.Set(map[string]*twice.Element{
		"memcache_u1": twice.TextElement("1"),
	}, time.Hour))

	resp := e.do(t, rawGET("/u1", "x-twice-purge: memcache"))
	require.Equal(t, 200, resp.Status)
	got, _ := e.cache.Get([]string{"memcache_u1"})
	assert.Nil(t, got["memcache_u1"])
}

func TestLanguageRedirect(t *testing.T) {
	e := newEnv(t, pageResponse("page", nil))
	e.cfg.BaseHost = "base.tld"

	resp := e.do(t, rawGET("/x",
		"Host: www.base.tld",
		"x-real-host: www.base.tld",
		"accept-language: fr-FR,fr;q=0.9"))
	require.Equal(t, 302, resp.Status)
	assert.Equal(t, "http://fr.base.tld/x", resp.Header("Location"))
	assert.Equal(t, 0, e.origin.Hits())

	// English goes straight through.
	resp = e.do(t, rawGET("/x",
		"Host: www.base.tld",
		"x-real-host: www.base.tld",
		"accept-language: en-US,en"))
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, 1, e.origin.Hits())

	// Off the default host no redirect happens either.
	resp = e.do(t, rawGET("/x",
		"Host: fr.base.tld",
		"x-real-host: fr.base.tld",
		"accept-language: fr"))
	require.Equal(t, 200, resp.Status)
}

func TestLiveEndpoints(t *testing.T) {
	e := newEnv(t, pageResponse("x", nil))

	resp := e.do(t, rawGET("/live/time"))
	require.Equal(t, 200, resp.Status)
	_, err := strconv.ParseFloat(string(resp.Body), 64)
	assert.NoError(t, err)

	resp = e.do(t, rawGET("/live/uniques_list"))
	require.Equal(t, 200, resp.Status)
	assert.Contains(t, string(resp.Body), "127.0.0.1")
}

func TestBadMessage(t *testing.T) {
	e := newEnv(t, pageResponse("x", nil))

	conn, err := net.Dial("tcp", e.addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte("THIS IS NOT HTTP\r\n\r\n"))

	resp, err := httpmsg.ReadMessage(bufio.NewReader(conn))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.Status)
}

func TestCookieVarianceRekeys(t *testing.T) {
	e := newEnv(t, nil)
	e.origin.respond = func(req *httpmsg.Message) *httpmsg.Message {
		resp := httpmsg.NewResponse(200)
		resp.SetHeader("x-twice-control", "max-age=60")
		resp.SetHeader("x-twice-cookies", "theme")
		resp.Body = []byte("theme " + req.Cookie("theme"))
		return resp
	}

	// A request carrying the varying cookie lands under a salted key.
	resp := e.do(t, rawGET("/c", "Host: www.example.com", "Cookie: theme=dark"))
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, "theme dark", string(resp.Body))

	// A plain request misses that variant and fetches its own.
	resp = e.do(t, rawGET("/c", "Host: www.example.com"))
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, "theme ", string(resp.Body))

	// Each variant now serves from its own entry.
	hits := e.origin.Hits()
	e.do(t, rawGET("/c", "Host: www.example.com", "Cookie: theme=dark"))
	assert.Equal(t, hits, e.origin.Hits())
}
