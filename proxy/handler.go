// Package proxy is the request pipeline: early admissions, the
// prefetch barrier, page fetch and key verification, template scanning
// and rendering, the purge channel, and the server frame everything
// runs in.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twicecache/twice"
	"github.com/twicecache/twice/config"
	"github.com/twicecache/twice/httpmsg"
	"github.com/twicecache/twice/mail"
	"github.com/twicecache/twice/store"
)

// allowedLanguages are the codes eligible for a language redirect.
var allowedLanguages = map[string]bool{
	"en": true, "ko": true, "hi": true, "ma": true, "ca": true,
	"de": true, "es": true, "fr": true, "it": true, "nl": true,
	"pt": true, "pt-br": true, "sk": true, "tl": true, "vi": true,
	"ar": true, "ru": true, "zh-cn": true, "zh-tw": true,
}

// requestDeadline bounds one whole client exchange. The origin leg
// already cuts off at 25s; this catches slow or silent clients.
const requestDeadline = 30 * time.Second

// Handler serves one parsed request per connection.
type Handler struct {
	cfg     *config.Config
	store   *store.DataStore
	re      *regexp.Regexp
	uniques *Uniques
	geo     GeoResolver
	mailer  *mail.Mailer

	version  string
	hostname string
}

// NewHandler wires a Handler. The template regex must carry one capture
// group holding the directive text.
func NewHandler(cfg *config.Config, ds *store.DataStore, geo GeoResolver, mailer *mail.Mailer, version, hostname string) (*Handler, error) {
	re, err := regexp.Compile(cfg.TemplateRegex)
	if err != nil {
		return nil, errors.Wrapf(err, "template regex %q", cfg.TemplateRegex)
	}
	if re.NumSubexp() < 1 {
		return nil, errors.Errorf("template regex %q has no capture group", cfg.TemplateRegex)
	}
	uniques, err := NewUniques(cfg.UniquesFile)
	if err != nil {
		log.Errorf("ERROR: Unable to load uniques: %v", err)
		uniques = NewEmptyUniques(cfg.UniquesFile)
	}
	return &Handler{
		cfg:      cfg,
		store:    ds,
		re:       re,
		uniques:  uniques,
		geo:      geo,
		mailer:   mailer,
		version:  version,
		hostname: hostname,
	}, nil
}

// Uniques exposes the uniques table, for the prune loop in cmd.
func (h *Handler) Uniques() *Uniques { return h.uniques }

// ServeConn reads one request off conn, serves it, and closes.
func (h *Handler) ServeConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestDeadline))

	req, err := httpmsg.ReadMessage(bufio.NewReader(conn))
	if err != nil {
		if errors.Is(err, httpmsg.ErrBadMessage) {
			h.mailer.Error(fmt.Sprintf("Bad message: %v", err))
			sendCode(conn, 400, "")
		}
		return
	}
	h.handle(conn, req)
}

func (h *Handler) handle(conn net.Conn, req *httpmsg.Message) {
	peer := peerHost(conn)

	// Purge requests invalidate instead of serving.
	if req.HasHeader(h.cfg.PurgeHeader) {
		h.purge(conn, req)
		return
	}

	h.uniques.Record(req.RemoteIP(peer))

	if strings.Contains(req.URI, "live/uniques_list") {
		sendCode(conn, 200, strings.Join(h.uniques.List(), ","))
		return
	}
	if strings.Contains(req.URI, "live/time") {
		sendCode(conn, 200, strconv.FormatFloat(float64(time.Now().UnixNano())/float64(time.Second), 'f', 3, 64))
		return
	}

	// Language redirect for non-English visitors on the default host.
	lang := redirectLanguage(req.Header("accept-language"))
	host := req.Header("x-real-host")
	if host != "" && firstLabel(host) == h.cfg.DefaultHost &&
		lang != "" && lang != "en" && !store.UncacheableMethod(req.Method) {
		location := fmt.Sprintf("http://%s.%s%s", lang, h.cfg.BaseHost, req.URI)
		resp := httpmsg.NewResponse(302)
		resp.SetHeader("Location", location)
		conn.Write(resp.WriteResponse(nil))
		log.Infof("REDIRECT: lang %s host %s -> %s", lang, host, location)
		return
	}

	h.serve(conn, req, peer)
}

// redirectLanguage maps an accept-language header onto the recognised
// code list, trying the full tag first and its primary subtag second.
func redirectLanguage(header string) string {
	if header == "" {
		return ""
	}
	lang := httpmsg.PrimaryLanguage(header)
	if allowedLanguages[lang] {
		return lang
	}
	if base, _, ok := strings.Cut(lang, "-"); ok && allowedLanguages[base] {
		return base
	}
	return ""
}

// serve runs the main pipeline: normalize, prefetch, page fetch, key
// verification, scan, render.
func (h *Handler) serve(conn net.Conn, req *httpmsg.Message, peer string) {
	ctx := context.Background()

	// Normalize the outbound host and attach the client's geography.
	if h.cfg.RewriteHost != "" {
		req.SetHeader("host", h.cfg.RewriteHost)
	} else if realHost := req.Header("x-real-host"); realHost != "" {
		req.SetHeader("host", realHost)
	}
	geo := newGeoLookup(h.geo, req, peer)
	ip := newIPLookup(req, peer)
	if country := geo.Get("ip"); country != "" {
		req.SetHeader("x-geo", country)
	}

	// Prefetch barrier.
	keys := []string{
		h.store.ElementHash(req, "expiration", ""),
		h.store.ElementHash(req, "abvalue", ""),
		h.store.ElementHash(req, "abdependency", ""),
	}
	if sessionKey := h.store.ElementHash(req, "session", ""); sessionKey != "" {
		keys = append(keys, sessionKey)
	}
	log.Infof("PREFETCH: %v", keys)
	elements, _ := h.store.Get(ctx, keys, req, false)

	// Echo the cohort to the origin and compute the page key.
	cohort := findFields(elements, "abvalue_")
	req.SetHeader(h.cfg.ABValueHeader, store.FormatCohort(cohort))
	deps := findTests(elements, "abdependency_")

	pageKey := h.store.HashPage(req, store.PageOpts{Deps: deps, Cohort: cohort})
	more, pageErr := h.store.Get(ctx, []string{pageKey}, req, false)
	merge(elements, more)

	// Verify keying: the fetched response may declare cookie variance
	// or predate an expiration sentinel.
	rekeyed := false
	for attempt := 0; attempt < 4; attempt++ {
		key, el := findPage(elements)
		if el == nil || el.Page == nil || el.Page.Response == nil {
			h.failPage(conn, req, pageErr)
			return
		}

		cookies := splitList(el.Page.Response.Header(h.cfg.CookiesHeader))
		salted := h.store.HashPage(req, store.PageOpts{Cookies: cookies, Deps: deps, Cohort: cohort})
		if !rekeyed && salted != pageKey {
			delete(elements, key)
			more, pageErr = h.store.Get(ctx, []string{salted}, req, false)
			merge(elements, more)
			rekeyed = true
			continue
		}

		if exp := findStamp(elements, "expiration_"); exp > 0 && el.Page.RenderedOn < exp {
			log.Infof("EXPIRED: rendered_on %f, expire_time %f", el.Page.RenderedOn, exp)
			delete(elements, key)
			more, pageErr = h.store.Get(ctx, []string{salted}, req, true)
			merge(elements, more)
			continue
		}
		break
	}

	_, el := findPage(elements)
	if el == nil || el.Page == nil || el.Page.Response == nil {
		h.failPage(conn, req, pageErr)
		return
	}

	// Scan the body for directives whose data is not yet loaded.
	body := string(el.Page.Response.Body)
	loggedIn := hasPrefix(elements, "session_")
	var missing []string
	seen := map[string]bool{}
	for _, match := range h.re.FindAllStringSubmatch(body, -1) {
		parts := strings.Fields(strings.TrimSpace(match[1]))
		if len(parts) < 3 {
			h.mailer.Error(fmt.Sprintf("Error in scan: unparseable element [%s]", strings.TrimSpace(match[1])))
			continue
		}
		target, id := strings.ToLower(parts[1]), parts[2]
		switch target {
		case "page", "session", "geo", "ip":
			// Already loaded or late-binding.
		case "memcache", "viewdb", "abvalue":
			if elementKey := h.store.ElementHash(req, target, id); elementKey != "" && !seen[elementKey] {
				seen[elementKey] = true
				missing = append(missing, elementKey)
			}
		default:
			if loggedIn && h.store.Registered(target) {
				if elementKey := h.store.ElementHash(req, target, id); elementKey != "" && !seen[elementKey] {
					seen[elementKey] = true
					missing = append(missing, elementKey)
				}
			}
		}
	}
	if len(missing) > 0 {
		log.Infof("Fetching missing keys %v", missing)
		more, _ = h.store.Get(ctx, missing, req, false)
		merge(elements, more)
	}

	h.render(conn, req, el, elements, geo, ip)
}

// failPage answers a request whose page could not be produced.
func (h *Handler) failPage(conn net.Conn, req *httpmsg.Message, pageErr error) {
	if errors.Is(pageErr, store.ErrTimeout) {
		sendCode(conn, 408, "Request timed out.")
		return
	}
	log.Errorf("ERROR: Could not retrieve [%s]", req.URI)
	sendCode(conn, 502, "")
}

// render substitutes every directive, finalizes headers, and writes the
// response.
func (h *Handler) render(conn net.Conn, req *httpmsg.Message, el *twice.Element, elements map[string]*twice.Element, geo, ip dict) {
	// The cached response is shared; render on a copy.
	resp := el.Page.Response.Clone()

	dicts := map[string]dict{
		"page": mapDict{
			"rendered_on":   strconv.FormatFloat(el.Page.RenderedOn, 'f', 0, 64),
			"cache_control": strconv.Itoa(el.Page.CacheControl),
		},
		"session":      mapDict(findFields(elements, "session_")),
		"favorite":     mapDict(findFields(elements, "favorite_")),
		"subscription": mapDict(findFields(elements, "subscription_")),
		"unread":       mapDict(findFields(elements, "unread_")),
		"abvalue":      mapDict(findFields(elements, "abvalue_")),
		"memcache":     textDict(elements, "memcache_"),
		"viewdb":       textDict(elements, "viewdb_"),
		"geo":          geo,
		"ip":           ip,
	}

	data := h.re.ReplaceAllStringFunc(string(resp.Body), func(match string) string {
		groups := h.re.FindStringSubmatch(match)
		return h.specialize(groups[1], dicts)
	})

	appServer := resp.Header("x-app-server")
	if appServer == "" {
		appServer = "unknown"
	}
	log.Infof("RENDER %d [%s] (%.3fs from %s)", resp.Status, req.URI,
		time.Since(req.ReceivedOn).Seconds(), strings.TrimSpace(appServer))

	resp.SetHeader("connection", "close")
	resp.SetHeader("via", fmt.Sprintf("Twice %s %s:%d", h.version, h.hostname, h.cfg.Port))
	if country := geo.Get("ip"); country != "" {
		resp.SetHeader("x-geo", country)
	}
	if h.store.AB().IsNew(req) {
		resp.AddCookie(h.cfg.ABCookie, req.Cookie(h.cfg.ABCookie))
	}
	// Proxy-private headers never reach the client.
	resp.RemoveHeader(h.cfg.CacheHeader)
	resp.RemoveHeader(h.cfg.TwiceHeader)
	resp.RemoveHeader(h.cfg.CookiesHeader)
	resp.RemoveHeader(h.cfg.ABDependencyHeader)
	resp.RemoveHeader("x-app-server")

	conn.Write(resp.WriteResponse([]byte(data)))
}

// sendCode writes a minimal response and leaves the connection to the
// caller's deferred close.
func sendCode(conn net.Conn, status int, body string) {
	resp := httpmsg.NewResponse(status)
	resp.Body = []byte(body)
	conn.Write(resp.WriteResponse(nil))
}

func peerHost(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func firstLabel(host string) string {
	label, _, _ := strings.Cut(host, ".")
	return label
}

func splitList(header string) []string {
	var out []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func merge(dst, src map[string]*twice.Element) {
	for key, value := range src {
		dst[key] = value
	}
}

func hasPrefix(elements map[string]*twice.Element, prefix string) bool {
	for key := range elements {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func findPage(elements map[string]*twice.Element) (string, *twice.Element) {
	for key, el := range elements {
		if strings.HasPrefix(key, "page_") {
			return key, el
		}
	}
	return "", nil
}

func findFields(elements map[string]*twice.Element, prefix string) map[string]string {
	for key, el := range elements {
		if strings.HasPrefix(key, prefix) && el != nil && el.Fields != nil {
			return el.Fields
		}
	}
	return map[string]string{}
}

func findTests(elements map[string]*twice.Element, prefix string) []string {
	for key, el := range elements {
		if strings.HasPrefix(key, prefix) && el != nil {
			return el.Tests
		}
	}
	return nil
}

func findStamp(elements map[string]*twice.Element, prefix string) float64 {
	for key, el := range elements {
		if strings.HasPrefix(key, prefix) && el != nil {
			return el.Stamp
		}
	}
	return 0
}

func textDict(elements map[string]*twice.Element, prefix string) mapDict {
	out := mapDict{}
	for key, el := range elements {
		if strings.HasPrefix(key, prefix) && el != nil {
			out[strings.TrimPrefix(key, prefix)] = el.Text
		}
	}
	return out
}
