package proxy

import (
	"net/netip"

	"github.com/oschwald/maxminddb-golang/v2"
	"github.com/pkg/errors"

	"github.com/twicecache/twice/httpmsg"
)

// GeoResolver maps a client address to a country code.
type GeoResolver interface {
	Country(ip string) (string, error)
}

// MaxmindResolver resolves countries out of a MaxMind mmdb file.
type MaxmindResolver struct {
	db *maxminddb.Reader
}

// OpenMaxmind opens the database at path.
func OpenMaxmind(path string) (*MaxmindResolver, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open geoip db %s", path)
	}
	return &MaxmindResolver{db: db}, nil
}

// Country returns the ISO country code for ip.
func (r *MaxmindResolver) Country(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", errors.Wrapf(err, "bad address %q", ip)
	}
	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := r.db.Lookup(addr).Decode(&record); err != nil {
		return "", err
	}
	return record.Country.ISOCode, nil
}

// Close releases the database.
func (r *MaxmindResolver) Close() error { return r.db.Close() }

// dict is a template target: the real dictionaries and the late-binding
// geo/ip lookups share it.
type dict interface {
	Get(key string) string
	Set(key, value string)
}

// mapDict adapts a field mapping.
type mapDict map[string]string

func (d mapDict) Get(key string) string { return d[key] }
func (d mapDict) Set(key, value string) { d[key] = value }

// geoLookup acts as a dictionary whose values are country codes,
// resolved lazily and memoised per request.
type geoLookup struct {
	resolver GeoResolver
	req      *httpmsg.Message
	peer     string
	memo     map[string]string
}

func newGeoLookup(resolver GeoResolver, req *httpmsg.Message, peer string) *geoLookup {
	return &geoLookup{resolver: resolver, req: req, peer: peer, memo: map[string]string{}}
}

func (g *geoLookup) Get(id string) string {
	if id == "" {
		id = "ip"
	}
	if country, ok := g.memo[id]; ok {
		return country
	}
	if g.resolver == nil {
		return ""
	}
	lookup := id
	if id == "ip" {
		lookup = g.req.RemoteIP(g.peer)
	}
	country, err := g.resolver.Country(lookup)
	if err != nil {
		country = ""
	}
	g.memo[id] = country
	return country
}

func (g *geoLookup) Set(string, string) {}

// ipLookup exposes the client address as a single-entry dictionary.
type ipLookup struct {
	req  *httpmsg.Message
	peer string
	ip   string
}

func newIPLookup(req *httpmsg.Message, peer string) *ipLookup {
	return &ipLookup{req: req, peer: peer}
}

func (l *ipLookup) Get(string) string {
	if l.ip == "" {
		l.ip = l.req.RemoteIP(l.peer)
	}
	return l.ip
}

func (l *ipLookup) Set(string, string) {}
