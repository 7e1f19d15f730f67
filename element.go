// Package twice defines the cache contract shared by every storage
// backend, the value types held on behalf of the data store, and the
// in-process cache variants.
package twice

import (
	"github.com/twicecache/twice/httpmsg"
)

// PageEntry is a cached origin response together with the bookkeeping
// the stale-while-revalidate tiers run on. RenderedOn is in seconds.
type PageEntry struct {
	Response     *httpmsg.Message `msgpack:"response"`
	RenderedOn   float64          `msgpack:"rendered_on"`
	CacheControl int              `msgpack:"cache_control"`
}

// Element is the unit a cache backend stores for the data store. Exactly
// one field is meaningful, depending on the element kind:
//
//	page                         Page
//	session, abvalue, unread,
//	favorite, subscription       Fields
//	abdependency                 Tests
//	memcache, viewdb             Text
//	expiration                   Stamp
type Element struct {
	Page   *PageEntry        `msgpack:"page,omitempty"`
	Fields map[string]string `msgpack:"fields,omitempty"`
	Tests  []string          `msgpack:"tests,omitempty"`
	Text   string            `msgpack:"text,omitempty"`
	Stamp  float64           `msgpack:"stamp,omitempty"`
}

// FieldsElement wraps a field mapping.
func FieldsElement(fields map[string]string) *Element { return &Element{Fields: fields} }

// TextElement wraps a raw string value.
func TextElement(s string) *Element { return &Element{Text: s} }
