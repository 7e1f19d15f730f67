// Package cachetest exercises twice.Cache implementations.
package cachetest

import (
	"testing"
	"time"

	"github.com/twicecache/twice"
)

// Cache runs the shared conformance suite against cache.
func Cache(t *testing.T, cache twice.Cache) {
	key := "memcache_testKey"

	got, err := cache.Get([]string{key})
	if err != nil {
		t.Fatal("get error", err)
	}
	if got[key] != nil {
		t.Fatal("retrieved key before adding it")
	}
	if _, ok := got[key]; !ok {
		t.Fatal("absent key missing from result set")
	}

	element := twice.TextElement("some bytes")
	if err := cache.Set(map[string]*twice.Element{key: element}, time.Minute); err != nil {
		t.Fatal("set error", err)
	}

	got, err = cache.Get([]string{key})
	if err != nil {
		t.Fatal("get error", err)
	}
	if got[key] == nil {
		t.Fatal("could not retrieve an element we just added")
	}
	if got[key].Text != "some bytes" {
		t.Fatal("retrieved a different value than what we put in")
	}

	if err := cache.Delete([]string{key}); err != nil {
		t.Fatal("delete error", err)
	}
	got, _ = cache.Get([]string{key})
	if got[key] != nil {
		t.Fatal("deleted key still present")
	}

	// Multi-key round trip with a miss in the middle.
	items := map[string]*twice.Element{
		"session_1": twice.FieldsElement(map[string]string{"username": "ada"}),
		"viewdb_2":  twice.TextElement("42"),
	}
	if err := cache.Set(items, time.Minute); err != nil {
		t.Fatal("set error", err)
	}
	got, err = cache.Get([]string{"session_1", "memcache_missing", "viewdb_2"})
	if err != nil {
		t.Fatal("get error", err)
	}
	if got["session_1"] == nil || got["session_1"].Fields["username"] != "ada" {
		t.Fatalf("bad session element: %+v", got["session_1"])
	}
	if got["memcache_missing"] != nil {
		t.Fatal("phantom element for missing key")
	}
	if got["viewdb_2"] == nil || got["viewdb_2"].Text != "42" {
		t.Fatalf("bad viewdb element: %+v", got["viewdb_2"])
	}

	if err := cache.Flush(); err == nil {
		got, _ = cache.Get([]string{"session_1", "viewdb_2"})
		if got["session_1"] != nil || got["viewdb_2"] != nil {
			t.Fatal("flushed keys still present")
		}
	}
}
