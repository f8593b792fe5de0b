package cachekey

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func newKeyer(t *testing.T) CacheKeyer {
	origin, err := url.Parse("https://eyojana.example")
	if err != nil {
		t.Fatal(err)
	}
	return NewCacheKeyer(*origin)
}

func TestServerAndClientRequestsShareKey(t *testing.T) {
	keyer := newKeyer(t)
	server := httptest.NewRequest("GET", "/styles.css?v=2", nil)
	client, _ := http.NewRequest("GET", "https://EYOJANA.example/styles.css?v=2#top", nil)

	if a, b := keyer.GetKey(server), keyer.GetKey(client); a != b {
		t.Fatalf("Keys differ: %s != %s", a, b)
	}
	if key := keyer.GetKey(server); key != "GET:https://eyojana.example/styles.css?v=2" {
		t.Fatalf("Key is %s", key)
	}
}

func TestMethodIsPartOfKey(t *testing.T) {
	keyer := newKeyer(t)
	get := keyer.GetKey(httptest.NewRequest("GET", "/", nil))
	head := keyer.GetKey(httptest.NewRequest("HEAD", "/", nil))
	if get == head {
		t.Fatalf("GET and HEAD share key %s", get)
	}
}

func TestKeyForPath(t *testing.T) {
	keyer := newKeyer(t)
	key, err := keyer.KeyForPath("get", "/offline.html")
	if err != nil {
		t.Fatal(err)
	}
	if key != keyer.GetKey(httptest.NewRequest("GET", "/offline.html", nil)) {
		t.Fatalf("Key is %s", key)
	}
}

func TestSameOrigin(t *testing.T) {
	keyer := newKeyer(t)
	same, _ := url.Parse("https://eyojana.example/schemes")
	other, _ := url.Parse("https://evil.example/")
	if !keyer.SameOrigin(same) || keyer.SameOrigin(other) {
		t.Fatal("Origin comparison wrong")
	}
}
