package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const methodSeparator = ":"

// CacheKeyer builds request identities: the request method and the absolute
// request URL, fragment removed. Requests that carry only a path (as received
// by a server) are resolved against the origin.
type CacheKeyer struct {
	origin *url.URL
}

func NewCacheKeyer(origin url.URL) CacheKeyer {
	o := origin
	o.Path, o.RawPath, o.RawQuery, o.Fragment = "", "", "", ""
	return CacheKeyer{origin: &o}
}

// GetKey returns the request identity for a request.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return c.key(r.Method, c.absolute(r.URL))
}

// KeyForPath returns the identity of a request with the given method for a
// path (or URL) relative to the origin.
func (c CacheKeyer) KeyForPath(method, path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", path, err)
	}
	return c.key(method, c.origin.ResolveReference(ref)), nil
}

// Resolve returns the absolute URL of a path relative to the origin.
func (c CacheKeyer) Resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	return c.origin.ResolveReference(ref), nil
}

// SameOrigin reports whether u points at the origin.
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

func (c CacheKeyer) absolute(u *url.URL) *url.URL {
	if u.IsAbs() {
		abs := *u
		return &abs
	}
	return c.origin.ResolveReference(&url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery})
}

func (c CacheKeyer) key(method string, u *url.URL) string {
	normalized := *u
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)
	if normalized.Path == "" {
		normalized.Path = "/"
	}
	return strings.ToUpper(method) + methodSeparator + normalized.String()
}
