// Package rfc9211 builds the Cache-Status response header field.
package rfc9211

import (
	"fmt"
	"strings"
)

// CacheName identifies this cache in the Cache-Status field.
const CacheName = "Offline-Cache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
)

const (
	// DetailOffline marks a response replaced by the offline page.
	DetailOffline = "offline"
	// DetailStoreFailed marks a response that should have been stored
	// but could not be written to the cache.
	DetailStoreFailed = "store-failed"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	Stored    bool
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String formats the field value, e.g. `Offline-Cache; fwd=uri-miss; stored`.
func (cs CacheStatus) String() string {
	parts := []string{CacheName}
	switch cs.Status {
	case StatusHit:
		parts = append(parts, string(StatusHit))
	case StatusFwd:
		if cs.FwdReason != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", StatusFwd, cs.FwdReason))
		}
	}
	if cs.Stored {
		parts = append(parts, "stored")
	}
	if cs.Detail != "" {
		parts = append(parts, "detail="+cs.Detail)
	}
	return strings.Join(parts, "; ")
}
