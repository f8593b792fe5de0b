package rfc9111

import (
	"net/http"
	"strings"
)

// hopByHop lists the fields that only make sense for a single connection
// and must not be forwarded or stored (RFC 9110 section 7.6.1).
var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"TE",
	"Transfer-Encoding",
	"Upgrade",
}

// GetListHeader returns the comma separated items of all values of a list-based field.
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}

// StorableHeader returns a copy of the response header without the fields
// that must not be stored (section 3.1).
func StorableHeader(header http.Header) http.Header {
	if header == nil {
		return nil
	}
	h := header.Clone()
	stripHopByHop(h)
	return h
}

// GetForwardRequest clones the request for sending it to the network,
// dropping the connection-specific fields.
func GetForwardRequest(req *http.Request) *http.Request {
	r := req.Clone(req.Context())
	stripHopByHop(r.Header)
	return r
}

func stripHopByHop(h http.Header) {
	// fields named in Connection go first, the Connection field itself is deleted below
	for _, name := range GetListHeader(h, "Connection") {
		h.Del(name)
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}
