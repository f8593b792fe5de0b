package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/eyojana/offline-cache/rfc9111"
)

const storedAtHeaderName = "Ocache-Stored-At"

// StoredResponse is a response snapshot together with the time it was stored.
type StoredResponse struct {
	Response *http.Response
	StoredAt time.Time
}

// BytesToStoredResponse parses a snapshot created by StoredResponseToBytes.
// The request is attached to the returned response.
func BytesToStoredResponse(b []byte, req *http.Request) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		sRes.StoredAt = time.Unix(storedAt, 0)
	}
	res.Header.Del(storedAtHeaderName)
	return sRes, nil
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the response,
// without hop-by-hop fields. The response body is consumed and replaced by an
// independent copy, so the response can still be sent after the call.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	body, err := readBody(res)
	if err != nil {
		return nil, err
	}

	stored := *res
	stored.Proto, stored.ProtoMajor, stored.ProtoMinor = "HTTP/1.1", 1, 1
	stored.Header = rfc9111.StorableHeader(res.Header)
	if stored.Header == nil {
		stored.Header = http.Header{}
	}
	stored.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.Unix(), 10))
	stored.Body = io.NopCloser(bytes.NewReader(body))
	stored.ContentLength = int64(len(body))
	stored.TransferEncoding = nil
	stored.Trailer = nil
	stored.Close = false

	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readBody drains the response body and puts a fresh reader in its place.
func readBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		return nil, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return body, nil
}
