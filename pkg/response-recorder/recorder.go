package recorder

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
)

// ResponseSaver is an http.ResponseWriter that saves the response to a buffer.
// It lets an in-process handler act as the network: the saved bytes are
// parsed back into an *http.Response.
type ResponseSaver struct {
	b            *bytes.Buffer
	body         *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.body.Write(b)
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// Response returns the recorded response in HTTP/1.1 wire format.
func (t *ResponseSaver) Response() []byte {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	t.b.Reset()
	// header values written before the status line may be changed by the
	// handler until it writes the body, so the head is rendered here
	t.b.WriteString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", t.status, http.StatusText(t.status)))
	h := t.header.Clone()
	h.Del("Transfer-Encoding")
	h.Set("Content-Length", fmt.Sprint(t.body.Len()))
	h.Write(t.b)
	t.b.WriteString("\r\n")
	t.b.Write(t.body.Bytes())
	return t.b.Bytes()
}

// Result parses the recorded response.
// The request is attached to the response, as for responses from a client.
func (t *ResponseSaver) Result(req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(t.Response())), req)
}

// NewResponseSaver returns a new, empty ResponseSaver.
func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		b:      &bytes.Buffer{},
		body:   &bytes.Buffer{},
		header: http.Header{},
	}
}
