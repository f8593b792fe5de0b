// Package notify decodes push payloads and keeps the notifications shown to the user.
package notify

import "encoding/json"

const (
	// DefaultTitle is shown when a payload has no title.
	DefaultTitle = "E-Yojana Alert!"
	// DefaultBody is shown when a payload has no body.
	DefaultBody = "You have a new update."
)

// Payload is a decoded push message.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// Decode turns raw push data into a payload. A nil slice means the push
// carried no data. A JSON object is read field by field; any other text
// becomes the body. The returned error describes why the data was not a JSON
// object and is informational only: the payload is always usable.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if data == nil {
		return p, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		p.Body = string(data)
		return p, err
	}
	if fields == nil {
		// JSON null
		return p, nil
	}
	p.Title = stringField(fields, "title")
	p.Body = stringField(fields, "body")
	p.URL = stringField(fields, "url")
	return p, nil
}

func stringField(fields map[string]any, name string) string {
	if s, ok := fields[name].(string); ok {
		return s
	}
	return ""
}

// Normalize fills in the default title and body.
func (p Payload) Normalize() Payload {
	if p.Title == "" {
		p.Title = DefaultTitle
	}
	if p.Body == "" {
		p.Body = DefaultBody
	}
	return p
}
