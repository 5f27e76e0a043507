package transport

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Request describes one logical call. It is a value: Retried returns a copy,
// so the attempt count of the original is never mutated.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header

	// LoginFlow marks calls made by the sign-in flow itself (login, logout,
	// refresh). A 401 on them never triggers a refresh.
	LoginFlow bool

	attempt int
}

// NewRequest builds a Request, encoding body as JSON when non-nil.
func NewRequest(method, path string, body any) (Request, error) {
	r := Request{Method: strings.ToUpper(method), Path: path}
	if body == nil {
		return r, nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Request{}, err
	}
	r.Body = b
	return r, nil
}

// Attempt is 0 for the original send and 1 for the single retry.
func (r Request) Attempt() int { return r.attempt }

// Retried returns the copy sent after a successful refresh.
func (r Request) Retried() Request {
	out := r
	out.Header = r.Header.Clone()
	out.attempt = r.attempt + 1
	return out
}

// AsLoginFlow returns a copy flagged as part of the sign-in flow.
func (r Request) AsLoginFlow() Request {
	out := r
	out.LoginFlow = true
	return out
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// serverMessage extracts a human message from {"message": ...} or {"error": {"message": ...}}.
func serverMessage(body []byte) string {
	var flat struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &flat); err != nil {
		return ""
	}
	if m := strings.TrimSpace(flat.Message); m != "" {
		return m
	}
	if len(flat.Error) == 0 {
		return ""
	}

	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(flat.Error, &nested); err == nil {
		if m := strings.TrimSpace(nested.Message); m != "" {
			return m
		}
	}
	var s string
	if err := json.Unmarshal(flat.Error, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}
