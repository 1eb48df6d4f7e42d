package main

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/ziebelje/cora/pkg/call"
	"github.com/ziebelje/cora/pkg/fault"
)

// jsonRequest is the JSON body form of the inbound mapping. batch and
// arguments may be JSON-encoded strings or inline values.
type jsonRequest struct {
	Batch     json.RawMessage `json:"batch"`
	Resource  string          `json:"resource"`
	Method    string          `json:"method"`
	Arguments json.RawMessage `json:"arguments"`
	Alias     string          `json:"alias"`
	APIKey    string          `json:"api_key"`
}

// readCallRequest extracts the inbound mapping and the caller's API key from
// a JSON body, a form body or the query string.
func readCallRequest(r *http.Request) (call.Request, string, error) {
	if r.Method == http.MethodPost && isJSON(r.Header.Get("Content-Type")) {
		var body jsonRequest
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&body); err != nil {
			return call.Request{}, "", bodyFault(err)
		}
		req := call.Request{
			Batch:     rawText(body.Batch),
			Resource:  body.Resource,
			Method:    body.Method,
			Arguments: rawText(body.Arguments),
			Alias:     body.Alias,
		}
		return req, apiKey(r, body.APIKey), nil
	}
	if err := r.ParseForm(); err != nil {
		return call.Request{}, "", bodyFault(err)
	}
	f := r.Form
	req := call.Request{
		Batch:     f.Get("batch"),
		Resource:  f.Get("resource"),
		Method:    f.Get("method"),
		Arguments: f.Get("arguments"),
		Alias:     f.Get("alias"),
	}
	return req, apiKey(r, f.Get("api_key")), nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}

// rawText returns a JSON string's contents, or the raw JSON text of any other
// value. null and absent values are empty.
func rawText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return trimmed
}

func apiKey(r *http.Request, field string) string {
	if k := strings.TrimSpace(field); k != "" {
		return k
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func bodyFault(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fault.Wrap(err, fault.KindRequestShape, fault.CodeMalformedRequest, "request body too large").
			With("limit_bytes", tooLarge.Limit)
	}
	return fault.Wrap(err, fault.KindRequestShape, fault.CodeMalformedRequest, "invalid request body")
}
