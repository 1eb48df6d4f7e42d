// Package call turns an inbound API request into the ordered list of calls a
// batch executes.
package call

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ziebelje/cora/pkg/fault"
)

// Request is the inbound mapping. Batch, when set, is the JSON text of an
// array of call objects and the single-call fields are ignored.
type Request struct {
	Batch     string
	Resource  string
	Method    string
	Arguments string
	Alias     string
}

type Call struct {
	Index     int    `json:"index"`
	Resource  string `json:"resource"`
	Method    string `json:"method"`
	Arguments string `json:"arguments,omitempty"`
	Alias     string `json:"alias,omitempty"`
}

// Key is the call's response slot key.
func (c Call) Key(aliased bool) string {
	if aliased {
		return c.Alias
	}
	return strconv.Itoa(c.Index)
}

func (c Call) Name() string { return c.Resource + "." + c.Method }

type List struct {
	Calls   []Call
	Batch   bool
	Aliased bool
}

func (l List) Len() int { return len(l.Calls) }

type wireCall struct {
	Resource  string          `json:"resource"`
	Method    string          `json:"method"`
	Arguments json.RawMessage `json:"arguments"`
	Alias     *string         `json:"alias"`
}

// Build validates the request and returns its calls in order. limit <= 0
// disables the batch size ceiling.
func Build(req Request, limit int) (List, error) {
	if strings.TrimSpace(req.Batch) == "" {
		if req.Resource == "" || req.Method == "" {
			return List{}, fault.New(fault.KindRequestShape, fault.CodeMalformedRequest, "request must include resource and method")
		}
		return List{Calls: []Call{{
			Resource:  req.Resource,
			Method:    req.Method,
			Arguments: req.Arguments,
			Alias:     req.Alias,
		}}}, nil
	}

	var wire []wireCall
	if err := json.Unmarshal([]byte(req.Batch), &wire); err != nil {
		return List{}, fault.Wrap(err, fault.KindRequestShape, fault.CodeMalformedBatch, "batch is not a valid JSON array of calls").With("batch", req.Batch)
	}
	if len(wire) == 0 {
		return List{}, fault.New(fault.KindRequestShape, fault.CodeMalformedBatch, "batch is empty")
	}
	if limit > 0 && len(wire) > limit {
		return List{}, fault.Newf(fault.KindRequestShape, fault.CodeBatchLimitExceeded, "batch limit of %d calls exceeded", limit).
			With("calls", len(wire))
	}

	list := List{Calls: make([]Call, 0, len(wire)), Batch: true}
	aliased := 0
	seen := make(map[string]struct{}, len(wire))
	for i, w := range wire {
		if w.Resource == "" || w.Method == "" {
			return List{}, fault.Newf(fault.KindRequestShape, fault.CodeMalformedBatch, "call %d must include resource and method", i)
		}
		args, err := argumentText(w.Arguments)
		if err != nil {
			return List{}, fault.Wrap(err, fault.KindRequestShape, fault.CodeMalformedArguments, "arguments must be a JSON object or a JSON-encoded string").
				With("index", i)
		}
		c := Call{Index: i, Resource: w.Resource, Method: w.Method, Arguments: args}
		if w.Alias != nil {
			aliased++
			if _, dup := seen[*w.Alias]; dup {
				return List{}, fault.Newf(fault.KindRequestShape, fault.CodeDuplicateAlias, "duplicate alias %q", *w.Alias)
			}
			seen[*w.Alias] = struct{}{}
			c.Alias = *w.Alias
		}
		list.Calls = append(list.Calls, c)
	}
	if aliased > 0 && aliased != len(wire) {
		return List{}, fault.New(fault.KindRequestShape, fault.CodeInconsistentAliasUsage, "either every call in a batch has an alias or none do")
	}
	list.Aliased = aliased > 0
	return list, nil
}

// argumentText accepts the arguments either as a JSON-encoded string or as
// an inline value and returns the JSON text.
func argumentText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return string(raw), nil
}
