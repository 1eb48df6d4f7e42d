// Package argument maps a call's JSON argument bundle onto a method's
// declared parameters and resolves back-references into earlier results of
// the same batch.
//
// Resolution runs in two passes. Parse walks the declared parameters and
// compiles every "{=<path>}" string into a JSONPath expression; Bind then
// evaluates the compiled plan against the batch's response slots. A plan can
// be inspected between the passes, which keeps compile errors separate from
// evaluation errors.
package argument

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/ziebelje/cora/pkg/fault"
)

var backReference = regexp.MustCompile(`^\{=(.+)\}$`)

// Decode parses the raw argument bundle. An empty bundle is an empty mapping.
func Decode(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	v, err := decodeJSON([]byte(raw))
	if err != nil {
		return nil, fault.Wrap(err, fault.KindRequestShape, fault.CodeMalformedArguments, "arguments are not valid JSON").
			With("arguments", raw)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fault.New(fault.KindRequestShape, fault.CodeMalformedArguments, "arguments must be a JSON object").
			With("arguments", raw)
	}
	return m, nil
}

// decodeJSON reads exactly one JSON value, keeping numbers as json.Number so
// integers above 2^53 survive.
func decodeJSON(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	return v, nil
}

type reference struct {
	text string
	expr jp.Expr
}

// Plan is a positional argument list in which back-references are compiled
// but not yet evaluated.
type Plan struct {
	values []any
	refs   []string
}

// Len is the number of positional arguments the plan produces.
func (p *Plan) Len() int { return len(p.values) }

// References lists the back-reference paths found, in walk order.
func (p *Plan) References() []string { return p.refs }

// Parse builds the positional plan. Parameters are taken in declared order up
// to the first one missing from the bundle. References are compiled only when
// backrefs is set; otherwise "{=...}" strings are passed through verbatim.
func Parse(raw string, params []string, backrefs bool) (*Plan, error) {
	bundle, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	p := &Plan{values: make([]any, 0, len(params))}
	for _, name := range params {
		v, ok := bundle[name]
		if !ok {
			break
		}
		if backrefs {
			if v, err = p.compile(v); err != nil {
				return nil, err
			}
		}
		p.values = append(p.values, v)
	}
	return p, nil
}

func (p *Plan) compile(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			c, err := p.compile(child)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			c, err := p.compile(child)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case string:
		m := backReference.FindStringSubmatch(t)
		if m == nil {
			return t, nil
		}
		expr, err := jp.ParseString(m[1])
		if err != nil {
			return nil, fault.Wrap(err, fault.KindRequestShape, fault.CodeBackReference, "invalid back-reference path").
				With("reference", t)
		}
		p.refs = append(p.refs, m[1])
		return &reference{text: t, expr: expr}, nil
	default:
		return v, nil
	}
}

// Bind evaluates the plan against the slot document and returns the final
// positional arguments. The plan itself is left unchanged.
func (p *Plan) Bind(doc any) ([]any, error) {
	out := make([]any, len(p.values))
	for i, v := range p.values {
		r, err := bind(v, doc)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func bind(v any, doc any) (any, error) {
	switch t := v.(type) {
	case *reference:
		matches := t.expr.Get(doc)
		switch len(matches) {
		case 0:
			return nil, fault.Newf(fault.KindRequestShape, fault.CodeBackReference, "back-reference %s matched nothing", t.text).
				With("reference", t.text)
		case 1:
			return matches[0], nil
		default:
			return matches, nil
		}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			r, err := bind(child, doc)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			r, err := bind(child, doc)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// Resolve runs both passes.
func Resolve(raw string, params []string, backrefs bool, doc any) ([]any, error) {
	p, err := Parse(raw, params, backrefs)
	if err != nil {
		return nil, err
	}
	return p.Bind(doc)
}

// Normalize converts a method's return value into plain JSON data (maps,
// slices, strings, json.Number, bool, nil) so paths can be evaluated against
// it. Values that cannot be encoded as JSON are reported as errors.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, json.Number:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeJSON(b)
}
