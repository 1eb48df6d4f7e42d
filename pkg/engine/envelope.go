package engine

import (
	"bytes"
	"encoding/json"

	"github.com/ziebelje/cora/pkg/call"
	"github.com/ziebelje/cora/pkg/fault"
)

// Response is the body of every API response.
type Response struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type Field struct {
	Key   string
	Value any
}

// Object is a JSON object that keeps its keys in insertion order.
type Object []Field

func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the value stored under key.
func (o Object) Get(key string) (any, bool) {
	for _, f := range o {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Success renders the slots of a completed list. A single non-batch call is
// unwrapped; aliased batches become an object in call order; other batches a
// list in call order.
func Success(list call.List, slots []Slot) Response {
	switch {
	case !list.Batch:
		var v any
		if len(slots) > 0 {
			v = slots[0].Value
		}
		return Response{Success: true, Data: v}
	case list.Aliased:
		obj := make(Object, 0, len(slots))
		for _, s := range slots {
			obj = append(obj, Field{Key: s.Key, Value: s.Value})
		}
		return Response{Success: true, Data: obj}
	default:
		values := make([]any, 0, len(slots))
		for _, s := range slots {
			values = append(values, s.Value)
		}
		return Response{Success: true, Data: values}
	}
}

// Failure renders a fault. Location, trace and extra info are included only
// in debug mode.
func Failure(fe *fault.Error, debug bool) Response {
	return Response{Success: false, Data: fe.Payload(debug)}
}
