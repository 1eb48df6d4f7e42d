package call

import (
	"testing"

	"github.com/ziebelje/cora/pkg/fault"
)

func TestBuildSingleCall(t *testing.T) {
	list, err := Build(Request{Resource: "note", Method: "get", Arguments: `{"id":1}`}, 10)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if list.Batch || list.Aliased || list.Len() != 1 {
		t.Fatalf("unexpected list: %+v", list)
	}
	c := list.Calls[0]
	if c.Name() != "note.get" || c.Arguments != `{"id":1}` || c.Key(false) != "0" {
		t.Fatalf("unexpected call: %+v", c)
	}
}

func TestBuildBatchPreservesOrder(t *testing.T) {
	batch := `[
		{"resource":"system","method":"ping"},
		{"resource":"note","method":"get","arguments":"{\"id\":7}"},
		{"resource":"note","method":"list","arguments":{"limit":2}}
	]`
	list, err := Build(Request{Batch: batch, Resource: "ignored", Method: "ignored"}, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !list.Batch || list.Aliased || list.Len() != 3 {
		t.Fatalf("unexpected list: %+v", list)
	}
	for i, c := range list.Calls {
		if c.Index != i {
			t.Fatalf("call %d has index %d", i, c.Index)
		}
	}
	if list.Calls[1].Arguments != `{"id":7}` {
		t.Fatalf("expected decoded string arguments, got %q", list.Calls[1].Arguments)
	}
	if list.Calls[2].Arguments != `{"limit":2}` {
		t.Fatalf("expected inline object arguments, got %q", list.Calls[2].Arguments)
	}
	if list.Calls[0].Arguments != "" {
		t.Fatalf("expected empty arguments, got %q", list.Calls[0].Arguments)
	}
}

func TestBuildAliased(t *testing.T) {
	batch := `[{"resource":"a","method":"x","alias":"first"},{"resource":"b","method":"y","alias":"second"}]`
	list, err := Build(Request{Batch: batch}, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !list.Aliased || list.Calls[1].Key(true) != "second" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestBuildFaults(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		limit int
		code  fault.Code
	}{
		{name: "invalid json", req: Request{Batch: `[{`}, code: fault.CodeMalformedBatch},
		{name: "not an array", req: Request{Batch: `{"resource":"a"}`}, code: fault.CodeMalformedBatch},
		{name: "empty batch", req: Request{Batch: `[]`}, code: fault.CodeMalformedBatch},
		{name: "missing method", req: Request{Batch: `[{"resource":"a"}]`}, code: fault.CodeMalformedBatch},
		{name: "limit exceeded", req: Request{Batch: `[{"resource":"a","method":"x"},{"resource":"a","method":"y"}]`}, limit: 1, code: fault.CodeBatchLimitExceeded},
		{name: "mixed alias", req: Request{Batch: `[{"resource":"a","method":"x","alias":"one"},{"resource":"a","method":"y"}]`}, code: fault.CodeInconsistentAliasUsage},
		{name: "duplicate alias", req: Request{Batch: `[{"resource":"a","method":"x","alias":"one"},{"resource":"a","method":"y","alias":"one"}]`}, code: fault.CodeDuplicateAlias},
		{name: "single without resource", req: Request{Method: "x"}, code: fault.CodeMalformedRequest},
		{name: "bad arguments type", req: Request{Batch: `[{"resource":"a","method":"x","arguments":"{"}]`}, code: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.req, tc.limit)
			if tc.code == 0 {
				if err != nil {
					t.Fatalf("argument text is validated later, got %v", err)
				}
				return
			}
			if fault.CodeOf(err) != tc.code {
				t.Fatalf("expected code %d, got %v", tc.code, err)
			}
			if fault.KindOf(err) != fault.KindRequestShape {
				t.Fatalf("expected request shape fault, got %s", fault.KindOf(err))
			}
		})
	}
}

func TestBuildLimitAllowsExactCount(t *testing.T) {
	batch := `[{"resource":"a","method":"x"},{"resource":"a","method":"y"}]`
	if _, err := Build(Request{Batch: batch}, 2); err != nil {
		t.Fatalf("expected batch at the limit to pass: %v", err)
	}
}
