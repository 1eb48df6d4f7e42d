package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// redactRecord replaces call arguments with salted hashes. Resource, method
// and alias stay readable.
func redactRecord(rec Record, salt []byte) Record {
	rec.Calls = redactCalls(rec.Calls, salt)
	return rec
}

func redactCalls(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var calls []auditCall
	if err := json.Unmarshal(raw, &calls); err != nil {
		b, _ := json.Marshal(map[string]any{
			"calls_hash":      hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	out := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		item := map[string]any{
			"resource": c.Resource,
			"method":   c.Method,
		}
		if c.Alias != "" {
			item["alias"] = c.Alias
		}
		if c.Arguments != "" {
			item["arguments_hash"] = hashString(c.Arguments, salt)
		}
		out = append(out, item)
	}
	b, _ := json.Marshal(out)
	return b
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
