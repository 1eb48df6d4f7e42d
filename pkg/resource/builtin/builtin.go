// Package builtin provides the resources shipped with the API server.
package builtin

import (
	"github.com/ziebelje/cora/pkg/resource"
)

const (
	CookieSessionKey = "session_key"
	CookieExternalID = "external_id"
)

// Handlers returns every built-in resource keyed by name.
func Handlers() resource.Handlers {
	return resource.Handlers{
		"system":  System,
		"session": Session,
		"note":    Note,
	}
}

// Merge combines handler sets; later sets win on name collisions.
func Merge(sets ...resource.Handlers) resource.Handlers {
	out := resource.Handlers{}
	for _, set := range sets {
		for name, f := range set {
			out[name] = f
		}
	}
	return out
}
