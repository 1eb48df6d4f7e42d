// Package registry holds the access map: which resource methods are
// callable, whether they need a valid session, and their parameter names.
package registry

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type Tier string

const (
	TierSession    Tier = "session"
	TierNonSession Tier = "non_session"
)

// Map is tier -> resource -> method -> ordered parameter names.
type Map map[Tier]map[string]map[string][]string

// Lookup returns the tier and parameter names for a method. The session tier
// wins when a method is listed in both.
func (m Map) Lookup(resource, method string) (Tier, []string, bool) {
	for _, tier := range []Tier{TierSession, TierNonSession} {
		if params, ok := m[tier][resource][method]; ok {
			return tier, params, true
		}
	}
	return "", nil, false
}

// Register adds a method, replacing any existing entry in either tier.
func (m Map) Register(tier Tier, resource, method string, params ...string) {
	for _, t := range []Tier{TierSession, TierNonSession} {
		delete(m[t][resource], method)
	}
	if m[tier] == nil {
		m[tier] = map[string]map[string][]string{}
	}
	if m[tier][resource] == nil {
		m[tier][resource] = map[string][]string{}
	}
	if params == nil {
		params = []string{}
	}
	m[tier][resource][method] = params
}

func Load(r io.Reader) (Map, error) {
	var raw map[string]map[string]map[string][]string
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	m := Map{}
	for tier, resources := range raw {
		t := Tier(tier)
		if t != TierSession && t != TierNonSession {
			return nil, fmt.Errorf("unknown registry tier %q", tier)
		}
		for resource, methods := range resources {
			for method, params := range methods {
				if _, _, dup := m.Lookup(resource, method); dup {
					return nil, fmt.Errorf("%s.%s is listed in more than one tier", resource, method)
				}
				m.Register(t, resource, method, params...)
			}
		}
	}
	return m, nil
}

func LoadFile(path string) (Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	defer f.Close()
	return Load(f)
}
