// Package fieldmap maps directory attributes onto local profile fields under
// declarative, event-scoped rules.
package fieldmap

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"entralink/internal/identity/models"
)

// Behavior selects which events a rule applies to.
type Behavior string

const (
	Always   Behavior = "always"
	OnCreate Behavior = "oncreate"
	OnLogin  Behavior = "onlogin"
)

// Event is the lifecycle moment a mapping runs at.
type Event string

const (
	EventCreate Event = "create"
	EventLogin  Event = "login"
)

// Rule copies one remote attribute into one local field.
type Rule struct {
	Remote   string
	Local    string
	Behavior Behavior
}

// AppliesTo reports whether the rule runs for event.
func (r Rule) AppliesTo(event Event) bool {
	return r.Behavior == Always || string(r.Behavior) == "on"+string(event)
}

// Map is an ordered rule list. Later rules for the same local field win.
type Map []Rule

// ParseRule parses a "remote/local/behavior" triple.
func ParseRule(spec string) (Rule, error) {
	parts := strings.Split(strings.TrimSpace(spec), "/")
	if len(parts) != 3 {
		return Rule{}, fmt.Errorf("field map rule %q: want remote/local/behavior", spec)
	}
	r := Rule{
		Remote:   strings.TrimSpace(parts[0]),
		Local:    strings.TrimSpace(parts[1]),
		Behavior: Behavior(strings.ToLower(strings.TrimSpace(parts[2]))),
	}
	if r.Remote == "" || r.Local == "" {
		return Rule{}, fmt.Errorf("field map rule %q: empty field name", spec)
	}
	switch r.Behavior {
	case Always, OnCreate, OnLogin:
	default:
		return Rule{}, fmt.Errorf("field map rule %q: unknown behavior %q", spec, r.Behavior)
	}
	return r, nil
}

// Parse builds a Map from configuration strings. Blank entries are skipped.
func Parse(specs []string) (Map, error) {
	specs = lo.Filter(specs, func(s string, _ int) bool { return strings.TrimSpace(s) != "" })
	m := make(Map, 0, len(specs))
	for _, spec := range specs {
		r, err := ParseRule(spec)
		if err != nil {
			return nil, err
		}
		m = append(m, r)
	}
	return m, nil
}

// References reports whether any rule reads remote.
func (m Map) References(remote string) bool {
	return lo.ContainsBy(m, func(r Rule) bool { return strings.EqualFold(r.Remote, remote) })
}

// Apply returns profile with every rule for event applied. The input profile
// is not modified. Missing remote attributes leave the local field untouched.
func (m Map) Apply(attrs map[string]string, profile models.Profile, event Event) models.Profile {
	out := profile.Clone()
	for _, r := range m {
		if !r.AppliesTo(event) {
			continue
		}
		value, ok := lookup(attrs, r.Remote)
		if !ok {
			continue
		}
		out[r.Local] = normalize(r.Local, value)
	}
	return out
}

func lookup(attrs map[string]string, key string) (string, bool) {
	if v, ok := attrs[key]; ok {
		return v, true
	}
	for k, v := range attrs {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func normalize(local, value string) string {
	switch local {
	case "country":
		return CountryCode(value)
	case "lang":
		if r := []rune(value); len(r) > 2 {
			return string(r[:2])
		}
		return value
	default:
		return value
	}
}
