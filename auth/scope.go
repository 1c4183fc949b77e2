package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Actions a scope may carry.
const (
	ActionPull = "pull"
	ActionPush = "push"
	ActionAll  = "*"
)

// ErrScopeInvalid indicates a malformed scope string.
var ErrScopeInvalid = errors.New("invalid scope")

// Scope is one requested or granted resource access, as carried in the
// token request's scope parameter and the token's access claim.
type Scope struct {
	Type    string
	Name    string
	Actions []string
}

// ParseScope parses a single resourcetype:name:actions scope. The name
// may itself contain colons (registry hostnames with ports), so the type
// is split from the front and the actions from the back.
func ParseScope(s string) (Scope, error) {
	typ, rest, ok := strings.Cut(s, ":")
	if !ok || typ == "" {
		return Scope{}, fmt.Errorf("%w: %q", ErrScopeInvalid, s)
	}
	idx := strings.LastIndexByte(rest, ':')
	if idx <= 0 {
		return Scope{}, fmt.Errorf("%w: %q", ErrScopeInvalid, s)
	}
	name, actionsStr := rest[:idx], rest[idx+1:]
	if actionsStr == "" {
		return Scope{}, fmt.Errorf("%w: no actions in %q", ErrScopeInvalid, s)
	}

	actions := strings.Split(actionsStr, ",")
	for _, a := range actions {
		switch a {
		case ActionPull, ActionPush, ActionAll:
		default:
			return Scope{}, fmt.Errorf("%w: action %q", ErrScopeInvalid, a)
		}
	}

	return Scope{Type: typ, Name: name, Actions: actions}, nil
}

// ParseScopes parses the space-separated form clients send when
// requesting multiple resources in one token.
func ParseScopes(s string) ([]Scope, error) {
	var scopes []Scope
	for _, part := range strings.Fields(s) {
		scope, err := ParseScope(part)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

func (s Scope) String() string {
	return s.Type + ":" + s.Name + ":" + strings.Join(s.Actions, ",")
}

// HasAction reports whether the scope carries the action, honoring the
// wildcard.
func (s Scope) HasAction(action string) bool {
	return slices.Contains(s.Actions, action) || slices.Contains(s.Actions, ActionAll)
}

// Intersect returns the scope limited to the granted actions. A wildcard
// request expands to everything granted; a wildcard grant passes the
// request through.
func (s Scope) Intersect(granted []string) Scope {
	out := Scope{Type: s.Type, Name: s.Name}
	if slices.Contains(s.Actions, ActionAll) {
		out.Actions = slices.Clone(granted)
		return out
	}
	for _, a := range s.Actions {
		if slices.Contains(granted, a) || slices.Contains(granted, ActionAll) {
			out.Actions = append(out.Actions, a)
		}
	}
	return out
}
