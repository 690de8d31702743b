// Package guard decides whether a protected portal view may be rendered for
// the current identity.
package guard

import "github.com/tecsuporte/helpdesk/internal/permissions"

// Decision is the outcome of evaluating a protected view.
type Decision int

const (
	// Deny renders the access-denied placeholder.
	Deny Decision = iota
	// Loading renders the loading placeholder.
	Loading
	// Allow renders the protected content.
	Allow
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Loading:
		return "loading"
	default:
		return "deny"
	}
}

// Decide evaluates state for module. Clients always pass; their data is
// scoped by row ownership downstream.
func Decide(state permissions.State, module permissions.Module, requireEdit bool) Decision {
	if state.Client {
		return Allow
	}
	if state.Loading {
		return Loading
	}
	allowed := state.CanRead(module)
	if requireEdit {
		allowed = state.CanEdit(module)
	}
	if allowed {
		return Allow
	}
	return Deny
}
