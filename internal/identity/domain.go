package identity

import "strings"

// Kind distinguishes restricted client accounts from staff members.
type Kind string

const (
	// KindClient identifies customer accounts. Their access is governed by row
	// ownership in the store, never by module grants.
	KindClient Kind = "client"
	// KindStaff identifies internal staff subject to permission profiles.
	KindStaff Kind = "staff"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindClient || k == KindStaff
}

// Identity is the currently authenticated actor.
type Identity struct {
	UserID    string
	Email     string
	Name      string
	Kind      Kind
	ProfileID string
}

// IsClient reports whether the identity is a client account.
func (i *Identity) IsClient() bool {
	return i != nil && i.Kind == KindClient
}

// HasProfile reports whether a staff identity references a permission profile.
func (i *Identity) HasProfile() bool {
	return i != nil && !i.IsClient() && strings.TrimSpace(i.ProfileID) != ""
}

// Key returns the reference permission resolution is keyed on. A nil identity
// has an empty key.
func (i *Identity) Key() string {
	if i == nil {
		return ""
	}
	return string(i.Kind) + ":" + i.UserID + ":" + i.ProfileID
}

// Clone returns a copy so callers cannot mutate shared identities.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}
