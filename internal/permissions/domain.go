package permissions

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates that the requested profile does not exist.
	ErrNotFound = errors.New("permissions: not found")
	// ErrPermissionsUnavailable covers every failure to load permission data.
	// Callers treat it as "no permissions".
	ErrPermissionsUnavailable = errors.New("permissions: permission data unavailable")
	// ErrUnknownModule indicates a module outside the catalog.
	ErrUnknownModule = errors.New("permissions: unknown module")
	// ErrDuplicateModule indicates two grants for the same module in one write.
	ErrDuplicateModule = errors.New("permissions: duplicate module grant")
	// ErrProfileLocked indicates a write against a non-editable profile.
	ErrProfileLocked = errors.New("permissions: profile is not editable")
)

// Profile is a named role assignable to staff identities.
type Profile struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsAdmin     bool      `json:"is_admin"`
	Editable    bool      `json:"editable"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Grant is the read/edit pair of one profile on one module.
type Grant struct {
	ID        string `json:"id"`
	ProfileID string `json:"profile_id"`
	Module    Module `json:"module"`
	Read      bool   `json:"read"`
	Edit      bool   `json:"edit"`
}

// ProfileDetail bundles a profile with its grants.
type ProfileDetail struct {
	Profile
	Grants []Grant `json:"grants"`
}
