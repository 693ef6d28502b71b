package overrides

import "time"

// Type distinguishes grant overrides from revoke overrides.
type Type string

const (
	// TypeGrant adds a permission on top of role defaults.
	TypeGrant Type = "grant"
	// TypeRevoke blocks a permission regardless of role defaults.
	TypeRevoke Type = "revoke"
)

// Override is a per-user exception to role defaults. At most one override
// exists per (user, permission) pair at any time.
type Override struct {
	ID           int64
	UserID       int64
	PermissionID int64
	Type         Type
	Reason       *string
	GrantedBy    int64
	GrantedAt    time.Time
	ExpiresAt    *time.Time
}

// ActiveAt reports whether the override is in effect at the given instant.
// This is the single activity predicate shared by the resolver and the
// impact analyzer; an expired override contributes nothing in either
// direction even before the cleanup sweep deletes it.
func (o Override) ActiveAt(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}
