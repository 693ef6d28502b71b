package roles

import "time"

// Role represents a named bundle of default permissions. Role membership
// itself lives in the identity store's user_roles relation, which this
// package reads but never writes.
type Role struct {
	ID        int64
	Slug      string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
