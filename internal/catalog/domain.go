package catalog

import "time"

// Permission represents an atomic capability identified by a slug.
// Permissions are created by admin tooling and soft-retired via Active;
// they are never hard-deleted so audit rows keep valid references.
type Permission struct {
	ID        int64
	Slug      string
	Group     string
	Active    bool
	CreatedAt time.Time
}
