package audit

import "time"

// Action identifies the logical mutation recorded by an audit entry.
type Action string

// Audit actions. One entry is written per affected user per changed permission.
const (
	ActionGranted               Action = "granted"
	ActionRevoked               Action = "revoked"
	ActionOverrideRemoved       Action = "override_removed"
	ActionRolePermissionAdded   Action = "role_permission_added"
	ActionRolePermissionRemoved Action = "role_permission_removed"
)

// Entry represents a permission_audit_log row. Entries are append-only:
// nothing in this package updates or deletes them.
type Entry struct {
	ID           int64
	UserID       int64
	PermissionID int64
	Action       Action
	ActorID      int64
	Context      map[string]any
	CreatedAt    time.Time
}
