package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/noah-isme/keystone/internal/overrides"
	"github.com/noah-isme/keystone/internal/shared"
)

// ImpactAction names the proposed role-permission change.
type ImpactAction string

const (
	// ImpactAdd previews adding a permission to a role.
	ImpactAdd ImpactAction = "add"
	// ImpactRemove previews removing a permission from a role.
	ImpactRemove ImpactAction = "remove"
)

// Preview reports which users a proposed role-permission change would
// actually affect given their overrides.
type Preview struct {
	AffectedUserIDs   []int64 `json:"affected_users"`
	UnaffectedUserIDs []int64 `json:"unaffected_users"`
}

// RoleUsers enumerates users holding a role.
type RoleUsers interface {
	UserIDsWithRole(ctx context.Context, roleID int64) ([]int64, error)
}

// OverridesByPermission fetches all override rows for one permission, keyed
// by user id.
type OverridesByPermission interface {
	ListForPermission(ctx context.Context, permissionID int64) (map[int64]overrides.Override, error)
}

// Impact analyses proposed role-permission changes without mutating anything.
// It shares Override.ActiveAt with the resolver so the precedence rule cannot
// drift between the two call sites.
type Impact struct {
	roles     RoleUsers
	overrides OverridesByPermission
	now       func() time.Time
}

// NewImpact builds Impact instance.
func NewImpact(roles RoleUsers, ovr OverridesByPermission) *Impact {
	return &Impact{roles: roles, overrides: ovr, now: time.Now}
}

// PreviewImpact classifies every user holding the role. A user with any
// active override for the permission is unaffected: a grant override already
// confers it independent of the role, a revoke override blocks it regardless.
// Only users with no active override change behavior with the role.
func (i *Impact) PreviewImpact(ctx context.Context, roleID, permissionID int64, action ImpactAction) (Preview, error) {
	if action != ImpactAdd && action != ImpactRemove {
		return Preview{}, fmt.Errorf("resolver: impact action %q: %w", action, shared.ErrValidation)
	}

	users, err := i.roles.UserIDsWithRole(ctx, roleID)
	if err != nil {
		return Preview{}, err
	}
	ovr, err := i.overrides.ListForPermission(ctx, permissionID)
	if err != nil {
		return Preview{}, err
	}

	now := i.now()
	preview := Preview{AffectedUserIDs: []int64{}, UnaffectedUserIDs: []int64{}}
	for _, userID := range users {
		if o, ok := ovr[userID]; ok && o.ActiveAt(now) {
			preview.UnaffectedUserIDs = append(preview.UnaffectedUserIDs, userID)
			continue
		}
		preview.AffectedUserIDs = append(preview.AffectedUserIDs, userID)
	}
	return preview, nil
}
