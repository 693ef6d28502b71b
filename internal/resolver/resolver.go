package resolver

import (
	"context"
	"sort"
	"time"

	"github.com/noah-isme/keystone/internal/overrides"
)

// RoleStore supplies the permission slugs a user's roles confer.
type RoleStore interface {
	PermissionSlugsForUser(ctx context.Context, userID int64) ([]string, error)
}

// OverrideStore supplies a user's override rows, expired ones included; the
// resolver applies the activity predicate itself so expiry acts as a live
// filter rather than relying on the cleanup sweep.
type OverrideStore interface {
	ListForUser(ctx context.Context, userID int64) ([]overrides.Override, error)
}

// SlugSource maps permission ids to active permission slugs.
type SlugSource interface {
	SlugsByIDs(ctx context.Context, ids []int64) (map[int64]string, error)
}

// Resolver computes the effective permission set for a user:
//
//	(role defaults ∪ active grants) \ active revokes
//
// A revoke override always wins, over role membership and over any grant.
// Resolution has no side effects and is deterministic for a given store
// snapshot, which is what makes caching and dry-run impact analysis safe.
type Resolver struct {
	roles     RoleStore
	overrides OverrideStore
	slugs     SlugSource
	now       func() time.Time
}

// NewResolver builds Resolver instance.
func NewResolver(roles RoleStore, ovr OverrideStore, slugs SlugSource) *Resolver {
	return &Resolver{roles: roles, overrides: ovr, slugs: slugs, now: time.Now}
}

// Resolve returns the user's effective permission slugs, sorted. Users with
// no roles resolve to their overrides alone; missing rows are empty sets,
// never errors.
func (r *Resolver) Resolve(ctx context.Context, userID int64) ([]string, error) {
	roleSlugs, err := r.roles.PermissionSlugsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ovr, err := r.overrides.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	var grants, revokes []int64
	for _, o := range ovr {
		if !o.ActiveAt(now) {
			continue
		}
		switch o.Type {
		case overrides.TypeGrant:
			grants = append(grants, o.PermissionID)
		case overrides.TypeRevoke:
			revokes = append(revokes, o.PermissionID)
		}
	}
	slugByID, err := r.slugs.SlugsByIDs(ctx, append(append([]int64{}, grants...), revokes...))
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(roleSlugs)+len(grants))
	for _, slug := range roleSlugs {
		set[slug] = struct{}{}
	}
	for _, id := range grants {
		if slug, ok := slugByID[id]; ok {
			set[slug] = struct{}{}
		}
	}
	for _, id := range revokes {
		if slug, ok := slugByID[id]; ok {
			delete(set, slug)
		}
	}

	result := make([]string, 0, len(set))
	for slug := range set {
		result = append(result, slug)
	}
	sort.Strings(result)
	return result, nil
}

// Can reports whether the user holds the permission.
func (r *Resolver) Can(ctx context.Context, userID int64, slug string) (bool, error) {
	return can(ctx, r, userID, slug)
}

// CanAny reports whether the user holds at least one of the permissions.
func (r *Resolver) CanAny(ctx context.Context, userID int64, slugs []string) (bool, error) {
	return canAny(ctx, r, userID, slugs)
}

type resolveFunc interface {
	Resolve(ctx context.Context, userID int64) ([]string, error)
}

func can(ctx context.Context, r resolveFunc, userID int64, slug string) (bool, error) {
	resolved, err := r.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, s := range resolved {
		if s == slug {
			return true, nil
		}
	}
	return false, nil
}

func canAny(ctx context.Context, r resolveFunc, userID int64, slugs []string) (bool, error) {
	resolved, err := r.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	held := make(map[string]struct{}, len(resolved))
	for _, s := range resolved {
		held[s] = struct{}{}
	}
	for _, slug := range slugs {
		if _, ok := held[slug]; ok {
			return true, nil
		}
	}
	return false, nil
}
