package roles

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/noah-isme/keystone/internal/audit"
	"github.com/noah-isme/keystone/internal/catalog"
	"github.com/noah-isme/keystone/internal/shared"
)

// RepositoryPort defines data access methods for role permission sets.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRole(ctx context.Context, id int64) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	PermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	UserIDsWithRole(ctx context.Context, roleID int64) ([]int64, error)
}

// Catalog resolves permission references against the catalog.
type Catalog interface {
	Resolve(ctx context.Context, ref string) (catalog.Permission, error)
	GetByIDs(ctx context.Context, ids []int64) ([]catalog.Permission, error)
}

// Invalidator drops cached resolution results for the given users.
type Invalidator interface {
	InvalidateUsers(ctx context.Context, userIDs ...int64) error
}

// Service executes role permission mutation commands. A role change fans out
// one audit row per affected user per changed permission, and one cache
// invalidation per affected user regardless of how many permissions changed.
type Service struct {
	repo    RepositoryPort
	catalog Catalog
	cache   Invalidator
	logger  *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, cat Catalog, cache Invalidator, logger *slog.Logger) *Service {
	return &Service{repo: repo, catalog: cat, cache: cache, logger: logger}
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// PermissionIDs returns the role's current default permission set.
func (s *Service) PermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.repo.PermissionIDs(ctx, roleID)
}

// AddPermissionToRole links a permission to the role's default set. No-op if
// the link already exists.
func (s *Service) AddPermissionToRole(ctx context.Context, roleID int64, permissionRef string, actorID int64) error {
	return s.changeLink(ctx, roleID, permissionRef, actorID, true)
}

// RemovePermissionFromRole removes a permission from the role's default set.
// No-op if no link exists.
func (s *Service) RemovePermissionFromRole(ctx context.Context, roleID int64, permissionRef string, actorID int64) error {
	return s.changeLink(ctx, roleID, permissionRef, actorID, false)
}

func (s *Service) changeLink(ctx context.Context, roleID int64, permissionRef string, actorID int64, add bool) error {
	perm, err := s.catalog.Resolve(ctx, permissionRef)
	if err != nil {
		return fmt.Errorf("roles: resolve permission %q: %w", permissionRef, err)
	}

	action := audit.ActionRolePermissionAdded
	if !add {
		action = audit.ActionRolePermissionRemoved
	}

	var affected []int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		var changed bool
		if add {
			changed, err = tx.Attach(ctx, roleID, perm.ID)
		} else {
			changed, err = tx.Detach(ctx, roleID, perm.ID)
		}
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		affected, err = tx.UserIDsWithRole(ctx, roleID)
		if err != nil {
			return err
		}
		entries := make([]audit.Entry, 0, len(affected))
		for _, userID := range affected {
			entries = append(entries, audit.Entry{
				UserID:       userID,
				PermissionID: perm.ID,
				Action:       action,
				ActorID:      actorID,
				Context: map[string]any{
					"role_id":         role.ID,
					"role_slug":       role.Slug,
					"permission_slug": perm.Slug,
				},
			})
		}
		return tx.AppendAudit(ctx, entries)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, affected)
	return nil
}

// SyncRolePermissions replaces the role's default permission set. The diff is
// applied in one transaction with audit rows for every affected user and
// changed permission; a repeat call with the same set writes nothing.
func (s *Service) SyncRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64, actorID int64) error {
	unique := dedupe(permissionIDs)
	perms, err := s.catalog.GetByIDs(ctx, unique)
	if err != nil {
		return err
	}
	if len(perms) != len(unique) {
		return fmt.Errorf("roles: unknown permission id in sync request: %w", shared.ErrNotFound)
	}
	slugs := make(map[int64]string, len(perms))
	for _, p := range perms {
		slugs[p.ID] = p.Slug
	}

	changeSet := uuid.NewString()
	var affected []int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		current, err := tx.PermissionIDs(ctx, roleID)
		if err != nil {
			return err
		}
		currentSet := make(map[int64]struct{}, len(current))
		for _, id := range current {
			currentSet[id] = struct{}{}
		}
		keep := make(map[int64]struct{}, len(unique))
		var added, removed []int64
		for _, id := range unique {
			keep[id] = struct{}{}
			if _, ok := currentSet[id]; !ok {
				added = append(added, id)
			}
		}
		for _, id := range current {
			if _, ok := keep[id]; !ok {
				removed = append(removed, id)
			}
		}
		if len(added) == 0 && len(removed) == 0 {
			return nil
		}
		if len(removed) > 0 {
			removedPerms, err := s.catalog.GetByIDs(ctx, removed)
			if err != nil {
				return err
			}
			for _, p := range removedPerms {
				slugs[p.ID] = p.Slug
			}
		}

		for _, id := range added {
			if _, err := tx.Attach(ctx, roleID, id); err != nil {
				return err
			}
		}
		for _, id := range removed {
			if _, err := tx.Detach(ctx, roleID, id); err != nil {
				return err
			}
		}

		affected, err = tx.UserIDsWithRole(ctx, roleID)
		if err != nil {
			return err
		}
		entries := make([]audit.Entry, 0, len(affected)*(len(added)+len(removed)))
		appendEntries := func(ids []int64, action audit.Action) {
			for _, userID := range affected {
				for _, id := range ids {
					entries = append(entries, audit.Entry{
						UserID:       userID,
						PermissionID: id,
						Action:       action,
						ActorID:      actorID,
						Context: map[string]any{
							"role_id":         role.ID,
							"role_slug":       role.Slug,
							"permission_slug": slugs[id],
							"change_set_id":   changeSet,
						},
					})
				}
			}
		}
		appendEntries(added, audit.ActionRolePermissionAdded)
		appendEntries(removed, audit.ActionRolePermissionRemoved)
		return tx.AppendAudit(ctx, entries)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, affected)
	return nil
}

// invalidate drops cache entries once per affected user. See the overrides
// service for why a failed DEL is logged instead of failing the command.
func (s *Service) invalidate(ctx context.Context, userIDs []int64) {
	if s.cache == nil || len(userIDs) == 0 {
		return
	}
	if err := s.cache.InvalidateUsers(ctx, userIDs...); err != nil && s.logger != nil {
		s.logger.Warn("role cache invalidation", slog.Any("error", err))
	}
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	result := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
