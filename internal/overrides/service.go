package overrides

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/keystone/internal/audit"
	"github.com/noah-isme/keystone/internal/catalog"
	"github.com/noah-isme/keystone/internal/shared"
)

// RepositoryPort defines data access methods for overrides.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListForUser(ctx context.Context, userID int64) ([]Override, error)
}

// Catalog resolves permission references against the catalog.
type Catalog interface {
	Resolve(ctx context.Context, ref string) (catalog.Permission, error)
	GetByIDs(ctx context.Context, ids []int64) ([]catalog.Permission, error)
}

// Invalidator drops cached resolution results for the given users. Every
// mutation command calls it after commit, before returning to the caller.
type Invalidator interface {
	InvalidateUsers(ctx context.Context, userIDs ...int64) error
}

// Service executes override mutation commands. Each command performs its
// store write and audit write in one transaction, then invalidates the
// affected user's cache entry.
type Service struct {
	repo    RepositoryPort
	catalog Catalog
	cache   Invalidator
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, cat Catalog, cache Invalidator, logger *slog.Logger) *Service {
	return &Service{repo: repo, catalog: cat, cache: cache, logger: logger, now: time.Now}
}

// Grant upserts a grant override for (user, permission), replacing any prior
// override for the pair.
func (s *Service) Grant(ctx context.Context, userID int64, permissionRef string, actorID int64, reason *string, expiresAt *time.Time) (Override, error) {
	return s.applyOverride(ctx, TypeGrant, audit.ActionGranted, userID, permissionRef, actorID, reason, expiresAt)
}

// Revoke upserts a revoke override for (user, permission). A revoke override
// blocks the permission even when a role confers it.
func (s *Service) Revoke(ctx context.Context, userID int64, permissionRef string, actorID int64, reason *string, expiresAt *time.Time) (Override, error) {
	return s.applyOverride(ctx, TypeRevoke, audit.ActionRevoked, userID, permissionRef, actorID, reason, expiresAt)
}

func (s *Service) applyOverride(ctx context.Context, typ Type, action audit.Action, userID int64, permissionRef string, actorID int64, reason *string, expiresAt *time.Time) (Override, error) {
	perm, err := s.catalog.Resolve(ctx, permissionRef)
	if err != nil {
		return Override{}, fmt.Errorf("overrides: resolve permission %q: %w", permissionRef, err)
	}

	var result Override
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result, err = tx.Upsert(ctx, Override{
			UserID:       userID,
			PermissionID: perm.ID,
			Type:         typ,
			Reason:       reason,
			GrantedBy:    actorID,
			ExpiresAt:    expiresAt,
		})
		if err != nil {
			return err
		}
		meta := map[string]any{"permission_slug": perm.Slug}
		if reason != nil {
			meta["reason"] = *reason
		}
		if expiresAt != nil {
			meta["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
		}
		return tx.AppendAudit(ctx, []audit.Entry{{
			UserID:       userID,
			PermissionID: perm.ID,
			Action:       action,
			ActorID:      actorID,
			Context:      meta,
		}})
	})
	if err != nil {
		return Override{}, err
	}

	s.invalidate(ctx, userID)
	return result, nil
}

// RemoveOverride deletes the override for (user, permission) if present.
// Safe to call when none exists; only an actual removal writes audit.
func (s *Service) RemoveOverride(ctx context.Context, userID int64, permissionRef string, actorID int64) error {
	perm, err := s.catalog.Resolve(ctx, permissionRef)
	if err != nil {
		return fmt.Errorf("overrides: resolve permission %q: %w", permissionRef, err)
	}

	var removed bool
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		removed, err = tx.Delete(ctx, userID, perm.ID)
		if err != nil {
			return err
		}
		if !removed {
			return nil
		}
		return tx.AppendAudit(ctx, []audit.Entry{{
			UserID:       userID,
			PermissionID: perm.ID,
			Action:       audit.ActionOverrideRemoved,
			ActorID:      actorID,
			Context:      map[string]any{"permission_slug": perm.Slug},
		}})
	})
	if err != nil {
		return err
	}

	if removed {
		s.invalidate(ctx, userID)
	}
	return nil
}

// SyncUserOverrides replaces the user's entire override set in one
// transaction. A permission id present in both lists is rejected before any
// write rather than silently picking one direction.
func (s *Service) SyncUserOverrides(ctx context.Context, userID int64, grantIDs, revokeIDs []int64, actorID int64) error {
	grantSet := toSet(grantIDs)
	for _, id := range revokeIDs {
		if _, ok := grantSet[id]; ok {
			return fmt.Errorf("overrides: permission %d listed as both grant and revoke: %w", id, shared.ErrConflict)
		}
	}

	union := make([]int64, 0, len(grantIDs)+len(revokeIDs))
	seen := make(map[int64]struct{}, len(grantIDs)+len(revokeIDs))
	for _, id := range append(append([]int64{}, grantIDs...), revokeIDs...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		union = append(union, id)
	}
	perms, err := s.catalog.GetByIDs(ctx, union)
	if err != nil {
		return err
	}
	if len(perms) != len(union) {
		return fmt.Errorf("overrides: unknown permission id in sync request: %w", shared.ErrNotFound)
	}
	slugs := make(map[int64]string, len(perms))
	for _, p := range perms {
		slugs[p.ID] = p.Slug
	}

	changeSet := uuid.NewString()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.ListForUser(ctx, userID)
		if err != nil {
			return err
		}
		var entries []audit.Entry
		for _, o := range existing {
			if _, keep := seen[o.PermissionID]; keep {
				continue
			}
			if _, err := tx.Delete(ctx, userID, o.PermissionID); err != nil {
				return err
			}
			entries = append(entries, audit.Entry{
				UserID:       userID,
				PermissionID: o.PermissionID,
				Action:       audit.ActionOverrideRemoved,
				ActorID:      actorID,
				Context:      map[string]any{"change_set_id": changeSet},
			})
		}
		apply := func(ids []int64, typ Type, action audit.Action) error {
			for _, id := range ids {
				if _, err := tx.Upsert(ctx, Override{
					UserID:       userID,
					PermissionID: id,
					Type:         typ,
					GrantedBy:    actorID,
				}); err != nil {
					return err
				}
				entries = append(entries, audit.Entry{
					UserID:       userID,
					PermissionID: id,
					Action:       action,
					ActorID:      actorID,
					Context:      map[string]any{"permission_slug": slugs[id], "change_set_id": changeSet},
				})
			}
			return nil
		}
		if err := apply(grantIDs, TypeGrant, audit.ActionGranted); err != nil {
			return err
		}
		if err := apply(revokeIDs, TypeRevoke, audit.ActionRevoked); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, entries)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, userID)
	return nil
}

// ResetToRoleDefaults removes every override for the user, logging one
// removal entry per override.
func (s *Service) ResetToRoleDefaults(ctx context.Context, userID int64, actorID int64) error {
	var removedAny bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.ListForUser(ctx, userID)
		if err != nil {
			return err
		}
		var entries []audit.Entry
		for _, o := range existing {
			if _, err := tx.Delete(ctx, userID, o.PermissionID); err != nil {
				return err
			}
			entries = append(entries, audit.Entry{
				UserID:       userID,
				PermissionID: o.PermissionID,
				Action:       audit.ActionOverrideRemoved,
				ActorID:      actorID,
				Context:      map[string]any{"reset_to_defaults": true},
			})
		}
		removedAny = len(entries) > 0
		return tx.AppendAudit(ctx, entries)
	})
	if err != nil {
		return err
	}

	if removedAny {
		s.invalidate(ctx, userID)
	}
	return nil
}

// CleanupExpiredOverrides deletes overrides whose expiry has passed and
// returns the number removed. Expired overrides are already invisible to
// read paths, so running this concurrently with live traffic is safe; a
// second run simply finds nothing left.
func (s *Service) CleanupExpiredOverrides(ctx context.Context) (int, error) {
	var removed []Override
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		removed, err = tx.DeleteExpired(ctx, s.now())
		if err != nil {
			return err
		}
		entries := make([]audit.Entry, 0, len(removed))
		for _, o := range removed {
			entries = append(entries, audit.Entry{
				UserID:       o.UserID,
				PermissionID: o.PermissionID,
				Action:       audit.ActionOverrideRemoved,
				ActorID:      o.GrantedBy,
				Context:      map[string]any{"reason": "expired"},
			})
		}
		return tx.AppendAudit(ctx, entries)
	})
	if err != nil {
		return 0, err
	}

	if len(removed) > 0 {
		users := make([]int64, 0, len(removed))
		seen := make(map[int64]struct{}, len(removed))
		for _, o := range removed {
			if _, ok := seen[o.UserID]; ok {
				continue
			}
			seen[o.UserID] = struct{}{}
			users = append(users, o.UserID)
		}
		s.invalidate(ctx, users...)
	}
	return len(removed), nil
}

// invalidate drops cache entries after a committed mutation. A failed DEL is
// logged rather than failing the command: when Redis is unreachable the read
// path also fails its GET and falls back to direct resolution, and the
// defensive max-age TTL bounds any residual staleness.
func (s *Service) invalidate(ctx context.Context, userIDs ...int64) {
	if s.cache == nil || len(userIDs) == 0 {
		return
	}
	if err := s.cache.InvalidateUsers(ctx, userIDs...); err != nil && s.logger != nil {
		s.logger.Warn("override cache invalidation", slog.Any("error", err))
	}
}

func toSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
