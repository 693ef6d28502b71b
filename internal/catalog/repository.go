package catalog

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/keystone/internal/shared"
)

// Repository provides PostgreSQL backed persistence for the permission catalog.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// List returns catalog permissions ordered by slug. When onlyActive is true,
// soft-retired permissions are excluded.
func (r *Repository) List(ctx context.Context, onlyActive bool) ([]Permission, error) {
	query := `SELECT id, slug, group_name, is_active, created_at FROM permissions`
	if onlyActive {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY slug`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Slug, &p.Group, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// GetByID fetches a permission by its identifier.
func (r *Repository) GetByID(ctx context.Context, id int64) (Permission, error) {
	return r.get(ctx, `SELECT id, slug, group_name, is_active, created_at FROM permissions WHERE id = $1`, id)
}

// GetBySlug fetches a permission by its unique slug.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (Permission, error) {
	return r.get(ctx, `SELECT id, slug, group_name, is_active, created_at FROM permissions WHERE slug = $1`, strings.TrimSpace(slug))
}

// Resolve accepts either a numeric permission id or a slug and returns the
// matching permission. Commands take slug-or-id references on their surface.
func (r *Repository) Resolve(ctx context.Context, ref string) (Permission, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Permission{}, shared.ErrNotFound
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return r.GetByID(ctx, id)
	}
	return r.GetBySlug(ctx, ref)
}

// GetByIDs returns the permissions for the given ids. Missing ids simply
// produce fewer rows; callers compare lengths to detect unknown references.
func (r *Repository) GetByIDs(ctx context.Context, ids []int64) ([]Permission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, slug, group_name, is_active, created_at FROM permissions WHERE id = ANY($1) ORDER BY slug`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Slug, &p.Group, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// SlugsByIDs maps permission ids to slugs, excluding soft-retired permissions.
// Read paths use this so retired permissions drop out of resolved sets.
func (r *Repository) SlugsByIDs(ctx context.Context, ids []int64) (map[int64]string, error) {
	result := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, slug FROM permissions WHERE is_active AND id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var slug string
		if err := rows.Scan(&id, &slug); err != nil {
			return nil, err
		}
		result[id] = slug
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// EnsurePermission upserts a permission, reactivating and regrouping on conflict.
// Used by seed tooling only; the engine itself never mutates the catalog.
func (r *Repository) EnsurePermission(ctx context.Context, slug, group string) (Permission, error) {
	var p Permission
	err := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (slug, group_name, is_active, created_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (slug) DO UPDATE SET group_name = EXCLUDED.group_name, is_active = TRUE
		RETURNING id, slug, group_name, is_active, created_at`,
		strings.TrimSpace(slug), strings.TrimSpace(group),
	).Scan(&p.ID, &p.Slug, &p.Group, &p.Active, &p.CreatedAt)
	if err != nil {
		return Permission{}, err
	}
	return p, nil
}

func (r *Repository) get(ctx context.Context, query string, arg any) (Permission, error) {
	var p Permission
	err := r.pool.QueryRow(ctx, query, arg).Scan(&p.ID, &p.Slug, &p.Group, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, shared.ErrNotFound
		}
		return Permission{}, err
	}
	return p, nil
}
