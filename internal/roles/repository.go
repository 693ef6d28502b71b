package roles

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/keystone/internal/audit"
	"github.com/noah-isme/keystone/internal/platform/db"
	"github.com/noah-isme/keystone/internal/shared"
)

// Repository provides PostgreSQL backed persistence for role permission sets.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the operations available inside a command transaction.
type TxRepository interface {
	GetRole(ctx context.Context, id int64) (Role, error)
	PermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	Attach(ctx context.Context, roleID, permissionID int64) (bool, error)
	Detach(ctx context.Context, roleID, permissionID int64) (bool, error)
	UserIDsWithRole(ctx context.Context, roleID int64) ([]int64, error)
	AppendAudit(ctx context.Context, entries []audit.Entry) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	return getRole(ctx, r.pool, id)
}

// ListRoles returns all roles ordered by slug.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, slug, name, created_at, updated_at FROM roles ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Slug, &role.Name, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// PermissionIDs returns the role's default permission set.
func (r *Repository) PermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	return int64Column(ctx, r.pool, `SELECT permission_id FROM role_permissions WHERE role_id = $1 ORDER BY permission_id`, roleID)
}

// UserIDsWithRole enumerates users currently holding the role.
func (r *Repository) UserIDsWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	return int64Column(ctx, r.pool, `SELECT user_id FROM user_roles WHERE role_id = $1 ORDER BY user_id`, roleID)
}

// PermissionSlugsForUser returns the deduplicated active permission slugs the
// user's roles confer, before overrides are applied.
func (r *Repository) PermissionSlugsForUser(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT p.slug
		FROM user_roles ur
		JOIN role_permissions rp ON rp.role_id = ur.role_id
		JOIN permissions p ON p.id = rp.permission_id AND p.is_active
		WHERE ur.user_id = $1
		ORDER BY p.slug`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, err
		}
		slugs = append(slugs, slug)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return slugs, nil
}

func (t *txRepo) GetRole(ctx context.Context, id int64) (Role, error) {
	return getRole(ctx, t.tx, id)
}

func (t *txRepo) PermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	return int64Column(ctx, t.tx, `SELECT permission_id FROM role_permissions WHERE role_id = $1 ORDER BY permission_id`, roleID)
}

func (t *txRepo) Attach(ctx context.Context, roleID, permissionID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, permissionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepo) Detach(ctx context.Context, roleID, permissionID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepo) UserIDsWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	return int64Column(ctx, t.tx, `SELECT user_id FROM user_roles WHERE role_id = $1 ORDER BY user_id`, roleID)
}

func (t *txRepo) AppendAudit(ctx context.Context, entries []audit.Entry) error {
	return audit.InsertBatch(ctx, t.tx, entries)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRole(ctx context.Context, q querier, id int64) (Role, error) {
	var role Role
	err := q.QueryRow(ctx, `SELECT id, slug, name, created_at, updated_at FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Slug, &role.Name, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

func int64Column(ctx context.Context, q querier, query string, arg any) ([]int64, error) {
	rows, err := q.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
