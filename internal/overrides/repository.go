package overrides

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/keystone/internal/audit"
	"github.com/noah-isme/keystone/internal/platform/db"
)

const overrideColumns = `id, user_id, permission_id, override_type, reason, granted_by, granted_at, expires_at`

// Repository provides PostgreSQL backed persistence for user permission overrides.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the operations available inside a command transaction.
// AppendAudit writes through the same transaction, so a rollback discards the
// store change and its audit rows together.
type TxRepository interface {
	Upsert(ctx context.Context, o Override) (Override, error)
	Delete(ctx context.Context, userID, permissionID int64) (bool, error)
	ListForUser(ctx context.Context, userID int64) ([]Override, error)
	DeleteExpired(ctx context.Context, now time.Time) ([]Override, error)
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

// ListForUser returns every override row for the user, active or not.
// Read paths apply the activity predicate themselves.
func (r *Repository) ListForUser(ctx context.Context, userID int64) ([]Override, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+overrideColumns+` FROM user_permission_overrides WHERE user_id = $1 ORDER BY permission_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOverrides(rows)
}

// ListForPermission returns every override row referencing the permission,
// keyed by user. The impact analyzer uses this to avoid per-user lookups.
func (r *Repository) ListForPermission(ctx context.Context, permissionID int64) (map[int64]Override, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+overrideColumns+` FROM user_permission_overrides WHERE permission_id = $1`, permissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := scanOverrides(rows)
	if err != nil {
		return nil, err
	}
	result := make(map[int64]Override, len(list))
	for _, o := range list {
		result[o.UserID] = o
	}
	return result, nil
}

func (t *txRepo) Upsert(ctx context.Context, o Override) (Override, error) {
	// Delete-then-insert inside the command transaction enforces the
	// single-override invariant without a separate cleanup pass.
	if _, err := t.tx.Exec(ctx, `DELETE FROM user_permission_overrides WHERE user_id = $1 AND permission_id = $2`, o.UserID, o.PermissionID); err != nil {
		return Override{}, err
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO user_permission_overrides (user_id, permission_id, override_type, reason, granted_by, granted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6)
		RETURNING id, granted_at`,
		o.UserID, o.PermissionID, string(o.Type), o.Reason, o.GrantedBy, o.ExpiresAt,
	).Scan(&o.ID, &o.GrantedAt)
	if err != nil {
		return Override{}, err
	}
	return o, nil
}

func (t *txRepo) Delete(ctx context.Context, userID, permissionID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM user_permission_overrides WHERE user_id = $1 AND permission_id = $2`, userID, permissionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepo) ListForUser(ctx context.Context, userID int64) ([]Override, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+overrideColumns+` FROM user_permission_overrides WHERE user_id = $1 ORDER BY permission_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOverrides(rows)
}

func (t *txRepo) DeleteExpired(ctx context.Context, now time.Time) ([]Override, error) {
	rows, err := t.tx.Query(ctx, `DELETE FROM user_permission_overrides WHERE expires_at IS NOT NULL AND expires_at <= $1 RETURNING `+overrideColumns, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOverrides(rows)
}

func (t *txRepo) AppendAudit(ctx context.Context, entries []audit.Entry) error {
	return audit.InsertBatch(ctx, t.tx, entries)
}

func scanOverrides(rows pgx.Rows) ([]Override, error) {
	var result []Override
	for rows.Next() {
		var o Override
		var typ string
		if err := rows.Scan(&o.ID, &o.UserID, &o.PermissionID, &typ, &o.Reason, &o.GrantedBy, &o.GrantedAt, &o.ExpiresAt); err != nil {
			return nil, err
		}
		o.Type = Type(typ)
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
