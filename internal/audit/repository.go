package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TimelineFilters narrows the audit timeline query.
type TimelineFilters struct {
	UserID       *int64
	PermissionID *int64
	ActorID      *int64
	Action       string
	From         time.Time
	To           time.Time
	Page         int
	PageSize     int
}

// Repository provides PostgreSQL backed reads over permission_audit_log.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Window returns up to limit entries matching the filters, newest first.
func (r *Repository) Window(ctx context.Context, f TimelineFilters, limit, offset int) ([]Entry, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != nil {
		conds = append(conds, "user_id = "+arg(*f.UserID))
	}
	if f.PermissionID != nil {
		conds = append(conds, "permission_id = "+arg(*f.PermissionID))
	}
	if f.ActorID != nil {
		conds = append(conds, "actor_id = "+arg(*f.ActorID))
	}
	if action := strings.TrimSpace(f.Action); action != "" {
		conds = append(conds, "action = "+arg(action))
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at < "+arg(f.To))
	}

	query := `SELECT id, user_id, permission_id, action, actor_id, context, created_at FROM permission_audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limit) + " OFFSET " + arg(offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var action string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.PermissionID, &action, &e.ActorID, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Context); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
