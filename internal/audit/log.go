package audit

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const insertEntrySQL = `INSERT INTO permission_audit_log (user_id, permission_id, action, actor_id, context, created_at) VALUES ($1, $2, $3, $4, $5, NOW())`

// DBTX is the minimal execution surface shared by pgxpool.Pool and pgx.Tx.
// Mutation commands pass their open transaction so audit rows commit or roll
// back together with the store write.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Insert appends a single audit entry.
func Insert(ctx context.Context, db DBTX, e Entry) error {
	if e.Action == "" {
		return errors.New("audit: entry requires action")
	}
	meta, err := json.Marshal(e.Context)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, insertEntrySQL, e.UserID, e.PermissionID, string(e.Action), e.ActorID, meta)
	return err
}

// InsertBatch appends many audit entries in one round trip. Role-permission
// changes fan out one row per affected user, so bulk commands batch here.
func InsertBatch(ctx context.Context, db DBTX, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) == 1 {
		return Insert(ctx, db, entries[0])
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		if e.Action == "" {
			return errors.New("audit: entry requires action")
		}
		meta, err := json.Marshal(e.Context)
		if err != nil {
			return err
		}
		batch.Queue(insertEntrySQL, e.UserID, e.PermissionID, string(e.Action), e.ActorID, meta)
	}
	results := db.SendBatch(ctx, batch)
	for range entries {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}
