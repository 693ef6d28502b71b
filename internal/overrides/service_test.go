package overrides

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/keystone/internal/audit"
	"github.com/noah-isme/keystone/internal/catalog"
	"github.com/noah-isme/keystone/internal/shared"
)

// ============================================================================
// MOCKS
// ============================================================================

type pairKey struct {
	userID       int64
	permissionID int64
}

type mockRepository struct {
	overrides map[pairKey]Override
	nextID    int64
	audit     []audit.Entry

	txError error
}

func newMockRepository() *mockRepository {
	return &mockRepository{overrides: make(map[pairKey]Override), nextID: 1}
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if m.txError != nil {
		return m.txError
	}
	// Snapshot state so a failing callback rolls back like a real transaction.
	snapshot := make(map[pairKey]Override, len(m.overrides))
	for k, v := range m.overrides {
		snapshot[k] = v
	}
	auditLen := len(m.audit)
	if err := fn(ctx, &mockTxRepo{mock: m}); err != nil {
		m.overrides = snapshot
		m.audit = m.audit[:auditLen]
		return err
	}
	return nil
}

func (m *mockRepository) ListForUser(ctx context.Context, userID int64) ([]Override, error) {
	tx := &mockTxRepo{mock: m}
	return tx.ListForUser(ctx, userID)
}

type mockTxRepo struct {
	mock *mockRepository
}

func (t *mockTxRepo) Upsert(ctx context.Context, o Override) (Override, error) {
	o.ID = t.mock.nextID
	t.mock.nextID++
	o.GrantedAt = time.Now()
	t.mock.overrides[pairKey{o.UserID, o.PermissionID}] = o
	return o, nil
}

func (t *mockTxRepo) Delete(ctx context.Context, userID, permissionID int64) (bool, error) {
	key := pairKey{userID, permissionID}
	if _, ok := t.mock.overrides[key]; !ok {
		return false, nil
	}
	delete(t.mock.overrides, key)
	return true, nil
}

func (t *mockTxRepo) ListForUser(ctx context.Context, userID int64) ([]Override, error) {
	var result []Override
	for _, o := range t.mock.overrides {
		if o.UserID == userID {
			result = append(result, o)
		}
	}
	return result, nil
}

func (t *mockTxRepo) DeleteExpired(ctx context.Context, now time.Time) ([]Override, error) {
	var removed []Override
	for key, o := range t.mock.overrides {
		if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
			removed = append(removed, o)
			delete(t.mock.overrides, key)
		}
	}
	return removed, nil
}

func (t *mockTxRepo) AppendAudit(ctx context.Context, entries []audit.Entry) error {
	t.mock.audit = append(t.mock.audit, entries...)
	return nil
}

type mockCatalog struct {
	perms map[int64]catalog.Permission
}

func newMockCatalog(slugs ...string) *mockCatalog {
	perms := make(map[int64]catalog.Permission, len(slugs))
	for i, slug := range slugs {
		id := int64(i + 1)
		perms[id] = catalog.Permission{ID: id, Slug: slug, Active: true}
	}
	return &mockCatalog{perms: perms}
}

func (m *mockCatalog) Resolve(ctx context.Context, ref string) (catalog.Permission, error) {
	for _, p := range m.perms {
		if p.Slug == ref || fmt.Sprintf("%d", p.ID) == ref {
			return p, nil
		}
	}
	return catalog.Permission{}, shared.ErrNotFound
}

func (m *mockCatalog) GetByIDs(ctx context.Context, ids []int64) ([]catalog.Permission, error) {
	var result []catalog.Permission
	for _, id := range ids {
		if p, ok := m.perms[id]; ok {
			result = append(result, p)
		}
	}
	return result, nil
}

type mockInvalidator struct {
	calls [][]int64
	err   error
}

func (m *mockInvalidator) InvalidateUsers(ctx context.Context, userIDs ...int64) error {
	m.calls = append(m.calls, userIDs)
	return m.err
}

func newTestService(repo *mockRepository, cat *mockCatalog, inv *mockInvalidator) *Service {
	return NewService(repo, cat, inv, nil)
}

// ============================================================================
// GRANT / REVOKE
// ============================================================================

func TestGrantCreatesOverrideAndAudit(t *testing.T) {
	repo := newMockRepository()
	inv := &mockInvalidator{}
	svc := newTestService(repo, newMockCatalog("reports.view"), inv)

	reason := "on-call escalation"
	o, err := svc.Grant(context.Background(), 42, "reports.view", 7, &reason, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeGrant, o.Type)
	assert.Equal(t, int64(42), o.UserID)

	require.Len(t, repo.audit, 1)
	assert.Equal(t, audit.ActionGranted, repo.audit[0].Action)
	assert.Equal(t, int64(7), repo.audit[0].ActorID)
	assert.Equal(t, "on-call escalation", repo.audit[0].Context["reason"])
	require.Len(t, inv.calls, 1)
	assert.Equal(t, []int64{42}, inv.calls[0])
}

func TestGrantReplacesExistingRevoke(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, newMockCatalog("billing.manage"), &mockInvalidator{})
	ctx := context.Background()

	_, err := svc.Revoke(ctx, 42, "billing.manage", 7, nil, nil)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 42, "billing.manage", 7, nil, nil)
	require.NoError(t, err)

	list, err := repo.ListForUser(ctx, 42)
	require.NoError(t, err)
	require.Len(t, list, 1, "at most one override per (user, permission)")
	assert.Equal(t, TypeGrant, list[0].Type)
}

func TestGrantUnknownPermission(t *testing.T) {
	svc := newTestService(newMockRepository(), newMockCatalog("reports.view"), &mockInvalidator{})

	_, err := svc.Grant(context.Background(), 42, "no.such.permission", 7, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRevokeWithExpiry(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, newMockCatalog("users.manage"), &mockInvalidator{})

	expires := time.Now().Add(48 * time.Hour)
	o, err := svc.Revoke(context.Background(), 42, "users.manage", 7, nil, &expires)
	require.NoError(t, err)
	require.NotNil(t, o.ExpiresAt)
	require.Len(t, repo.audit, 1)
	assert.Equal(t, audit.ActionRevoked, repo.audit[0].Action)
	assert.NotEmpty(t, repo.audit[0].Context["expires_at"])
}

// ============================================================================
// REMOVE
// ============================================================================

func TestRemoveOverride(t *testing.T) {
	repo := newMockRepository()
	inv := &mockInvalidator{}
	svc := newTestService(repo, newMockCatalog("reports.view"), inv)
	ctx := context.Background()

	_, err := svc.Grant(ctx, 42, "reports.view", 7, nil, nil)
	require.NoError(t, err)

	require.NoError(t, svc.RemoveOverride(ctx, 42, "reports.view", 9))
	list, err := repo.ListForUser(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, list)
	require.Len(t, repo.audit, 2)
	assert.Equal(t, audit.ActionOverrideRemoved, repo.audit[1].Action)
	assert.Equal(t, int64(9), repo.audit[1].ActorID)
	assert.Len(t, inv.calls, 2)
}

func TestRemoveOverrideAbsentIsNoOp(t *testing.T) {
	repo := newMockRepository()
	inv := &mockInvalidator{}
	svc := newTestService(repo, newMockCatalog("reports.view"), inv)

	require.NoError(t, svc.RemoveOverride(context.Background(), 42, "reports.view", 9))
	assert.Empty(t, repo.audit, "no removal, no audit")
	assert.Empty(t, inv.calls, "no removal, no invalidation")
}

// ============================================================================
// SYNC
// ============================================================================

func TestSyncUserOverridesReplacesSet(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, newMockCatalog("a.one", "b.two", "c.three"), &mockInvalidator{})
	ctx := context.Background()

	_, err := svc.Grant(ctx, 42, "a.one", 7, nil, nil)
	require.NoError(t, err)

	// Replace: drop a.one, grant b.two, revoke c.three.
	require.NoError(t, svc.SyncUserOverrides(ctx, 42, []int64{2}, []int64{3}, 7))

	list, err := repo.ListForUser(ctx, 42)
	require.NoError(t, err)
	require.Len(t, list, 2)
	byPerm := make(map[int64]Type, len(list))
	for _, o := range list {
		byPerm[o.PermissionID] = o.Type
	}
	assert.Equal(t, TypeGrant, byPerm[2])
	assert.Equal(t, TypeRevoke, byPerm[3])

	// 1 grant + 1 removal + 1 grant + 1 revoke, sync rows share a change set id.
	require.Len(t, repo.audit, 4)
	changeSet := repo.audit[1].Context["change_set_id"]
	require.NotEmpty(t, changeSet)
	for _, e := range repo.audit[1:] {
		assert.Equal(t, changeSet, e.Context["change_set_id"])
	}
}

func TestSyncUserOverridesBothListsRejected(t *testing.T) {
	repo := newMockRepository()
	inv := &mockInvalidator{}
	svc := newTestService(repo, newMockCatalog("a.one", "b.two"), inv)
	ctx := context.Background()

	_, err := svc.Grant(ctx, 42, "a.one", 7, nil, nil)
	require.NoError(t, err)
	auditBefore := len(repo.audit)

	err = svc.SyncUserOverrides(ctx, 42, []int64{2}, []int64{2}, 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrConflict)

	// Rejected before any write: existing set untouched, no new audit rows.
	list, listErr := repo.ListForUser(ctx, 42)
	require.NoError(t, listErr)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].PermissionID)
	assert.Len(t, repo.audit, auditBefore)
}

func TestSyncUserOverridesUnknownPermission(t *testing.T) {
	svc := newTestService(newMockRepository(), newMockCatalog("a.one"), &mockInvalidator{})

	err := svc.SyncUserOverrides(context.Background(), 42, []int64{1, 99}, nil, 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

// ============================================================================
// RESET
// ============================================================================

func TestResetToRoleDefaults(t *testing.T) {
	repo := newMockRepository()
	inv := &mockInvalidator{}
	svc := newTestService(repo, newMockCatalog("a.one", "b.two"), inv)
	ctx := context.Background()

	_, err := svc.Grant(ctx, 42, "a.one", 7, nil, nil)
	require.NoError(t, err)
	_, err = svc.Revoke(ctx, 42, "b.two", 7, nil, nil)
	require.NoError(t, err)

	require.NoError(t, svc.ResetToRoleDefaults(ctx, 42, 9))

	list, err := repo.ListForUser(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, list)

	var removals int
	for _, e := range repo.audit {
		if e.Action == audit.ActionOverrideRemoved {
			removals++
			assert.Equal(t, true, e.Context["reset_to_defaults"])
		}
	}
	assert.Equal(t, 2, removals, "one removal entry per override")
}

func TestResetToRoleDefaultsEmptyIsNoOp(t *testing.T) {
	repo := newMockRepository()
	inv := &mockInvalidator{}
	svc := newTestService(repo, newMockCatalog("a.one"), inv)

	require.NoError(t, svc.ResetToRoleDefaults(context.Background(), 42, 9))
	assert.Empty(t, repo.audit)
	assert.Empty(t, inv.calls)
}

// ============================================================================
// CLEANUP
// ============================================================================

func TestCleanupExpiredOverrides(t *testing.T) {
	repo := newMockRepository()
	inv := &mockInvalidator{}
	svc := newTestService(repo, newMockCatalog("a.one", "b.two", "c.three"), inv)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	_, err := svc.Grant(ctx, 42, "a.one", 7, nil, &past)
	require.NoError(t, err)
	_, err = svc.Revoke(ctx, 43, "b.two", 7, nil, &past)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 44, "c.three", 7, nil, &future)
	require.NoError(t, err)
	auditBefore := len(repo.audit)

	removed, err := svc.CleanupExpiredOverrides(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// Unexpired override survives.
	list, err := repo.ListForUser(ctx, 44)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.Len(t, repo.audit, auditBefore+2)
	for _, e := range repo.audit[auditBefore:] {
		assert.Equal(t, audit.ActionOverrideRemoved, e.Action)
		assert.Equal(t, "expired", e.Context["reason"])
		assert.Equal(t, int64(7), e.ActorID, "cleanup attributes removal to the granting actor")
	}

	// Only users who actually lost an override are invalidated.
	require.NotEmpty(t, inv.calls)
	last := inv.calls[len(inv.calls)-1]
	assert.ElementsMatch(t, []int64{42, 43}, last)
}

func TestCleanupExpiredOverridesIdempotent(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, newMockCatalog("a.one"), &mockInvalidator{})
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, err := svc.Grant(ctx, 42, "a.one", 7, nil, &past)
	require.NoError(t, err)

	removed, err := svc.CleanupExpiredOverrides(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = svc.CleanupExpiredOverrides(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "second sweep finds nothing")
}

// ============================================================================
// FAILURE MODES
// ============================================================================

func TestGrantTxFailureReturnsError(t *testing.T) {
	repo := newMockRepository()
	repo.txError = errors.New("connection reset")
	inv := &mockInvalidator{}
	svc := newTestService(repo, newMockCatalog("a.one"), inv)

	_, err := svc.Grant(context.Background(), 42, "a.one", 7, nil, nil)
	require.Error(t, err)
	assert.Empty(t, inv.calls, "no invalidation when the transaction fails")
}

func TestInvalidationFailureDoesNotFailCommand(t *testing.T) {
	repo := newMockRepository()
	inv := &mockInvalidator{err: errors.New("redis down")}
	svc := newTestService(repo, newMockCatalog("a.one"), inv)

	_, err := svc.Grant(context.Background(), 42, "a.one", 7, nil, nil)
	require.NoError(t, err, "committed mutations survive a failed cache DEL")
	list, err := repo.ListForUser(context.Background(), 42)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
