package roles

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/keystone/internal/audit"
	"github.com/noah-isme/keystone/internal/catalog"
	"github.com/noah-isme/keystone/internal/shared"
)

// ============================================================================
// MOCKS
// ============================================================================

type mockRepository struct {
	roles   map[int64]Role
	links   map[int64]map[int64]struct{} // roleID -> permission ids
	members map[int64][]int64            // roleID -> user ids
	audit   []audit.Entry
	txError error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		roles:   make(map[int64]Role),
		links:   make(map[int64]map[int64]struct{}),
		members: make(map[int64][]int64),
	}
}

func (m *mockRepository) addRole(id int64, slug string, userIDs ...int64) {
	m.roles[id] = Role{ID: id, Slug: slug, Name: slug}
	m.links[id] = make(map[int64]struct{})
	m.members[id] = userIDs
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if m.txError != nil {
		return m.txError
	}
	auditLen := len(m.audit)
	if err := fn(ctx, &mockTxRepo{mock: m}); err != nil {
		m.audit = m.audit[:auditLen]
		return err
	}
	return nil
}

func (m *mockRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	return role, nil
}

func (m *mockRepository) ListRoles(ctx context.Context) ([]Role, error) {
	var result []Role
	for _, role := range m.roles {
		result = append(result, role)
	}
	return result, nil
}

func (m *mockRepository) PermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	var result []int64
	for id := range m.links[roleID] {
		result = append(result, id)
	}
	return result, nil
}

func (m *mockRepository) UserIDsWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	return m.members[roleID], nil
}

type mockTxRepo struct {
	mock *mockRepository
}

func (t *mockTxRepo) GetRole(ctx context.Context, id int64) (Role, error) {
	return t.mock.GetRole(ctx, id)
}

func (t *mockTxRepo) PermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	return t.mock.PermissionIDs(ctx, roleID)
}

func (t *mockTxRepo) Attach(ctx context.Context, roleID, permissionID int64) (bool, error) {
	if _, ok := t.mock.links[roleID][permissionID]; ok {
		return false, nil
	}
	t.mock.links[roleID][permissionID] = struct{}{}
	return true, nil
}

func (t *mockTxRepo) Detach(ctx context.Context, roleID, permissionID int64) (bool, error) {
	if _, ok := t.mock.links[roleID][permissionID]; !ok {
		return false, nil
	}
	delete(t.mock.links[roleID], permissionID)
	return true, nil
}

func (t *mockTxRepo) UserIDsWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	return t.mock.members[roleID], nil
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
}

func (m *mockInvalidator) InvalidateUsers(ctx context.Context, userIDs ...int64) error {
	m.calls = append(m.calls, userIDs)
	return nil
}

// ============================================================================
// ADD / REMOVE
// ============================================================================

func TestAddPermissionToRole(t *testing.T) {
	repo := newMockRepository()
	repo.addRole(10, "manager", 42, 43)
	inv := &mockInvalidator{}
	svc := NewService(repo, newMockCatalog("reports.view"), inv, nil)

	require.NoError(t, svc.AddPermissionToRole(context.Background(), 10, "reports.view", 7))

	ids, err := repo.PermissionIDs(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	// One audit row per user holding the role.
	require.Len(t, repo.audit, 2)
	for _, e := range repo.audit {
		assert.Equal(t, audit.ActionRolePermissionAdded, e.Action)
		assert.Equal(t, "manager", e.Context["role_slug"])
		assert.Equal(t, "reports.view", e.Context["permission_slug"])
	}

	// One invalidation call covering all affected users.
	require.Len(t, inv.calls, 1)
	assert.ElementsMatch(t, []int64{42, 43}, inv.calls[0])
}

func TestAddPermissionToRoleExistingLinkIsNoOp(t *testing.T) {
	repo := newMockRepository()
	repo.addRole(10, "manager", 42)
	inv := &mockInvalidator{}
	svc := NewService(repo, newMockCatalog("reports.view"), inv, nil)
	ctx := context.Background()

	require.NoError(t, svc.AddPermissionToRole(ctx, 10, "reports.view", 7))
	auditBefore := len(repo.audit)
	invBefore := len(inv.calls)

	require.NoError(t, svc.AddPermissionToRole(ctx, 10, "reports.view", 7))
	assert.Len(t, repo.audit, auditBefore, "repeat add writes no audit")
	assert.Len(t, inv.calls, invBefore, "repeat add invalidates nothing")
}

func TestRemovePermissionFromRole(t *testing.T) {
	repo := newMockRepository()
	repo.addRole(10, "manager", 42)
	inv := &mockInvalidator{}
	svc := NewService(repo, newMockCatalog("reports.view"), inv, nil)
	ctx := context.Background()

	require.NoError(t, svc.AddPermissionToRole(ctx, 10, "reports.view", 7))
	require.NoError(t, svc.RemovePermissionFromRole(ctx, 10, "reports.view", 7))

	ids, err := repo.PermissionIDs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, audit.ActionRolePermissionRemoved, repo.audit[len(repo.audit)-1].Action)
}

func TestRemovePermissionFromRoleAbsentIsNoOp(t *testing.T) {
	repo := newMockRepository()
	repo.addRole(10, "manager", 42)
	inv := &mockInvalidator{}
	svc := NewService(repo, newMockCatalog("reports.view"), inv, nil)

	require.NoError(t, svc.RemovePermissionFromRole(context.Background(), 10, "reports.view", 7))
	assert.Empty(t, repo.audit)
	assert.Empty(t, inv.calls)
}

func TestAddPermissionUnknownRole(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, newMockCatalog("reports.view"), &mockInvalidator{}, nil)

	err := svc.AddPermissionToRole(context.Background(), 99, "reports.view", 7)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

// ============================================================================
// SYNC
// ============================================================================

func TestSyncRolePermissions(t *testing.T) {
	repo := newMockRepository()
	repo.addRole(10, "analyst", 42, 43, 44)
	inv := &mockInvalidator{}
	svc := NewService(repo, newMockCatalog("a.one", "b.two", "c.three"), inv, nil)
	ctx := context.Background()

	require.NoError(t, svc.AddPermissionToRole(ctx, 10, "a.one", 7))
	require.NoError(t, svc.AddPermissionToRole(ctx, 10, "b.two", 7))
	auditBefore := len(repo.audit)

	// Replace {a.one, b.two} with {b.two, c.three}: adds c.three, removes a.one.
	require.NoError(t, svc.SyncRolePermissions(ctx, 10, []int64{2, 3}, 7))

	ids, err := repo.PermissionIDs(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, ids)

	// 3 users x 2 changed permissions, all sharing a change set id.
	entries := repo.audit[auditBefore:]
	require.Len(t, entries, 6)
	changeSet := entries[0].Context["change_set_id"]
	require.NotEmpty(t, changeSet)
	var added, removed int
	for _, e := range entries {
		assert.Equal(t, changeSet, e.Context["change_set_id"])
		switch e.Action {
		case audit.ActionRolePermissionAdded:
			added++
			assert.Equal(t, "c.three", e.Context["permission_slug"])
		case audit.ActionRolePermissionRemoved:
			removed++
			assert.Equal(t, "a.one", e.Context["permission_slug"])
		}
	}
	assert.Equal(t, 3, added)
	assert.Equal(t, 3, removed)

	require.NotEmpty(t, inv.calls)
	assert.ElementsMatch(t, []int64{42, 43, 44}, inv.calls[len(inv.calls)-1])
}

func TestSyncRolePermissionsIdempotent(t *testing.T) {
	repo := newMockRepository()
	repo.addRole(10, "analyst", 42)
	inv := &mockInvalidator{}
	svc := NewService(repo, newMockCatalog("a.one", "b.two"), inv, nil)
	ctx := context.Background()

	require.NoError(t, svc.SyncRolePermissions(ctx, 10, []int64{1, 2}, 7))
	auditBefore := len(repo.audit)
	invBefore := len(inv.calls)

	require.NoError(t, svc.SyncRolePermissions(ctx, 10, []int64{2, 1}, 7))
	assert.Len(t, repo.audit, auditBefore, "same set writes nothing")
	assert.Len(t, inv.calls, invBefore)
}

func TestSyncRolePermissionsDeduplicatesInput(t *testing.T) {
	repo := newMockRepository()
	repo.addRole(10, "analyst", 42)
	svc := NewService(repo, newMockCatalog("a.one"), &mockInvalidator{}, nil)

	require.NoError(t, svc.SyncRolePermissions(context.Background(), 10, []int64{1, 1, 1}, 7))
	ids, err := repo.PermissionIDs(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}

func TestSyncRolePermissionsUnknownPermission(t *testing.T) {
	repo := newMockRepository()
	repo.addRole(10, "analyst", 42)
	svc := NewService(repo, newMockCatalog("a.one"), &mockInvalidator{}, nil)

	err := svc.SyncRolePermissions(context.Background(), 10, []int64{1, 99}, 7)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
