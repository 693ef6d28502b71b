package catalog

import "context"

// RepositoryPort defines data access methods for the catalog.
type RepositoryPort interface {
	List(ctx context.Context, onlyActive bool) ([]Permission, error)
	Resolve(ctx context.Context, ref string) (Permission, error)
	GetByIDs(ctx context.Context, ids []int64) ([]Permission, error)
}

// Service exposes read access to the permission catalog.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// List returns catalog permissions.
func (s *Service) List(ctx context.Context, onlyActive bool) ([]Permission, error) {
	return s.repo.List(ctx, onlyActive)
}

// Resolve looks up a permission by slug or numeric id.
func (s *Service) Resolve(ctx context.Context, ref string) (Permission, error) {
	return s.repo.Resolve(ctx, ref)
}

// GetByIDs returns the permissions for the given ids.
func (s *Service) GetByIDs(ctx context.Context, ids []int64) ([]Permission, error) {
	return s.repo.GetByIDs(ctx, ids)
}
