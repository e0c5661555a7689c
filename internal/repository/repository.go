package repository

import (
	"context"
	"time"

	"github.com/branchbox/branchbox/internal/domain"
)

// EnvironmentRepository persists environment records. It is the single source
// of truth for which environments exist; all mutations go through the
// lifecycle service.
type EnvironmentRepository interface {
	// CreateEnvironment commits a record atomically. It returns ErrConflict
	// when the id, workdir or port is already held by a live record.
	CreateEnvironment(ctx context.Context, env *domain.Environment) error
	GetEnvironmentByID(ctx context.Context, id string) (*domain.Environment, error)
	// ListEnvironments returns a snapshot of all live records taken at a
	// single instant, ordered by creation time.
	ListEnvironments(ctx context.Context) ([]domain.Environment, error)
	// ListExpiredEnvironments returns running records whose expiry is at or
	// before the given instant.
	ListExpiredEnvironments(ctx context.Context, now time.Time) ([]domain.Environment, error)
	ListEnvironmentsByState(ctx context.Context, state domain.State) ([]domain.Environment, error)
	// MarkEnvironmentDestroying claims a running record for teardown. The
	// boolean reports whether this caller won the claim; losing means a
	// concurrent destroyer already owns it.
	MarkEnvironmentDestroying(ctx context.Context, id string) (bool, error)
	// DeleteEnvironment removes the record, returning ErrNotFound when no
	// row was deleted.
	DeleteEnvironment(ctx context.Context, id string) error
	// ListAllocatedPorts returns every port held by a live record.
	ListAllocatedPorts(ctx context.Context) ([]int, error)
}
