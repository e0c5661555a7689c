package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/branchbox/branchbox/internal/domain"
	"github.com/branchbox/branchbox/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var _ repository.EnvironmentRepository = (*Repository)(nil)

const environmentColumns = `id, branch, commit_sha, service, workdir, public_url, port, state, created_at, expires_at`

// CreateEnvironment commits a running environment record.
func (r *Repository) CreateEnvironment(ctx context.Context, env *domain.Environment) error {
	const query = `INSERT INTO environments (id, branch, commit_sha, service, workdir, public_url, port, state, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		env.ID,
		env.Branch,
		env.Commit,
		env.Service,
		env.Workdir,
		env.PublicURL,
		env.Port,
		string(env.State),
		env.CreatedAt,
		env.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// GetEnvironmentByID fetches a single environment record.
func (r *Repository) GetEnvironmentByID(ctx context.Context, id string) (*domain.Environment, error) {
	const query = `SELECT ` + environmentColumns + ` FROM environments WHERE id = $1`
	env, err := scanEnvironment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return env, nil
}

// ListEnvironments returns all live environment records.
func (r *Repository) ListEnvironments(ctx context.Context) ([]domain.Environment, error) {
	const query = `SELECT ` + environmentColumns + ` FROM environments ORDER BY created_at, id`
	return r.queryEnvironments(ctx, query)
}

// ListExpiredEnvironments returns running records due for garbage collection.
func (r *Repository) ListExpiredEnvironments(ctx context.Context, now time.Time) ([]domain.Environment, error) {
	const query = `SELECT ` + environmentColumns + ` FROM environments
		WHERE state = 'running' AND expires_at <= $1
		ORDER BY expires_at, id`
	return r.queryEnvironments(ctx, query, now)
}

// ListEnvironmentsByState returns records in the given lifecycle state.
func (r *Repository) ListEnvironmentsByState(ctx context.Context, state domain.State) ([]domain.Environment, error) {
	const query = `SELECT ` + environmentColumns + ` FROM environments WHERE state = $1 ORDER BY created_at, id`
	return r.queryEnvironments(ctx, query, string(state))
}

// MarkEnvironmentDestroying atomically claims a running record for teardown.
func (r *Repository) MarkEnvironmentDestroying(ctx context.Context, id string) (bool, error) {
	const query = `UPDATE environments SET state = 'destroying' WHERE id = $1 AND state = 'running'`
	cmdTag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return cmdTag.RowsAffected() > 0, nil
}

// DeleteEnvironment removes an environment record.
func (r *Repository) DeleteEnvironment(ctx context.Context, id string) error {
	const query = `DELETE FROM environments WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListAllocatedPorts returns the ports held by live records in any state.
func (r *Repository) ListAllocatedPorts(ctx context.Context) ([]int, error) {
	const query = `SELECT port FROM environments ORDER BY port`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ports := make([]int, 0)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, rows.Err()
}

func (r *Repository) queryEnvironments(ctx context.Context, query string, args ...any) ([]domain.Environment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	environments := make([]domain.Environment, 0)
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		environments = append(environments, *env)
	}
	return environments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvironment(row rowScanner) (*domain.Environment, error) {
	var (
		env   domain.Environment
		state string
	)
	if err := row.Scan(
		&env.ID,
		&env.Branch,
		&env.Commit,
		&env.Service,
		&env.Workdir,
		&env.PublicURL,
		&env.Port,
		&state,
		&env.CreatedAt,
		&env.ExpiresAt,
	); err != nil {
		return nil, err
	}
	env.State = domain.State(state)
	return &env, nil
}
