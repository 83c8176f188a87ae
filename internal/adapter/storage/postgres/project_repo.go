package postgres

import (
	"context"
	"errors"
	"fmt"

	"marketplace-escrow/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const projectColumns = `id, client_id, freelancer_id, title, budget, currency, status`

// ProjectRepo implements ports.ProjectRepository. Projects are owned by the
// project service; this repo never writes them.
type ProjectRepo struct {
	pool Pool
}

// NewProjectRepo creates a new ProjectRepo.
func NewProjectRepo(pool Pool) *ProjectRepo {
	return &ProjectRepo{pool: pool}
}

func (r *ProjectRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	p, err := scanProject(r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// GetByIDForUpdate locks the project row so its status cannot change under us.
func (r *ProjectRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Project, error) {
	p, err := scanProject(tx.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("get project for update: %w", err)
	}
	return p, nil
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	p := &domain.Project{}
	err := row.Scan(&p.ID, &p.ClientID, &p.FreelancerID, &p.Title, &p.Budget, &p.Currency, &p.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}
