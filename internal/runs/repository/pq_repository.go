package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/amankumarsingh77/comfyui-router/internal/models"
	"github.com/amankumarsingh77/comfyui-router/internal/runs"
)

type runRepo struct {
	db *sqlx.DB
}

func NewRunRepo(db *sqlx.DB) runs.Repository {
	return &runRepo{db: db}
}

func (r *runRepo) Create(ctx context.Context, rec *models.RunRecord) error {
	if _, err := r.db.ExecContext(
		ctx,
		createRunQuery,
		rec.RunID,
		rec.InputPath,
		rec.Workflow,
		rec.Width,
		rec.Height,
		rec.Status,
		rec.StartedAt,
	); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (r *runRepo) Finish(ctx context.Context, rec *models.RunRecord) error {
	if _, err := r.db.ExecContext(
		ctx,
		finishRunQuery,
		rec.Workflow,
		rec.JobID,
		rec.Width,
		rec.Height,
		rec.ArtifactPath,
		rec.DeliveryPath,
		rec.Status,
		rec.Error,
		rec.FinishedAt,
		rec.RunID,
	); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

func (r *runRepo) ListRecent(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	rows, err := r.db.QueryxContext(ctx, listRecentRunsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	out := make([]*models.RunRecord, 0, limit)
	for rows.Next() {
		var rec models.RunRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan runs: %w", err)
	}
	return out, nil
}

// nopRunRepo is used when Postgres is not configured.
type nopRunRepo struct{}

func NewNopRunRepo() runs.Repository {
	return nopRunRepo{}
}

func (nopRunRepo) Create(context.Context, *models.RunRecord) error { return nil }

func (nopRunRepo) Finish(context.Context, *models.RunRecord) error { return nil }

func (nopRunRepo) ListRecent(context.Context, int) ([]*models.RunRecord, error) { return nil, nil }
