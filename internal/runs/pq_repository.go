package runs

import (
	"context"

	"github.com/amankumarsingh77/comfyui-router/internal/models"
)

// Repository keeps the history of finished and in-flight runs.
type Repository interface {
	Create(ctx context.Context, rec *models.RunRecord) error
	Finish(ctx context.Context, rec *models.RunRecord) error
	ListRecent(ctx context.Context, limit int) ([]*models.RunRecord, error)
}
