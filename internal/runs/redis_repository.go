package runs

import (
	"context"
	"time"

	"github.com/amankumarsingh77/comfyui-router/internal/models"
)

// LockRepository guards an input file against concurrent runs and
// publishes the live state of the run holding it.
type LockRepository interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	SetStatus(ctx context.Context, rec *models.RunRecord) error
}
