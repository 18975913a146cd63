package repository

import (
	"context"
	"sync"
	"time"

	"github.com/amankumarsingh77/comfyui-router/internal/models"
	"github.com/amankumarsingh77/comfyui-router/internal/runs"
)

// localLockRepo is the in-process lock used when Redis is not configured.
// It only protects against overlapping runs inside one process.
type localLockRepo struct {
	mu     sync.Mutex
	locks  map[string]time.Time
	status map[string]models.RunStatus
	now    func() time.Time
}

func NewLocalLockRepo() runs.LockRepository {
	return &localLockRepo{
		locks:  map[string]time.Time{},
		status: map[string]models.RunStatus{},
		now:    time.Now,
	}
}

func (l *localLockRepo) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.locks[key]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	l.locks[key] = exp
	return true, nil
}

func (l *localLockRepo) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, key)
	return nil
}

func (l *localLockRepo) SetStatus(_ context.Context, rec *models.RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status[rec.RunID.String()] = rec.Status
	return nil
}
