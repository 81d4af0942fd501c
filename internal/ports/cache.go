package ports

import (
	"context"
	"errors"
	"time"

	"github.com/ghalamif/aquaflow/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

type StatusCache interface {
	GetStatus(ctx context.Context, key string) (domain.MachineStatus, error)
	SetStatus(ctx context.Context, key string, st domain.MachineStatus, ttl time.Duration) error
}
