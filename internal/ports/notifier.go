package ports

import (
	"context"

	"github.com/ghalamif/aquaflow/internal/domain"
)

// SnapshotNotifier pushes snapshot-inserted notifications. The channel is
// closed when ctx ends or the subscription fails.
type SnapshotNotifier interface {
	Subscribe(ctx context.Context) (<-chan domain.SnapshotInserted, error)
}

// SnapshotPublisher is implemented by in-process notifiers fed by local inserts.
type SnapshotPublisher interface {
	Publish(n domain.SnapshotInserted)
}
