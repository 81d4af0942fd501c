package memstore

import (
	"context"
	"sync"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

// Broadcaster fans local snapshot inserts out to every subscriber. A slow
// subscriber loses notifications instead of blocking the publisher; the
// derivation catch-up replays every insert past its cursor, so nothing
// dropped here goes underived.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan domain.SnapshotInserted]struct{}
	buffer int
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{subs: make(map[chan domain.SnapshotInserted]struct{}), buffer: buffer}
}

func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan domain.SnapshotInserted, error) {
	ch := make(chan domain.SnapshotInserted, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

func (b *Broadcaster) Publish(n domain.SnapshotInserted) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

var (
	_ ports.SnapshotNotifier  = (*Broadcaster)(nil)
	_ ports.SnapshotPublisher = (*Broadcaster)(nil)
)
