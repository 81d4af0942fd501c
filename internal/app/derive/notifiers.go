package derive

import (
	"context"
	"sync"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

type fanIn []ports.SnapshotNotifier

// FanIn merges several notifiers into one. Subscribe fails only when every
// notifier fails; the merged channel closes once all inputs have closed.
func FanIn(notifiers ...ports.SnapshotNotifier) ports.SnapshotNotifier {
	var live fanIn
	for _, n := range notifiers {
		if n != nil {
			live = append(live, n)
		}
	}
	return live
}

func (f fanIn) Subscribe(ctx context.Context) (<-chan domain.SnapshotInserted, error) {
	out := make(chan domain.SnapshotInserted, 64)
	var (
		wg      sync.WaitGroup
		lastErr error
		started int
	)
	for _, n := range f {
		ch, err := n.Subscribe(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		started++
		wg.Add(1)
		go func(ch <-chan domain.SnapshotInserted) {
			defer wg.Done()
			for note := range ch {
				select {
				case out <- note:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	if started == 0 && lastErr != nil {
		return nil, lastErr
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}
