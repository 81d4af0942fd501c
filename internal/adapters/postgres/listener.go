package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

// Listener turns NOTIFY payloads raised by the snapshots trigger into
// SnapshotInserted notifications, so inserts by any writer reach derivation.
type Listener struct {
	connString string
	obs        ports.Observability
}

func NewListener(connString string, obs ports.Observability) *Listener {
	if obs == nil {
		obs = ports.NopObservability{}
	}
	return &Listener{connString: connString, obs: obs}
}

func (l *Listener) Subscribe(ctx context.Context) (<-chan domain.SnapshotInserted, error) {
	pl := pq.NewListener(l.connString, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.obs.LogError("snapshot_listener_event", err, ports.Field{Key: "event", Value: int(ev)})
		}
	})
	if err := pl.Listen(NotifyChannel); err != nil {
		_ = pl.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	out := make(chan domain.SnapshotInserted, 64)
	go func() {
		defer close(out)
		defer pl.Close()

		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				go func() { _ = pl.Ping() }()
			case n, ok := <-pl.Notify:
				if !ok {
					return
				}
				// nil after a reconnect; notifications raised meanwhile are picked up by polling.
				if n == nil {
					continue
				}
				ins, err := decodeNotification(n.Extra)
				if err != nil {
					l.obs.LogError("snapshot_notification_decode", err)
					continue
				}
				select {
				case out <- ins:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decodeNotification(payload string) (domain.SnapshotInserted, error) {
	var ins domain.SnapshotInserted
	if err := json.Unmarshal([]byte(payload), &ins); err != nil {
		return ins, err
	}
	if ins.MachineID == "" {
		return ins, domain.ErrMissingMachine
	}
	ins.CapturedAt = ins.CapturedAt.UTC()
	return ins, nil
}

var _ ports.SnapshotNotifier = (*Listener)(nil)
