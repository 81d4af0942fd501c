package ports

import "github.com/ghalamif/aquaflow/internal/domain"

type WALEntryID uint64

// SnapshotSpool durably holds captured snapshots until the store accepts them.
type SnapshotSpool interface {
	Append(s *domain.Snapshot) (WALEntryID, error)
	Iterate(from WALEntryID, fn func(id WALEntryID, s *domain.Snapshot) error) error
	Commit(upto WALEntryID) error
	Stats() WALStats
}

type WALStats struct {
	OldestUncommitted WALEntryID
	LatestAppended    WALEntryID
	SizeBytes         int64
}
