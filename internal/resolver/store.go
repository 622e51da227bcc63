package resolver

import (
	"context"

	"horse.fit/announcements/internal/db"
)

// Store runs one resolution as a single transaction. fn's writes commit
// together or not at all.
type Store interface {
	InTx(ctx context.Context, fn func(StoreTx) error) error
}

// StoreTx is the set of conditional writes a resolution may perform.
type StoreTx interface {
	InsertKeyedIfAbsent(ctx context.Context, w db.AnnouncementWrite) (int64, bool, error)
	FindOccupant(ctx context.Context, identityHash []byte) (db.Occupant, bool, error)
	ReplaceIfRevision(ctx context.Context, announcementID, revision int64, w db.AnnouncementWrite) (bool, error)
	InsertUnidentifiable(ctx context.Context, w db.AnnouncementWrite) (int64, error)
	AppendResolution(ctx context.Context, entry db.ResolutionEntry) error
}

type poolStore struct {
	pool *db.Pool
}

// NewPoolStore adapts a database pool to Store.
func NewPoolStore(pool *db.Pool) Store {
	return poolStore{pool: pool}
}

func (s poolStore) InTx(ctx context.Context, fn func(StoreTx) error) error {
	return s.pool.WithTx(ctx, func(tx db.Tx) error {
		return fn(db.NewAnnouncementTx(tx))
	})
}
