package resolver

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"

	"horse.fit/announcements/internal/db"
)

// memRow is one stored announcement in memStore.
type memRow struct {
	id       int64
	status   string
	key      string
	hash     []byte
	reason   string
	write    db.AnnouncementWrite
	revision int64
}

// memStore is an in-memory Store. Transactions are serialized and apply
// atomically: a failing fn leaves no trace.
type memStore struct {
	mu     sync.Mutex
	rows   map[int64]memRow
	byHash map[string]int64
	nextID int64
	log    []db.ResolutionEntry

	// transientFailures makes the next N transactions fail with a
	// connection error before running fn.
	transientFailures int
	// staleReads makes the next N occupant reads report an old revision,
	// as if another writer updated the row in between.
	staleReads int
	// failAppend makes AppendResolution fail once.
	failAppend bool
	txCount    int
}

func newMemStore() *memStore {
	return &memStore{rows: map[int64]memRow{}, byHash: map[string]int64{}}
}

func (s *memStore) InTx(ctx context.Context, fn func(StoreTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txCount++
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.transientFailures > 0 {
		s.transientFailures--
		return &pgconn.PgError{Code: "08006", Message: "connection failure"}
	}

	tx := &memTx{store: s, rows: make(map[int64]memRow, len(s.rows)), byHash: make(map[string]int64, len(s.byHash)), nextID: s.nextID}
	for k, v := range s.rows {
		tx.rows[k] = v
	}
	for k, v := range s.byHash {
		tx.byHash[k] = v
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.rows, s.byHash, s.nextID = tx.rows, tx.byHash, tx.nextID
	s.log = append(s.log, tx.log...)
	return nil
}

func (s *memStore) snapshot() ([]memRow, []db.ResolutionEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]memRow, 0, len(s.rows))
	for id := int64(1); id <= s.nextID; id++ {
		if row, ok := s.rows[id]; ok {
			rows = append(rows, row)
		}
	}
	return rows, append([]db.ResolutionEntry(nil), s.log...)
}

type memTx struct {
	store  *memStore
	rows   map[int64]memRow
	byHash map[string]int64
	nextID int64
	log    []db.ResolutionEntry
}

func (t *memTx) InsertKeyedIfAbsent(_ context.Context, w db.AnnouncementWrite) (int64, bool, error) {
	if w.CanonicalKey == "" || len(w.IdentityHash) == 0 {
		return 0, false, &pgconn.PgError{Code: "23514", Message: "key/hash pairing"}
	}
	hash := hex.EncodeToString(w.IdentityHash)
	if _, exists := t.byHash[hash]; exists {
		return 0, false, nil
	}
	t.nextID++
	t.rows[t.nextID] = memRow{id: t.nextID, status: db.DedupStatusKeyed, key: w.CanonicalKey, hash: w.IdentityHash, write: w, revision: 1}
	t.byHash[hash] = t.nextID
	return t.nextID, true, nil
}

func (t *memTx) FindOccupant(_ context.Context, identityHash []byte) (db.Occupant, bool, error) {
	id, ok := t.byHash[hex.EncodeToString(identityHash)]
	if !ok {
		return db.Occupant{}, false, nil
	}
	row := t.rows[id]
	revision := row.revision
	if t.store.staleReads > 0 {
		t.store.staleReads--
		revision--
	}
	return db.Occupant{
		AnnouncementID: row.id,
		CanonicalKey:   row.key,
		IdentityHash:   row.hash,
		SourceKind:     row.write.SourceKind,
		SourceID:       row.write.SourceID,
		Revision:       revision,
	}, true, nil
}

func (t *memTx) ReplaceIfRevision(_ context.Context, announcementID, revision int64, w db.AnnouncementWrite) (bool, error) {
	row, ok := t.rows[announcementID]
	if !ok || row.revision != revision || row.status != db.DedupStatusKeyed {
		return false, nil
	}
	row.write = w
	row.revision++
	t.rows[announcementID] = row
	return true, nil
}

func (t *memTx) InsertUnidentifiable(_ context.Context, w db.AnnouncementWrite) (int64, error) {
	if w.UnkeyedReason == "" {
		return 0, errors.New("unidentifiable insert requires a reason")
	}
	t.nextID++
	t.rows[t.nextID] = memRow{id: t.nextID, status: db.DedupStatusUnidentifiable, reason: w.UnkeyedReason, write: w, revision: 1}
	return t.nextID, nil
}

func (t *memTx) AppendResolution(_ context.Context, entry db.ResolutionEntry) error {
	if t.store.failAppend {
		t.store.failAppend = false
		return errors.New("append refused")
	}
	t.log = append(t.log, entry)
	return nil
}
