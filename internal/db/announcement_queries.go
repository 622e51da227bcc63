package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	DedupStatusKeyed          = "keyed"
	DedupStatusUnidentifiable = "unidentifiable"
)

// AnnouncementWrite carries the fields a resolution writes to a stored
// announcement. Keyed writes set CanonicalKey and IdentityHash together.
type AnnouncementWrite struct {
	CanonicalKey  string
	IdentityHash  []byte
	UnkeyedReason string
	SourceDomain  string
	SourceKind    string
	SourceID      string
	RawURL        string
	Title         string
	PublishedAt   *time.Time
	Payload       json.RawMessage
	WrittenAt     time.Time
}

func (w AnnouncementWrite) payload() []byte {
	if len(w.Payload) == 0 {
		return []byte("{}")
	}
	return w.Payload
}

func (w AnnouncementWrite) writtenAt() time.Time {
	if w.WrittenAt.IsZero() {
		return time.Now().UTC()
	}
	return w.WrittenAt.UTC()
}

// Occupant is the stored announcement currently holding an identity.
type Occupant struct {
	AnnouncementID int64
	CanonicalKey   string
	IdentityHash   []byte
	SourceKind     string
	SourceID       string
	Revision       int64
}

// AnnouncementTx groups the statements of one resolution transaction.
type AnnouncementTx struct {
	tx Tx
}

func NewAnnouncementTx(tx Tx) *AnnouncementTx {
	return &AnnouncementTx{tx: tx}
}

// InsertKeyedIfAbsent inserts a keyed announcement unless its identity hash
// is already stored. inserted is false when another row holds the identity.
func (t *AnnouncementTx) InsertKeyedIfAbsent(ctx context.Context, w AnnouncementWrite) (int64, bool, error) {
	if w.CanonicalKey == "" || len(w.IdentityHash) == 0 {
		return 0, false, fmt.Errorf("keyed insert requires canonical key and identity hash")
	}

	const q = `
INSERT INTO announce.announcements (
	canonical_key,
	identity_hash,
	dedup_status,
	source_domain,
	source_kind,
	source_id,
	raw_url,
	title,
	published_at,
	payload,
	created_at,
	updated_at
)
VALUES ($1, $2, 'keyed', NULLIF($3, ''), $4, $5, $6, $7, $8, $9::jsonb, $10, $10)
ON CONFLICT (identity_hash) DO NOTHING
RETURNING announcement_id
`

	var id int64
	err := t.tx.QueryRow(ctx, q,
		w.CanonicalKey,
		w.IdentityHash,
		w.SourceDomain,
		w.SourceKind,
		w.SourceID,
		w.RawURL,
		w.Title,
		w.PublishedAt,
		w.payload(),
		w.writtenAt(),
	).Scan(&id)
	if err != nil {
		if IsNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("insert keyed announcement: %w", err)
	}
	return id, true, nil
}

// FindOccupant reads the row holding identityHash. found is false when no
// committed row holds it.
func (t *AnnouncementTx) FindOccupant(ctx context.Context, identityHash []byte) (Occupant, bool, error) {
	const q = `
SELECT
	announcement_id,
	COALESCE(canonical_key, ''),
	identity_hash,
	source_kind,
	source_id,
	revision
FROM announce.announcements
WHERE identity_hash = $1
`

	var occ Occupant
	err := t.tx.QueryRow(ctx, q, identityHash).Scan(
		&occ.AnnouncementID,
		&occ.CanonicalKey,
		&occ.IdentityHash,
		&occ.SourceKind,
		&occ.SourceID,
		&occ.Revision,
	)
	if err != nil {
		if IsNoRows(err) {
			return Occupant{}, false, nil
		}
		return Occupant{}, false, fmt.Errorf("find announcement by identity hash: %w", err)
	}
	return occ, true, nil
}

// ReplaceIfRevision overwrites the payload and source fields of an
// announcement, keeping its id, only if the row is still at revision.
// ok is false when another writer got there first.
func (t *AnnouncementTx) ReplaceIfRevision(ctx context.Context, announcementID, revision int64, w AnnouncementWrite) (bool, error) {
	const q = `
UPDATE announce.announcements
SET
	source_domain = NULLIF($3, ''),
	source_kind = $4,
	source_id = $5,
	raw_url = $6,
	title = $7,
	published_at = $8,
	payload = $9::jsonb,
	revision = revision + 1,
	updated_at = $10
WHERE announcement_id = $1
  AND revision = $2
  AND dedup_status = 'keyed'
`

	tag, err := t.tx.Exec(ctx, q,
		announcementID,
		revision,
		w.SourceDomain,
		w.SourceKind,
		w.SourceID,
		w.RawURL,
		w.Title,
		w.PublishedAt,
		w.payload(),
		w.writtenAt(),
	)
	if err != nil {
		return false, fmt.Errorf("replace announcement %d: %w", announcementID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertUnidentifiable stores a record that produced no canonical key. It is
// never checked against other rows.
func (t *AnnouncementTx) InsertUnidentifiable(ctx context.Context, w AnnouncementWrite) (int64, error) {
	if w.UnkeyedReason == "" {
		return 0, fmt.Errorf("unidentifiable insert requires a reason")
	}

	const q = `
INSERT INTO announce.announcements (
	dedup_status,
	unkeyed_reason,
	source_domain,
	source_kind,
	source_id,
	raw_url,
	title,
	published_at,
	payload,
	created_at,
	updated_at
)
VALUES ('unidentifiable', $1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8::jsonb, $9, $9)
RETURNING announcement_id
`

	var id int64
	if err := t.tx.QueryRow(ctx, q,
		w.UnkeyedReason,
		w.SourceDomain,
		w.SourceKind,
		w.SourceID,
		w.RawURL,
		w.Title,
		w.PublishedAt,
		w.payload(),
		w.writtenAt(),
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert unidentifiable announcement: %w", err)
	}
	return id, nil
}

// AnnouncementRecord is the read model of one stored announcement.
type AnnouncementRecord struct {
	AnnouncementID   int64           `json:"announcement_id"`
	AnnouncementUUID string          `json:"announcement_uuid"`
	DedupStatus      string          `json:"dedup_status"`
	CanonicalKey     *string         `json:"canonical_key,omitempty"`
	IdentityHashHex  *string         `json:"identity_hash,omitempty"`
	UnkeyedReason    *string         `json:"unkeyed_reason,omitempty"`
	SourceDomain     *string         `json:"source_domain,omitempty"`
	SourceKind       string          `json:"source_kind"`
	SourceID         string          `json:"source_id"`
	RawURL           string          `json:"raw_url"`
	Title            string          `json:"title"`
	PublishedAt      *time.Time      `json:"published_at,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	Revision         int64           `json:"revision"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// GetAnnouncement returns ErrNoRows when id does not exist.
func (p *Pool) GetAnnouncement(ctx context.Context, announcementID int64) (*AnnouncementRecord, error) {
	const q = `
SELECT
	announcement_id,
	announcement_uuid::text,
	dedup_status::text,
	canonical_key,
	encode(identity_hash, 'hex'),
	unkeyed_reason,
	source_domain,
	source_kind,
	source_id,
	raw_url,
	title,
	published_at,
	payload,
	revision,
	created_at,
	updated_at
FROM announce.announcements
WHERE announcement_id = $1
`

	var (
		rec     AnnouncementRecord
		payload []byte
	)
	if err := p.QueryRow(ctx, q, announcementID).Scan(
		&rec.AnnouncementID,
		&rec.AnnouncementUUID,
		&rec.DedupStatus,
		&rec.CanonicalKey,
		&rec.IdentityHashHex,
		&rec.UnkeyedReason,
		&rec.SourceDomain,
		&rec.SourceKind,
		&rec.SourceID,
		&rec.RawURL,
		&rec.Title,
		&rec.PublishedAt,
		&payload,
		&rec.Revision,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		if IsNoRows(err) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("get announcement %d: %w", announcementID, err)
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}
