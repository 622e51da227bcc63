package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ResolutionEntry is one append-only resolution log row.
type ResolutionEntry struct {
	BatchUUID          string
	SourceKind         string
	SourceID           string
	RawURL             string
	CanonicalKey       string
	IdentityHash       []byte
	UnkeyedReason      string
	Outcome            string
	AnnouncementID     *int64
	PreviousSourceKind string
	PreviousSourceID   string
	ErrorMessage       string
	Attempts           int
	CreatedAt          time.Time
}

// AppendResolution writes entry in the current transaction.
func (t *AnnouncementTx) AppendResolution(ctx context.Context, entry ResolutionEntry) error {
	return appendResolution(ctx, t.tx, entry)
}

type execer interface {
	Exec(ctx context.Context, query string, args ...any) (CommandTag, error)
}

func appendResolution(ctx context.Context, ex execer, entry ResolutionEntry) error {
	if strings.TrimSpace(entry.Outcome) == "" {
		return fmt.Errorf("resolution outcome is required")
	}
	attempts := entry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var identityHash []byte
	if len(entry.IdentityHash) > 0 {
		identityHash = entry.IdentityHash
	}

	const q = `
INSERT INTO announce.resolution_log (
	batch_uuid,
	source_kind,
	source_id,
	raw_url,
	canonical_key,
	identity_hash,
	unkeyed_reason,
	outcome,
	announcement_id,
	previous_source_kind,
	previous_source_id,
	error_message,
	attempts,
	created_at
)
VALUES (
	NULLIF($1, '')::uuid,
	$2,
	$3,
	$4,
	NULLIF($5, ''),
	$6,
	NULLIF($7, ''),
	$8::announce.resolution_outcome,
	$9,
	NULLIF($10, ''),
	NULLIF($11, ''),
	NULLIF($12, ''),
	$13,
	$14
)
`

	if _, err := ex.Exec(ctx, q,
		entry.BatchUUID,
		entry.SourceKind,
		entry.SourceID,
		entry.RawURL,
		entry.CanonicalKey,
		identityHash,
		entry.UnkeyedReason,
		entry.Outcome,
		entry.AnnouncementID,
		entry.PreviousSourceKind,
		entry.PreviousSourceID,
		entry.ErrorMessage,
		attempts,
		createdAt.UTC(),
	); err != nil {
		return fmt.Errorf("append resolution log entry: %w", err)
	}
	return nil
}

// ResolutionFilter narrows ListResolutions. Empty fields match everything.
type ResolutionFilter struct {
	Outcome    string
	SourceKind string
	SourceID   string
	BatchUUID  string
	Limit      int
	Offset     int
}

// ResolutionRecord is the read model of one resolution log row.
type ResolutionRecord struct {
	ResolutionID       int64     `json:"resolution_id"`
	ResolutionUUID     string    `json:"resolution_uuid"`
	BatchUUID          *string   `json:"batch_uuid,omitempty"`
	SourceKind         string    `json:"source_kind"`
	SourceID           string    `json:"source_id"`
	RawURL             string    `json:"raw_url"`
	CanonicalKey       *string   `json:"canonical_key,omitempty"`
	IdentityHashHex    *string   `json:"identity_hash,omitempty"`
	UnkeyedReason      *string   `json:"unkeyed_reason,omitempty"`
	Outcome            string    `json:"outcome"`
	AnnouncementID     *int64    `json:"announcement_id,omitempty"`
	PreviousSourceKind *string   `json:"previous_source_kind,omitempty"`
	PreviousSourceID   *string   `json:"previous_source_id,omitempty"`
	ErrorMessage       *string   `json:"error_message,omitempty"`
	Attempts           int       `json:"attempts"`
	CreatedAt          time.Time `json:"created_at"`
}

// ListResolutions returns the newest entries first plus the total number of
// entries matching filter.
func (p *Pool) ListResolutions(ctx context.Context, filter ResolutionFilter) ([]ResolutionRecord, int64, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := max(filter.Offset, 0)

	const where = `
WHERE ($1 = '' OR outcome::text = $1)
  AND ($2 = '' OR source_kind = $2)
  AND ($3 = '' OR source_id = $3)
  AND ($4 = '' OR batch_uuid::text = $4)
`
	args := []any{filter.Outcome, filter.SourceKind, filter.SourceID, filter.BatchUUID}

	var total int64
	if err := p.QueryRow(ctx, `SELECT COUNT(*) FROM announce.resolution_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count resolution log entries: %w", err)
	}

	q := `
SELECT
	resolution_id,
	resolution_uuid::text,
	batch_uuid::text,
	source_kind,
	source_id,
	raw_url,
	canonical_key,
	encode(identity_hash, 'hex'),
	unkeyed_reason,
	outcome::text,
	announcement_id,
	previous_source_kind,
	previous_source_id,
	error_message,
	attempts,
	created_at
FROM announce.resolution_log` + where + `
ORDER BY created_at DESC, resolution_id DESC
LIMIT $5 OFFSET $6
`

	rows, err := p.Query(ctx, q, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query resolution log entries: %w", err)
	}
	defer rows.Close()

	out := make([]ResolutionRecord, 0, limit)
	for rows.Next() {
		var rec ResolutionRecord
		if err := rows.Scan(
			&rec.ResolutionID,
			&rec.ResolutionUUID,
			&rec.BatchUUID,
			&rec.SourceKind,
			&rec.SourceID,
			&rec.RawURL,
			&rec.CanonicalKey,
			&rec.IdentityHashHex,
			&rec.UnkeyedReason,
			&rec.Outcome,
			&rec.AnnouncementID,
			&rec.PreviousSourceKind,
			&rec.PreviousSourceID,
			&rec.ErrorMessage,
			&rec.Attempts,
			&rec.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan resolution log row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate resolution log rows: %w", err)
	}
	return out, total, nil
}
