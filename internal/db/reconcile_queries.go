package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrIdentityTaken means another announcement already holds the identity.
var ErrIdentityTaken = errors.New("identity already stored")

// UnidentifiableRow is an unidentifiable announcement awaiting a rule.
type UnidentifiableRow struct {
	AnnouncementID int64
	RawURL         string
	SourceKind     string
	SourceID       string
	UnkeyedReason  string
}

// ListUnidentifiable pages through unidentifiable announcements of domain in
// id order, starting after afterID.
func (p *Pool) ListUnidentifiable(ctx context.Context, domain string, afterID int64, limit int) ([]UnidentifiableRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.Query(ctx, `
SELECT announcement_id, raw_url, source_kind, source_id, COALESCE(unkeyed_reason, '')
FROM announce.announcements
WHERE dedup_status = 'unidentifiable'
  AND source_domain = $1
  AND announcement_id > $2
ORDER BY announcement_id
LIMIT $3
`, domain, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query unidentifiable announcements: %w", err)
	}
	defer rows.Close()

	out := make([]UnidentifiableRow, 0, limit)
	for rows.Next() {
		var row UnidentifiableRow
		if err := rows.Scan(&row.AnnouncementID, &row.RawURL, &row.SourceKind, &row.SourceID, &row.UnkeyedReason); err != nil {
			return nil, fmt.Errorf("scan unidentifiable row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unidentifiable rows: %w", err)
	}
	return out, nil
}

// IdentityStored reports whether any announcement holds identityHash.
func (p *Pool) IdentityStored(ctx context.Context, identityHash []byte) (bool, error) {
	var stored bool
	err := p.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1
	FROM announce.announcements
	WHERE identity_hash = $1
)
`, identityHash).Scan(&stored)
	if err != nil {
		return false, fmt.Errorf("check stored identity: %w", err)
	}
	return stored, nil
}

// PromoteUnidentifiable turns an unidentifiable announcement into a keyed one.
// It returns ErrIdentityTaken when the identity is already stored and false
// when the row is no longer unidentifiable.
func (p *Pool) PromoteUnidentifiable(ctx context.Context, announcementID int64, canonicalKey string, identityHash []byte, now time.Time) (bool, error) {
	tag, err := p.Exec(ctx, `
UPDATE announce.announcements
SET
	dedup_status = 'keyed',
	canonical_key = $2,
	identity_hash = $3,
	unkeyed_reason = NULL,
	revision = revision + 1,
	updated_at = $4
WHERE announcement_id = $1
  AND dedup_status = 'unidentifiable'
`, announcementID, canonicalKey, identityHash, now.UTC())
	if err != nil {
		if IsUniqueViolation(err) {
			return false, ErrIdentityTaken
		}
		return false, fmt.Errorf("promote announcement %d: %w", announcementID, err)
	}
	return tag.RowsAffected() == 1, nil
}
