package db

import (
	"context"
	"fmt"
	"time"

	"horse.fit/announcements/internal/priority"
)

// ListSourcePriorities loads every rank. It satisfies priority.Loader.
func (p *Pool) ListSourcePriorities(ctx context.Context) ([]priority.Entry, error) {
	rows, err := p.Query(ctx, `
SELECT source_kind, source_id, rank
FROM announce.source_priorities
ORDER BY rank, source_kind, source_id
`)
	if err != nil {
		return nil, fmt.Errorf("query source priorities: %w", err)
	}
	defer rows.Close()

	out := make([]priority.Entry, 0, 16)
	for rows.Next() {
		var e priority.Entry
		if err := rows.Scan(&e.Kind, &e.ID, &e.Rank); err != nil {
			return nil, fmt.Errorf("scan source priority row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source priority rows: %w", err)
	}
	return out, nil
}

// SyncSourcePriorities upserts entries and returns how many rows changed.
// Sources missing from entries keep their current rank.
func (p *Pool) SyncSourcePriorities(ctx context.Context, entries []priority.Entry) (int, error) {
	if err := priority.ValidateEntries(entries); err != nil {
		return 0, err
	}

	changed := 0
	err := p.WithTx(ctx, func(tx Tx) error {
		now := time.Now().UTC()
		for _, e := range entries {
			source := priority.NormalizeSource(e.Kind, e.ID)
			if source.ID == "" {
				source.ID = priority.Wildcard
			}
			tag, err := tx.Exec(ctx, `
INSERT INTO announce.source_priorities (source_kind, source_id, rank, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (source_kind, source_id) DO UPDATE
SET rank = EXCLUDED.rank, updated_at = EXCLUDED.updated_at
WHERE announce.source_priorities.rank IS DISTINCT FROM EXCLUDED.rank
`, source.Kind, source.ID, e.Rank, now)
			if err != nil {
				return fmt.Errorf("upsert priority for %s: %w", source, err)
			}
			changed += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}
