package db

import (
	"context"
	"fmt"
	"time"
)

// OutcomeCount is the number of resolutions per outcome.
type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Total   int64  `json:"total"`
	Recent  int64  `json:"recent"`
}

// UnidentifiableBucket counts unidentifiable announcements by domain and
// reason. A growing bucket usually means a missing domain rule.
type UnidentifiableBucket struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

// ErrorSource counts recent error outcomes per candidate source. A source
// showing up here often has no priority rank.
type ErrorSource struct {
	SourceKind string `json:"source_kind"`
	SourceID   string `json:"source_id"`
	Count      int64  `json:"count"`
}

// AnnouncementTotals counts stored announcements.
type AnnouncementTotals struct {
	Total          int64 `json:"total"`
	Keyed          int64 `json:"keyed"`
	Unidentifiable int64 `json:"unidentifiable"`
}

// ResolutionStats is the read model returned by the stats command and API.
type ResolutionStats struct {
	Since          time.Time              `json:"since"`
	Announcements  AnnouncementTotals     `json:"announcements"`
	Outcomes       []OutcomeCount         `json:"outcomes"`
	Unidentifiable []UnidentifiableBucket `json:"unidentifiable"`
	ErrorSources   []ErrorSource          `json:"error_sources"`
}

// QueryResolutionStats reports totals plus counts for entries created at or
// after since.
func (p *Pool) QueryResolutionStats(ctx context.Context, since time.Time) (*ResolutionStats, error) {
	sinceUTC := since.UTC()
	stats := &ResolutionStats{
		Since:          sinceUTC,
		Outcomes:       make([]OutcomeCount, 0, 6),
		Unidentifiable: make([]UnidentifiableBucket, 0, 16),
		ErrorSources:   make([]ErrorSource, 0, 8),
	}

	if err := p.QueryRow(ctx, `
SELECT
	COUNT(*)::BIGINT,
	COUNT(*) FILTER (WHERE dedup_status = 'keyed')::BIGINT,
	COUNT(*) FILTER (WHERE dedup_status = 'unidentifiable')::BIGINT
FROM announce.announcements
`).Scan(
		&stats.Announcements.Total,
		&stats.Announcements.Keyed,
		&stats.Announcements.Unidentifiable,
	); err != nil {
		return nil, fmt.Errorf("query announcement totals: %w", err)
	}

	rows, err := p.Query(ctx, `
SELECT
	o.outcome::text,
	COUNT(r.resolution_id)::BIGINT AS total,
	COUNT(r.resolution_id) FILTER (WHERE r.created_at >= $1)::BIGINT AS recent
FROM unnest(enum_range(NULL::announce.resolution_outcome)) AS o(outcome)
LEFT JOIN announce.resolution_log r
	ON r.outcome = o.outcome
GROUP BY o.outcome
ORDER BY o.outcome
`, sinceUTC)
	if err != nil {
		return nil, fmt.Errorf("query outcome counts: %w", err)
	}
	for rows.Next() {
		var row OutcomeCount
		if err := rows.Scan(&row.Outcome, &row.Total, &row.Recent); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outcome count row: %w", err)
		}
		stats.Outcomes = append(stats.Outcomes, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate outcome count rows: %w", err)
	}
	rows.Close()

	rows, err = p.Query(ctx, `
SELECT
	COALESCE(source_domain, ''),
	COALESCE(unkeyed_reason, ''),
	COUNT(*)::BIGINT
FROM announce.announcements
WHERE dedup_status = 'unidentifiable'
GROUP BY 1, 2
ORDER BY 3 DESC, 1, 2
LIMIT 50
`)
	if err != nil {
		return nil, fmt.Errorf("query unidentifiable buckets: %w", err)
	}
	for rows.Next() {
		var row UnidentifiableBucket
		if err := rows.Scan(&row.Domain, &row.Reason, &row.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan unidentifiable bucket row: %w", err)
		}
		stats.Unidentifiable = append(stats.Unidentifiable, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate unidentifiable bucket rows: %w", err)
	}
	rows.Close()

	rows, err = p.Query(ctx, `
SELECT source_kind, source_id, COUNT(*)::BIGINT
FROM announce.resolution_log
WHERE outcome = 'error' AND created_at >= $1
GROUP BY 1, 2
ORDER BY 3 DESC, 1, 2
LIMIT 50
`, sinceUTC)
	if err != nil {
		return nil, fmt.Errorf("query error sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row ErrorSource
		if err := rows.Scan(&row.SourceKind, &row.SourceID, &row.Count); err != nil {
			return nil, fmt.Errorf("scan error source row: %w", err)
		}
		stats.ErrorSources = append(stats.ErrorSources, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error source rows: %w", err)
	}

	return stats, nil
}
