// Package reconcile re-keys unidentifiable announcements of a domain after a
// rule has been configured for it. It never runs on its own.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/announcements/internal/db"
	"horse.fit/announcements/internal/globaltime"
	"horse.fit/announcements/internal/identity"
)

const pageSize = 500

type Status string

const (
	StatusPromotable    Status = "promotable"
	StatusPromoted      Status = "promoted"
	StatusIdentityTaken Status = "identity_taken"
	StatusStillUnkeyed  Status = "still_unkeyed"
	StatusGone          Status = "gone"
)

type Store interface {
	ListUnidentifiable(ctx context.Context, domain string, afterID int64, limit int) ([]db.UnidentifiableRow, error)
	IdentityStored(ctx context.Context, identityHash []byte) (bool, error)
	PromoteUnidentifiable(ctx context.Context, announcementID int64, canonicalKey string, identityHash []byte, now time.Time) (bool, error)
}

type RuleLookup interface {
	Lookup(ctx context.Context, domain string) (*identity.Rule, error)
}

type Item struct {
	AnnouncementID int64  `json:"announcement_id"`
	RawURL         string `json:"raw_url"`
	CanonicalKey   string `json:"canonical_key,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Status         Status `json:"status"`
}

type Report struct {
	Domain  string         `json:"domain"`
	Applied bool           `json:"applied"`
	Scanned int            `json:"scanned"`
	Counts  map[Status]int `json:"counts"`
	Items   []Item         `json:"items"`
}

type Service struct {
	store  Store
	rules  RuleLookup
	logger zerolog.Logger
}

func NewService(store Store, rules RuleLookup, logger zerolog.Logger) *Service {
	return &Service{store: store, rules: rules, logger: logger}
}

// Run canonicalizes every unidentifiable announcement of domain with the
// domain's active rule. Without apply it only reports what would change.
// Rows whose identity is already stored are reported and left alone.
func (s *Service) Run(ctx context.Context, domain string, apply bool) (Report, error) {
	if s == nil || s.store == nil || s.rules == nil {
		return Report{}, fmt.Errorf("reconcile service is not initialized")
	}

	domain = identity.NormalizeDomain(domain)
	if domain == "" {
		return Report{}, fmt.Errorf("domain is required")
	}

	rule, err := s.rules.Lookup(ctx, domain)
	if err != nil {
		return Report{}, fmt.Errorf("lookup rule for %s: %w", domain, err)
	}
	if rule == nil || !rule.Active {
		return Report{}, fmt.Errorf("no active rule for domain %s", domain)
	}

	report := Report{Domain: domain, Applied: apply, Counts: make(map[Status]int)}
	seen := make(map[string]struct{})

	var afterID int64
	for {
		rows, err := s.store.ListUnidentifiable(ctx, domain, afterID, pageSize)
		if err != nil {
			return report, err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			afterID = row.AnnouncementID
			item, err := s.reconcileRow(ctx, rule, row, apply, seen)
			if err != nil {
				return report, err
			}
			report.Scanned++
			report.Counts[item.Status]++
			report.Items = append(report.Items, item)
		}

		if len(rows) < pageSize {
			break
		}
	}

	s.logger.Info().
		Str("domain", domain).
		Bool("applied", apply).
		Int("scanned", report.Scanned).
		Int("promoted", report.Counts[StatusPromoted]).
		Int("identity_taken", report.Counts[StatusIdentityTaken]).
		Msg("reconcile finished")
	return report, nil
}

func (s *Service) reconcileRow(ctx context.Context, rule *identity.Rule, row db.UnidentifiableRow, apply bool, seen map[string]struct{}) (Item, error) {
	item := Item{AnnouncementID: row.AnnouncementID, RawURL: row.RawURL}

	outcome := identity.Canonicalize(row.RawURL, rule)
	ident, ok := identity.FromOutcome(outcome)
	if !ok {
		item.Status = StatusStillUnkeyed
		item.Reason = string(outcome.Reason())
		return item, nil
	}
	item.CanonicalKey = ident.Key()

	if _, dup := seen[ident.HashHex()]; dup {
		item.Status = StatusIdentityTaken
		return item, nil
	}
	seen[ident.HashHex()] = struct{}{}

	if !apply {
		stored, err := s.store.IdentityStored(ctx, ident.Hash())
		if err != nil {
			return item, err
		}
		item.Status = StatusPromotable
		if stored {
			item.Status = StatusIdentityTaken
		}
		return item, nil
	}

	promoted, err := s.store.PromoteUnidentifiable(ctx, row.AnnouncementID, ident.Key(), ident.Hash(), globaltime.UTC())
	switch {
	case errors.Is(err, db.ErrIdentityTaken):
		item.Status = StatusIdentityTaken
		s.logger.Warn().
			Int64("announcement_id", row.AnnouncementID).
			Str("canonical_key", ident.Key()).
			Msg("identity already stored; announcement left unidentifiable")
	case err != nil:
		return item, err
	case promoted:
		item.Status = StatusPromoted
	default:
		item.Status = StatusGone
	}
	return item, nil
}
