package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/announcements/internal/db"
	"horse.fit/announcements/internal/identity"
)

type fakeStore struct {
	rows     []db.UnidentifiableRow
	taken    map[string]bool
	gone     map[int64]bool
	promoted map[int64]string
	pages    int
}

func (f *fakeStore) ListUnidentifiable(_ context.Context, _ string, afterID int64, limit int) ([]db.UnidentifiableRow, error) {
	f.pages++
	var out []db.UnidentifiableRow
	for _, row := range f.rows {
		if row.AnnouncementID > afterID && len(out) < limit {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) IdentityStored(_ context.Context, hash []byte) (bool, error) {
	for key, taken := range f.taken {
		sum := identity.HashKey(key)
		if taken && bytes.Equal(sum[:], hash) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) PromoteUnidentifiable(_ context.Context, id int64, key string, _ []byte, _ time.Time) (bool, error) {
	if f.taken[key] {
		return false, db.ErrIdentityTaken
	}
	if f.gone[id] {
		return false, nil
	}
	if f.promoted == nil {
		f.promoted = map[int64]string{}
	}
	f.promoted[id] = key
	return true, nil
}

type staticRules map[string]*identity.Rule

func (s staticRules) Lookup(_ context.Context, domain string) (*identity.Rule, error) {
	return s[domain], nil
}

func govRules(t *testing.T) staticRules {
	t.Helper()
	rule, err := identity.NewRule(identity.RuleSpec{Domain: "example.gov", Method: "query_params", Params: []string{"id"}, Active: true})
	if err != nil {
		t.Fatalf("unexpected rule error: %v", err)
	}
	return staticRules{"example.gov": rule}
}

func TestRun_DryRunReportsWithoutWriting(t *testing.T) {
	t.Parallel()

	store := &fakeStore{rows: []db.UnidentifiableRow{
		{AnnouncementID: 1, RawURL: "https://example.gov/notice?id=7"},
		{AnnouncementID: 2, RawURL: "https://example.gov/notice?page=2"},
		{AnnouncementID: 3, RawURL: "https://www.example.gov/notice?id=7&page=3"},
	}}
	svc := NewService(store, govRules(t), zerolog.Nop())

	report, err := svc.Run(context.Background(), "Example.GOV", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Domain != "example.gov" || report.Applied || report.Scanned != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}
	want := []Status{StatusPromotable, StatusStillUnkeyed, StatusIdentityTaken}
	for i, status := range want {
		if report.Items[i].Status != status {
			t.Fatalf("item %d: got %s want %s", i, report.Items[i].Status, status)
		}
	}
	if report.Items[1].Reason != string(identity.ReasonMissingRequiredParam) {
		t.Fatalf("unexpected reason: %q", report.Items[1].Reason)
	}
	if len(store.promoted) != 0 {
		t.Fatalf("dry run wrote to the store")
	}
}

func TestRun_DryRunAgreesWithApply(t *testing.T) {
	t.Parallel()

	rows := []db.UnidentifiableRow{
		{AnnouncementID: 4, RawURL: "https://example.gov/notice?id=1"},
		{AnnouncementID: 5, RawURL: "https://example.gov/notice?id=2"},
	}
	taken := map[string]bool{"example.gov|id=2": true}

	dry, err := NewService(&fakeStore{rows: rows, taken: taken}, govRules(t), zerolog.Nop()).Run(context.Background(), "example.gov", false)
	if err != nil {
		t.Fatalf("unexpected dry run error: %v", err)
	}
	applied, err := NewService(&fakeStore{rows: rows, taken: taken}, govRules(t), zerolog.Nop()).Run(context.Background(), "example.gov", true)
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	if dry.Items[0].Status != StatusPromotable || applied.Items[0].Status != StatusPromoted {
		t.Fatalf("unexpected free identity statuses: dry=%s applied=%s", dry.Items[0].Status, applied.Items[0].Status)
	}
	if dry.Items[1].Status != StatusIdentityTaken || applied.Items[1].Status != StatusIdentityTaken {
		t.Fatalf("stored identity must be reported taken in both modes: dry=%s applied=%s", dry.Items[1].Status, applied.Items[1].Status)
	}
}

func TestRun_ApplyPromotesAndSkipsTaken(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		rows: []db.UnidentifiableRow{
			{AnnouncementID: 4, RawURL: "https://example.gov/notice?id=1"},
			{AnnouncementID: 5, RawURL: "https://example.gov/notice?id=2"},
			{AnnouncementID: 6, RawURL: "https://example.gov/notice?id=3"},
		},
		taken: map[string]bool{"example.gov|id=2": true},
		gone:  map[int64]bool{6: true},
	}
	svc := NewService(store, govRules(t), zerolog.Nop())

	report, err := svc.Run(context.Background(), "example.gov", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Counts[StatusPromoted] != 1 || report.Counts[StatusIdentityTaken] != 1 || report.Counts[StatusGone] != 1 {
		t.Fatalf("unexpected counts: %v", report.Counts)
	}
	if store.promoted[4] != "example.gov|id=1" {
		t.Fatalf("unexpected promotion: %v", store.promoted)
	}
}

func TestRun_Pages(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	for i := 1; i <= pageSize+3; i++ {
		store.rows = append(store.rows, db.UnidentifiableRow{AnnouncementID: int64(i), RawURL: fmt.Sprintf("https://example.gov/n?id=%d", i)})
	}
	report, err := NewService(store, govRules(t), zerolog.Nop()).Run(context.Background(), "example.gov", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Counts[StatusPromoted] != pageSize+3 || store.pages != 2 {
		t.Fatalf("unexpected paging: promoted=%d pages=%d", report.Counts[StatusPromoted], store.pages)
	}
}

func TestRun_RequiresActiveRule(t *testing.T) {
	t.Parallel()

	svc := NewService(&fakeStore{}, staticRules{}, zerolog.Nop())
	if _, err := svc.Run(context.Background(), "unknown.example", false); err == nil {
		t.Fatalf("expected missing rule error")
	}
	if _, err := svc.Run(context.Background(), " ", false); err == nil {
		t.Fatalf("expected domain error")
	}
}

type failingStore struct{ fakeStore }

func (f *failingStore) PromoteUnidentifiable(context.Context, int64, string, []byte, time.Time) (bool, error) {
	return false, errors.New("connection reset")
}

func TestRun_StoreFailureStops(t *testing.T) {
	t.Parallel()

	store := &failingStore{fakeStore{rows: []db.UnidentifiableRow{{AnnouncementID: 1, RawURL: "https://example.gov/n?id=1"}}}}
	if _, err := NewService(store, govRules(t), zerolog.Nop()).Run(context.Background(), "example.gov", true); err == nil {
		t.Fatalf("expected store error")
	}
}
