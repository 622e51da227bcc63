package priority

import (
	"context"
	"errors"
	"testing"
)

func mustTable(t *testing.T, entries ...Entry) *Table {
	t.Helper()

	table, err := NewTable(entries)
	if err != nil {
		t.Fatalf("unexpected table error: %v", err)
	}
	return table
}

func entry(kind, id string, rank int) Entry {
	return Entry{Source: Source{Kind: kind, ID: id}, Rank: rank}
}

func TestRank_ExactThenWildcard(t *testing.T) {
	t.Parallel()

	table := mustTable(t,
		entry("gov-direct", "*", 1),
		entry("aggregator", "*", 3),
		entry("aggregator", "bizinfo", 2),
	)

	cases := []struct {
		source Source
		want   int
	}{
		{Source{Kind: "gov-direct", ID: "mss"}, 1},
		{Source{Kind: "aggregator", ID: "bizinfo"}, 2},
		{Source{Kind: "aggregator", ID: "other"}, 3},
		{Source{Kind: " Aggregator ", ID: "bizinfo"}, 2},
	}
	for _, tc := range cases {
		got, err := table.Rank(tc.source)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", tc.source, err)
		}
		if got != tc.want {
			t.Fatalf("unexpected rank for %s: got %d want %d", tc.source, got, tc.want)
		}
	}

	if _, err := table.Rank(Source{Kind: "blog", ID: "x"}); !errors.Is(err, ErrUnranked) {
		t.Fatalf("expected ErrUnranked, got %v", err)
	}
}

func TestCompare_LowerRankWins(t *testing.T) {
	t.Parallel()

	table := mustTable(t, entry("gov-direct", "*", 1), entry("aggregator", "*", 2))
	gov := Source{Kind: "gov-direct", ID: "mss"}
	agg := Source{Kind: "aggregator", ID: "bizinfo"}

	if got, _ := table.Compare(gov, agg); got != CandidatePrecedes {
		t.Fatalf("unexpected ordering: got %s want %s", got, CandidatePrecedes)
	}
	if got, _ := table.Compare(agg, gov); got != OccupantPrecedes {
		t.Fatalf("unexpected ordering: got %s want %s", got, OccupantPrecedes)
	}
	if got, _ := table.Compare(gov, gov); got != Same {
		t.Fatalf("unexpected ordering: got %s want %s", got, Same)
	}
}

func TestCompare_TotalOrderWithinTier(t *testing.T) {
	t.Parallel()

	table := mustTable(t, entry("aggregator", "*", 2))
	a := Source{Kind: "aggregator", ID: "alpha"}
	b := Source{Kind: "aggregator", ID: "beta"}

	ab, err := table.Compare(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ba, err := table.Compare(b, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ab != CandidatePrecedes || ba != OccupantPrecedes {
		t.Fatalf("expected antisymmetric ordering, got %s and %s", ab, ba)
	}
}

func TestCompare_UnrankedIsUnknown(t *testing.T) {
	t.Parallel()

	table := mustTable(t, entry("gov-direct", "*", 1))
	got, err := table.Compare(Source{Kind: "blog", ID: "x"}, Source{Kind: "gov-direct", ID: "mss"})
	if !errors.Is(err, ErrUnranked) {
		t.Fatalf("expected ErrUnranked, got %v", err)
	}
	if got != OrderingUnknown {
		t.Fatalf("unexpected ordering: %s", got)
	}
}

func TestNewTable_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewTable([]Entry{entry("", "*", 1)}); err == nil {
		t.Fatalf("expected missing kind error")
	}
	if _, err := NewTable([]Entry{entry("a", "*", -1)}); err == nil {
		t.Fatalf("expected negative rank error")
	}
	if _, err := NewTable([]Entry{entry("a", "", 1), entry("A", "*", 2)}); err == nil {
		t.Fatalf("expected duplicate entry error")
	}
}

type fakeLoader struct {
	entries []Entry
	err     error
}

func (f *fakeLoader) ListSourcePriorities(context.Context) ([]Entry, error) {
	return f.entries, f.err
}

func TestReload_ReplacesSnapshotAndKeepsOldOnFailure(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{entries: []Entry{entry("aggregator", "*", 2)}}
	table, err := LoadTable(context.Background(), loader)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	loader.entries = []Entry{entry("aggregator", "*", 5)}
	if err := table.Reload(context.Background()); err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}
	if rank, _ := table.Rank(Source{Kind: "aggregator", ID: "x"}); rank != 5 {
		t.Fatalf("unexpected rank after reload: got %d want 5", rank)
	}

	loader.err = errors.New("store down")
	if err := table.Reload(context.Background()); err == nil {
		t.Fatalf("expected reload error")
	}
	if rank, _ := table.Rank(Source{Kind: "aggregator", ID: "x"}); rank != 5 {
		t.Fatalf("snapshot changed after failed reload: got %d want 5", rank)
	}
}

func TestEntries_Sorted(t *testing.T) {
	t.Parallel()

	table := mustTable(t, entry("aggregator", "*", 2), entry("gov-direct", "*", 1), entry("aggregator", "bizinfo", 2))
	got := table.Entries()
	if len(got) != 3 {
		t.Fatalf("unexpected entry count: %d", len(got))
	}
	if got[0].Kind != "gov-direct" || got[1].ID != "*" || got[2].ID != "bizinfo" {
		t.Fatalf("unexpected order: %+v", got)
	}
}
