// Package priority holds the total order over announcement sources used to
// decide which source becomes the system of record for a shared identity.
package priority

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Wildcard as a source id ranks every source of a kind without its own entry.
const Wildcard = "*"

var ErrUnranked = errors.New("source has no priority rank")

// Source identifies where a candidate came from.
type Source struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// NormalizeSource lowercases the kind and trims both fields.
func NormalizeSource(kind, id string) Source {
	return Source{
		Kind: strings.ToLower(strings.TrimSpace(kind)),
		ID:   strings.TrimSpace(id),
	}
}

func (s Source) String() string {
	return s.Kind + "/" + s.ID
}

// Ordering is the result of comparing a candidate source with the source of
// the stored occupant.
type Ordering int8

const (
	OrderingUnknown Ordering = iota
	CandidatePrecedes
	OccupantPrecedes
	Same
)

func (o Ordering) String() string {
	switch o {
	case CandidatePrecedes:
		return "candidate_precedes"
	case OccupantPrecedes:
		return "occupant_precedes"
	case Same:
		return "same"
	case OrderingUnknown:
		return "unknown"
	}
	return fmt.Sprintf("ordering(%d)", int8(o))
}

// Entry assigns a rank to a source. Lower ranks take precedence.
type Entry struct {
	Source
	Rank int
}

// Loader reads the current priority entries from storage.
type Loader interface {
	ListSourcePriorities(ctx context.Context) ([]Entry, error)
}

// Table is a concurrency-safe snapshot of source ranks.
type Table struct {
	loader Loader

	mu    sync.RWMutex
	ranks map[Source]int
}

// NewTable builds a table from static entries.
func NewTable(entries []Entry) (*Table, error) {
	ranks, err := buildRanks(entries)
	if err != nil {
		return nil, err
	}
	return &Table{ranks: ranks}, nil
}

// LoadTable builds a table from loader and keeps it for Reload.
func LoadTable(ctx context.Context, loader Loader) (*Table, error) {
	if loader == nil {
		return nil, fmt.Errorf("priority loader is required")
	}
	table := &Table{loader: loader}
	if err := table.Reload(ctx); err != nil {
		return nil, err
	}
	return table, nil
}

// Reload replaces the snapshot with the loader's current entries. The old
// snapshot stays in place when loading fails.
func (t *Table) Reload(ctx context.Context) error {
	if t == nil || t.loader == nil {
		return fmt.Errorf("priority table has no loader")
	}
	entries, err := t.loader.ListSourcePriorities(ctx)
	if err != nil {
		return fmt.Errorf("load source priorities: %w", err)
	}
	ranks, err := buildRanks(entries)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.ranks = ranks
	t.mu.Unlock()
	return nil
}

// Rank returns the rank of source: its own entry, else its kind's wildcard
// entry.
func (t *Table) Rank(source Source) (int, error) {
	source = NormalizeSource(source.Kind, source.ID)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if rank, ok := t.ranks[source]; ok {
		return rank, nil
	}
	if rank, ok := t.ranks[Source{Kind: source.Kind, ID: Wildcard}]; ok {
		return rank, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnranked, source)
}

// Compare orders candidate against occupant by rank, then kind, then id, so
// distinct sources never compare as equal.
func (t *Table) Compare(candidate, occupant Source) (Ordering, error) {
	candidate = NormalizeSource(candidate.Kind, candidate.ID)
	occupant = NormalizeSource(occupant.Kind, occupant.ID)

	candidateRank, err := t.Rank(candidate)
	if err != nil {
		return OrderingUnknown, fmt.Errorf("rank candidate: %w", err)
	}
	occupantRank, err := t.Rank(occupant)
	if err != nil {
		return OrderingUnknown, fmt.Errorf("rank occupant: %w", err)
	}

	switch {
	case candidateRank < occupantRank:
		return CandidatePrecedes, nil
	case candidateRank > occupantRank:
		return OccupantPrecedes, nil
	}

	if c := strings.Compare(candidate.Kind, occupant.Kind); c != 0 {
		if c < 0 {
			return CandidatePrecedes, nil
		}
		return OccupantPrecedes, nil
	}
	if c := strings.Compare(candidate.ID, occupant.ID); c != 0 {
		if c < 0 {
			return CandidatePrecedes, nil
		}
		return OccupantPrecedes, nil
	}
	return Same, nil
}

// Entries returns the snapshot sorted by rank, kind and id.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.ranks))
	for source, rank := range t.ranks {
		out = append(out, Entry{Source: source, Rank: rank})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ValidateEntries checks entries without building a table.
func ValidateEntries(entries []Entry) error {
	_, err := buildRanks(entries)
	return err
}

func buildRanks(entries []Entry) (map[Source]int, error) {
	ranks := make(map[Source]int, len(entries))
	for i, entry := range entries {
		source := NormalizeSource(entry.Kind, entry.ID)
		if source.Kind == "" {
			return nil, fmt.Errorf("priorities[%d]: source_kind is required", i)
		}
		if source.ID == "" {
			source.ID = Wildcard
		}
		if entry.Rank < 0 {
			return nil, fmt.Errorf("priorities[%d]: rank must be >= 0", i)
		}
		if _, dup := ranks[source]; dup {
			return nil, fmt.Errorf("priorities[%d]: %s is ranked twice", i, source)
		}
		ranks[source] = entry.Rank
	}
	return ranks, nil
}
