// Package resolver decides, for one candidate record, which stored
// announcement it becomes and records that decision in the resolution log.
package resolver

import (
	"fmt"
	"strings"

	"horse.fit/announcements/internal/config"
	"horse.fit/announcements/internal/priority"
)

// Outcome is the closed set of resolution labels. The values match the
// announce.resolution_outcome enum.
type Outcome string

const (
	OutcomeNewInserted       Outcome = "new_inserted"
	OutcomeReplaced          Outcome = "replaced"
	OutcomeKeptExisting      Outcome = "kept_existing"
	OutcomeSameTypeDuplicate Outcome = "same_type_duplicate"
	OutcomeUnidentifiable    Outcome = "unidentifiable"
	OutcomeError             Outcome = "error"
)

// Outcomes lists every outcome in a stable order.
func Outcomes() []Outcome {
	return []Outcome{
		OutcomeNewInserted,
		OutcomeReplaced,
		OutcomeKeptExisting,
		OutcomeSameTypeDuplicate,
		OutcomeUnidentifiable,
		OutcomeError,
	}
}

func ParseOutcome(raw string) (Outcome, error) {
	candidate := Outcome(strings.ToLower(strings.TrimSpace(raw)))
	for _, o := range Outcomes() {
		if o == candidate {
			return o, nil
		}
	}
	return "", fmt.Errorf("unknown resolution outcome %q", raw)
}

// SameSourcePolicy decides what happens when a source re-delivers an
// identity it already holds.
type SameSourcePolicy string

const (
	RetainExisting SameSourcePolicy = config.SameSourceRetainExisting
	RetainLatest   SameSourcePolicy = config.SameSourceRetainLatest
)

func ParseSameSourcePolicy(raw string) (SameSourcePolicy, error) {
	switch p := SameSourcePolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case RetainExisting, RetainLatest:
		return p, nil
	case "":
		return RetainExisting, nil
	}
	return "", fmt.Errorf("unknown same-source policy %q", raw)
}

// Write is the store mutation a decision requires.
type Write int8

const (
	WriteNone Write = iota
	WriteInsert
	WriteOverwrite
)

func (w Write) String() string {
	switch w {
	case WriteNone:
		return "none"
	case WriteInsert:
		return "insert"
	case WriteOverwrite:
		return "overwrite"
	}
	return fmt.Sprintf("write(%d)", int8(w))
}

// Decision pairs an outcome with the write that realizes it.
type Decision struct {
	Outcome Outcome
	Write   Write
}

// Decide maps store state and the priority ordering of a keyed candidate to
// exactly one decision. Any combination it does not recognize is an error,
// never a success label.
func Decide(existing bool, ordering priority.Ordering, policy SameSourcePolicy) Decision {
	if !existing {
		return Decision{Outcome: OutcomeNewInserted, Write: WriteInsert}
	}

	switch ordering {
	case priority.CandidatePrecedes:
		return Decision{Outcome: OutcomeReplaced, Write: WriteOverwrite}
	case priority.OccupantPrecedes:
		return Decision{Outcome: OutcomeKeptExisting, Write: WriteNone}
	case priority.Same:
		switch policy {
		case RetainExisting:
			return Decision{Outcome: OutcomeSameTypeDuplicate, Write: WriteNone}
		case RetainLatest:
			return Decision{Outcome: OutcomeSameTypeDuplicate, Write: WriteOverwrite}
		}
		return Decision{Outcome: OutcomeError, Write: WriteNone}
	case priority.OrderingUnknown:
		return Decision{Outcome: OutcomeError, Write: WriteNone}
	}
	return Decision{Outcome: OutcomeError, Write: WriteNone}
}
