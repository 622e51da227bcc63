package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"horse.fit/announcements/internal/config"
	"horse.fit/announcements/internal/db"
	"horse.fit/announcements/internal/globaltime"
	"horse.fit/announcements/internal/identity"
	"horse.fit/announcements/internal/priority"
)

var (
	// ErrConflict means another writer changed the identity's row between
	// reading it and the conditional write.
	ErrConflict = errors.New("concurrent write conflict")

	ErrInvalidCandidate = errors.New("invalid candidate")
)

// Candidate is one raw record from a scraper.
type Candidate struct {
	SourceKind  string          `json:"source_kind"`
	SourceID    string          `json:"source_id"`
	RawURL      string          `json:"raw_url"`
	Title       string          `json:"title"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func (c Candidate) Source() priority.Source {
	return priority.NormalizeSource(c.SourceKind, c.SourceID)
}

// Partition groups candidates that one worker handles in order.
func (c Candidate) Partition() string {
	return c.Source().String()
}

func (c Candidate) Validate() error {
	source := c.Source()
	switch {
	case source.Kind == "":
		return fmt.Errorf("%w: source_kind is required", ErrInvalidCandidate)
	case source.ID == "":
		return fmt.Errorf("%w: source_id is required", ErrInvalidCandidate)
	case strings.TrimSpace(c.RawURL) == "":
		return fmt.Errorf("%w: raw_url is required", ErrInvalidCandidate)
	case len(c.Payload) > 0 && !json.Valid(c.Payload):
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidCandidate)
	}
	return nil
}

// Result describes how one candidate was resolved.
type Result struct {
	Outcome        Outcome          `json:"outcome"`
	AnnouncementID int64            `json:"announcement_id,omitempty"`
	CanonicalKey   string           `json:"canonical_key,omitempty"`
	IdentityHash   string           `json:"identity_hash,omitempty"`
	UnkeyedReason  identity.Reason  `json:"unkeyed_reason,omitempty"`
	Previous       *priority.Source `json:"previous_source,omitempty"`
	Attempts       int              `json:"attempts"`
	Err            error            `json:"-"`
}

// RuleLookup resolves the active rule of a domain.
type RuleLookup interface {
	Lookup(ctx context.Context, domain string) (*identity.Rule, error)
}

// Ranker ranks and orders sources.
type Ranker interface {
	Rank(source priority.Source) (int, error)
	Compare(candidate, occupant priority.Source) (priority.Ordering, error)
}

type Options struct {
	SameSourcePolicy SameSourcePolicy
	RecordTimeout    time.Duration
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	ConflictRetries  int
}

func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if cfg == nil {
		return Options{}, fmt.Errorf("config is nil")
	}
	policy, err := ParseSameSourcePolicy(cfg.SameSourcePolicy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		SameSourcePolicy: policy,
		RecordTimeout:    cfg.RecordTimeout,
		MaxRetries:       cfg.RecordMaxRetries,
		InitialBackoff:   cfg.RetryInitialBackoff,
		MaxBackoff:       cfg.RetryMaxBackoff,
		ConflictRetries:  cfg.ConflictMaxRetries,
	}, nil
}

func (o Options) withDefaults() Options {
	if o.SameSourcePolicy == "" {
		o.SameSourcePolicy = RetainExisting
	}
	if o.RecordTimeout <= 0 {
		o.RecordTimeout = 10 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.ConflictRetries < 0 {
		o.ConflictRetries = 0
	}
	return o
}

type Resolver struct {
	store  Store
	rules  RuleLookup
	ranks  Ranker
	opts   Options
	logger zerolog.Logger
}

func New(store Store, rules RuleLookup, ranks Ranker, opts Options, logger zerolog.Logger) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("resolver store is required")
	}
	if rules == nil {
		return nil, fmt.Errorf("resolver rule lookup is required")
	}
	if ranks == nil {
		return nil, fmt.Errorf("resolver ranker is required")
	}
	return &Resolver{
		store:  store,
		rules:  rules,
		ranks:  ranks,
		opts:   opts.withDefaults(),
		logger: logger,
	}, nil
}

// plan is everything derived from a candidate before touching shared state.
type plan struct {
	domain    string
	canonical identity.Outcome
	ident     identity.Identity
}

// Resolve reconciles one candidate against the store and appends exactly one
// resolution log entry. Failures are isolated to this record: they come back
// as an error outcome, never as a returned error.
func (r *Resolver) Resolve(ctx context.Context, cand Candidate, batchUUID string) Result {
	cand.SourceKind, cand.SourceID = cand.Source().Kind, cand.Source().ID
	if err := cand.Validate(); err != nil {
		return r.fail(ctx, cand, batchUUID, plan{}, 1, err)
	}

	var (
		attempts int
		p        plan
		res      Result
	)
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.RecordTimeout)
		defer cancel()

		var err error
		p, err = r.plan(attemptCtx, cand)
		if err == nil {
			res, err = r.apply(attemptCtx, cand, batchUUID, p, attempts)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		r.logger.Warn().
			Err(err).
			Str("source", cand.Partition()).
			Str("raw_url", cand.RawURL).
			Int("attempt", attempts).
			Msg("transient resolution failure; retrying")
		return err
	}

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.opts.InitialBackoff),
		backoff.WithMaxInterval(r.opts.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.opts.MaxRetries)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return r.fail(ctx, cand, batchUUID, p, attempts, err)
	}

	res.Attempts = attempts
	r.logger.Debug().
		Str("source", cand.Partition()).
		Str("outcome", string(res.Outcome)).
		Str("canonical_key", res.CanonicalKey).
		Int64("announcement_id", res.AnnouncementID).
		Msg("candidate resolved")
	return res
}

func retryable(err error) bool {
	return errors.Is(err, ErrConflict) || db.IsTransient(err)
}

func (r *Resolver) plan(ctx context.Context, cand Candidate) (plan, error) {
	domain, err := identity.Domain(cand.RawURL)
	if err != nil {
		return plan{canonical: identity.Unkeyed(identity.ReasonMalformedURL)}, nil
	}
	rule, err := r.rules.Lookup(ctx, domain)
	if err != nil {
		return plan{domain: domain}, fmt.Errorf("lookup rule: %w", err)
	}

	p := plan{domain: domain, canonical: identity.Canonicalize(cand.RawURL, rule)}
	if ident, ok := identity.FromOutcome(p.canonical); ok {
		p.ident = ident
	}
	return p, nil
}

func (r *Resolver) apply(ctx context.Context, cand Candidate, batchUUID string, p plan, attempt int) (Result, error) {
	if p.ident.IsZero() {
		return r.storeUnidentifiable(ctx, cand, batchUUID, p, attempt)
	}
	// A keyed candidate needs a rank before it may claim an identity.
	if _, err := r.ranks.Rank(cand.Source()); err != nil {
		return Result{}, fmt.Errorf("rank candidate: %w", err)
	}

	for conflicts := 0; ; conflicts++ {
		res, err := r.storeKeyed(ctx, cand, batchUUID, p, attempt)
		if !errors.Is(err, ErrConflict) {
			return res, err
		}
		if conflicts >= r.opts.ConflictRetries {
			return Result{}, fmt.Errorf("identity %s: %w after %d retries", p.ident.HashHex(), ErrConflict, conflicts)
		}
		r.logger.Debug().
			Str("canonical_key", p.ident.Key()).
			Int("conflict", conflicts+1).
			Msg("conditional write lost a race; retrying")
	}
}

func (r *Resolver) storeUnidentifiable(ctx context.Context, cand Candidate, batchUUID string, p plan, attempt int) (Result, error) {
	var res Result
	err := r.store.InTx(ctx, func(tx StoreTx) error {
		id, err := tx.InsertUnidentifiable(ctx, r.write(cand, p))
		if err != nil {
			return err
		}
		res = r.result(OutcomeUnidentifiable, id, p, nil)
		return tx.AppendResolution(ctx, r.entry(cand, batchUUID, p, res, attempt, ""))
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (r *Resolver) storeKeyed(ctx context.Context, cand Candidate, batchUUID string, p plan, attempt int) (Result, error) {
	w := r.write(cand, p)

	var res Result
	err := r.store.InTx(ctx, func(tx StoreTx) error {
		id, inserted, err := tx.InsertKeyedIfAbsent(ctx, w)
		if err != nil {
			return err
		}
		if inserted {
			res = r.result(OutcomeNewInserted, id, p, nil)
			return tx.AppendResolution(ctx, r.entry(cand, batchUUID, p, res, attempt, ""))
		}

		occ, found, err := tx.FindOccupant(ctx, p.ident.Hash())
		if err != nil {
			return err
		}
		if !found {
			return ErrConflict
		}
		previous := priority.NormalizeSource(occ.SourceKind, occ.SourceID)

		if err := p.ident.Verify(occ.CanonicalKey, occ.IdentityHash); err != nil {
			res = r.result(OutcomeError, occ.AnnouncementID, p, &previous)
			res.Err = err
			return tx.AppendResolution(ctx, r.entry(cand, batchUUID, p, res, attempt, err.Error()))
		}

		ordering, cmpErr := r.ranks.Compare(cand.Source(), previous)
		decision := Decide(true, ordering, r.opts.SameSourcePolicy)
		if cmpErr != nil {
			decision = Decision{Outcome: OutcomeError, Write: WriteNone}
		}

		switch decision.Write {
		case WriteOverwrite:
			ok, err := tx.ReplaceIfRevision(ctx, occ.AnnouncementID, occ.Revision, w)
			if err != nil {
				return err
			}
			if !ok {
				return ErrConflict
			}
		case WriteNone:
		case WriteInsert:
			return fmt.Errorf("decision %s asks to insert an occupied identity", decision.Outcome)
		default:
			return fmt.Errorf("unknown write %s", decision.Write)
		}

		res = r.result(decision.Outcome, occ.AnnouncementID, p, &previous)
		message := ""
		if decision.Outcome == OutcomeError {
			res.Err = cmpErr
			if res.Err == nil {
				res.Err = fmt.Errorf("no decision for ordering %s under policy %s", ordering, r.opts.SameSourcePolicy)
			}
			message = res.Err.Error()
		}
		return tx.AppendResolution(ctx, r.entry(cand, batchUUID, p, res, attempt, message))
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// fail records an error outcome after the resolution itself gave up. The log
// write is best effort and outlives a cancelled parent context.
func (r *Resolver) fail(ctx context.Context, cand Candidate, batchUUID string, p plan, attempts int, cause error) Result {
	attempts = max(attempts, 1)
	res := r.result(OutcomeError, 0, p, nil)
	res.Err = cause
	res.Attempts = attempts

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.RecordTimeout)
	defer cancel()

	entry := r.entry(cand, batchUUID, p, res, attempts, cause.Error())
	if err := r.store.InTx(logCtx, func(tx StoreTx) error {
		return tx.AppendResolution(logCtx, entry)
	}); err != nil {
		r.logger.Error().
			Err(err).
			Str("source", cand.Partition()).
			Str("raw_url", cand.RawURL).
			Msg("could not record error outcome")
	}

	r.logger.Warn().
		Err(cause).
		Str("source", cand.Partition()).
		Str("raw_url", cand.RawURL).
		Int("attempts", attempts).
		Msg("candidate resolution failed")
	return res
}

func (r *Resolver) result(outcome Outcome, announcementID int64, p plan, previous *priority.Source) Result {
	res := Result{
		Outcome:        outcome,
		AnnouncementID: announcementID,
		Previous:       previous,
	}
	if !p.ident.IsZero() {
		res.CanonicalKey = p.ident.Key()
		res.IdentityHash = p.ident.HashHex()
	} else {
		res.UnkeyedReason = p.canonical.Reason()
	}
	return res
}

func (r *Resolver) write(cand Candidate, p plan) db.AnnouncementWrite {
	w := db.AnnouncementWrite{
		SourceDomain: p.domain,
		SourceKind:   cand.SourceKind,
		SourceID:     cand.SourceID,
		RawURL:       strings.TrimSpace(cand.RawURL),
		Title:        strings.TrimSpace(cand.Title),
		PublishedAt:  cand.PublishedAt,
		Payload:      cand.Payload,
		WrittenAt:    globaltime.UTC(),
	}
	if !p.ident.IsZero() {
		w.CanonicalKey = p.ident.Key()
		w.IdentityHash = p.ident.Hash()
	} else {
		w.UnkeyedReason = string(p.canonical.Reason())
	}
	return w
}

func (r *Resolver) entry(cand Candidate, batchUUID string, p plan, res Result, attempts int, message string) db.ResolutionEntry {
	e := db.ResolutionEntry{
		BatchUUID:     batchUUID,
		SourceKind:    cand.SourceKind,
		SourceID:      cand.SourceID,
		RawURL:        strings.TrimSpace(cand.RawURL),
		UnkeyedReason: string(res.UnkeyedReason),
		Outcome:       string(res.Outcome),
		ErrorMessage:  message,
		Attempts:      attempts,
		CreatedAt:     globaltime.UTC(),
	}
	if !p.ident.IsZero() {
		e.CanonicalKey = p.ident.Key()
		e.IdentityHash = p.ident.Hash()
	}
	if res.AnnouncementID != 0 {
		id := res.AnnouncementID
		e.AnnouncementID = &id
	}
	if res.Previous != nil {
		e.PreviousSourceKind = res.Previous.Kind
		e.PreviousSourceID = res.Previous.ID
	}
	return e
}
