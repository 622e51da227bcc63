package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"horse.fit/announcements/internal/config"
	"horse.fit/announcements/internal/globaltime"
	"horse.fit/announcements/internal/resolver"
)

// CandidateResolver resolves one candidate and never fails the caller.
type CandidateResolver interface {
	Resolve(ctx context.Context, cand resolver.Candidate, batchUUID string) resolver.Result
}

type Options struct {
	Workers   int
	RateLimit float64
	Burst     int
}

func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		return Options{}
	}
	return Options{
		Workers:   cfg.Workers,
		RateLimit: cfg.PartitionRateLimit,
		Burst:     cfg.PartitionBurst,
	}
}

// Runner resolves a batch. Candidates sharing a partition are resolved one
// at a time in input order; partitions run concurrently up to Workers.
type Runner struct {
	resolver CandidateResolver
	opts     Options
	logger   zerolog.Logger
}

func NewRunner(res CandidateResolver, opts Options, logger zerolog.Logger) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	return &Runner{resolver: res, opts: opts, logger: logger}
}

type BatchResult struct {
	BatchUUID  string                   `json:"batch_uuid"`
	Total      int                      `json:"total"`
	Resolved   int                      `json:"resolved"`
	Skipped    int                      `json:"skipped"`
	Outcomes   map[resolver.Outcome]int `json:"outcomes"`
	Results    []resolver.Result        `json:"results"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
}

// Count returns how many candidates ended with outcome.
func (b BatchResult) Count(outcome resolver.Outcome) int {
	return b.Outcomes[outcome]
}

func (b BatchResult) String() string {
	parts := make([]string, 0, len(b.Outcomes))
	for _, o := range resolver.Outcomes() {
		if n := b.Outcomes[o]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", o, n))
		}
	}
	return fmt.Sprintf("batch=%s total=%d resolved=%d skipped=%d %s", b.BatchUUID, b.Total, b.Resolved, b.Skipped, strings.Join(parts, " "))
}

type partition struct {
	key     string
	indexes []int
}

// Run resolves every candidate once. Results is aligned with candidates; a
// candidate left unresolved because ctx ended has an empty Outcome and is
// counted as skipped.
func (r *Runner) Run(ctx context.Context, candidates []resolver.Candidate) (BatchResult, error) {
	if r == nil || r.resolver == nil {
		return BatchResult{}, fmt.Errorf("ingest runner is not initialized")
	}

	batch := BatchResult{
		BatchUUID: uuid.NewString(),
		Total:     len(candidates),
		Outcomes:  make(map[resolver.Outcome]int),
		Results:   make([]resolver.Result, len(candidates)),
		StartedAt: globaltime.UTC(),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	for _, part := range partitionCandidates(candidates) {
		part := part
		g.Go(func() error {
			limiter := r.newLimiter()
			for _, idx := range part.indexes {
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return nil
					}
				}
				if gctx.Err() != nil {
					return nil
				}

				res := r.resolver.Resolve(gctx, candidates[idx], batch.BatchUUID)

				mu.Lock()
				batch.Results[idx] = res
				batch.Outcomes[res.Outcome]++
				batch.Resolved++
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	batch.Skipped = batch.Total - batch.Resolved
	batch.FinishedAt = globaltime.UTC()

	event := r.logger.Info()
	if batch.Skipped > 0 {
		event = r.logger.Warn()
	}
	for outcome, n := range batch.Outcomes {
		event = event.Int(string(outcome), n)
	}
	event.
		Str("batch_uuid", batch.BatchUUID).
		Int("total", batch.Total).
		Int("skipped", batch.Skipped).
		Dur("elapsed", batch.FinishedAt.Sub(batch.StartedAt)).
		Msg("batch resolved")

	if err := ctx.Err(); err != nil && batch.Skipped > 0 {
		return batch, fmt.Errorf("batch %s interrupted with %d candidates unresolved: %w", batch.BatchUUID, batch.Skipped, err)
	}
	return batch, nil
}

func (r *Runner) newLimiter() *rate.Limiter {
	if r.opts.RateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(r.opts.RateLimit), r.opts.Burst)
}

// partitionCandidates groups candidate indexes by source, in order of first
// appearance.
func partitionCandidates(candidates []resolver.Candidate) []partition {
	byKey := make(map[string]int)
	var parts []partition
	for i, cand := range candidates {
		key := cand.Partition()
		pos, ok := byKey[key]
		if !ok {
			pos = len(parts)
			byKey[key] = pos
			parts = append(parts, partition{key: key})
		}
		parts[pos].indexes = append(parts[pos].indexes, i)
	}
	return parts
}
