package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/announcements/internal/resolver"
)

type recordingResolver struct {
	mu        sync.Mutex
	order     map[string][]string
	inFlight  map[string]int
	overlap   bool
	maxActive int
	active    int
	delay     time.Duration
	batches   map[string]struct{}
	onResolve func()
}

func newRecordingResolver(delay time.Duration) *recordingResolver {
	return &recordingResolver{
		order:    map[string][]string{},
		inFlight: map[string]int{},
		batches:  map[string]struct{}{},
		delay:    delay,
	}
}

func (r *recordingResolver) Resolve(_ context.Context, cand resolver.Candidate, batchUUID string) resolver.Result {
	part := cand.Partition()

	r.mu.Lock()
	r.inFlight[part]++
	if r.inFlight[part] > 1 {
		r.overlap = true
	}
	r.active++
	r.maxActive = max(r.maxActive, r.active)
	r.order[part] = append(r.order[part], cand.RawURL)
	r.batches[batchUUID] = struct{}{}
	hook := r.onResolve
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	time.Sleep(r.delay)

	r.mu.Lock()
	r.inFlight[part]--
	r.active--
	r.mu.Unlock()

	if cand.SourceKind == "blog" {
		return resolver.Result{Outcome: resolver.OutcomeError}
	}
	return resolver.Result{Outcome: resolver.OutcomeNewInserted}
}

func batchOf(kinds []string, perKind int) []resolver.Candidate {
	var out []resolver.Candidate
	for i := 0; i < perKind; i++ {
		for _, kind := range kinds {
			out = append(out, resolver.Candidate{
				SourceKind: kind,
				SourceID:   "feed",
				RawURL:     fmt.Sprintf("https://example.gov/%s/%d", kind, i),
			})
		}
	}
	return out
}

func TestRunner_PartitionsAreSequentialAndOrdered(t *testing.T) {
	t.Parallel()

	res := newRecordingResolver(2 * time.Millisecond)
	runner := NewRunner(res, Options{Workers: 3}, zerolog.Nop())

	batch, err := runner.Run(context.Background(), batchOf([]string{"gov-direct", "aggregator", "blog"}, 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.overlap {
		t.Fatalf("two candidates of one partition were resolved concurrently")
	}
	for part, urls := range res.order {
		kind := strings.SplitN(part, "/", 2)[0]
		for i, url := range urls {
			if want := fmt.Sprintf("https://example.gov/%s/%d", kind, i); url != want {
				t.Fatalf("partition %s resolved out of order: %v", part, urls)
			}
		}
	}
	if batch.Total != 15 || batch.Resolved != 15 || batch.Skipped != 0 {
		t.Fatalf("unexpected batch counts: %+v", batch)
	}
	if batch.Count(resolver.OutcomeNewInserted) != 10 || batch.Count(resolver.OutcomeError) != 5 {
		t.Fatalf("unexpected outcome counts: %v", batch.Outcomes)
	}
	if len(res.batches) != 1 {
		t.Fatalf("expected one batch uuid across the batch, got %d", len(res.batches))
	}
	if _, ok := res.batches[batch.BatchUUID]; !ok {
		t.Fatalf("batch uuid %q was not passed to the resolver", batch.BatchUUID)
	}
}

func TestRunner_WorkerLimit(t *testing.T) {
	t.Parallel()

	res := newRecordingResolver(3 * time.Millisecond)
	runner := NewRunner(res, Options{Workers: 2}, zerolog.Nop())

	if _, err := runner.Run(context.Background(), batchOf([]string{"a", "b", "c", "d", "e"}, 2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.maxActive > 2 {
		t.Fatalf("expected at most 2 concurrent resolutions, saw %d", res.maxActive)
	}
}

func TestRunner_ResultsAlignWithInput(t *testing.T) {
	t.Parallel()

	runner := NewRunner(newRecordingResolver(0), Options{Workers: 4}, zerolog.Nop())
	candidates := batchOf([]string{"blog", "gov-direct"}, 3)

	batch, err := runner.Run(context.Background(), candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, cand := range candidates {
		want := resolver.OutcomeNewInserted
		if cand.SourceKind == "blog" {
			want = resolver.OutcomeError
		}
		if batch.Results[i].Outcome != want {
			t.Fatalf("result %d: got %s want %s", i, batch.Results[i].Outcome, want)
		}
	}
}

func TestRunner_CancelledBatchReportsSkipped(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	res := newRecordingResolver(0)
	calls := 0
	res.onResolve = func() {
		calls++
		if calls == 2 {
			cancel()
		}
	}
	runner := NewRunner(res, Options{Workers: 1}, zerolog.Nop())

	batch, err := runner.Run(ctx, batchOf([]string{"gov-direct"}, 5))
	if err == nil {
		t.Fatalf("expected interrupted batch error")
	}
	if batch.Resolved != 2 || batch.Skipped != 3 {
		t.Fatalf("unexpected counts: resolved=%d skipped=%d", batch.Resolved, batch.Skipped)
	}
	if batch.Results[4].Outcome != "" {
		t.Fatalf("skipped candidate has an outcome: %+v", batch.Results[4])
	}
}

func TestRunner_RateLimitedPartition(t *testing.T) {
	t.Parallel()

	runner := NewRunner(newRecordingResolver(0), Options{Workers: 1, RateLimit: 200, Burst: 1}, zerolog.Nop())

	started := time.Now()
	if _, err := runner.Run(context.Background(), batchOf([]string{"gov-direct"}, 4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(started); elapsed < 10*time.Millisecond {
		t.Fatalf("expected limiter to pace the partition, finished in %s", elapsed)
	}
}

func TestRunner_EmptyBatch(t *testing.T) {
	t.Parallel()

	batch, err := NewRunner(newRecordingResolver(0), Options{}, zerolog.Nop()).Run(context.Background(), nil)
	if err != nil || batch.Total != 0 || batch.BatchUUID == "" {
		t.Fatalf("unexpected empty batch: %+v, %v", batch, err)
	}
}
