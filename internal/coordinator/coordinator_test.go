package coordinator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"apparel/catalog/internal/domain"
	"apparel/catalog/internal/domain/task"
	"apparel/catalog/internal/fetcher"
	"apparel/catalog/internal/metrics"
)

// scriptedFetcher runs fn for every Fetch call. fn receives the 1-based
// call number for the task and returns the records to yield and the error
// to end with.
type scriptedFetcher struct {
	platform domain.Platform
	fn       func(ctx context.Context, t task.ScrapingTask, call int) ([]domain.RawRecord, error)

	mu    sync.Mutex
	calls map[string]int
}

func newScripted(platform domain.Platform, fn func(ctx context.Context, t task.ScrapingTask, call int) ([]domain.RawRecord, error)) *scriptedFetcher {
	return &scriptedFetcher{platform: platform, fn: fn, calls: map[string]int{}}
}

func (f *scriptedFetcher) Platform() domain.Platform {
	return f.platform
}

func (f *scriptedFetcher) Fetch(ctx context.Context, t task.ScrapingTask) iter.Seq2[domain.RawRecord, error] {
	return func(yield func(domain.RawRecord, error) bool) {
		f.mu.Lock()
		f.calls[t.TaskID]++
		call := f.calls[t.TaskID]
		f.mu.Unlock()

		records, err := f.fn(ctx, t, call)
		for _, rec := range records {
			if !yield(rec, nil) {
				return
			}
		}
		if err != nil {
			yield(domain.RawRecord{}, err)
		}
	}
}

func (f *scriptedFetcher) callCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[taskID]
}

type memorySink struct {
	mu      sync.Mutex
	entries []domain.ScrapeLogEntry
	fail    bool
}

func (s *memorySink) AppendScrapeLog(ctx context.Context, entry domain.ScrapeLogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("db down")
	}
	s.entries = append(s.entries, entry)
	return int64(len(s.entries)), nil
}

func (s *memorySink) snapshot() []domain.ScrapeLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ScrapeLogEntry(nil), s.entries...)
}

func records(n int, prefix string) []domain.RawRecord {
	out := make([]domain.RawRecord, n)
	for i := range out {
		out[i] = domain.RawRecord{Title: fmt.Sprintf("%s-%d", prefix, i), Platform: domain.PlatformMarketplace}
	}
	return out
}

func testOptions() Options {
	return Options{
		MaxRetries:    3,
		BaseDelay:     10 * time.Millisecond,
		MaxRetryDelay: time.Second,
		TaskTimeout:   time.Second,
	}
}

func newTask(platform domain.Platform) task.ScrapingTask {
	return task.NewScrapingTask(platform, []string{"hoodie"}, nil, 1)
}

func byID(results []task.TaskResult) map[string]task.TaskResult {
	out := make(map[string]task.TaskResult, len(results))
	for _, r := range results {
		out[r.TaskID] = r
	}
	return out
}

func TestDispatchRejectsInvalidConcurrency(t *testing.T) {
	f := newScripted(domain.PlatformMarketplace, func(context.Context, task.ScrapingTask, int) ([]domain.RawRecord, error) {
		return records(1, "x"), nil
	})
	c := New(testOptions(), []fetcher.Fetcher{f}, nil, nil)

	tk := newTask(domain.PlatformMarketplace)
	for _, limit := range []int{0, -1} {
		results, err := c.Dispatch(context.Background(), []task.ScrapingTask{tk}, limit)
		if !errors.Is(err, ErrInvalidConcurrency) {
			t.Fatalf("limit %d: expected ErrInvalidConcurrency, got %v", limit, err)
		}
		if results != nil {
			t.Fatalf("limit %d: expected no results", limit)
		}
	}
	if f.callCount(tk.TaskID) != 0 {
		t.Fatalf("fetcher must not run for invalid config")
	}
}

func TestDispatchRetryBound(t *testing.T) {
	f := newScripted(domain.PlatformMarketplace, func(context.Context, task.ScrapingTask, int) ([]domain.RawRecord, error) {
		return nil, fetcher.ErrNetwork{Err: errors.New("connection reset")}
	})
	opts := testOptions()
	opts.BaseDelay = 20 * time.Millisecond
	m := metrics.New()
	c := New(opts, []fetcher.Fetcher{f}, nil, m)

	tk := newTask(domain.PlatformMarketplace)
	start := time.Now()
	results, err := c.Dispatch(context.Background(), []task.ScrapingTask{tk}, 1)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	r := results[0]
	if r.Status != domain.ScrapeStatusFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if r.Attempts != 3 || f.callCount(tk.TaskID) != 3 {
		t.Fatalf("attempts = %d (calls %d), want 3", r.Attempts, f.callCount(tk.TaskID))
	}
	// 20ms * (2^0 + 2^1)
	if elapsed < 60*time.Millisecond {
		t.Fatalf("elapsed %v shorter than backoff schedule", elapsed)
	}
	var network fetcher.ErrNetwork
	if !errors.As(r.Err, &network) {
		t.Fatalf("expected last network error, got %v", r.Err)
	}
}

func TestBackoffCapped(t *testing.T) {
	c := New(Options{BaseDelay: 100 * time.Millisecond, MaxRetryDelay: 250 * time.Millisecond}, nil, nil, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 250 * time.Millisecond},
		{attempt: 40, want: 250 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := c.backoff(tt.attempt); got != tt.want {
			t.Fatalf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDispatchPermanentErrorNotRetried(t *testing.T) {
	f := newScripted(domain.PlatformVideoPlatform, func(context.Context, task.ScrapingTask, int) ([]domain.RawRecord, error) {
		return nil, fetcher.ErrAuth{Err: errors.New("token revoked")}
	})
	c := New(testOptions(), []fetcher.Fetcher{f}, nil, nil)

	tk := newTask(domain.PlatformVideoPlatform)
	results, _ := c.Dispatch(context.Background(), []task.ScrapingTask{tk}, 2)
	if results[0].Status != domain.ScrapeStatusFailed || results[0].Attempts != 1 {
		t.Fatalf("got status %s attempts %d, want failed after 1", results[0].Status, results[0].Attempts)
	}
}

func TestDispatchIsolatesFailingTask(t *testing.T) {
	tasks := []task.ScrapingTask{
		newTask(domain.PlatformMarketplace),
		newTask(domain.PlatformMarketplace),
		newTask(domain.PlatformMarketplace),
	}
	broken := tasks[1].TaskID
	f := newScripted(domain.PlatformMarketplace, func(_ context.Context, t task.ScrapingTask, _ int) ([]domain.RawRecord, error) {
		if t.TaskID == broken {
			return nil, fetcher.ErrParse{Err: errors.New("layout changed")}
		}
		return records(2, t.TaskID), nil
	})
	sink := &memorySink{}
	c := New(testOptions(), []fetcher.Fetcher{f}, sink, nil)

	results, err := c.Dispatch(context.Background(), tasks, 3)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}

	got := byID(results)
	for _, tk := range tasks {
		r, ok := got[tk.TaskID]
		if !ok {
			t.Fatalf("missing result for %s", tk.TaskID)
		}
		if tk.TaskID == broken {
			if r.Status != domain.ScrapeStatusFailed {
				t.Fatalf("broken task status = %s", r.Status)
			}
			continue
		}
		if r.Status != domain.ScrapeStatusSuccess || len(r.RawRecords) != 2 {
			t.Fatalf("healthy task status %s records %d", r.Status, len(r.RawRecords))
		}
	}

	entries := sink.snapshot()
	if len(entries) != 3 {
		t.Fatalf("log entries = %d, want 3", len(entries))
	}
	for _, e := range entries {
		if e.RecordsSaved != 0 {
			t.Fatalf("records_saved must be 0 at dispatch time")
		}
		if e.TaskID == broken && e.ErrorMessage == "" {
			t.Fatalf("failed task log must carry its error")
		}
	}
}

func TestDispatchPartialFailureKeepsRecords(t *testing.T) {
	f := newScripted(domain.PlatformMarketplace, func(context.Context, task.ScrapingTask, int) ([]domain.RawRecord, error) {
		return records(2, "page1"), fetcher.ErrParse{Err: errors.New("page 2 unreadable")}
	})
	c := New(testOptions(), []fetcher.Fetcher{f}, nil, nil)

	results, _ := c.Dispatch(context.Background(), []task.ScrapingTask{newTask(domain.PlatformMarketplace)}, 1)
	r := results[0]
	if r.Status != domain.ScrapeStatusPartialFailure || len(r.RawRecords) != 2 || r.Attempts != 1 {
		t.Fatalf("got %s with %d records after %d attempts", r.Status, len(r.RawRecords), r.Attempts)
	}
}

func TestDispatchRetriesKeepMostProductiveAttempt(t *testing.T) {
	f := newScripted(domain.PlatformMarketplace, func(_ context.Context, _ task.ScrapingTask, call int) ([]domain.RawRecord, error) {
		sizes := map[int]int{1: 3, 2: 1, 3: 0}
		return records(sizes[call], fmt.Sprintf("call%d", call)), fetcher.ErrRateLimited{Err: errors.New("429")}
	})
	c := New(testOptions(), []fetcher.Fetcher{f}, nil, nil)

	results, _ := c.Dispatch(context.Background(), []task.ScrapingTask{newTask(domain.PlatformMarketplace)}, 1)
	r := results[0]
	if r.Status != domain.ScrapeStatusPartialFailure || r.Attempts != 3 {
		t.Fatalf("got %s after %d attempts", r.Status, r.Attempts)
	}
	if len(r.RawRecords) != 3 || r.RawRecords[0].Title != "call1-0" {
		t.Fatalf("expected records of first attempt, got %+v", r.RawRecords)
	}
}

func TestDispatchSucceedsAfterRetry(t *testing.T) {
	f := newScripted(domain.PlatformMarketplace, func(_ context.Context, _ task.ScrapingTask, call int) ([]domain.RawRecord, error) {
		if call == 1 {
			return records(1, "partial"), fetcher.ErrNetwork{Err: errors.New("reset")}
		}
		return records(4, "full"), nil
	})
	c := New(testOptions(), []fetcher.Fetcher{f}, nil, nil)

	results, _ := c.Dispatch(context.Background(), []task.ScrapingTask{newTask(domain.PlatformMarketplace)}, 1)
	r := results[0]
	if r.Status != domain.ScrapeStatusSuccess || r.Attempts != 2 || len(r.RawRecords) != 4 || r.Err != nil {
		t.Fatalf("got %s attempts %d records %d err %v", r.Status, r.Attempts, len(r.RawRecords), r.Err)
	}
}

func TestDispatchTimeoutIsRetryable(t *testing.T) {
	f := newScripted(domain.PlatformMarketplace, func(ctx context.Context, _ task.ScrapingTask, _ int) ([]domain.RawRecord, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	opts := testOptions()
	opts.MaxRetries = 2
	opts.TaskTimeout = 30 * time.Millisecond
	c := New(opts, []fetcher.Fetcher{f}, nil, nil)

	results, _ := c.Dispatch(context.Background(), []task.ScrapingTask{newTask(domain.PlatformMarketplace)}, 1)
	r := results[0]
	if r.Status != domain.ScrapeStatusFailed || r.Attempts != 2 {
		t.Fatalf("got %s after %d attempts, want failed after 2", r.Status, r.Attempts)
	}
	if fetcher.ErrorTypeLabel(r.Err) != "timeout" {
		t.Fatalf("expected timeout error, got %v", r.Err)
	}
}

// slowFetcher yields n records, sleeping before each, and never looks at
// its context.
type slowFetcher struct {
	n     int
	delay time.Duration
	calls atomic.Int32
}

func (f *slowFetcher) Platform() domain.Platform {
	return domain.PlatformMarketplace
}

func (f *slowFetcher) Fetch(_ context.Context, _ task.ScrapingTask) iter.Seq2[domain.RawRecord, error] {
	return func(yield func(domain.RawRecord, error) bool) {
		f.calls.Add(1)
		for _, rec := range records(f.n, "slow") {
			time.Sleep(f.delay)
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func TestDispatchTimeoutEnforcedWhenFetcherIgnoresContext(t *testing.T) {
	f := &slowFetcher{n: 6, delay: 50 * time.Millisecond}
	opts := testOptions()
	opts.MaxRetries = 1
	opts.TaskTimeout = 100 * time.Millisecond
	c := New(opts, []fetcher.Fetcher{f}, nil, nil)

	start := time.Now()
	results, err := c.Dispatch(context.Background(), []task.ScrapingTask{newTask(domain.PlatformMarketplace)}, 1)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("attempt ran %v past a 100ms timeout", elapsed)
	}
	r := results[0]
	if r.Status == domain.ScrapeStatusSuccess {
		t.Fatalf("attempt over the timeout reported success with %d records", len(r.RawRecords))
	}
	if fetcher.ErrorTypeLabel(r.Err) != "timeout" || !fetcher.IsRetryable(r.Err) {
		t.Fatalf("expected retryable timeout error, got %v", r.Err)
	}
	if len(r.RawRecords) == 0 || len(r.RawRecords) >= 6 {
		t.Fatalf("records = %d, want the ones yielded before the deadline", len(r.RawRecords))
	}
}

func TestDispatchTimeoutRetriesSlowFetcher(t *testing.T) {
	f := &slowFetcher{n: 4, delay: 40 * time.Millisecond}
	opts := testOptions()
	opts.MaxRetries = 2
	opts.TaskTimeout = 60 * time.Millisecond
	c := New(opts, []fetcher.Fetcher{f}, nil, nil)

	results, _ := c.Dispatch(context.Background(), []task.ScrapingTask{newTask(domain.PlatformMarketplace)}, 1)
	r := results[0]
	if r.Attempts != 2 || f.calls.Load() != 2 {
		t.Fatalf("attempts = %d, fetch calls = %d, want 2", r.Attempts, f.calls.Load())
	}
	if r.Status != domain.ScrapeStatusPartialFailure {
		t.Fatalf("status = %s, want partial_failure", r.Status)
	}
}

func TestDispatchCancellationKeepsYieldedRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newScripted(domain.PlatformMarketplace, func(context.Context, task.ScrapingTask, int) ([]domain.RawRecord, error) {
		cancel()
		return records(3, "page"), nil
	})
	c := New(testOptions(), []fetcher.Fetcher{f}, nil, nil)

	results, _ := c.Dispatch(ctx, []task.ScrapingTask{newTask(domain.PlatformMarketplace)}, 1)
	r := results[0]
	if r.Status != domain.ScrapeStatusPartialFailure || !errors.Is(r.Err, ErrCancelled) {
		t.Fatalf("got status %s err %v", r.Status, r.Err)
	}
	if len(r.RawRecords) != 1 || r.RawRecords[0].Title != "page-0" {
		t.Fatalf("records = %+v, want the first yielded record only", r.RawRecords)
	}
	if r.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", r.Attempts)
	}
}

func TestDispatchCancellationFinishesInFlightAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks := []task.ScrapingTask{
		newTask(domain.PlatformMarketplace),
		newTask(domain.PlatformMarketplace),
		newTask(domain.PlatformMarketplace),
	}
	first := tasks[0].TaskID

	f := newScripted(domain.PlatformMarketplace, func(fetchCtx context.Context, t task.ScrapingTask, _ int) ([]domain.RawRecord, error) {
		if t.TaskID == first {
			cancel()
			// The attempt context is detached from dispatch cancellation.
			if fetchCtx.Err() != nil {
				return nil, fetchCtx.Err()
			}
		}
		return nil, nil
	})
	sink := &memorySink{}
	c := New(testOptions(), []fetcher.Fetcher{f}, sink, nil)

	results, err := c.Dispatch(ctx, tasks, 1)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}

	got := byID(results)
	if got[first].Status != domain.ScrapeStatusSuccess {
		t.Fatalf("in-flight task status = %s (%v)", got[first].Status, got[first].Err)
	}
	for _, tk := range tasks[1:] {
		r := got[tk.TaskID]
		if r.Status != domain.ScrapeStatusFailed || !errors.Is(r.Err, ErrCancelled) || r.Attempts != 0 {
			t.Fatalf("queued task: status %s attempts %d err %v", r.Status, r.Attempts, r.Err)
		}
		if f.callCount(tk.TaskID) != 0 {
			t.Fatalf("queued task must not start after cancellation")
		}
	}
	if len(sink.snapshot()) != 3 {
		t.Fatalf("every terminal task must be logged")
	}
}

func TestDispatchCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newScripted(domain.PlatformMarketplace, func(context.Context, task.ScrapingTask, int) ([]domain.RawRecord, error) {
		cancel()
		return nil, fetcher.ErrNetwork{Err: errors.New("reset")}
	})
	opts := testOptions()
	opts.BaseDelay = time.Second
	c := New(opts, []fetcher.Fetcher{f}, nil, nil)

	start := time.Now()
	results, _ := c.Dispatch(ctx, []task.ScrapingTask{newTask(domain.PlatformMarketplace)}, 1)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("backoff was not interrupted by cancellation")
	}
	r := results[0]
	if r.Attempts != 1 || r.Status != domain.ScrapeStatusFailed || !errors.Is(r.Err, ErrCancelled) {
		t.Fatalf("got status %s attempts %d err %v", r.Status, r.Attempts, r.Err)
	}
}

func TestDispatchRespectsPlatformLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	f := newScripted(domain.PlatformMarketplace, func(context.Context, task.ScrapingTask, int) ([]domain.RawRecord, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return records(1, "x"), nil
	})
	opts := testOptions()
	opts.PlatformLimits = map[domain.Platform]int{domain.PlatformMarketplace: 1}
	c := New(opts, []fetcher.Fetcher{f}, nil, nil)

	tasks := make([]task.ScrapingTask, 4)
	for i := range tasks {
		tasks[i] = newTask(domain.PlatformMarketplace)
	}
	results, _ := c.Dispatch(context.Background(), tasks, 4)
	if len(results) != 4 {
		t.Fatalf("results = %d, want 4", len(results))
	}
	if got := peak.Load(); got != 1 {
		t.Fatalf("peak concurrent marketplace fetches = %d, want 1", got)
	}
}

func TestDispatchRejectsMalformedAndUnknownPlatform(t *testing.T) {
	f := newScripted(domain.PlatformMarketplace, func(context.Context, task.ScrapingTask, int) ([]domain.RawRecord, error) {
		return records(1, "x"), nil
	})
	c := New(testOptions(), []fetcher.Fetcher{f}, nil, nil)

	malformed := newTask(domain.PlatformMarketplace)
	malformed.MaxPages = 0
	unknown := newTask(domain.PlatformVideoPlatform)

	results, _ := c.Dispatch(context.Background(), []task.ScrapingTask{malformed, unknown}, 2)
	got := byID(results)
	if r := got[malformed.TaskID]; r.Status != domain.ScrapeStatusFailed || !errors.Is(r.Err, ErrMalformedTask) || r.Attempts != 0 {
		t.Fatalf("malformed: %s %v attempts %d", r.Status, r.Err, r.Attempts)
	}
	if r := got[unknown.TaskID]; r.Status != domain.ScrapeStatusFailed || !errors.Is(r.Err, ErrNoFetcher) {
		t.Fatalf("unknown platform: %s %v", r.Status, r.Err)
	}
}

func TestDispatchRecoversFetcherPanic(t *testing.T) {
	f := newScripted(domain.PlatformMarketplace, func(context.Context, task.ScrapingTask, int) ([]domain.RawRecord, error) {
		panic("selector exploded")
	})
	c := New(testOptions(), []fetcher.Fetcher{f}, nil, nil)

	tk := newTask(domain.PlatformMarketplace)
	results, _ := c.Dispatch(context.Background(), []task.ScrapingTask{tk}, 1)
	if results[0].Status != domain.ScrapeStatusFailed || f.callCount(tk.TaskID) != 1 {
		t.Fatalf("panic must fail the task without retry: %+v", results[0])
	}
}

func TestDispatchLogFailureIsNotFatal(t *testing.T) {
	f := newScripted(domain.PlatformMarketplace, func(context.Context, task.ScrapingTask, int) ([]domain.RawRecord, error) {
		return records(1, "x"), nil
	})
	c := New(testOptions(), []fetcher.Fetcher{f}, &memorySink{fail: true}, nil)

	results, err := c.Dispatch(context.Background(), []task.ScrapingTask{newTask(domain.PlatformMarketplace)}, 1)
	if err != nil || results[0].Status != domain.ScrapeStatusSuccess {
		t.Fatalf("log sink failure leaked into result: %v %+v", err, results)
	}
}
