package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"apparel/catalog/internal/config"
	"apparel/catalog/internal/domain"
	"apparel/catalog/internal/domain/task"
	"apparel/catalog/internal/fetcher"
	"apparel/catalog/internal/metrics"

	log "github.com/sirupsen/logrus"
)

var (
	ErrInvalidConcurrency = errors.New("concurrency limit must be > 0")
	ErrInvalidRetries     = errors.New("max retries must be >= 1")
	ErrMalformedTask      = errors.New("malformed task")
	ErrNoFetcher          = errors.New("no fetcher registered for platform")
	ErrCancelled          = errors.New("dispatch cancelled")
)

const logWriteTimeout = 10 * time.Second

// LogSink receives one scrape log row per finished task.
type LogSink interface {
	AppendScrapeLog(ctx context.Context, entry domain.ScrapeLogEntry) (int64, error)
}

type Options struct {
	PlatformLimits map[domain.Platform]int // 0 or missing means no cap
	MaxRetries     int                     // total attempts per task
	BaseDelay      time.Duration
	MaxRetryDelay  time.Duration
	TaskTimeout    time.Duration
}

func OptionsFromConfig(cfg config.CoordinatorConfig) Options {
	limits := make(map[domain.Platform]int, len(cfg.PlatformLimits))
	for name, limit := range cfg.PlatformLimits {
		limits[domain.Platform(name)] = limit
	}
	return Options{
		PlatformLimits: limits,
		MaxRetries:     cfg.MaxRetries,
		BaseDelay:      cfg.BaseDelay,
		MaxRetryDelay:  cfg.MaxRetryDelay,
		TaskTimeout:    cfg.TaskTimeout,
	}
}

// Coordinator runs scraping tasks against their platform fetchers.
type Coordinator struct {
	fetchers map[domain.Platform]fetcher.Fetcher
	opts     Options
	sink     LogSink
	metrics  *metrics.Metrics
}

func New(opts Options, fetchers []fetcher.Fetcher, sink LogSink, m *metrics.Metrics) *Coordinator {
	byPlatform := make(map[domain.Platform]fetcher.Fetcher, len(fetchers))
	for _, f := range fetchers {
		byPlatform[f.Platform()] = f
	}
	return &Coordinator{
		fetchers: byPlatform,
		opts:     opts,
		sink:     sink,
		metrics:  m,
	}
}

// Dispatch runs every task to a terminal state and returns one result per
// task in completion order. The error is non-nil only for invalid
// arguments, in which case no task is started.
//
// Cancelling ctx lets attempts already talking to a platform finish their
// current request; no new attempt, retry or queued task starts afterwards.
// An attempt stops consuming at the next record after cancellation, so
// records of a page the fetcher has not yielded yet are dropped; records
// already yielded are kept and the task ends partial_failure. Tasks that
// never started are reported failed with ErrCancelled.
func (c *Coordinator) Dispatch(ctx context.Context, tasks []task.ScrapingTask, concurrencyLimit int) ([]task.TaskResult, error) {
	if concurrencyLimit <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidConcurrency, concurrencyLimit)
	}
	if c.opts.MaxRetries < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidRetries, c.opts.MaxRetries)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	queue := make(chan task.ScrapingTask, len(tasks))
	for _, t := range tasks {
		queue <- t
	}
	close(queue)

	slots := make(map[domain.Platform]chan struct{}, len(c.opts.PlatformLimits))
	for platform, limit := range c.opts.PlatformLimits {
		if limit > 0 {
			slots[platform] = make(chan struct{}, limit)
		}
	}

	results := make(chan task.TaskResult, len(tasks))
	workers := min(concurrencyLimit, len(tasks))

	log.Infof("🚀 Dispatching %d tasks on %d workers", len(tasks), workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range queue {
				result := c.runTask(ctx, t, slots[t.Platform])
				c.writeLog(ctx, result)
				results <- result
			}
		}()
	}

	wg.Wait()
	close(results)

	out := make([]task.TaskResult, 0, len(tasks))
	for r := range results {
		out = append(out, r)
	}
	return out, nil
}

func (c *Coordinator) runTask(ctx context.Context, t task.ScrapingTask, slot chan struct{}) task.TaskResult {
	run := newTaskRun(t)

	if err := ctx.Err(); err != nil {
		return run.fail(fmt.Errorf("%w before start: %v", ErrCancelled, err))
	}
	if err := t.Validate(); err != nil {
		return run.fail(fmt.Errorf("%w: %v", ErrMalformedTask, err))
	}
	f, ok := c.fetchers[t.Platform]
	if !ok {
		return run.fail(fmt.Errorf("%w %s", ErrNoFetcher, t.Platform))
	}

	if slot != nil {
		select {
		case slot <- struct{}{}:
			defer func() { <-slot }()
		case <-ctx.Done():
			return run.fail(fmt.Errorf("%w while waiting for a %s slot", ErrCancelled, t.Platform))
		}
	}

	entry := log.WithFields(log.Fields{"task_id": t.TaskID, "platform": t.Platform})

	for !run.state.terminal() {
		switch run.state {
		case statePending:
			run.state = stateAttempting

		case stateAttempting:
			c.metrics.IncAttempt(t.Platform.String())
			records, err := c.attempt(ctx, f, t)
			run.finishAttempt(records, err)
			c.metrics.AddRecordsFetched(t.Platform.String(), len(records))

			switch {
			case err == nil:
				run.state = stateSucceeded
			case errors.Is(err, ErrCancelled):
				run.state = stateFailed
			case !fetcher.IsRetryable(err):
				c.metrics.IncFetchError(t.Platform.String(), fetcher.ErrorTypeLabel(err))
				entry.Warnf("❌ Attempt %d failed permanently: %v", run.attempts, err)
				run.state = stateFailed
			case run.attempts >= c.opts.MaxRetries:
				c.metrics.IncFetchError(t.Platform.String(), fetcher.ErrorTypeLabel(err))
				entry.Warnf("❌ Attempt %d failed, retries exhausted: %v", run.attempts, err)
				run.state = stateFailed
			default:
				c.metrics.IncFetchError(t.Platform.String(), fetcher.ErrorTypeLabel(err))
				run.state = stateRetryScheduled
			}

		case stateRetryScheduled:
			delay := c.backoff(run.attempts)
			entry.Infof("🔄 Attempt %d failed (%v), retrying in %v", run.attempts, run.err, delay)
			c.metrics.IncRetry(t.Platform.String())
			if err := sleep(ctx, delay); err != nil {
				run.err = errors.Join(fmt.Errorf("%w during retry backoff", ErrCancelled), run.err)
				run.state = stateFailed
				continue
			}
			run.state = stateAttempting
		}
	}

	result := run.result()
	c.metrics.ObserveTask(t.Platform.String(), result.Status.String(), result.Duration)
	entry.WithFields(log.Fields{
		"status":   result.Status,
		"records":  len(result.RawRecords),
		"attempts": result.Attempts,
	}).Info("✅ Task finished")
	return result
}

// attempt drains one fetch sequence. The fetch runs on a context detached
// from dispatch cancellation and bounded by the task timeout, so a request
// in flight is never cut short by cancellation; consumption stops at the
// next record once ctx is cancelled. Passing the task timeout between
// records fails the attempt even when the fetcher ignores its context.
func (c *Coordinator) attempt(ctx context.Context, f fetcher.Fetcher, t task.ScrapingTask) (records []domain.RawRecord, err error) {
	var (
		detached   = context.WithoutCancel(ctx)
		attemptCtx context.Context
		cancel     context.CancelFunc
	)
	if c.opts.TaskTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(detached, c.opts.TaskTimeout)
	} else {
		attemptCtx, cancel = context.WithCancel(detached)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetcher panic: %v", r)
		}
	}()

	for rec, ferr := range f.Fetch(attemptCtx, t) {
		if ferr != nil {
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !fetcher.IsRetryable(ferr) {
				ferr = fetcher.ErrTimeout{Err: ferr}
			}
			return records, ferr
		}
		records = append(records, rec)
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return records, fetcher.ErrTimeout{Err: fmt.Errorf("task timeout %v exceeded after %d records: %w", c.opts.TaskTimeout, len(records), attemptCtx.Err())}
		}
		if ctx.Err() != nil {
			return records, fmt.Errorf("%w after %d records", ErrCancelled, len(records))
		}
	}
	return records, nil
}

// backoff returns the wait before the attempt following attempt n.
func (c *Coordinator) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 32 {
		return c.opts.MaxRetryDelay
	}
	delay := c.opts.BaseDelay * time.Duration(1<<(n-1))
	if c.opts.MaxRetryDelay > 0 && (delay > c.opts.MaxRetryDelay || delay < 0) {
		delay = c.opts.MaxRetryDelay
	}
	return delay
}

func (c *Coordinator) writeLog(ctx context.Context, result task.TaskResult) {
	if c.sink == nil {
		return
	}
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
	defer cancel()

	if _, err := c.sink.AppendScrapeLog(logCtx, result.LogEntry()); err != nil {
		log.WithField("task_id", result.TaskID).Errorf("❌ Failed to write scrape log: %v", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
