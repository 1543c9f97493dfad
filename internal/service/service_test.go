package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"apparel/catalog/internal/domain"
	"apparel/catalog/internal/domain/task"
	"apparel/catalog/internal/integrator"
	"apparel/catalog/internal/queue"
	"apparel/catalog/internal/repository"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []task.ScrapingTask
	run   func(t task.ScrapingTask) task.TaskResult
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, tasks []task.ScrapingTask, limit int) ([]task.TaskResult, error) {
	d.mu.Lock()
	d.tasks = append(d.tasks, tasks...)
	d.mu.Unlock()

	results := make([]task.TaskResult, 0, len(tasks))
	for _, t := range tasks {
		r := d.run(t)
		r.TaskID = t.TaskID
		r.Task = t
		if r.CompletedAt.IsZero() {
			r.CompletedAt = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		}
		results = append(results, r)
	}
	return results, nil
}

type fakeStore struct {
	mu        sync.Mutex
	calls     int
	products  map[string]domain.Product
	comments  []domain.HotComment
	failOn    map[string]error
	exhaustAt int // 1-based call that returns ErrPoolExhausted, 0 = never
	backups   []string
	cleanups  []time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{products: make(map[string]domain.Product), failOn: make(map[string]error)}
}

func (s *fakeStore) UpsertProductOutcome(ctx context.Context, p domain.Product) (repository.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.exhaustAt > 0 && s.calls >= s.exhaustAt {
		return "", &repository.OpError{Op: "upsert_product", Err: repository.ErrPoolExhausted}
	}
	if err, ok := s.failOn[p.Title]; ok {
		return "", err
	}
	if _, ok := s.products[p.ProductID]; ok {
		s.products[p.ProductID] = p
		return repository.UpsertUpdated, nil
	}
	s.products[p.ProductID] = p
	return repository.UpsertInserted, nil
}

func (s *fakeStore) AddHotComment(ctx context.Context, c domain.HotComment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments = append(s.comments, c)
	return int64(len(s.comments)), nil
}

func (s *fakeStore) CleanupPriceHistory(ctx context.Context, before time.Time) (int64, error) {
	s.cleanups = append(s.cleanups, before)
	return 0, nil
}

func (s *fakeStore) CreateBackup(ctx context.Context, destination string) (string, error) {
	s.backups = append(s.backups, destination)
	return destination + "catalog-backup-test.tar.gz", nil
}

type fakeQueue struct {
	mu      sync.Mutex
	pending []queue.ClaimedTask
	added   []task.FailedTask
	acked   []string
}

func (q *fakeQueue) AddTask(ctx context.Context, t task.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	failed, ok := t.(*task.FailedTask)
	if !ok {
		return "", fmt.Errorf("unexpected task type %s", t.TaskType())
	}
	q.added = append(q.added, *failed)
	return fmt.Sprintf("%d-0", len(q.added)), nil
}

func (q *fakeQueue) ClaimFailedTasks(ctx context.Context, consumer string, limit int) ([]queue.ClaimedTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	claimed := q.pending
	q.pending = nil
	return claimed, nil
}

func (q *fakeQueue) AckFailedTasks(ctx context.Context, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, ids...)
	return nil
}

type fakeState struct {
	mu   sync.Mutex
	runs map[string]time.Time
}

func newFakeState() *fakeState {
	return &fakeState{runs: make(map[string]time.Time)}
}

func (s *fakeState) GetLastRun(ctx context.Context, platform domain.Platform, category string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[platform.String()+"/"+category], nil
}

func (s *fakeState) SetLastRun(ctx context.Context, platform domain.Platform, category string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[platform.String()+"/"+category] = at
	return nil
}

func listing(id, title, price string) domain.RawRecord {
	return domain.RawRecord{
		Title:      title,
		Price:      price,
		ProductURL: "https://shop.example/item/" + id,
		Platform:   domain.PlatformMarketplace,
		SourceID:   id,
		Category:   "hoodie",
		ScrapedAt:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

type harness struct {
	svc        *Service
	dispatcher *fakeDispatcher
	store      *fakeStore
	queue      *fakeQueue
	state      *fakeState
}

func newHarness(t *testing.T, opts Options, plans []PlatformPlan, run func(task.ScrapingTask) task.TaskResult) *harness {
	t.Helper()
	h := &harness{
		dispatcher: &fakeDispatcher{run: run},
		store:      newFakeStore(),
		queue:      &fakeQueue{},
		state:      newFakeState(),
	}
	if opts.ConcurrencyLimit == 0 {
		opts.ConcurrencyLimit = 2
	}
	integ := integrator.New(integrator.Options{
		PriceCeiling:   1000,
		FuzzyThreshold: 0.85,
		PriceTolerance: 0.10,
		Workers:        2,
	}, nil)
	h.svc = NewService(opts, plans, h.dispatcher, integ, h.store, h.queue, h.state, nil)
	h.svc.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

var marketplacePlan = []PlatformPlan{{
	Platform:   domain.PlatformMarketplace,
	Categories: []string{"hoodie", "tshirt"},
	MaxPages:   2,
}}

func TestRunCycle(t *testing.T) {
	h := newHarness(t, Options{PersistWorkers: 2}, marketplacePlan, func(tk task.ScrapingTask) task.TaskResult {
		if tk.Categories[0] == "tshirt" {
			return task.TaskResult{Status: domain.ScrapeStatusFailed, Err: errors.New("network error"), Attempts: 3}
		}
		dup := listing("1", "Red Hoodie", "$29.99")
		return task.TaskResult{
			Status: domain.ScrapeStatusSuccess,
			RawRecords: []domain.RawRecord{
				listing("1", "Red Hoodie", "$29.99"),
				dup,
				listing("2", "Grey Zip Hoodie", "$45.00"),
				listing("3", "Broken Hoodie", "-5"),
			},
		}
	})

	report, err := h.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Tasks != 2 {
		t.Fatalf("tasks = %d, want 2", report.Tasks)
	}
	mp := report.Platforms[domain.PlatformMarketplace]
	if mp == nil || mp.Succeeded != 1 || mp.Failed != 1 || mp.Records != 4 {
		t.Fatalf("platform summary = %+v", mp)
	}
	if report.Quality.AcceptedCount != 2 || report.Quality.DuplicatesRemoved != 1 || report.Quality.RejectedCount != 1 {
		t.Fatalf("quality = %+v", report.Quality)
	}
	if report.Persist.Inserted != 2 || report.Persist.Rejected != 1 {
		t.Fatalf("persist = %+v", report.Persist)
	}

	if len(h.queue.added) != 1 || h.queue.added[0].Task.Categories[0] != "tshirt" || h.queue.added[0].ReplayCount != 0 {
		t.Fatalf("failed tasks queued = %+v", h.queue.added)
	}
	if _, ok := h.state.runs["marketplace/hoodie"]; !ok {
		t.Fatalf("successful category must be checkpointed")
	}
	if _, ok := h.state.runs["marketplace/tshirt"]; ok {
		t.Fatalf("failed category must not be checkpointed")
	}
}

func TestRunCycleReplaysFailedTasksFirst(t *testing.T) {
	h := newHarness(t, Options{}, marketplacePlan, func(tk task.ScrapingTask) task.TaskResult {
		if tk.Categories[0] == "tshirt" {
			return task.TaskResult{Status: domain.ScrapeStatusFailed, Err: errors.New("timeout")}
		}
		return task.TaskResult{Status: domain.ScrapeStatusSuccess}
	})
	h.queue.pending = []queue.ClaimedTask{{
		MessageID: "7-0",
		Failed: task.FailedTask{
			Task:        task.ScrapingTask{TaskID: "old", Platform: domain.PlatformMarketplace, Categories: []string{"tshirt"}, MaxPages: 2},
			ReplayCount: 1,
		},
	}}

	report, err := h.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Replayed != 1 || report.Tasks != 2 {
		t.Fatalf("replayed=%d tasks=%d", report.Replayed, report.Tasks)
	}
	first := h.dispatcher.tasks[0]
	if first.Categories[0] != "tshirt" || first.TaskID == "old" {
		t.Fatalf("replay must run first with a new id, got %+v", first)
	}
	if len(h.queue.acked) != 1 || h.queue.acked[0] != "7-0" {
		t.Fatalf("acked = %v", h.queue.acked)
	}
	if len(h.queue.added) != 1 || h.queue.added[0].ReplayCount != 2 {
		t.Fatalf("requeued = %+v", h.queue.added)
	}
}

func TestRunCycleSkipsRecentlyCollected(t *testing.T) {
	h := newHarness(t, Options{MinRerunInterval: 6 * time.Hour}, marketplacePlan, func(task.ScrapingTask) task.TaskResult {
		return task.TaskResult{Status: domain.ScrapeStatusSuccess}
	})
	h.state.runs["marketplace/hoodie"] = time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	h.state.runs["marketplace/tshirt"] = time.Date(2024, 4, 30, 1, 0, 0, 0, time.UTC)

	report, err := h.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Skipped != 1 || report.Tasks != 1 || h.dispatcher.tasks[0].Categories[0] != "tshirt" {
		t.Fatalf("skipped=%d tasks=%d", report.Skipped, report.Tasks)
	}
}

func TestRunCycleNothingToDo(t *testing.T) {
	h := newHarness(t, Options{}, nil, nil)
	report, err := h.svc.RunCycle(context.Background())
	if err != nil || report.Tasks != 0 {
		t.Fatalf("report=%+v err=%v", report, err)
	}
	if len(h.dispatcher.tasks) != 0 {
		t.Fatalf("dispatcher must not be called")
	}
}

func manyListings(n int) func(task.ScrapingTask) task.TaskResult {
	return func(tk task.ScrapingTask) task.TaskResult {
		if tk.Categories[0] != "hoodie" {
			return task.TaskResult{Status: domain.ScrapeStatusSuccess}
		}
		records := make([]domain.RawRecord, n)
		titles := []string{"Red", "Blue", "Green", "Black", "White", "Yellow"}
		for i := range records {
			records[i] = listing(fmt.Sprint(i), titles[i]+" Cotton Hoodie", fmt.Sprintf("$%d.00", 20+i*10))
		}
		return task.TaskResult{Status: domain.ScrapeStatusSuccess, RawRecords: records}
	}
}

func TestPersistStopsOnPoolExhaustion(t *testing.T) {
	h := newHarness(t, Options{PersistWorkers: 1, ExportDir: t.TempDir()}, marketplacePlan, manyListings(5))
	h.store.exhaustAt = 3

	report, err := h.svc.RunCycle(context.Background())
	if !errors.Is(err, repository.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if report.Persist.SavedBeforeAbort != 2 || report.Persist.Inserted != 2 || report.Persist.Aborted == "" {
		t.Fatalf("persist = %+v", report.Persist)
	}
	if h.store.calls != 3 {
		t.Fatalf("store calls = %d, want 3", h.store.calls)
	}
	// accepted products are still exported
	if report.Export.Count != 5 {
		t.Fatalf("export = %+v", report.Export)
	}
	if len(h.store.backups) != 0 {
		t.Fatalf("no backup after an aborted cycle")
	}
}

func TestRecordFailuresDoNotAbortTheCycle(t *testing.T) {
	h := newHarness(t, Options{PersistWorkers: 3}, marketplacePlan, manyListings(4))
	h.store.failOn["Blue Cotton Hoodie"] = &repository.OpError{Op: "upsert_product", Err: repository.ErrConstraintViolation}

	report, err := h.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Persist.Inserted != 3 || report.Persist.Failed != 1 || report.Persist.Aborted != "" {
		t.Fatalf("persist = %+v", report.Persist)
	}
}

func TestHotCommentsAreSavedWithTheirProduct(t *testing.T) {
	h := newHarness(t, Options{}, marketplacePlan, func(tk task.ScrapingTask) task.TaskResult {
		if tk.Categories[0] != "hoodie" {
			return task.TaskResult{Status: domain.ScrapeStatusSuccess}
		}
		rec := listing("9", "Oversized Hoodie", "$39.00")
		rec.Comments = []domain.RawComment{{Text: "great fit", Likes: 12}, {Text: "runs small", Likes: 3}}
		return task.TaskResult{Status: domain.ScrapeStatusSuccess, RawRecords: []domain.RawRecord{rec}}
	})

	report, err := h.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Persist.CommentsSaved != 2 || len(h.store.comments) != 2 {
		t.Fatalf("comments saved = %d", report.Persist.CommentsSaved)
	}
	for _, c := range h.store.comments {
		if c.ProductID == "" {
			t.Fatalf("comment without product id: %+v", c)
		}
	}
}

func TestMaintenance(t *testing.T) {
	backupDir := t.TempDir()
	old := backupDir + string(os.PathSeparator) + "catalog-backup-20240101T000000Z.tar.gz"
	if err := os.WriteFile(old, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	stale := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, Options{
		BackupDir:        backupDir,
		BackupRetention:  30 * 24 * time.Hour,
		HistoryRetention: 24 * time.Hour,
	}, marketplacePlan, func(task.ScrapingTask) task.TaskResult {
		return task.TaskResult{Status: domain.ScrapeStatusSuccess}
	})

	report, err := h.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.store.cleanups) != 1 || !h.store.cleanups[0].Equal(time.Date(2024, 4, 30, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("cleanup cutoffs = %v", h.store.cleanups)
	}
	if len(h.store.backups) != 1 || report.BackupPath == "" {
		t.Fatalf("backups = %v", h.store.backups)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("old backup should be pruned: %v", err)
	}
}
