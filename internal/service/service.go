package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"apparel/catalog/internal/config"
	"apparel/catalog/internal/coordinator"
	"apparel/catalog/internal/domain"
	"apparel/catalog/internal/domain/task"
	"apparel/catalog/internal/export"
	"apparel/catalog/internal/integrator"
	"apparel/catalog/internal/metrics"
	"apparel/catalog/internal/queue"
	"apparel/catalog/internal/repository"
	"apparel/catalog/internal/state"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReplayLimit = 50
	bookkeepingTimeout = 30 * time.Second
)

type Dispatcher interface {
	Dispatch(ctx context.Context, tasks []task.ScrapingTask, concurrencyLimit int) ([]task.TaskResult, error)
}

type Integrator interface {
	Integrate(ctx context.Context, raw []domain.RawRecord) (integrator.Result, error)
}

type Store interface {
	UpsertProductOutcome(ctx context.Context, p domain.Product) (repository.UpsertOutcome, error)
	AddHotComment(ctx context.Context, c domain.HotComment) (int64, error)
	CleanupPriceHistory(ctx context.Context, before time.Time) (int64, error)
	CreateBackup(ctx context.Context, destination string) (string, error)
}

type TaskQueue interface {
	AddTask(ctx context.Context, t task.Task) (string, error)
	ClaimFailedTasks(ctx context.Context, consumer string, limit int) ([]queue.ClaimedTask, error)
	AckFailedTasks(ctx context.Context, msgIDs ...string) error
}

// PlatformPlan is what one cycle collects from a platform.
type PlatformPlan struct {
	Platform   domain.Platform
	Categories []string
	Keywords   []string
	MaxPages   int
}

type Options struct {
	ConcurrencyLimit int
	PersistWorkers   int
	MinRerunInterval time.Duration
	Consumer         string
	ReplayLimit      int
	ExportDir        string // empty disables export
	BackupDir        string // empty disables backups
	BackupRetention  time.Duration
	HistoryRetention time.Duration
}

func OptionsFromConfig(cfg *config.Config, consumer string) Options {
	opts := Options{
		ConcurrencyLimit: cfg.Coordinator.ConcurrencyLimit,
		PersistWorkers:   cfg.Database.PersistWorkers,
		MinRerunInterval: cfg.Coordinator.MinRerunInterval,
		Consumer:         consumer,
		ReplayLimit:      defaultReplayLimit,
		ExportDir:        cfg.Export.Dir,
		HistoryRetention: cfg.Database.HistoryRetention,
	}
	if cfg.Backup.Enabled {
		opts.BackupDir = cfg.Backup.Dir
		opts.BackupRetention = time.Duration(cfg.Backup.RetentionDays) * 24 * time.Hour
	}
	return opts
}

// PlansFromConfig returns one plan per enabled platform.
func PlansFromConfig(cfg *config.Config) []PlatformPlan {
	var plans []PlatformPlan
	for _, p := range []struct {
		platform domain.Platform
		cfg      config.PlatformConfig
	}{
		{domain.PlatformMarketplace, cfg.Marketplace},
		{domain.PlatformVideoPlatform, cfg.VideoPlatform},
	} {
		if !p.cfg.Enabled {
			continue
		}
		plans = append(plans, PlatformPlan{
			Platform:   p.platform,
			Categories: p.cfg.Categories,
			Keywords:   p.cfg.Keywords,
			MaxPages:   p.cfg.MaxPages,
		})
	}
	return plans
}

type Service struct {
	opts         Options
	plans        []PlatformPlan
	dispatcher   Dispatcher
	integrator   Integrator
	store        Store
	queue        TaskQueue
	stateManager state.StateManager
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewService(
	opts Options,
	plans []PlatformPlan,
	dispatcher Dispatcher,
	integrator Integrator,
	store Store,
	queue TaskQueue,
	stateManager state.StateManager,
	m *metrics.Metrics,
) *Service {
	if opts.PersistWorkers < 1 {
		opts.PersistWorkers = 1
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = defaultReplayLimit
	}
	return &Service{
		opts:         opts,
		plans:        plans,
		dispatcher:   dispatcher,
		integrator:   integrator,
		store:        store,
		queue:        queue,
		stateManager: stateManager,
		metrics:      m,
		now:          time.Now,
	}
}

// RunCycle collects, integrates and stores one round of listings. Record
// level failures end up in the report. The error is set when the cycle
// could not finish: ctx was cancelled, dispatch was rejected or the store
// ran out of connections.
func (s *Service) RunCycle(ctx context.Context) (*CycleReport, error) {
	started := s.now()
	report := newCycleReport(started)
	defer func() {
		report.Duration = s.now().Sub(started)
		s.metrics.ObserveCycle(report.Duration)
		report.log()
	}()

	claimed := s.claimReplays(ctx)
	tasks, replays := s.replayTasks(claimed)
	report.Replayed = len(tasks)

	fresh, skipped := s.buildTasks(ctx, started, tasks)
	tasks = append(tasks, fresh...)
	report.Skipped = skipped
	report.Tasks = len(tasks)

	if len(tasks) == 0 {
		log.Info("😴 Nothing to collect this cycle")
		return report, nil
	}

	results, err := s.dispatcher.Dispatch(ctx, tasks, s.opts.ConcurrencyLimit)
	if err != nil {
		return report, fmt.Errorf("failed to dispatch tasks: %w", err)
	}

	raw := report.addResults(results)
	s.bookkeep(ctx, results, replays, claimed)

	integrated, err := s.integrator.Integrate(ctx, raw)
	if err != nil {
		return report, fmt.Errorf("failed to integrate records: %w", err)
	}
	report.Quality = integrated.Report
	report.Persist.Rejected = len(integrated.Rejected)

	persistErr := s.persist(ctx, integrated.Accepted, &report.Persist)

	if s.opts.ExportDir != "" {
		files, err := export.WriteProducts(s.opts.ExportDir, started, integrated.Accepted)
		if err != nil {
			log.Errorf("❌ Failed to export products: %v", err)
		} else {
			report.Export = files
			log.Infof("📤 Exported %d products to %s", files.Count, files.CSV)
		}
	}

	if persistErr != nil {
		return report, persistErr
	}
	s.maintain(ctx, started, report)
	return report, nil
}

func (s *Service) claimReplays(ctx context.Context) []queue.ClaimedTask {
	claimed, err := s.queue.ClaimFailedTasks(ctx, s.opts.Consumer, s.opts.ReplayLimit)
	if err != nil {
		log.Warnf("⚠️ Failed to read failed tasks, continuing without replays: %v", err)
		return nil
	}
	if len(claimed) > 0 {
		log.Infof("🔁 Replaying %d failed tasks", len(claimed))
	}
	return claimed
}

// replayTasks gives every replay a fresh task id and returns the replay
// count per new id.
func (s *Service) replayTasks(claimed []queue.ClaimedTask) ([]task.ScrapingTask, map[string]int) {
	tasks := make([]task.ScrapingTask, 0, len(claimed))
	replays := make(map[string]int, len(claimed))
	for _, c := range claimed {
		t := task.NewScrapingTask(c.Failed.Task.Platform, c.Failed.Task.Categories, c.Failed.Task.Keywords, c.Failed.Task.MaxPages)
		tasks = append(tasks, t)
		replays[t.TaskID] = c.Failed.ReplayCount + 1
	}
	return tasks, replays
}

// buildTasks makes one task per platform category, skipping categories
// collected within MinRerunInterval and categories already being replayed.
func (s *Service) buildTasks(ctx context.Context, now time.Time, replayed []task.ScrapingTask) ([]task.ScrapingTask, int) {
	covered := make(map[string]bool, len(replayed))
	for _, t := range replayed {
		covered[t.Platform.String()+"|"+t.CategoryLabel()] = true
	}

	var (
		tasks   []task.ScrapingTask
		skipped int
	)
	for _, plan := range s.plans {
		if len(plan.Categories) == 0 && len(plan.Keywords) > 0 {
			t := task.NewScrapingTask(plan.Platform, nil, plan.Keywords, plan.MaxPages)
			if !covered[plan.Platform.String()+"|"+t.CategoryLabel()] {
				tasks = append(tasks, t)
			}
			continue
		}
		for _, category := range plan.Categories {
			if covered[plan.Platform.String()+"|"+category] {
				continue
			}
			if s.ranRecently(ctx, plan.Platform, category, now) {
				skipped++
				continue
			}
			tasks = append(tasks, task.NewScrapingTask(plan.Platform, []string{category}, plan.Keywords, plan.MaxPages))
		}
	}
	return tasks, skipped
}

func (s *Service) ranRecently(ctx context.Context, platform domain.Platform, category string, now time.Time) bool {
	if s.opts.MinRerunInterval <= 0 {
		return false
	}
	last, err := s.stateManager.GetLastRun(ctx, platform, category)
	if err != nil {
		log.Warnf("⚠️ Failed to read last run for %s/%s: %v", platform, category, err)
		return false
	}
	if !last.IsZero() && now.Sub(last) < s.opts.MinRerunInterval {
		log.WithFields(log.Fields{
			"platform": platform,
			"category": category,
			"last_run": last.Format(time.RFC3339),
		}).Info("⏭️ Skipping recently collected category")
		return true
	}
	return false
}

// bookkeep queues failed tasks for replay, acks the replays taken this
// cycle and records successful runs. It runs detached from ctx so a
// shutdown does not lose failed tasks.
func (s *Service) bookkeep(ctx context.Context, results []task.TaskResult, replays map[string]int, claimed []queue.ClaimedTask) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	for _, r := range results {
		switch r.Status {
		case domain.ScrapeStatusFailed:
			replayCount := replays[r.TaskID]
			if errors.Is(r.Err, coordinator.ErrCancelled) && replayCount > 0 {
				replayCount-- // never attempted
			}
			failed := &task.FailedTask{
				Task:        r.Task,
				Attempts:    r.Attempts,
				ReplayCount: replayCount,
				Error:       r.ErrorMessage(),
				FailedAt:    r.CompletedAt,
			}
			if _, err := s.queue.AddTask(bctx, failed); err != nil {
				log.WithField("task_id", r.TaskID).Errorf("❌ Failed to queue failed task: %v", err)
			}
		case domain.ScrapeStatusSuccess:
			for _, category := range r.Task.Categories {
				if err := s.stateManager.SetLastRun(bctx, r.Task.Platform, category, r.CompletedAt); err != nil {
					log.Warnf("⚠️ Failed to record last run for %s/%s: %v", r.Task.Platform, category, err)
				}
			}
		}
	}

	ids := make([]string, len(claimed))
	for i, c := range claimed {
		ids[i] = c.MessageID
	}
	if err := s.queue.AckFailedTasks(bctx, ids...); err != nil {
		log.Errorf("❌ Failed to ack replayed tasks: %v", err)
	}
}

// persist upserts products on PersistWorkers goroutines. A pool exhaustion
// stops the phase; every other store error only fails its record.
func (s *Service) persist(ctx context.Context, products []domain.Product, summary *PersistSummary) error {
	var mu sync.Mutex
	count := func(fn func()) {
		mu.Lock()
		fn()
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.PersistWorkers)

	for _, p := range products {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			outcome, err := s.store.UpsertProductOutcome(gctx, p)
			switch {
			case errors.Is(err, repository.ErrPoolExhausted):
				return err
			case err != nil && gctx.Err() != nil:
				return nil
			case err != nil:
				count(func() { summary.Failed++ })
				log.WithFields(log.Fields{
					"product_id": p.ProductID,
					"platform":   p.Platform,
				}).Errorf("❌ Failed to save product: %v", err)
				return nil
			}

			saved := s.saveComments(gctx, p)
			count(func() {
				summary.add(outcome)
				summary.CommentsSaved += saved
			})
			return nil
		})
	}

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		summary.Aborted = err.Error()
		summary.SavedBeforeAbort = summary.Saved()
		log.Errorf("🛑 Persisting stopped after %d of %d products: %v", summary.SavedBeforeAbort, len(products), err)
		return fmt.Errorf("failed to persist products: %w", err)
	}
	return nil
}

func (s *Service) saveComments(ctx context.Context, p domain.Product) int {
	saved := 0
	for _, c := range p.HotComments {
		c.ProductID = p.ProductID
		if _, err := s.store.AddHotComment(ctx, c); err != nil {
			log.WithField("product_id", p.ProductID).Warnf("⚠️ Failed to save hot comment: %v", err)
			continue
		}
		saved++
	}
	return saved
}

// maintain trims price history and rotates backups. Failures are logged.
func (s *Service) maintain(ctx context.Context, now time.Time, report *CycleReport) {
	if s.opts.HistoryRetention > 0 {
		removed, err := s.store.CleanupPriceHistory(ctx, now.Add(-s.opts.HistoryRetention))
		if err != nil {
			log.Errorf("❌ Failed to clean up price history: %v", err)
		} else if removed > 0 {
			log.Infof("🧹 Removed %d price history entries", removed)
		}
	}

	if s.opts.BackupDir == "" {
		return
	}
	path, err := s.store.CreateBackup(ctx, filepath.Clean(s.opts.BackupDir)+string(os.PathSeparator))
	if err != nil {
		log.Errorf("❌ Failed to create backup: %v", err)
		return
	}
	report.BackupPath = path

	if s.opts.BackupRetention > 0 {
		removed, err := repository.PruneBackups(s.opts.BackupDir, s.opts.BackupRetention, now)
		if err != nil {
			log.Errorf("❌ Failed to prune backups: %v", err)
		} else if len(removed) > 0 {
			log.Infof("🧹 Pruned %d old backups", len(removed))
		}
	}
}
