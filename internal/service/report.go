package service

import (
	"slices"
	"time"

	"apparel/catalog/internal/domain"
	"apparel/catalog/internal/domain/task"
	"apparel/catalog/internal/export"
	"apparel/catalog/internal/integrator"
	"apparel/catalog/internal/repository"

	log "github.com/sirupsen/logrus"
)

type PlatformSummary struct {
	Tasks     int `json:"tasks"`
	Succeeded int `json:"succeeded"`
	Partial   int `json:"partial"`
	Failed    int `json:"failed"`
	Records   int `json:"records"`
}

func (p PlatformSummary) SuccessRate() float64 {
	if p.Tasks == 0 {
		return 0
	}
	return float64(p.Succeeded) / float64(p.Tasks)
}

// PersistSummary counts what happened to each accepted product.
type PersistSummary struct {
	Inserted      int `json:"inserted"`
	Updated       int `json:"updated"`
	Unchanged     int `json:"unchanged"`
	Rejected      int `json:"rejected"`
	Failed        int `json:"failed"`
	CommentsSaved int `json:"comments_saved"`

	Aborted          string `json:"aborted,omitempty"`
	SavedBeforeAbort int    `json:"saved_before_abort,omitempty"`
}

func (p *PersistSummary) add(outcome repository.UpsertOutcome) {
	switch outcome {
	case repository.UpsertInserted:
		p.Inserted++
	case repository.UpsertUpdated:
		p.Updated++
	case repository.UpsertUnchanged:
		p.Unchanged++
	}
}

func (p PersistSummary) Saved() int {
	return p.Inserted + p.Updated + p.Unchanged
}

type CycleReport struct {
	StartedAt  time.Time                            `json:"started_at"`
	Duration   time.Duration                        `json:"duration"`
	Tasks      int                                  `json:"tasks"`
	Replayed   int                                  `json:"replayed"`
	Skipped    int                                  `json:"skipped"`
	Platforms  map[domain.Platform]*PlatformSummary `json:"platforms"`
	Quality    integrator.QualityReport             `json:"quality"`
	Persist    PersistSummary                       `json:"persist"`
	Export     export.Files                         `json:"export"`
	BackupPath string                               `json:"backup_path,omitempty"`
}

func newCycleReport(started time.Time) *CycleReport {
	return &CycleReport{
		StartedAt: started,
		Platforms: make(map[domain.Platform]*PlatformSummary),
	}
}

// addResults tallies task outcomes and returns every raw record in result
// order. Failed tasks may still carry records from their best attempt.
func (r *CycleReport) addResults(results []task.TaskResult) []domain.RawRecord {
	var raw []domain.RawRecord
	for _, res := range results {
		summary, ok := r.Platforms[res.Task.Platform]
		if !ok {
			summary = &PlatformSummary{}
			r.Platforms[res.Task.Platform] = summary
		}
		summary.Tasks++
		summary.Records += len(res.RawRecords)
		switch res.Status {
		case domain.ScrapeStatusSuccess:
			summary.Succeeded++
		case domain.ScrapeStatusPartialFailure:
			summary.Partial++
		default:
			summary.Failed++
		}
		raw = append(raw, res.RawRecords...)
	}
	return raw
}

func (r *CycleReport) log() {
	platforms := make([]domain.Platform, 0, len(r.Platforms))
	for p := range r.Platforms {
		platforms = append(platforms, p)
	}
	slices.Sort(platforms)

	log.Info("📊 ===== Cycle report =====")
	log.Infof("📊 Tasks: %d (replayed %d, skipped %d) in %v", r.Tasks, r.Replayed, r.Skipped, r.Duration.Round(time.Millisecond))
	for _, p := range platforms {
		s := r.Platforms[p]
		log.WithField("platform", p).Infof("📊 %s: %d tasks, %d ok, %d partial, %d failed, %d records (%.1f%% success)",
			p.GetPlatformName(), s.Tasks, s.Succeeded, s.Partial, s.Failed, s.Records, s.SuccessRate()*100)
	}
	q := r.Quality
	log.Infof("📊 Records: %d processed, %d accepted, %d rejected, %d duplicates, avg quality %.1f",
		q.TotalProcessed, q.AcceptedCount, q.RejectedCount, q.DuplicatesRemoved, q.AverageQualityScore)
	for reason, n := range q.ErrorHistogram {
		log.WithField("reason", reason).Debugf("📊 Rejected %d records", n)
	}
	p := r.Persist
	log.Infof("📊 Saved: %d inserted, %d updated, %d unchanged, %d failed, %d comments",
		p.Inserted, p.Updated, p.Unchanged, p.Failed, p.CommentsSaved)
	if p.Aborted != "" {
		log.Warnf("📊 Persisting aborted after %d saved records: %s", p.SavedBeforeAbort, p.Aborted)
	}
}
