package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"apparel/catalog/internal/domain"

	"github.com/google/uuid"
)

// ScrapingTask is one unit of fetch work. It must not be modified after it
// has been handed to the coordinator.
type ScrapingTask struct {
	TaskID     string          `json:"task_id"`
	Platform   domain.Platform `json:"platform"`
	Categories []string        `json:"categories"`
	Keywords   []string        `json:"keywords"`
	MaxPages   int             `json:"max_pages"`
}

func NewScrapingTask(platform domain.Platform, categories, keywords []string, maxPages int) ScrapingTask {
	return ScrapingTask{
		TaskID:     uuid.NewString(),
		Platform:   platform,
		Categories: append([]string(nil), categories...),
		Keywords:   append([]string(nil), keywords...),
		MaxPages:   maxPages,
	}
}

func (t ScrapingTask) Validate() error {
	var errs []error
	if strings.TrimSpace(t.TaskID) == "" {
		errs = append(errs, errors.New("task_id is empty"))
	}
	if !t.Platform.Valid() {
		errs = append(errs, fmt.Errorf("unknown platform %q", t.Platform))
	}
	if len(t.Categories) == 0 && len(t.Keywords) == 0 {
		errs = append(errs, errors.New("no categories or keywords"))
	}
	if t.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("max_pages must be >= 1, got %d", t.MaxPages))
	}
	return errors.Join(errs...)
}

// CategoryLabel is the value written to scrape logs.
func (t ScrapingTask) CategoryLabel() string {
	if len(t.Categories) == 0 {
		return strings.Join(t.Keywords, ",")
	}
	return strings.Join(t.Categories, ",")
}

// TaskResult is the terminal outcome of one ScrapingTask.
type TaskResult struct {
	TaskID      string              `json:"task_id"`
	Task        ScrapingTask        `json:"task"`
	Status      domain.ScrapeStatus `json:"status"`
	RawRecords  []domain.RawRecord  `json:"raw_records"`
	Err         error               `json:"-"`
	Attempts    int                 `json:"attempts"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
	Duration    time.Duration       `json:"duration"`
}

func (r TaskResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// LogEntry converts the result into its scrape log row. RecordsSaved is
// always zero here: records are persisted only after integration.
func (r TaskResult) LogEntry() domain.ScrapeLogEntry {
	return domain.ScrapeLogEntry{
		TaskID:       r.TaskID,
		Platform:     r.Task.Platform,
		Category:     r.Task.CategoryLabel(),
		Status:       r.Status,
		RecordsFound: len(r.RawRecords),
		RecordsSaved: 0,
		ErrorMessage: r.ErrorMessage(),
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		Duration:     r.Duration,
	}
}
