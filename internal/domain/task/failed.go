package task

import "time"

// FailedTask is queued when a scraping task ends without any records so the
// next cycle can try it again.
type FailedTask struct {
	Task        ScrapingTask `json:"task"`
	Attempts    int          `json:"attempts"`     // Attempts used in the failing dispatch
	ReplayCount int          `json:"replay_count"` // Cycles that already replayed it
	Error       string       `json:"error"`
	FailedAt    time.Time    `json:"failed_at"`
}

func (t *FailedTask) TaskType() string {
	return "FailedTask"
}

func (t *FailedTask) TaskValue() ([]byte, error) {
	return EncodeTask(t)
}
