package coordinator

import (
	"time"

	"apparel/catalog/internal/domain"
	"apparel/catalog/internal/domain/task"
)

type state int

const (
	statePending state = iota
	stateAttempting
	stateRetryScheduled
	stateSucceeded
	stateFailed
)

func (s state) terminal() bool {
	return s == stateSucceeded || s == stateFailed
}

func (s state) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateAttempting:
		return "attempting"
	case stateRetryScheduled:
		return "retry_scheduled"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// taskRun is the mutable bookkeeping of one task while it moves through
// its states. It is owned by a single worker.
type taskRun struct {
	task      task.ScrapingTask
	state     state
	attempts  int
	err       error
	best      []domain.RawRecord // most productive attempt so far
	succeeded []domain.RawRecord
	startedAt time.Time
}

func newTaskRun(t task.ScrapingTask) *taskRun {
	return &taskRun{
		task:      t,
		state:     statePending,
		startedAt: time.Now().UTC(),
	}
}

func (r *taskRun) finishAttempt(records []domain.RawRecord, err error) {
	r.attempts++
	if err == nil {
		r.err = nil
		r.succeeded = records
		return
	}
	r.err = err
	if len(records) > len(r.best) {
		r.best = records
	}
}

// fail ends a task that never made an attempt.
func (r *taskRun) fail(err error) task.TaskResult {
	r.err = err
	r.state = stateFailed
	return r.result()
}

func (r *taskRun) result() task.TaskResult {
	completed := time.Now().UTC()
	res := task.TaskResult{
		TaskID:      r.task.TaskID,
		Task:        r.task,
		Err:         r.err,
		Attempts:    r.attempts,
		StartedAt:   r.startedAt,
		CompletedAt: completed,
		Duration:    completed.Sub(r.startedAt),
	}

	switch {
	case r.state == stateSucceeded:
		res.Status = domain.ScrapeStatusSuccess
		res.RawRecords = r.succeeded
	case len(r.best) > 0:
		res.Status = domain.ScrapeStatusPartialFailure
		res.RawRecords = r.best
	default:
		res.Status = domain.ScrapeStatusFailed
	}
	return res
}
