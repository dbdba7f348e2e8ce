// Package task tracks map export jobs through their lifecycle and runs the
// download, mosaic, and export pipeline behind them. Tasks are held in a
// TTL-bounded registry so clients can poll progress and collect results.
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a task lifecycle phase. Transitions only move forward:
// pending, downloading, merging, exporting, then completed or failed.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusMerging     Status = "merging"
	StatusExporting   Status = "exporting"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:     0,
	StatusDownloading: 1,
	StatusMerging:     2,
	StatusExporting:   3,
	StatusCompleted:   4,
	StatusFailed:      4,
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress is the client-facing snapshot of a task.
type Progress struct {
	Status    Status  `json:"status"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"progress"`
	Error     string  `json:"error,omitempty"`
}

// Result is the finished export payload.
type Result struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Task is one export job. All state access goes through the mutex; the
// pipeline goroutine writes, HTTP handlers read.
type Task struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	status    Status
	completed int
	failed    int
	total     int
	err       error
	result    *Result
}

// New creates a pending task expecting the given tile count.
func New(total int) *Task {
	return &Task{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		status:    StatusPending,
		total:     total,
	}
}

// Snapshot returns the current progress. The percentage reflects tile
// download completion and snaps to 100 once the task completes.
func (t *Task) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := Progress{
		Status:    t.status,
		Completed: t.completed,
		Failed:    t.failed,
		Total:     t.total,
	}
	if t.status == StatusCompleted {
		p.Percent = 100
	} else if t.total > 0 {
		p.Percent = float64(int(float64(t.completed)/float64(t.total)*1000)) / 10
	}
	if t.err != nil {
		p.Error = t.err.Error()
	}
	return p
}

// SetStatus advances the task to a new phase. Backward transitions and
// writes after a terminal state are ignored, so late pipeline callbacks
// cannot resurrect a finished task.
func (t *Task) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() || statusRank[s] <= statusRank[t.status] {
		return
	}
	t.status = s
}

// SetTiles records download counters from the pipeline.
func (t *Task) SetTiles(completed, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.completed = completed
	t.failed = failed
}

// Complete finishes the task with its export payload.
func (t *Task) Complete(res *Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.status = StatusCompleted
	t.result = res
}

// Fail finishes the task with an error.
func (t *Task) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.status = StatusFailed
	t.err = err
}

// Result returns the export payload once the task has completed.
func (t *Task) Result() (*Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusCompleted || t.result == nil {
		return nil, false
	}
	return t.result, true
}
