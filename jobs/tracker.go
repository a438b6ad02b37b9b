package jobs

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Tracker is the in-memory job registry. The lru cache is only ever read with
// Peek and records are never re-added, so it evicts in insertion order once
// maxJobs is reached. Records are mutated in place under mu and handed out as
// copies.
type Tracker struct {
	mu        sync.RWMutex
	jobs      *lru.Cache[string, *Job]
	log       *zap.Logger
	now       func() time.Time
	listeners []func(Job)
}

func NewTracker(maxJobs int, log *zap.Logger) (*Tracker, error) {
	if maxJobs <= 0 {
		return nil, fmt.Errorf("max jobs must be positive, got %d", maxJobs)
	}
	t := &Tracker{log: log, now: time.Now}
	cache, err := lru.NewWithEvict[string, *Job](maxJobs, t.onEvict)
	if err != nil {
		return nil, err
	}
	t.jobs = cache
	return t, nil
}

// OnTransition registers fn to receive a copy of every created or updated job.
// Register listeners before the tracker is shared.
func (t *Tracker) OnTransition(fn func(Job)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Create validates params, stores a queued job and returns its id.
func (t *Tracker) Create(params Params) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	t.mu.Lock()
	now := t.now().UTC()
	id := newID(now)
	for t.jobs.Contains(id) {
		id = newID(now)
	}
	job := &Job{ID: id, Status: StatusQueued, CreatedAt: now, Params: params}
	t.jobs.Add(id, job)
	snapshot := job.clone()
	listeners := t.listeners
	t.mu.Unlock()

	t.log.Info("retrain job queued", zap.String("job_id", id),
		zap.Int("epochs", params.Epochs), zap.Int("batch_size", params.BatchSize),
		zap.Float64("learning_rate", params.LearningRate))
	notify(listeners, snapshot)
	return id, nil
}

func (t *Tracker) Get(id string) (Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs.Peek(id)
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.clone(), nil
}

// List returns all tracked jobs, oldest first.
func (t *Tracker) List() []Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := t.jobs.Keys()
	out := make([]Job, 0, len(keys))
	for _, key := range keys {
		if job, ok := t.jobs.Peek(key); ok {
			out = append(out, job.clone())
		}
	}
	return out
}

func (t *Tracker) Len() int {
	return t.jobs.Len()
}

// Counts returns the number of tracked jobs per status.
func (t *Tracker) Counts() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, job := range t.List() {
		counts[job.Status]++
	}
	return counts
}

// Update moves a job to status. result is recorded for completed jobs and
// errMsg for failed ones. Only queued→running and running→completed|failed
// are accepted.
func (t *Tracker) Update(id string, status Status, result *Result, errMsg string) error {
	t.mu.Lock()
	job, ok := t.jobs.Peek(id)
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !canTransition(job.Status, status) {
		from := job.Status
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, from, status, id)
	}

	now := t.now().UTC()
	job.Status = status
	switch status {
	case StatusRunning:
		job.StartedAt = &now
	case StatusCompleted:
		job.FinishedAt = &now
		if result != nil {
			r := *result
			job.Result = &r
		}
	case StatusFailed:
		job.FinishedAt = &now
		job.Error = errMsg
	}
	snapshot := job.clone()
	listeners := t.listeners
	t.mu.Unlock()

	notify(listeners, snapshot)
	return nil
}

func (t *Tracker) onEvict(id string, job *Job) {
	fields := []zap.Field{zap.String("job_id", id), zap.String("status", string(job.Status))}
	if !job.Status.Terminal() {
		t.log.Warn("evicting unfinished retrain job from history", fields...)
		return
	}
	t.log.Debug("evicting retrain job from history", fields...)
}

func notify(listeners []func(Job), job Job) {
	for _, fn := range listeners {
		fn(job)
	}
}

// newID is retrain_<timestamp>_<8 hex chars>; the random suffix keeps ids
// created within the same second apart.
func newID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "retrain_" + now.Format("20060102_150405") + "_" + suffix
}
