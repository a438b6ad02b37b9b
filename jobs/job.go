// Package jobs tracks retraining jobs for the lifetime of the process.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Status 任务状态
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidParams     = errors.New("invalid retrain parameters")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Params 重训练参数
type Params struct {
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
}

// DefaultParams mirrors what the offline notebook used for fine-tuning.
func DefaultParams() Params {
	return Params{Epochs: 10, BatchSize: 32, LearningRate: 1e-5}
}

const (
	maxEpochs    = 1000
	maxBatchSize = 4096
)

func (p Params) Validate() error {
	switch {
	case p.Epochs <= 0 || p.Epochs > maxEpochs:
		return fmt.Errorf("%w: epochs must be in [1,%d], got %d", ErrInvalidParams, maxEpochs, p.Epochs)
	case p.BatchSize <= 0 || p.BatchSize > maxBatchSize:
		return fmt.Errorf("%w: batch_size must be in [1,%d], got %d", ErrInvalidParams, maxBatchSize, p.BatchSize)
	case !(p.LearningRate > 0 && p.LearningRate <= 1):
		return fmt.Errorf("%w: learning_rate must be in (0,1], got %v", ErrInvalidParams, p.LearningRate)
	}
	return nil
}

// Result 训练结果
type Result struct {
	Accuracy      float64   `json:"accuracy"`
	Loss          float64   `json:"loss"`
	ValAccuracy   *float64  `json:"val_accuracy,omitempty"`
	ValLoss       *float64  `json:"val_loss,omitempty"`
	EpochsTrained int       `json:"epochs_trained"`
	Samples       int       `json:"samples"`
	Skipped       int       `json:"skipped"`
	ModelVersion  string    `json:"model_version"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Job 重训练任务
type Job struct {
	ID         string     `json:"job_id"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Params     Params     `json:"parameters"`
	Result     *Result    `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func (j *Job) clone() Job {
	out := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	return out
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func canTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}
