// Package retrain runs fine-tuning jobs in the background and publishes the
// resulting artifacts.
package retrain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cassava/db"
	"cassava/jobs"
	"cassava/ml"
	"cassava/predictor"
	"cassava/uploads"
)

var (
	// ErrQueueFull is returned by Enqueue when no more jobs can be accepted.
	ErrQueueFull = errors.New("retrain queue is full")
	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("retrain runner stopped")
	// ErrRetrainData means there was nothing usable to train on.
	ErrRetrainData = errors.New("no usable training data")
	// ErrRetrainExecution wraps every other failure of a running job.
	ErrRetrainExecution = errors.New("retrain execution failed")
)

// Registry records published versions. *db.Store implements it.
type Registry interface {
	MaxVersion(ctx context.Context) (int, error)
	RecordModelVersion(ctx context.Context, v db.ModelVersion) error
	SaveTrainingLog(ctx context.Context, entry db.TrainingLog) error
}

// Samples is the source of uploaded training images. *uploads.Store
// implements it.
type Samples interface {
	Blobs() ([]ml.LabeledBlob, error)
	Archive(name string, keys ...string) (int, error)
}

type Config struct {
	ModelDir            string
	Workers             int
	QueueSize           int
	Timeout             time.Duration
	ValidationSplit     float64
	Patience            int
	ArchiveAfterRetrain bool
}

// Runner owns the job queue and the worker goroutines.
type Runner struct {
	cfg       Config
	tracker   *jobs.Tracker
	predictor *predictor.Predictor
	samples   Samples
	registry  Registry
	log       *zap.Logger

	queue   chan string
	mu      sync.Mutex
	stopped bool

	// publishMu serialises version selection, persisting and swapping.
	publishMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner wires a runner. registry may be nil, in which case versions are
// only derived from the active artifact and the files in ModelDir.
func NewRunner(cfg Config, tracker *jobs.Tracker, p *predictor.Predictor, samples Samples, registry Registry, log *zap.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:       cfg,
		tracker:   tracker,
		predictor: p,
		samples:   samples,
		registry:  registry,
		log:       log,
		queue:     make(chan string, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (r *Runner) Start() {
	if r.cfg.Timeout <= 0 {
		r.log.Warn("retrain timeout disabled, a stuck job stays running until shutdown")
	}
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.log.Info("retrain runner started", zap.Int("workers", r.cfg.Workers), zap.Int("queue_size", r.cfg.QueueSize))
}

// Stop cancels running jobs and waits for the workers. Jobs still queued stay
// queued.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	if n := len(r.queue); n > 0 {
		r.log.Warn("retrain runner stopped with queued jobs", zap.Int("queued", n))
	}
}

// Enqueue creates a job for params and hands it to the workers. It never
// blocks on training; a full queue is rejected before any job is created.
func (r *Runner) Enqueue(params jobs.Params) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return "", ErrStopped
	}
	if len(r.queue) == cap(r.queue) {
		return "", ErrQueueFull
	}
	id, err := r.tracker.Create(params)
	if err != nil {
		return "", err
	}
	// only Enqueue sends, under mu, so this cannot block
	r.queue <- id
	return id, nil
}

// Pending is the number of jobs waiting for a worker.
func (r *Runner) Pending() int {
	return len(r.queue)
}

func (r *Runner) worker(n int) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case id := <-r.queue:
			r.process(id)
		}
	}
}

func (r *Runner) process(id string) {
	log := r.log.With(zap.String("job_id", id))

	job, err := r.tracker.Get(id)
	if err != nil {
		log.Error("queued job vanished from tracker", zap.Error(err))
		return
	}
	if err := r.tracker.Update(id, jobs.StatusRunning, nil, ""); err != nil {
		log.Error("mark job running", zap.Error(err))
		return
	}
	log.Info("retrain job started")

	start := time.Now()
	result, err := r.execute(job, log)
	if err != nil {
		if !errors.Is(err, ErrRetrainData) && !errors.Is(err, ErrRetrainExecution) {
			err = fmt.Errorf("%w: %w", ErrRetrainExecution, err)
		}
		log.Error("retrain job failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		if uerr := r.tracker.Update(id, jobs.StatusFailed, nil, err.Error()); uerr != nil {
			log.Error("mark job failed", zap.Error(uerr))
		}
		return
	}

	if err := r.tracker.Update(id, jobs.StatusCompleted, result, ""); err != nil {
		log.Error("mark job completed", zap.Error(err))
		return
	}
	log.Info("retrain job completed",
		zap.String("version", result.ModelVersion),
		zap.Float64("accuracy", result.Accuracy),
		zap.Duration("elapsed", time.Since(start)))
}

// execute runs one job. A panic anywhere in it fails the job instead of the
// process.
func (r *Runner) execute(job jobs.Job, log *zap.Logger) (result *jobs.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrRetrainExecution, p)
			result = nil
		}
	}()

	ctx := r.ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	base := r.predictor.Active()
	if base == nil {
		return nil, errors.Wrap(predictor.ErrModelUnavailable, "no base model to fine-tune")
	}

	blobs, err := r.samples.Blobs()
	if err != nil {
		return nil, errors.Wrap(err, "read uploaded images")
	}
	samples, skipped, err := ml.BuildTrainingSet(base, blobs)
	if err != nil {
		return nil, errors.Wrap(err, "build training set")
	}
	if len(samples) == 0 {
		return nil, errors.Wrapf(ErrRetrainData, "%d uploaded files, %d skipped", len(blobs), skipped)
	}
	if skipped > 0 {
		log.Warn("skipped unusable uploads", zap.Int("skipped", skipped))
	}

	tuned, err := ml.FineTune(ctx, base, samples, ml.TrainParams{
		Epochs:          job.Params.Epochs,
		BatchSize:       job.Params.BatchSize,
		LearningRate:    job.Params.LearningRate,
		ValidationSplit: r.cfg.ValidationSplit,
		Patience:        r.cfg.Patience,
		OnEpoch: func(s ml.EpochStats) {
			log.Debug("epoch finished",
				zap.Int("epoch", s.Epoch),
				zap.Float64("loss", s.Loss),
				zap.Float64("accuracy", s.Accuracy),
				zap.Float64("val_loss", s.ValLoss),
				zap.Float64("val_accuracy", s.ValAccuracy))
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "fine-tune")
	}

	if err := r.publish(ctx, tuned, log); err != nil {
		return nil, err
	}

	metrics := tuned.Metrics
	result = &jobs.Result{
		Accuracy:      metrics.Accuracy,
		Loss:          metrics.Loss,
		ValAccuracy:   metrics.ValAccuracy,
		ValLoss:       metrics.ValLoss,
		EpochsTrained: metrics.EpochsTrained,
		Samples:       len(samples),
		Skipped:       skipped,
		ModelVersion:  tuned.Version,
		CompletedAt:   time.Now().UTC(),
	}
	r.afterPublish(job.ID, tuned, blobs, log)
	return result, nil
}

// publish picks the next version, saves tuned under it, records it and
// swaps it in. Nothing becomes visible unless every step before the swap
// succeeds.
func (r *Runner) publish(ctx context.Context, tuned *ml.Artifact, log *zap.Logger) error {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	floor := highestVersionOnDisk(r.cfg.ModelDir)
	if r.registry != nil {
		n, err := r.registry.MaxVersion(ctx)
		if err != nil {
			return errors.Wrap(err, "read registry")
		}
		if n > floor {
			floor = n
		}
	}
	current := ""
	if active := r.predictor.Active(); active != nil {
		current = active.Version
	}
	tuned.Version = ml.NextVersion(current, floor)

	path := filepath.Join(r.cfg.ModelDir, "model_"+tuned.Version+".json")
	if err := tuned.Save(path); err != nil {
		return errors.Wrapf(err, "save artifact %s", path)
	}

	if r.registry != nil {
		number, _ := ml.VersionNumber(tuned.Version)
		err := r.registry.RecordModelVersion(ctx, db.ModelVersion{
			Version:   tuned.Version,
			Number:    number,
			FilePath:  path,
			Accuracy:  tuned.Metrics.Accuracy,
			Loss:      tuned.Metrics.Loss,
			Samples:   tuned.Metrics.Samples,
			CreatedAt: tuned.TrainedAt,
		})
		if err != nil {
			return errors.Wrap(err, "record model version")
		}
	}

	r.predictor.Swap(tuned)
	log.Info("published model version", zap.String("version", tuned.Version), zap.String("path", path))
	return nil
}

// Adopt activates an artifact produced outside the runner, such as a file
// rewritten by the offline trainer. It shares the publish lock so it cannot
// interleave with a job choosing and swapping its version, and it refuses
// anything not newer than the active artifact.
func (r *Runner) Adopt(a *ml.Artifact) bool {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	return r.predictor.Adopt(a)
}

// afterPublish does the bookkeeping whose failure must not fail a job that
// already swapped its artifact in.
func (r *Runner) afterPublish(jobID string, tuned *ml.Artifact, consumed []ml.LabeledBlob, log *zap.Logger) {
	if r.registry != nil {
		m := tuned.Metrics
		err := r.registry.SaveTrainingLog(context.Background(), db.TrainingLog{
			JobID:        jobID,
			ModelVersion: tuned.Version,
			Accuracy:     m.Accuracy,
			Loss:         m.Loss,
			ValAccuracy:  m.ValAccuracy,
			ValLoss:      m.ValLoss,
			Epochs:       m.EpochsTrained,
			DataPoints:   m.Samples + m.ValidationSamples,
			TrainedAt:    tuned.TrainedAt,
		})
		if err != nil {
			log.Warn("save training log", zap.Error(err))
		}
	}

	if !r.cfg.ArchiveAfterRetrain {
		return
	}
	keys := make([]string, len(consumed))
	for i, blob := range consumed {
		keys[i] = uploads.Key(blob)
	}
	moved, err := r.samples.Archive(jobID, keys...)
	if err != nil {
		log.Warn("archive consumed uploads", zap.Int("moved", moved), zap.Error(err))
		return
	}
	log.Info("archived consumed uploads", zap.Int("moved", moved))
}

// highestVersionOnDisk returns the largest N of model_v<N>.json in dir.
func highestVersionOnDisk(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "model_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, ok := ml.VersionNumber(strings.TrimSuffix(strings.TrimPrefix(name, "model_"), ".json"))
		if ok && n > highest {
			highest = n
		}
	}
	return highest
}
