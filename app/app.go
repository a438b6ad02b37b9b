// Package app builds the shared service state once and hands it to the HTTP
// layer and the retrain runner.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"cassava/config"
	"cassava/db"
	"cassava/jobs"
	"cassava/ml"
	"cassava/monitoring"
	"cassava/predictor"
	"cassava/retrain"
	"cassava/uploads"
)

type App struct {
	Config    *config.Config
	Log       *zap.Logger
	Predictor *predictor.Predictor
	Tracker   *jobs.Tracker
	Runner    *retrain.Runner
	Uploads   *uploads.Store
	// Registry is nil when database.path is empty.
	Registry  *db.Store
	Metrics   *monitoring.InferenceMetrics
	Hub       *monitoring.Hub
	Alerts    *monitoring.AlertSystem
	StartedAt time.Time

	watcher *predictor.Watcher
	alerts  sync.WaitGroup
}

// New wires every component. A missing or unreadable model artifact is not
// fatal: the service starts unhealthy and predictions return 503 until an
// artifact is loaded.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{
		Config:    cfg,
		Log:       log,
		Predictor: predictor.New(log.Named("predictor")),
		Metrics:   monitoring.NewInferenceMetrics(),
		Hub:       monitoring.NewHub(log.Named("ws")),
		Alerts:    monitoring.NewAlertSystem(cfg.Alerts.WebhookURL, cfg.Alerts.Cooldown, log.Named("alerts")),
		StartedAt: time.Now(),
	}

	store, err := uploads.NewStore(cfg.Uploads.Dir, cfg.Uploads.ArchiveDir)
	if err != nil {
		return nil, err
	}
	a.Uploads = store

	if cfg.Database.Path != "" {
		registry, err := db.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		a.Registry = registry
		log.Info("model registry opened", zap.String("path", cfg.Database.Path))
	}

	tracker, err := jobs.NewTracker(cfg.Retrain.MaxJobs, log.Named("jobs"))
	if err != nil {
		a.closeRegistry()
		return nil, err
	}
	tracker.OnTransition(a.onJobTransition)
	a.Tracker = tracker

	a.loadInitialModel(context.Background())

	// a nil *db.Store must not become a non-nil interface
	var registry retrain.Registry
	if a.Registry != nil {
		registry = a.Registry
	}
	a.Runner = retrain.NewRunner(retrain.Config{
		ModelDir:            cfg.Model.Dir,
		Workers:             cfg.Retrain.Workers,
		QueueSize:           cfg.Retrain.QueueSize,
		Timeout:             cfg.Retrain.Timeout,
		ValidationSplit:     cfg.Retrain.ValidationSplit,
		Patience:            cfg.Retrain.Patience,
		ArchiveAfterRetrain: cfg.Uploads.ArchiveAfterRetrain,
	}, tracker, a.Predictor, store, registry, log.Named("retrain"))

	if cfg.Model.Watch && cfg.Model.Path != "" {
		w, err := predictor.NewWatcher(cfg.Model.Path, a.Runner, log.Named("watcher"))
		if err != nil {
			log.Warn("model file watching disabled", zap.Error(err))
		} else {
			a.watcher = w
		}
	}
	return a, nil
}

func (a *App) Start() {
	go a.Hub.Start()
	a.Runner.Start()
	if a.watcher != nil {
		a.watcher.Start()
	}
}

// Close stops background work and releases resources.
func (a *App) Close() error {
	a.Runner.Stop()
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
	}
	a.Hub.Stop()
	a.alerts.Wait()
	errs = append(errs, a.closeRegistry())
	return errors.Join(errs...)
}

// Labels is the label set uploads are validated against: the active
// artifact's labels, or the configured ones before any artifact is loaded.
func (a *App) Labels() []string {
	if active := a.Predictor.Active(); active != nil {
		return active.Labels
	}
	return a.Config.Model.Labels
}

// Uptime since New.
func (a *App) Uptime() time.Duration {
	return time.Since(a.StartedAt)
}

func (a *App) onJobTransition(job jobs.Job) {
	if err := a.Hub.Publish(monitoring.JobUpdate, job); err != nil {
		a.Log.Warn("publish job update", zap.String("job_id", job.ID), zap.Error(err))
	}
	if !job.Status.Terminal() {
		return
	}
	a.Metrics.RecordRetrain(job.Status == jobs.StatusCompleted)
	if job.Status == jobs.StatusCompleted && !a.Config.Alerts.OnSuccess {
		return
	}
	a.alerts.Add(1)
	go func() {
		defer a.alerts.Done()
		if err := a.Alerts.SendAlert(context.Background(), jobAlert(job)); err != nil {
			a.Log.Warn("send retrain alert", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
}

func jobAlert(job jobs.Job) monitoring.Alert {
	alert := monitoring.Alert{
		Source:   "retrain",
		Metadata: map[string]interface{}{"job_id": job.ID, "parameters": job.Params},
	}
	if job.Status == jobs.StatusFailed {
		alert.Level = monitoring.Error
		alert.Title = "Retraining failed"
		alert.Message = job.Error
		return alert
	}
	alert.Level = monitoring.Info
	alert.Title = "Retraining completed"
	if r := job.Result; r != nil {
		alert.Message = fmt.Sprintf("model %s trained on %d samples, accuracy %.3f", r.ModelVersion, r.Samples, r.Accuracy)
	}
	return alert
}

// loadInitialModel prefers the registry's active version over the configured
// path, so a restart keeps the last retrained artifact.
func (a *App) loadInitialModel(ctx context.Context) {
	if a.Registry != nil {
		v, err := a.Registry.ActiveModelVersion(ctx)
		switch {
		case err == nil:
			if _, err := a.Predictor.LoadFile(v.FilePath); err == nil {
				a.checkLabels()
				return
			}
			a.Log.Warn("registered model version unreadable, falling back to configured path",
				zap.String("version", v.Version), zap.String("path", v.FilePath))
		case !errors.Is(err, db.ErrNoActiveVersion):
			a.Log.Warn("read model registry", zap.Error(err))
		}
	}

	path := a.Config.Model.Path
	if _, err := os.Stat(path); err != nil {
		a.Log.Warn("no model artifact, predictions unavailable until one is loaded", zap.String("path", path))
		return
	}
	artifact, err := a.Predictor.LoadFile(path)
	if err != nil {
		a.Log.Error("load model artifact", zap.Error(err))
		return
	}
	a.checkLabels()
	if err := a.registerBootstrap(ctx, artifact); err != nil {
		a.Log.Warn("record bootstrap model version", zap.Error(err))
	}
}

// registerBootstrap records the offline artifact when the registry is empty.
func (a *App) registerBootstrap(ctx context.Context, artifact *ml.Artifact) error {
	if a.Registry == nil {
		return nil
	}
	n, err := a.Registry.MaxVersion(ctx)
	if err != nil || n > 0 {
		return err
	}
	number, ok := ml.VersionNumber(artifact.Version)
	if !ok {
		return fmt.Errorf("artifact version %q is not v<N>", artifact.Version)
	}
	v := db.ModelVersion{
		Version:   artifact.Version,
		Number:    number,
		FilePath:  artifact.FilePath,
		CreatedAt: artifact.TrainedAt,
	}
	if m := artifact.Metrics; m != nil {
		v.Accuracy, v.Loss, v.Samples = m.Accuracy, m.Loss, m.Samples
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	return a.Registry.RecordModelVersion(ctx, v)
}

func (a *App) checkLabels() {
	active := a.Predictor.Active()
	configured := a.Config.Model.Labels
	if len(active.Labels) != len(configured) {
		a.Log.Warn("artifact labels differ from configured labels",
			zap.Strings("artifact", active.Labels), zap.Strings("configured", configured))
		return
	}
	for i := range configured {
		if active.Labels[i] != configured[i] {
			a.Log.Warn("artifact labels differ from configured labels",
				zap.Strings("artifact", active.Labels), zap.Strings("configured", configured))
			return
		}
	}
}

func (a *App) closeRegistry() error {
	if a.Registry == nil {
		return nil
	}
	return a.Registry.Close()
}
