package retrain

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"cassava/db"
	"cassava/jobs"
	"cassava/ml"
	"cassava/predictor"
	"cassava/uploads"
)

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

func encodePNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	dir       string
	tracker   *jobs.Tracker
	predictor *predictor.Predictor
	uploads   *uploads.Store
	registry  *db.Store
	events    chan jobs.Job
}

func newFixture(t *testing.T, perClass int) *fixture {
	t.Helper()
	dir := t.TempDir()

	base, err := ml.NewArtifact("v1", []string{"red", "blue"}, nil, 4, 4)
	if err != nil {
		t.Fatalf("NewArtifact: %v", err)
	}
	p := predictor.New(zap.NewNop())
	p.Swap(base)

	store, err := uploads.NewStore(filepath.Join(dir, "uploads"), filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for i := 0; i < perClass; i++ {
		if _, err := store.Save("red", "r.png", encodePNG(t, red)); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if _, err := store.Save("blue", "b.png", encodePNG(t, blue)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	registry, err := db.Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { registry.Close() })

	tracker, err := jobs.NewTracker(100, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	events := make(chan jobs.Job, 32)
	tracker.OnTransition(func(j jobs.Job) { events <- j })

	return &fixture{dir: dir, tracker: tracker, predictor: p, uploads: store, registry: registry, events: events}
}

func (f *fixture) runner(t *testing.T, cfg Config, samples Samples) *Runner {
	t.Helper()
	if cfg.ModelDir == "" {
		cfg.ModelDir = filepath.Join(f.dir, "models")
	}
	if samples == nil {
		samples = f.uploads
	}
	r := NewRunner(cfg, f.tracker, f.predictor, samples, f.registry, zap.NewNop())
	t.Cleanup(r.Stop)
	return r
}

// waitTerminal collects transitions for id until it completes or fails.
func (f *fixture) waitTerminal(t *testing.T, id string) []jobs.Job {
	t.Helper()
	var seen []jobs.Job
	timeout := time.After(10 * time.Second)
	for {
		select {
		case j := <-f.events:
			if j.ID != id {
				continue
			}
			seen = append(seen, j)
			if j.Status.Terminal() {
				return seen
			}
		case <-timeout:
			t.Fatalf("job %s did not finish, saw %v", id, seen)
		}
	}
}

var quickParams = jobs.Params{Epochs: 1, BatchSize: 4, LearningRate: 0.05}

func TestRunnerCompletesJob(t *testing.T) {
	f := newFixture(t, 4)
	r := f.runner(t, Config{ArchiveAfterRetrain: true}, nil)
	r.Start()

	id, err := r.Enqueue(quickParams)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	seen := f.waitTerminal(t, id)

	want := []jobs.Status{jobs.StatusQueued, jobs.StatusRunning, jobs.StatusCompleted}
	if len(seen) != len(want) {
		t.Fatalf("saw %d transitions, want %v: %+v", len(seen), want, seen)
	}
	for i, s := range want {
		if seen[i].Status != s {
			t.Fatalf("transition %d = %s, want %s", i, seen[i].Status, s)
		}
	}

	done := seen[2]
	if done.Result == nil || done.Result.ModelVersion != "v2" || done.Result.Samples != 8 {
		t.Fatalf("unexpected result %+v", done.Result)
	}
	if f.predictor.Version() != "v2" {
		t.Fatalf("expected v2 active, got %s", f.predictor.Version())
	}
	if _, err := os.Stat(filepath.Join(f.dir, "models", "model_v2.json")); err != nil {
		t.Fatalf("artifact not saved: %v", err)
	}

	ctx := context.Background()
	active, err := f.registry.ActiveModelVersion(ctx)
	if err != nil || active.Version != "v2" {
		t.Fatalf("registry active = %+v, %v", active, err)
	}
	logs, err := f.registry.LoadTrainingLog(ctx, 0)
	if err != nil || len(logs) != 1 || logs[0].JobID != id {
		t.Fatalf("training log = %+v, %v", logs, err)
	}
	if len(f.uploads.Counts()) != 0 {
		t.Fatalf("consumed uploads should be archived, still have %v", f.uploads.Counts())
	}
}

func TestRunnerVersionsIncrease(t *testing.T) {
	f := newFixture(t, 2)
	models := filepath.Join(f.dir, "models")
	if err := os.MkdirAll(models, 0o755); err != nil {
		t.Fatal(err)
	}
	// left behind by an earlier process
	if err := os.WriteFile(filepath.Join(models, "model_v5.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := f.runner(t, Config{}, nil)
	r.Start()

	for _, want := range []string{"v6", "v7"} {
		id, err := r.Enqueue(quickParams)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		seen := f.waitTerminal(t, id)
		last := seen[len(seen)-1]
		if last.Status != jobs.StatusCompleted || last.Result.ModelVersion != want {
			t.Fatalf("want completed %s, got %+v", want, last)
		}
	}
}

func TestRunnerFailsWithoutData(t *testing.T) {
	f := newFixture(t, 0)
	r := f.runner(t, Config{}, nil)
	r.Start()

	id, _ := r.Enqueue(quickParams)
	seen := f.waitTerminal(t, id)
	last := seen[len(seen)-1]
	if last.Status != jobs.StatusFailed {
		t.Fatalf("expected failed, got %s", last.Status)
	}
	if !strings.Contains(last.Error, ErrRetrainData.Error()) {
		t.Fatalf("unexpected error message %q", last.Error)
	}
	if f.predictor.Version() != "v1" {
		t.Fatalf("failed job must not change the active model, got %s", f.predictor.Version())
	}
}

type panickingSamples struct{}

func (panickingSamples) Blobs() ([]ml.LabeledBlob, error) { panic("disk on fire") }

func (panickingSamples) Archive(string, ...string) (int, error) { return 0, nil }

func TestRunnerRecoversFromPanic(t *testing.T) {
	f := newFixture(t, 0)
	r := f.runner(t, Config{}, panickingSamples{})
	r.Start()

	id, _ := r.Enqueue(quickParams)
	seen := f.waitTerminal(t, id)
	last := seen[len(seen)-1]
	if last.Status != jobs.StatusFailed || !strings.Contains(last.Error, "disk on fire") {
		t.Fatalf("expected failed job with panic message, got %+v", last)
	}

	// the worker survives and picks up the next job
	next, err := r.Enqueue(quickParams)
	if err != nil {
		t.Fatalf("Enqueue after panic: %v", err)
	}
	if seen := f.waitTerminal(t, next); seen[len(seen)-1].Status != jobs.StatusFailed {
		t.Fatalf("expected second job to be processed, got %+v", seen)
	}
}

type failingRegistry struct{ *db.Store }

func (failingRegistry) RecordModelVersion(context.Context, db.ModelVersion) error {
	return errors.New("registry is read-only")
}

func TestRunnerRegistryFailureKeepsModel(t *testing.T) {
	f := newFixture(t, 2)
	r := NewRunner(Config{ModelDir: filepath.Join(f.dir, "models")}, f.tracker, f.predictor, f.uploads,
		failingRegistry{f.registry}, zap.NewNop())
	t.Cleanup(r.Stop)
	r.Start()

	id, _ := r.Enqueue(quickParams)
	seen := f.waitTerminal(t, id)
	last := seen[len(seen)-1]
	if last.Status != jobs.StatusFailed || !strings.Contains(last.Error, "read-only") {
		t.Fatalf("expected registry failure, got %+v", last)
	}
	if !strings.HasPrefix(last.Error, ErrRetrainExecution.Error()) {
		t.Fatalf("execution failures should be classified, got %q", last.Error)
	}
	if f.predictor.Version() != "v1" {
		t.Fatalf("expected v1 to stay active, got %s", f.predictor.Version())
	}
	if f.uploads.Counts()["red"] != 2 {
		t.Fatal("uploads must not be archived by a failed job")
	}
}

func TestRunnerQueueFull(t *testing.T) {
	f := newFixture(t, 1)
	r := f.runner(t, Config{QueueSize: 1}, nil)
	// workers not started, so the first job stays queued

	if _, err := r.Enqueue(quickParams); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := r.Enqueue(quickParams); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if f.tracker.Len() != 1 {
		t.Fatalf("rejected submission must not create a job, have %d", f.tracker.Len())
	}
	if r.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", r.Pending())
	}
}

func TestRunnerRejectsInvalidParamsAndStopped(t *testing.T) {
	f := newFixture(t, 1)
	r := f.runner(t, Config{}, nil)
	r.Start()

	if _, err := r.Enqueue(jobs.Params{Epochs: 0, BatchSize: 1, LearningRate: 0.1}); !errors.Is(err, jobs.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
	r.Stop()
	if _, err := r.Enqueue(quickParams); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if f.tracker.Len() != 0 {
		t.Fatalf("no job should exist, have %d", f.tracker.Len())
	}
}

func TestRunnerAdoptNeverRollsBack(t *testing.T) {
	f := newFixture(t, 2)
	r := f.runner(t, Config{}, nil)
	r.Start()

	id, err := r.Enqueue(quickParams)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if last := f.waitTerminal(t, id); last[len(last)-1].Status != jobs.StatusCompleted {
		t.Fatalf("job did not complete: %+v", last)
	}

	// the offline trainer rewrites v1 after the retrain published v2
	stale, err := ml.NewArtifact("v1", []string{"red", "blue"}, nil, 4, 4)
	if err != nil {
		t.Fatalf("NewArtifact: %v", err)
	}
	if r.Adopt(stale) {
		t.Fatal("v1 must be refused while v2 is active")
	}
	if f.predictor.Version() != "v2" {
		t.Fatalf("expected v2 to stay active, got %s", f.predictor.Version())
	}

	newer, err := ml.NewArtifact("v9", []string{"red", "blue"}, nil, 4, 4)
	if err != nil {
		t.Fatalf("NewArtifact: %v", err)
	}
	if !r.Adopt(newer) || f.predictor.Version() != "v9" {
		t.Fatalf("expected v9 adopted, active %s", f.predictor.Version())
	}
}

func TestRunnerNegativeSettingsDisableValidation(t *testing.T) {
	f := newFixture(t, 4)
	r := f.runner(t, Config{ValidationSplit: -1, Patience: -1}, nil)
	r.Start()

	id, err := r.Enqueue(jobs.Params{Epochs: 3, BatchSize: 4, LearningRate: 0.05})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	seen := f.waitTerminal(t, id)
	done := seen[len(seen)-1]
	if done.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %+v", done)
	}
	if done.Result.ValAccuracy != nil || done.Result.ValLoss != nil {
		t.Fatalf("validation must be disabled, got %+v", done.Result)
	}
	if done.Result.EpochsTrained != 3 {
		t.Fatalf("early stopping must be disabled, trained %d epochs", done.Result.EpochsTrained)
	}
}
