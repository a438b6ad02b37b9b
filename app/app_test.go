package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"cassava/config"
	"cassava/db"
	"cassava/jobs"
	"cassava/ml"
	"cassava/monitoring"
)

func testConfig(t *testing.T, withDB bool) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Model.Dir = filepath.Join(dir, "models")
	cfg.Model.Path = filepath.Join(cfg.Model.Dir, "model_v1.json")
	cfg.Model.Labels = []string{"red", "blue"}
	cfg.Model.FullNames = nil
	cfg.Uploads.Dir = filepath.Join(dir, "uploads")
	cfg.Uploads.ArchiveDir = filepath.Join(dir, "archive")
	if withDB {
		cfg.Database.Path = filepath.Join(dir, "cassava.db")
	}
	return cfg
}

func saveArtifact(t *testing.T, version, path string, labels ...string) {
	t.Helper()
	if len(labels) == 0 {
		labels = []string{"red", "blue"}
	}
	a, err := ml.NewArtifact(version, labels, nil, 4, 4)
	if err != nil {
		t.Fatalf("NewArtifact: %v", err)
	}
	if err := a.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestNewWithoutModel(t *testing.T) {
	cfg := testConfig(t, false)
	a, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.Predictor.Active() != nil {
		t.Fatalf("expected no active model")
	}
	if a.Registry != nil {
		t.Fatalf("registry must be nil without database.path")
	}
	if got := a.Labels(); len(got) != 2 || got[0] != "red" {
		t.Fatalf("expected configured labels, got %v", got)
	}
}

func TestNewRegistersBootstrapModel(t *testing.T) {
	cfg := testConfig(t, true)
	saveArtifact(t, "v1", cfg.Model.Path)

	a, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.Predictor.Version() != "v1" {
		t.Fatalf("expected v1 active, got %q", a.Predictor.Version())
	}
	v, err := a.Registry.ActiveModelVersion(context.Background())
	if err != nil {
		t.Fatalf("ActiveModelVersion: %v", err)
	}
	if v.Version != "v1" || v.Number != 1 || v.FilePath != cfg.Model.Path {
		t.Fatalf("unexpected registered version %+v", v)
	}
}

func TestNewPrefersRegistryActiveVersion(t *testing.T) {
	cfg := testConfig(t, true)
	saveArtifact(t, "v1", cfg.Model.Path)

	first, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v2Path := filepath.Join(cfg.Model.Dir, "model_v2.json")
	saveArtifact(t, "v2", v2Path)
	err = first.Registry.RecordModelVersion(context.Background(), db.ModelVersion{
		Version: "v2", Number: 2, FilePath: v2Path, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("RecordModelVersion: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	defer second.Close()
	if second.Predictor.Version() != "v2" {
		t.Fatalf("expected registry version v2 after restart, got %q", second.Predictor.Version())
	}
}

func TestLabelsFollowActiveArtifact(t *testing.T) {
	cfg := testConfig(t, false)
	saveArtifact(t, "v1", cfg.Model.Path, "a", "b", "c")

	a, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if got := a.Labels(); len(got) != 3 || got[2] != "c" {
		t.Fatalf("expected artifact labels, got %v", got)
	}
}

func TestStartAndClose(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Model.Watch = true
	saveArtifact(t, "v1", cfg.Model.Path)

	a, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Start()
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFailedRetrainSendsAlert(t *testing.T) {
	alerts := make(chan monitoring.Alert, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert monitoring.Alert
		if err := json.NewDecoder(r.Body).Decode(&alert); err == nil {
			alerts <- alert
		}
	}))
	defer srv.Close()

	cfg := testConfig(t, false)
	cfg.Alerts.WebhookURL = srv.URL
	saveArtifact(t, "v1", cfg.Model.Path)

	a, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Start()
	defer a.Close()

	// no uploads, so the job fails
	id, err := a.Runner.Enqueue(jobs.DefaultParams())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case alert := <-alerts:
		if alert.Level != monitoring.Error || alert.Metadata["job_id"] != id {
			t.Fatalf("unexpected alert %+v", alert)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no alert delivered")
	}
	if snapshot := a.Metrics.Snapshot(); snapshot.RetrainsFailed != 1 {
		t.Fatalf("expected one failed retrain, got %+v", snapshot)
	}
}
