package http

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"cassava/app"
	"cassava/config"
	"cassava/ml"
)

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

func encodeImage(t *testing.T, c color.Color, asJPEG bool) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	var err error
	if asJPEG {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// writeModel trains a red/blue classifier and saves it as v1 at path.
func writeModel(t *testing.T, path string) {
	t.Helper()
	base, err := ml.NewArtifact("v1", []string{"red", "blue"}, []string{"Red leaf", "Blue leaf"}, 4, 4)
	if err != nil {
		t.Fatalf("NewArtifact: %v", err)
	}
	var blobs []ml.LabeledBlob
	for i := 0; i < 4; i++ {
		blobs = append(blobs,
			ml.LabeledBlob{Label: "red", Data: encodeImage(t, red, false)},
			ml.LabeledBlob{Label: "blue", Data: encodeImage(t, blue, false)})
	}
	samples, _, err := ml.BuildTrainingSet(base, blobs)
	if err != nil {
		t.Fatalf("BuildTrainingSet: %v", err)
	}
	tuned, err := ml.FineTune(context.Background(), base, samples, ml.TrainParams{
		Epochs: 5, BatchSize: 4, LearningRate: 0.05, Seed: 3,
	})
	if err != nil {
		t.Fatalf("FineTune: %v", err)
	}
	tuned.Version = "v1"
	if err := tuned.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

type testEnv struct {
	app     *app.App
	handler http.Handler
}

func newTestEnv(t *testing.T, withModel bool, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Model.Dir = filepath.Join(dir, "models")
	cfg.Model.Path = filepath.Join(cfg.Model.Dir, "model_v1.json")
	cfg.Model.Labels = []string{"red", "blue"}
	cfg.Model.FullNames = nil
	cfg.Uploads.Dir = filepath.Join(dir, "uploads")
	cfg.Uploads.ArchiveDir = filepath.Join(dir, "archive")
	cfg.Database.Path = filepath.Join(dir, "cassava.db")
	for _, fn := range mutate {
		fn(cfg)
	}
	if withModel {
		writeModel(t, cfg.Model.Path)
	}

	a, err := app.New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	a.Start()
	t.Cleanup(func() { a.Close() })
	return &testEnv{app: a, handler: NewHandler(a)}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

type formFile struct {
	field, name string
	data        []byte
}

func multipartRequest(t *testing.T, path string, fields map[string]string, files ...formFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		part, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(f.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
}
