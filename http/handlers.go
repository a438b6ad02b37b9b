package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"cassava/app"
	"cassava/jobs"
	"cassava/monitoring"
	"cassava/predictor"
	"cassava/retrain"
	"cassava/uploads"
)

const multipartMemory = 8 << 20

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true}

// uploads without a label are filed here, if the label set has it
const defaultUploadLabel = "Unknown"

type handlers struct {
	app *app.App
	log *zap.Logger
}

func (h *handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":       "cassava leaf disease classifier",
		"model_version": h.app.Predictor.Version(),
		"labels":        h.app.Labels(),
		"endpoints": []string{
			"POST /predict", "POST /retrain", "GET /retrain_status/{job_id}", "GET /retrain_jobs",
			"POST /upload_training_data", "GET /health", "GET /model_info", "GET /metrics",
			"GET /dataset_stats", "GET /model_versions", "GET /training_log", "GET /ws/jobs",
		},
	})
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	version := h.app.Predictor.Version()
	status := "healthy"
	if version == "" {
		status = "unhealthy"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":           status,
		"model_loaded":     version != "",
		"model_version":    version,
		"uptime_seconds":   h.app.Uptime().Seconds(),
		"pending_retrains": h.app.Runner.Pending(),
	})
}

func (h *handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		h.respondFormError(w, err)
		return
	}
	header := firstFile(r.MultipartForm, "file", "image")
	if header == nil {
		respondError(w, http.StatusBadRequest, "no image uploaded, use multipart field 'file'")
		return
	}
	raw, err := readFile(header)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("read upload: %v", err))
		return
	}

	result, err := h.app.Predictor.Predict(r.Context(), raw)
	switch {
	case err == nil:
	case errors.Is(err, predictor.ErrInvalidInput):
		h.app.Metrics.RecordError()
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, predictor.ErrModelUnavailable):
		h.app.Metrics.RecordError()
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		h.app.Metrics.RecordError()
		h.log.Error("prediction failed", zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "prediction failed")
		return
	}

	h.app.Metrics.Record(result.PredictedLabel, result.InferenceMs)
	respondJSON(w, http.StatusOK, result)
}

func (h *handlers) handleRetrain(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondFormError(w, err)
		return
	}
	params := jobs.DefaultParams()
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
			return
		}
	}

	id, err := h.app.Runner.Enqueue(params)
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrInvalidParams):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, retrain.ErrQueueFull), errors.Is(err, retrain.ErrStopped):
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		h.log.Error("enqueue retrain", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not start retraining")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":     id,
		"status":     "started",
		"message":    "Retraining started in background",
		"parameters": params,
	})
}

func (h *handlers) handleRetrainStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.app.Tracker.Get(r.PathValue("job_id"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (h *handlers) handleRetrainJobs(w http.ResponseWriter, r *http.Request) {
	list := h.app.Tracker.List()
	byID := make(map[string]jobs.Job, len(list))
	order := make([]string, len(list))
	for i, job := range list {
		byID[job.ID] = job
		order[i] = job.ID
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"total_jobs": len(list),
		"jobs":       byID,
		"order":      order,
	})
}

func (h *handlers) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		h.respondFormError(w, err)
		return
	}
	raw := r.FormValue("label")
	if strings.TrimSpace(raw) == "" {
		raw = defaultUploadLabel
	}
	label, err := uploads.CanonicalLabel(raw, h.app.Labels())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	files := append(r.MultipartForm.File["files"], r.MultipartForm.File["file"]...)
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no files uploaded, use multipart field 'files'")
		return
	}

	uploaded, skipped := 0, 0
	for _, header := range files {
		if !imageExtensions[strings.ToLower(filepath.Ext(header.Filename))] {
			skipped++
			continue
		}
		data, err := readFile(header)
		if err != nil {
			skipped++
			continue
		}
		if _, err := h.app.Uploads.Save(label, header.Filename, data); err != nil {
			if errors.Is(err, uploads.ErrEmptyFile) {
				skipped++
				continue
			}
			h.log.Error("save upload", zap.String("label", label), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "could not store upload")
			return
		}
		uploaded++
	}

	h.log.Info("training images uploaded", zap.String("label", label),
		zap.Int("uploaded", uploaded), zap.Int("skipped", skipped))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"uploaded_count": uploaded,
		"skipped_count":  skipped,
		"label":          label,
		"saved_path":     h.app.Uploads.LabelDir(label),
		"message":        fmt.Sprintf("Uploaded %d images for label %s", uploaded, label),
	})
}

func (h *handlers) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	active := h.app.Predictor.Active()
	if active == nil {
		respondError(w, http.StatusServiceUnavailable, predictor.ErrModelUnavailable.Error())
		return
	}
	respondJSON(w, http.StatusOK, active)
}

func (h *handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts := h.app.Tracker.Counts()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"inference": h.app.Metrics.Snapshot(),
		"jobs": map[string]int{
			"queued":    counts[jobs.StatusQueued],
			"running":   counts[jobs.StatusRunning],
			"completed": counts[jobs.StatusCompleted],
			"failed":    counts[jobs.StatusFailed],
		},
		"websocket_clients": h.app.Hub.ClientCount(),
		"alerts":            h.app.Alerts.Stats(),
		"recent_alerts":     h.app.Alerts.Recent(),
		"system":            monitoring.SystemStats(),
	})
}

func (h *handlers) handleDatasetStats(w http.ResponseWriter, r *http.Request) {
	labels := h.app.Labels()
	stored := h.app.Uploads.Counts()
	counts := make(map[string]int, len(labels))
	total := 0
	for _, label := range labels {
		counts[label] = stored[label]
		total += stored[label]
	}
	stats := map[string]interface{}{
		"labels":       labels,
		"label_counts": counts,
		"total_images": total,
	}
	if active := h.app.Predictor.Active(); active != nil {
		stats["input_resolution"] = []int{active.InputShape[0], active.InputShape[1]}
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *handlers) handleModelVersions(w http.ResponseWriter, r *http.Request) {
	if h.app.Registry == nil {
		respondError(w, http.StatusServiceUnavailable, "model registry disabled")
		return
	}
	versions, err := h.app.Registry.ListModelVersions(r.Context())
	if err != nil {
		h.log.Error("list model versions", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not read model registry")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"active":   h.app.Predictor.Version(),
		"versions": versions,
	})
}

func (h *handlers) handleTrainingLog(w http.ResponseWriter, r *http.Request) {
	if h.app.Registry == nil {
		respondError(w, http.StatusServiceUnavailable, "model registry disabled")
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	logs, err := h.app.Registry.LoadTrainingLog(r.Context(), limit)
	if err != nil {
		h.log.Error("load training log", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not read training log")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": logs})
}

func (h *handlers) respondFormError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
}

func firstFile(form *multipart.Form, fields ...string) *multipart.FileHeader {
	for _, field := range fields {
		if files := form.File[field]; len(files) > 0 {
			return files[0]
		}
	}
	return nil
}

func readFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
