// Package predictor serves single-image predictions from the active model
// artifact.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"cassava/ml"
)

var (
	// ErrInvalidInput means the uploaded bytes are not a decodable image.
	ErrInvalidInput = errors.New("invalid image input")
	// ErrModelUnavailable means no artifact has been loaded yet.
	ErrModelUnavailable = errors.New("model not loaded")
)

// Result 预测结果
type Result struct {
	PredictedLabel string             `json:"predicted_label"`
	FullName       string             `json:"full_name"`
	ClassIndex     int                `json:"class_index"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"per_label_probabilities"`
	InferenceMs    float64            `json:"inference_time_ms"`
	ModelVersion   string             `json:"model_version"`
}

// Predictor holds the active artifact. Predict reads the pointer once, so a
// Swap during an in-flight call does not affect that call.
type Predictor struct {
	active atomic.Pointer[ml.Artifact]
	log    *zap.Logger
}

func New(log *zap.Logger) *Predictor {
	return &Predictor{log: log}
}

// Active returns the current artifact or nil.
func (p *Predictor) Active() *ml.Artifact {
	return p.active.Load()
}

// Version returns the active artifact version, or "" when none is loaded.
func (p *Predictor) Version() string {
	if a := p.active.Load(); a != nil {
		return a.Version
	}
	return ""
}

// Swap publishes a and returns the artifact it replaced.
func (p *Predictor) Swap(a *ml.Artifact) *ml.Artifact {
	previous := p.active.Swap(a)
	fields := []zap.Field{zap.String("version", a.Version), zap.String("path", a.FilePath)}
	if previous != nil {
		fields = append(fields, zap.String("previous", previous.Version))
	}
	p.log.Info("model artifact activated", fields...)
	return previous
}

// Adopt activates a only when its version number is above the active one,
// and reports whether it did. It never rolls the active version back.
func (p *Predictor) Adopt(a *ml.Artifact) bool {
	next, ok := ml.VersionNumber(a.Version)
	if !ok {
		return false
	}
	for {
		current := p.active.Load()
		if current != nil {
			if n, ok := ml.VersionNumber(current.Version); ok && n >= next {
				return false
			}
		}
		if p.active.CompareAndSwap(current, a) {
			fields := []zap.Field{zap.String("version", a.Version), zap.String("path", a.FilePath)}
			if current != nil {
				fields = append(fields, zap.String("previous", current.Version))
			}
			p.log.Info("model artifact adopted", fields...)
			return true
		}
	}
}

// LoadFile loads the artifact at path and activates it. On error the current
// artifact stays active.
func (p *Predictor) LoadFile(path string) (*ml.Artifact, error) {
	a, err := ml.LoadModel(path)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	p.Swap(a)
	return a, nil
}

func (p *Predictor) Predict(ctx context.Context, raw []byte) (*Result, error) {
	artifact := p.active.Load()
	if artifact == nil {
		return nil, ErrModelUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	input, err := artifact.Preprocessor().Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	probs, err := artifact.Probabilities(input)
	if err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}
	elapsed := time.Since(start)

	best := ml.Argmax(probs)
	perLabel := make(map[string]float64, len(probs))
	for i, p := range probs {
		perLabel[artifact.Labels[i]] = p
	}
	return &Result{
		PredictedLabel: artifact.Labels[best],
		FullName:       artifact.FullName(best),
		ClassIndex:     best,
		Confidence:     probs[best],
		Probabilities:  perLabel,
		InferenceMs:    float64(elapsed.Microseconds()) / 1000.0,
		ModelVersion:   artifact.Version,
	}, nil
}
