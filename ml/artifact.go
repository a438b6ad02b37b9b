package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const FormatSoftmax = "softmax"

// Metrics summarises the training run that produced an artifact.
type Metrics struct {
	Accuracy          float64  `json:"accuracy"`
	Loss              float64  `json:"loss"`
	ValAccuracy       *float64 `json:"val_accuracy,omitempty"`
	ValLoss           *float64 `json:"val_loss,omitempty"`
	EpochsTrained     int      `json:"epochs_trained"`
	Samples           int      `json:"samples"`
	ValidationSamples int      `json:"validation_samples"`
}

// Artifact is a versioned, immutable-once-published classifier plus the
// metadata needed to feed it. InputShape is height, width, channels.
type Artifact struct {
	Version       string        `json:"version"`
	FilePath      string        `json:"file_path"`
	InputShape    [3]int        `json:"input_shape"`
	Labels        []string      `json:"labels"`
	FullNames     []string      `json:"full_names,omitempty"`
	Normalization Normalization `json:"normalization"`
	TrainedAt     time.Time     `json:"trained_at"`
	Metrics       *Metrics      `json:"metrics,omitempty"`

	model *Softmax
}

type artifactFile struct {
	Format        string        `json:"format"`
	Version       string        `json:"version"`
	InputShape    [3]int        `json:"input_shape"`
	Labels        []string      `json:"labels"`
	FullNames     []string      `json:"full_names,omitempty"`
	Normalization Normalization `json:"normalization"`
	TrainedAt     time.Time     `json:"trained_at"`
	Metrics       *Metrics      `json:"metrics,omitempty"`
	Weights       [][]float64   `json:"weights"`
	Bias          []float64     `json:"bias"`
}

// NewArtifact returns an untrained artifact that predicts the uniform
// distribution over labels.
func NewArtifact(version string, labels, fullNames []string, height, width int) (*Artifact, error) {
	if len(labels) == 0 {
		return nil, errors.New("labels empty")
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid input size %dx%d", height, width)
	}
	if len(fullNames) != 0 && len(fullNames) != len(labels) {
		return nil, errors.New("full names must match labels")
	}
	return &Artifact{
		Version:       version,
		InputShape:    [3]int{height, width, 3},
		Labels:        append([]string(nil), labels...),
		FullNames:     append([]string(nil), fullNames...),
		Normalization: ImageNetNormalization,
		model:         NewSoftmax(len(labels), 3*height*width),
	}, nil
}

// Probabilities runs one forward pass; it never mutates the artifact.
func (a *Artifact) Probabilities(input []float64) ([]float64, error) {
	if a.model == nil {
		return nil, errors.New("model not trained")
	}
	return a.model.Probabilities(input)
}

func (a *Artifact) Preprocessor() *Preprocessor {
	return &Preprocessor{Height: a.InputShape[0], Width: a.InputShape[1], Norm: a.Normalization}
}

// FullName falls back to the short label when no full names are declared.
func (a *Artifact) FullName(index int) string {
	if index < len(a.FullNames) && a.FullNames[index] != "" {
		return a.FullNames[index]
	}
	return a.Labels[index]
}

func (a *Artifact) LabelIndex(label string) (int, bool) {
	for i, l := range a.Labels {
		if l == label {
			return i, true
		}
	}
	return -1, false
}

// Clone deep-copies the artifact so the copy can be trained without touching
// the published one.
func (a *Artifact) Clone() *Artifact {
	clone := *a
	clone.Labels = append([]string(nil), a.Labels...)
	clone.FullNames = append([]string(nil), a.FullNames...)
	if a.Metrics != nil {
		metrics := *a.Metrics
		clone.Metrics = &metrics
	}
	clone.model = a.model.Clone()
	return &clone
}

// Save writes the artifact atomically (temp file + rename) and records path.
func (a *Artifact) Save(path string) error {
	if a.model == nil {
		return errors.New("model not trained")
	}
	weights, bias := a.model.rows()
	payload, err := json.Marshal(artifactFile{
		Format:        FormatSoftmax,
		Version:       a.Version,
		InputShape:    a.InputShape,
		Labels:        a.Labels,
		FullNames:     a.FullNames,
		Normalization: a.Normalization,
		TrainedAt:     a.TrainedAt,
		Metrics:       a.Metrics,
		Weights:       weights,
		Bias:          bias,
	})
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	a.FilePath = path
	return nil
}

func loadSoftmaxArtifact(path string, payload []byte) (*Artifact, error) {
	var file artifactFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	height, width, channels := file.InputShape[0], file.InputShape[1], file.InputShape[2]
	if height <= 0 || width <= 0 || channels != 3 {
		return nil, fmt.Errorf("artifact %s: unsupported input shape %v", path, file.InputShape)
	}
	if len(file.Labels) == 0 {
		return nil, fmt.Errorf("artifact %s: no labels", path)
	}
	if len(file.FullNames) != 0 && len(file.FullNames) != len(file.Labels) {
		return nil, fmt.Errorf("artifact %s: full names do not match labels", path)
	}
	model, err := softmaxFromRows(file.Weights, file.Bias)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", path, err)
	}
	if model.Classes() != len(file.Labels) || model.InputSize() != height*width*channels {
		return nil, fmt.Errorf("artifact %s: weights %dx%d do not match %d labels and shape %v",
			path, model.Classes(), model.InputSize(), len(file.Labels), file.InputShape)
	}
	norm := file.Normalization
	if norm.isZero() {
		norm = ImageNetNormalization
	}
	for _, std := range norm.Std {
		if std == 0 {
			return nil, fmt.Errorf("artifact %s: zero normalization std", path)
		}
	}

	return &Artifact{
		Version:       file.Version,
		FilePath:      path,
		InputShape:    file.InputShape,
		Labels:        file.Labels,
		FullNames:     file.FullNames,
		Normalization: norm,
		TrainedAt:     file.TrainedAt,
		Metrics:       file.Metrics,
		model:         model,
	}, nil
}

// VersionNumber parses "v<N>".
func VersionNumber(version string) (int, bool) {
	rest, ok := strings.CutPrefix(version, "v")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// NextVersion returns "v<N+1>" where N is the larger of current's number and
// floor. Unparsable versions count as 0.
func NextVersion(current string, floor int) string {
	n, _ := VersionNumber(current)
	if floor > n {
		n = floor
	}
	return "v" + strconv.Itoa(n+1)
}
