package ml

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

type TrainParams struct {
	Epochs          int
	BatchSize       int
	LearningRate    float64
	ValidationSplit float64
	// Patience stops training after this many epochs without validation loss
	// improvement and restores the best weights. 0 or less disables early
	// stopping.
	Patience int
	Seed     int64
	OnEpoch  func(EpochStats)
}

type EpochStats struct {
	Epoch         int
	Loss          float64
	Accuracy      float64
	ValLoss       float64
	ValAccuracy   float64
	HasValidation bool
}

func (p TrainParams) validate() error {
	if p.Epochs <= 0 {
		return errors.New("epochs must be positive")
	}
	if p.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	if p.LearningRate <= 0 {
		return errors.New("learning rate must be positive")
	}
	return nil
}

// FineTune trains a clone of base on samples and returns it with Metrics and
// TrainedAt set. base is never modified. The context is checked between
// batches.
func FineTune(ctx context.Context, base *Artifact, samples []Sample, params TrainParams) (*Artifact, error) {
	if base == nil || base.model == nil {
		return nil, errors.New("base model not loaded")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.New("no training samples")
	}

	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rnd := rand.New(rand.NewSource(seed))
	train, validation := SplitDataset(samples, params.ValidationSplit, rnd)

	tuned := base.Clone()
	model := tuned.model

	var (
		best     *Softmax
		bestLoss = 0.0
		wait     int
		epochs   int
	)
	for epoch := 1; epoch <= params.Epochs; epoch++ {
		rnd.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
		for start := 0; start < len(train); start += params.BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			end := start + params.BatchSize
			if end > len(train) {
				end = len(train)
			}
			if _, err := model.Step(train[start:end], params.LearningRate); err != nil {
				return nil, fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}
		epochs = epoch

		stats := EpochStats{Epoch: epoch}
		stats.Loss, stats.Accuracy = Evaluate(model, train)
		if len(validation) > 0 {
			stats.HasValidation = true
			stats.ValLoss, stats.ValAccuracy = Evaluate(model, validation)
		}
		if params.OnEpoch != nil {
			params.OnEpoch(stats)
		}

		if !stats.HasValidation || params.Patience <= 0 {
			continue
		}
		if best == nil || stats.ValLoss < bestLoss {
			best = model.Clone()
			bestLoss = stats.ValLoss
			wait = 0
			continue
		}
		wait++
		if wait >= params.Patience {
			break
		}
	}
	if best != nil {
		tuned.model = best
		model = best
	}

	metrics := &Metrics{
		EpochsTrained:     epochs,
		Samples:           len(train),
		ValidationSamples: len(validation),
	}
	metrics.Loss, metrics.Accuracy = Evaluate(model, train)
	if len(validation) > 0 {
		valLoss, valAccuracy := Evaluate(model, validation)
		metrics.ValLoss, metrics.ValAccuracy = &valLoss, &valAccuracy
	}
	tuned.Metrics = metrics
	tuned.TrainedAt = time.Now().UTC()
	tuned.FilePath = ""
	return tuned, nil
}

// Evaluate returns mean cross-entropy loss and accuracy of c over samples.
func Evaluate(c Classifier, samples []Sample) (loss, accuracy float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	correct := 0
	for _, sample := range samples {
		probs, err := c.Probabilities(sample.Input)
		if err != nil {
			continue
		}
		loss += crossEntropy(probs, sample.Label)
		if Argmax(probs) == sample.Label {
			correct++
		}
	}
	n := float64(len(samples))
	return loss / n, float64(correct) / n
}
