package ml

import (
	"errors"
	"math"
	"math/rand"
)

type Sample struct {
	Input []float64
	Label int
}

// LabeledBlob is one raw uploaded image with the label it was filed under.
type LabeledBlob struct {
	Label string
	Name  string
	Data  []byte
}

// BuildTrainingSet decodes blobs for artifact a. Blobs whose label is not in
// the artifact's label set or that fail to decode are skipped and counted.
func BuildTrainingSet(a *Artifact, blobs []LabeledBlob) (samples []Sample, skipped int, err error) {
	if a == nil {
		return nil, 0, errors.New("artifact is required")
	}
	pre := a.Preprocessor()
	samples = make([]Sample, 0, len(blobs))
	for _, blob := range blobs {
		label, ok := a.LabelIndex(blob.Label)
		if !ok {
			skipped++
			continue
		}
		input, err := pre.Transform(blob.Data)
		if err != nil {
			skipped++
			continue
		}
		samples = append(samples, Sample{Input: input, Label: label})
	}
	return samples, skipped, nil
}

// SplitDataset shuffles samples and holds out validationSplit of them. When
// either side would be empty everything goes to training.
func SplitDataset(samples []Sample, validationSplit float64, rnd *rand.Rand) (train, validation []Sample) {
	if validationSplit <= 0 || validationSplit >= 1 || len(samples) < 2 {
		return append([]Sample(nil), samples...), nil
	}
	indices := rnd.Perm(len(samples))

	split := int(math.Round(float64(len(samples)) * (1 - validationSplit)))
	if split <= 0 || split >= len(samples) {
		return append([]Sample(nil), samples...), nil
	}
	for i, idx := range indices {
		if i < split {
			train = append(train, samples[idx])
		} else {
			validation = append(validation, samples[idx])
		}
	}
	return train, validation
}
