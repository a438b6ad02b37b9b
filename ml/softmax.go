package ml

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Softmax is a multinomial logistic layer: p = softmax(W·x + b).
type Softmax struct {
	weights *mat.Dense    // classes x inputs
	bias    *mat.VecDense // classes
}

func NewSoftmax(classes, inputs int) *Softmax {
	return &Softmax{
		weights: mat.NewDense(classes, inputs, nil),
		bias:    mat.NewVecDense(classes, nil),
	}
}

func softmaxFromRows(weights [][]float64, bias []float64) (*Softmax, error) {
	if len(weights) == 0 || len(weights[0]) == 0 {
		return nil, errors.New("weights empty")
	}
	if len(bias) != len(weights) {
		return nil, fmt.Errorf("bias has %d entries, want %d", len(bias), len(weights))
	}
	inputs := len(weights[0])
	data := make([]float64, 0, len(weights)*inputs)
	for i, row := range weights {
		if len(row) != inputs {
			return nil, fmt.Errorf("weights row %d has %d entries, want %d", i, len(row), inputs)
		}
		data = append(data, row...)
	}
	return &Softmax{
		weights: mat.NewDense(len(weights), inputs, data),
		bias:    mat.NewVecDense(len(bias), append([]float64(nil), bias...)),
	}, nil
}

func (s *Softmax) Classes() int {
	rows, _ := s.weights.Dims()
	return rows
}

func (s *Softmax) InputSize() int {
	_, cols := s.weights.Dims()
	return cols
}

func (s *Softmax) Probabilities(input []float64) ([]float64, error) {
	if len(input) != s.InputSize() {
		return nil, fmt.Errorf("input has %d values, want %d", len(input), s.InputSize())
	}
	return softmax(s.logits(mat.NewVecDense(len(input), input))), nil
}

// Step applies one mini-batch gradient descent update on the cross-entropy
// loss and returns the mean loss of the batch before the update.
func (s *Softmax) Step(batch []Sample, learningRate float64) (float64, error) {
	if len(batch) == 0 {
		return 0, errors.New("batch empty")
	}
	classes, inputs := s.weights.Dims()
	gradW := mat.NewDense(classes, inputs, nil)
	gradB := mat.NewVecDense(classes, nil)
	diff := mat.NewVecDense(classes, nil)

	loss := 0.0
	for _, sample := range batch {
		if len(sample.Input) != inputs {
			return 0, fmt.Errorf("sample has %d values, want %d", len(sample.Input), inputs)
		}
		if sample.Label < 0 || sample.Label >= classes {
			return 0, fmt.Errorf("label index %d out of range", sample.Label)
		}
		x := mat.NewVecDense(inputs, sample.Input)
		probs := softmax(s.logits(x))
		loss += crossEntropy(probs, sample.Label)
		for k, p := range probs {
			if k == sample.Label {
				p -= 1
			}
			diff.SetVec(k, p)
		}
		gradW.RankOne(gradW, 1, diff, x)
		gradB.AddVec(gradB, diff)
	}

	scale := -learningRate / float64(len(batch))
	gradW.Scale(scale, gradW)
	s.weights.Add(s.weights, gradW)
	s.bias.AddScaledVec(s.bias, scale, gradB)

	mean := loss / float64(len(batch))
	if math.IsNaN(mean) || math.IsInf(mean, 0) {
		return mean, errors.New("training diverged")
	}
	return mean, nil
}

func (s *Softmax) Clone() *Softmax {
	return &Softmax{
		weights: mat.DenseCopyOf(s.weights),
		bias:    mat.VecDenseCopyOf(s.bias),
	}
}

func (s *Softmax) rows() ([][]float64, []float64) {
	classes, _ := s.weights.Dims()
	weights := make([][]float64, classes)
	for i := range weights {
		weights[i] = mat.Row(nil, i, s.weights)
	}
	return weights, mat.Col(nil, 0, s.bias)
}

func (s *Softmax) logits(x *mat.VecDense) []float64 {
	var out mat.VecDense
	out.MulVec(s.weights, x)
	out.AddVec(&out, s.bias)
	return append([]float64(nil), out.RawVector().Data...)
}

func softmax(logits []float64) []float64 {
	peak := floats.Max(logits)
	probs := make([]float64, len(logits))
	for i, l := range logits {
		probs[i] = math.Exp(l - peak)
	}
	floats.Scale(1/floats.Sum(probs), probs)
	return probs
}

func crossEntropy(probs []float64, label int) float64 {
	return -math.Log(math.Max(probs[label], 1e-12))
}

// Argmax returns the index of the largest value; ties go to the lowest index.
func Argmax(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}
