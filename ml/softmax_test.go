package ml

import (
	"math"
	"testing"
)

func TestSoftmaxUntrainedIsUniform(t *testing.T) {
	model := NewSoftmax(4, 6)
	probs, err := model.Probabilities(make([]float64, 6))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, p := range probs {
		if math.Abs(p-0.25) > 1e-12 {
			t.Fatalf("probability[%d] = %f, want 0.25", i, p)
		}
	}
	if Argmax(probs) != 0 {
		t.Fatalf("ties must resolve to the lowest index")
	}
}

func TestSoftmaxProbabilitiesSumToOne(t *testing.T) {
	model, err := softmaxFromRows([][]float64{{1, -2, 3}, {0.5, 0.5, 0.5}, {-4, 2, 9}}, []float64{0.1, -0.3, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inputs := [][]float64{{0, 0, 0}, {1, 2, 3}, {-100, 50, 200}, {1e3, -1e3, 1e3}}
	for _, input := range inputs {
		probs, err := model.Probabilities(input)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sum := 0.0
		for _, p := range probs {
			if p < 0 || p > 1 || math.IsNaN(p) {
				t.Fatalf("invalid probability %f for %v", p, input)
			}
			sum += p
		}
		if math.Abs(sum-1) > 1e-4 {
			t.Fatalf("probabilities sum to %f for %v", sum, input)
		}
	}
}

func TestSoftmaxRejectsWrongInputSize(t *testing.T) {
	model := NewSoftmax(2, 3)
	if _, err := model.Probabilities([]float64{1}); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestSoftmaxStepReducesLoss(t *testing.T) {
	model := NewSoftmax(2, 2)
	batch := []Sample{
		{Input: []float64{1, 0}, Label: 0},
		{Input: []float64{0, 1}, Label: 1},
	}
	first, err := model.Step(batch, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var last float64
	for i := 0; i < 50; i++ {
		if last, err = model.Step(batch, 0.5); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if last >= first {
		t.Fatalf("expected loss to decrease, first=%f last=%f", first, last)
	}
}

func TestSoftmaxStepRejectsBadLabel(t *testing.T) {
	model := NewSoftmax(2, 1)
	if _, err := model.Step([]Sample{{Input: []float64{1}, Label: 2}}, 0.1); err == nil {
		t.Fatal("expected error for out of range label")
	}
}

func TestArgmax(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   int
	}{
		{name: "single", values: []float64{0.3}, want: 0},
		{name: "last", values: []float64{0.1, 0.2, 0.7}, want: 2},
		{name: "tie", values: []float64{0.2, 0.4, 0.4}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Argmax(tt.values); got != tt.want {
				t.Errorf("Argmax(%v) = %d, want %d", tt.values, got, tt.want)
			}
		})
	}
}
