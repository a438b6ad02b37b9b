package ml

// Classifier maps a preprocessed input tensor to a probability vector.
type Classifier interface {
	Probabilities(input []float64) ([]float64, error)
	Classes() int
	InputSize() int
}
