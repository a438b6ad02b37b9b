package ml

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadModel reads an artifact file and dispatches on its declared format.
// Files without a format field are treated as softmax artifacts.
func LoadModel(path string) (*Artifact, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var header struct {
		Format string `json:"format"`
	}
	if err := json.Unmarshal(payload, &header); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	switch header.Format {
	case FormatSoftmax, "":
		return loadSoftmaxArtifact(path, payload)
	default:
		return nil, fmt.Errorf("unsupported model format %q", header.Format)
	}
}
