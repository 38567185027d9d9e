// Package classifier provides the model backends behind the inference engine:
// a dense network trained in-process and persisted with its own artifact
// format, and an ONNX Runtime backend for networks exported elsewhere.
package classifier

import "errors"

var (
	// ErrCorruptArtifact is returned when an artifact cannot be decoded.
	ErrCorruptArtifact = errors.New("corrupt classifier artifact")
	// ErrShapeMismatch is returned when layer or batch dimensions disagree.
	ErrShapeMismatch = errors.New("classifier shape mismatch")
)

// Classifier maps a batch of flattened input tensors to per-class probabilities.
type Classifier interface {
	// Predict returns one probability row per input row.
	Predict(batch [][]float32) ([][]float32, error)
	// InputShape is the shape of a single input, without the batch dimension.
	InputShape() []int
	// Classes lists class names in output order.
	Classes() []string
	Close() error
}

// InputLen returns the flattened length of shape.
func InputLen(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
