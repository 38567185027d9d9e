package classifier

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXOptions configures the ONNX Runtime backend.
type ONNXOptions struct {
	// SharedLibraryPath points at libonnxruntime; empty uses the loader default.
	SharedLibraryPath string
	InputName         string
	OutputName        string
	InputShape        []int
	Classes           []string
}

var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		return
	}
	envRefs--
	if envRefs == 0 {
		_ = ort.DestroyEnvironment()
	}
}

// ONNXClassifier runs a single-image ONNX model whose output is already a
// softmax vector. The session is bound to preallocated tensors, so Predict
// calls are serialised.
type ONNXClassifier struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputShape   []int
	classes      []string
	closed       bool
}

var _ Classifier = (*ONNXClassifier)(nil)

// OpenONNX creates a session for the model at path with input
// [1, InputShape...] and output [1, len(Classes)].
func OpenONNX(path string, opts ONNXOptions) (*ONNXClassifier, error) {
	if InputLen(opts.InputShape) == 0 || len(opts.Classes) == 0 {
		return nil, fmt.Errorf("%w: onnx options need an input shape and classes", ErrShapeMismatch)
	}
	if opts.InputName == "" {
		opts.InputName = "input"
	}
	if opts.OutputName == "" {
		opts.OutputName = "output"
	}

	if err := acquireEnvironment(opts.SharedLibraryPath); err != nil {
		return nil, err
	}

	dims := make([]int64, 0, len(opts.InputShape)+1)
	dims = append(dims, 1)
	for _, d := range opts.InputShape {
		dims = append(dims, int64(d))
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(dims...))
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(opts.Classes))))
	if err != nil {
		inputTensor.Destroy()
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(path,
		[]string{opts.InputName}, []string{opts.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		releaseEnvironment()
		return nil, fmt.Errorf("%w: failed to create ONNX session: %v", ErrCorruptArtifact, err)
	}

	return &ONNXClassifier{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputShape:   append([]int(nil), opts.InputShape...),
		classes:      append([]string(nil), opts.Classes...),
	}, nil
}

// InputShape implements Classifier.
func (c *ONNXClassifier) InputShape() []int { return append([]int(nil), c.inputShape...) }

// Classes implements Classifier.
func (c *ONNXClassifier) Classes() []string { return append([]string(nil), c.classes...) }

// Predict implements Classifier, running the session once per batch row.
func (c *ONNXClassifier) Predict(batch [][]float32) ([][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("onnx session closed")
	}

	width := InputLen(c.inputShape)
	out := make([][]float32, 0, len(batch))
	for i, row := range batch {
		if len(row) != width {
			return nil, fmt.Errorf("%w: sample %d has %d values, want %d", ErrShapeMismatch, i, len(row), width)
		}
		copy(c.inputTensor.GetData(), row)
		if err := c.session.Run(); err != nil {
			return nil, fmt.Errorf("inference failed: %w", err)
		}
		out = append(out, append([]float32(nil), c.outputTensor.GetData()...))
	}
	return out, nil
}

// Close releases the session, its tensors and the shared environment.
func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.inputTensor != nil {
		c.inputTensor.Destroy()
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
	}
	if c.session != nil {
		c.session.Destroy()
	}
	releaseEnvironment()
	return nil
}
