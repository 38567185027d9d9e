// Package inference owns the loaded classifier and turns preprocessed tensors
// into labelled predictions.
package inference

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/example/poultry-check/internal/classifier"
	"github.com/example/poultry-check/internal/labels"
	"github.com/example/poultry-check/internal/preprocess"
)

var (
	// ErrArtifactNotFound is returned when the artifact path does not exist.
	ErrArtifactNotFound = errors.New("classifier artifact not found")
	// ErrLoad is returned when an artifact is corrupt or incompatible.
	ErrLoad = errors.New("classifier artifact load failed")
	// ErrInference is returned when the classifier invocation fails.
	ErrInference = errors.New("inference failed")
	// ErrNotLoaded is returned by Predict on an engine without a classifier.
	ErrNotLoaded = fmt.Errorf("%w: classifier not loaded", ErrInference)
)

// Prediction is the labelled classifier output for one image.
type Prediction struct {
	Probabilities  []float32 `json:"probabilities"`
	PredictedClass string    `json:"predicted_class"`
	ClassIndex     int       `json:"-"`
}

// Confidence returns the probability of the predicted class.
func (p *Prediction) Confidence() float32 {
	if p == nil || p.ClassIndex < 0 || p.ClassIndex >= len(p.Probabilities) {
		return 0
	}
	return p.Probabilities[p.ClassIndex]
}

// Option customises how an Engine opens artifacts.
type Option func(*Engine)

// WithONNXLibrary sets the onnxruntime shared library used for .onnx artifacts.
func WithONNXLibrary(path string) Option {
	return func(e *Engine) { e.onnx.SharedLibraryPath = path }
}

// WithONNXNames sets the input and output node names of .onnx artifacts.
func WithONNXNames(input, output string) Option {
	return func(e *Engine) {
		e.onnx.InputName = input
		e.onnx.OutputName = output
	}
}

// Engine wraps a loaded classifier. Predict never mutates engine state.
type Engine struct {
	mu     sync.RWMutex
	clf    classifier.Classifier
	path   string
	logger *zap.Logger
	onnx   classifier.ONNXOptions
}

// NewEngine returns an engine that holds no classifier yet.
func NewEngine(logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{logger: logger.Named("inference")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load opens the artifact at path and returns a ready engine.
func Load(path string, logger *zap.Logger, opts ...Option) (*Engine, error) {
	e := NewEngine(logger, opts...)
	if err := e.Load(path); err != nil {
		return nil, err
	}
	return e, nil
}

// New wraps an already constructed classifier, e.g. a stub in tests.
func New(clf classifier.Classifier, logger *zap.Logger) (*Engine, error) {
	if clf == nil {
		return nil, fmt.Errorf("%w: nil classifier", ErrLoad)
	}
	if err := checkCompatible(clf); err != nil {
		return nil, err
	}
	e := NewEngine(logger)
	e.clf = clf
	return e, nil
}

// Load opens the artifact at path, replacing nothing on failure. Files with an
// .onnx extension go through ONNX Runtime, anything else is read as a native
// network artifact.
func (e *Engine) Load(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			e.logger.Error("classifier artifact missing", zap.String("path", path))
			return fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
		}
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	clf, err := e.open(path)
	if err != nil {
		e.logger.Error("failed to load classifier", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrLoad, path, err)
	}
	if err := checkCompatible(clf); err != nil {
		_ = clf.Close()
		e.logger.Error("incompatible classifier artifact", zap.String("path", path), zap.Error(err))
		return err
	}

	e.mu.Lock()
	previous := e.clf
	e.clf = clf
	e.path = path
	e.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}

	e.logger.Info("classifier loaded",
		zap.String("path", path),
		zap.Ints("input_shape", clf.InputShape()),
		zap.Strings("classes", clf.Classes()),
	)
	return nil
}

func (e *Engine) open(path string) (classifier.Classifier, error) {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		opts := e.onnx
		opts.InputShape = []int{preprocess.Height, preprocess.Width, preprocess.Channels}
		opts.Classes = labels.Names()
		return classifier.OpenONNX(path, opts)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return classifier.ReadArtifact(f)
}

func checkCompatible(clf classifier.Classifier) error {
	want := []int{preprocess.Height, preprocess.Width, preprocess.Channels}
	if got := clf.InputShape(); !slices.Equal(got, want) {
		return fmt.Errorf("%w: input shape %v, want %v", ErrLoad, got, want)
	}
	if classes := clf.Classes(); !labels.Matches(classes) {
		return fmt.Errorf("%w: classes %q do not match label set %q", ErrLoad, classes, labels.Names())
	}
	return nil
}

// Loaded reports whether the engine holds a classifier.
func (e *Engine) Loaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clf != nil
}

// ArtifactPath returns the path of the loaded artifact, if any.
func (e *Engine) ArtifactPath() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.path
}

// Predict classifies a single preprocessed tensor.
func (e *Engine) Predict(tensor *preprocess.Tensor) (*Prediction, error) {
	if err := tensor.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.clf == nil {
		return nil, ErrNotLoaded
	}

	out, err := e.clf.Predict([][]float32{tensor.Data})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: classifier returned %d rows, want 1", ErrInference, len(out))
	}
	if len(out[0]) != labels.Count {
		return nil, fmt.Errorf("%w: classifier returned %d probabilities, want %d", ErrInference, len(out[0]), labels.Count)
	}

	probs := append([]float32(nil), out[0]...)
	idx := Argmax(probs)
	name, err := labels.Name(idx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	e.logger.Debug("prediction",
		zap.String("predicted_class", name),
		zap.Float32s("probabilities", probs),
	)
	return &Prediction{Probabilities: probs, PredictedClass: name, ClassIndex: idx}, nil
}

// Close releases the classifier. The engine reports itself unloaded afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clf == nil {
		return nil
	}
	err := e.clf.Close()
	e.clf = nil
	e.path = ""
	return err
}

// Argmax returns the index of the largest value; the first maximum wins.
func Argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
