package inference

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/poultry-check/internal/classifier"
	"github.com/example/poultry-check/internal/labels"
	"github.com/example/poultry-check/internal/preprocess"
)

type stubClassifier struct {
	probs   []float32
	err     error
	shape   []int
	classes []string
	closed  bool
}

func newStub(probs ...float32) *stubClassifier {
	return &stubClassifier{
		probs:   probs,
		shape:   []int{preprocess.Height, preprocess.Width, preprocess.Channels},
		classes: labels.Names(),
	}
}

func (s *stubClassifier) Predict(batch [][]float32) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(batch))
	for i := range batch {
		out[i] = append([]float32(nil), s.probs...)
	}
	return out, nil
}

func (s *stubClassifier) InputShape() []int { return s.shape }
func (s *stubClassifier) Classes() []string { return s.classes }
func (s *stubClassifier) Close() error      { s.closed = true; return nil }

func newTestNetwork(t *testing.T, classes []string) *classifier.Network {
	t.Helper()
	net, err := classifier.NewNetwork(
		[]int{preprocess.Height, preprocess.Width, preprocess.Channels},
		[]int{16, 8}, classes, 42)
	require.NoError(t, err)
	return net
}

func writeArtifact(t *testing.T, net *classifier.Network) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gob")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, classifier.WriteArtifact(f, net))
	require.NoError(t, f.Close())
	return path
}

func sum(values []float32) float64 {
	var s float64
	for _, v := range values {
		s += float64(v)
	}
	return s
}

func TestPredictSoftmaxSumsToOne(t *testing.T) {
	engine, err := New(newTestNetwork(t, labels.Names()), zap.NewNop())
	require.NoError(t, err)

	for name, tensor := range map[string]*preprocess.Tensor{
		"zeros": preprocess.NewTensor(),
		"ones":  preprocess.Filled(1),
	} {
		t.Run(name, func(t *testing.T) {
			pred, err := engine.Predict(tensor)
			require.NoError(t, err)
			require.Len(t, pred.Probabilities, labels.Count)
			assert.InDelta(t, 1.0, sum(pred.Probabilities), 1e-5)
			assert.Equal(t, labels.Names()[Argmax(pred.Probabilities)], pred.PredictedClass)
		})
	}
}

func TestPredictArgmaxTieBreaksToLowestIndex(t *testing.T) {
	cases := []struct {
		probs []float32
		want  string
	}{
		{[]float32{0.4, 0.4, 0.1, 0.1}, labels.Salmonella},
		{[]float32{0.1, 0.3, 0.3, 0.3}, labels.Coccidiosis},
		{[]float32{0.25, 0.25, 0.25, 0.25}, labels.Salmonella},
		{[]float32{0.1, 0.1, 0.1, 0.7}, labels.Healthy},
		{[]float32{0.1, 0.1, 0.6, 0.2}, labels.NewCastleDisease},
	}
	for _, tc := range cases {
		engine, err := New(newStub(tc.probs...), zap.NewNop())
		require.NoError(t, err)

		pred, err := engine.Predict(preprocess.NewTensor())
		require.NoError(t, err)
		assert.Equal(t, tc.want, pred.PredictedClass)
		assert.Equal(t, tc.probs, pred.Probabilities)
	}
}

func TestPredictWrapsClassifierFailure(t *testing.T) {
	stub := newStub(0.25, 0.25, 0.25, 0.25)
	stub.err = errors.New("session exploded")
	engine, err := New(stub, zap.NewNop())
	require.NoError(t, err)

	_, err = engine.Predict(preprocess.NewTensor())
	assert.ErrorIs(t, err, ErrInference)
}

func TestPredictRejectsWrongOutputWidth(t *testing.T) {
	engine, err := New(newStub(0.5, 0.5), zap.NewNop())
	require.NoError(t, err)

	_, err = engine.Predict(preprocess.NewTensor())
	require.ErrorIs(t, err, ErrInference)
	assert.Contains(t, err.Error(), "returned 2 probabilities, want 4")
}

func TestPredictRejectsMalformedTensor(t *testing.T) {
	engine, err := New(newStub(1, 0, 0, 0), zap.NewNop())
	require.NoError(t, err)

	_, err = engine.Predict(&preprocess.Tensor{Data: []float32{1}})
	assert.ErrorIs(t, err, ErrInference)
}

func TestPredictWithoutClassifier(t *testing.T) {
	engine := NewEngine(zap.NewNop())
	_, err := engine.Predict(preprocess.NewTensor())
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.ErrorIs(t, err, ErrInference)
}

func TestLoadMissingArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.gob")

	engine, err := Load(path, zap.NewNop())
	assert.Nil(t, engine)
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	unloaded := NewEngine(zap.NewNop())
	err = unloaded.Load(path)
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	assert.False(t, unloaded.Loaded())
}

func TestLoadCorruptArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.gob")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	engine := NewEngine(zap.NewNop())
	err := engine.Load(path)
	assert.ErrorIs(t, err, ErrLoad)
	assert.False(t, engine.Loaded())
}

func TestLoadRejectsForeignLabelOrder(t *testing.T) {
	shuffled := []string{labels.Healthy, labels.Salmonella, labels.Coccidiosis, labels.NewCastleDisease}
	path := writeArtifact(t, newTestNetwork(t, shuffled))

	_, err := Load(path, zap.NewNop())
	assert.ErrorIs(t, err, ErrLoad)
}

func TestLoadRejectsWrongInputShape(t *testing.T) {
	net, err := classifier.NewNetwork([]int{32, 32, 3}, []int{4}, labels.Names(), 1)
	require.NoError(t, err)

	_, err = Load(writeArtifact(t, net), zap.NewNop())
	assert.ErrorIs(t, err, ErrLoad)
}

func TestLoadNativeArtifact(t *testing.T) {
	net := newTestNetwork(t, labels.Names())
	path := writeArtifact(t, net)

	engine, err := Load(path, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, engine.Loaded())
	assert.Equal(t, path, engine.ArtifactPath())

	tensor := preprocess.Filled(0.5)
	want, err := net.Predict([][]float32{tensor.Data})
	require.NoError(t, err)
	got, err := engine.Predict(tensor)
	require.NoError(t, err)
	assert.Equal(t, want[0], got.Probabilities)

	require.NoError(t, engine.Close())
	assert.False(t, engine.Loaded())
}

func TestNewRejectsIncompatibleClassifier(t *testing.T) {
	stub := newStub(1, 0, 0, 0)
	stub.shape = []int{224, 224, 3}
	_, err := New(stub, zap.NewNop())
	assert.ErrorIs(t, err, ErrLoad)

	_, err = New(nil, zap.NewNop())
	assert.ErrorIs(t, err, ErrLoad)
}

func TestEndToEndBlackJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+3] = 255
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	tensor, err := preprocess.New(zap.NewNop()).FromBytes(buf.Bytes())
	require.NoError(t, err)

	engine, err := New(newTestNetwork(t, labels.Names()), zap.NewNop())
	require.NoError(t, err)
	pred, err := engine.Predict(tensor)
	require.NoError(t, err)

	raw, err := json.Marshal(pred)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Len(t, payload, 2)
	assert.Contains(t, payload, "probabilities")
	assert.Contains(t, labels.Names(), payload["predicted_class"])
	assert.InDelta(t, 1.0, sum(pred.Probabilities), 1e-5)
	assert.Equal(t, pred.Probabilities[pred.ClassIndex], pred.Confidence())
}

func TestPredictConcurrentCallsAgree(t *testing.T) {
	engine, err := New(newTestNetwork(t, labels.Names()), zap.NewNop())
	require.NoError(t, err)
	tensor := preprocess.Filled(0.3)
	want, err := engine.Predict(tensor)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Prediction, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = engine.Predict(tensor)
		}(i)
	}
	wg.Wait()
	for _, got := range results {
		require.NotNil(t, got)
		assert.Equal(t, want.Probabilities, got.Probabilities)
	}
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, 0, Argmax([]float32{1, 1, 1, 1}))
	assert.Equal(t, 2, Argmax([]float32{0, 0.2, 0.5, 0.3}))
	assert.Equal(t, 0, Argmax(nil))
}
