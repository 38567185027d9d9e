package classifier

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Activation names a layer's element-wise output function.
type Activation string

const (
	ReLU    Activation = "relu"
	Softmax Activation = "softmax"
)

// Layer is a fully connected layer: out = act(in · Weights + Bias).
type Layer struct {
	Weights    *mat.Dense    // inputs × outputs
	Bias       *mat.VecDense // outputs
	Activation Activation
}

// Network is a feed-forward classifier over a flattened input tensor: ReLU
// hidden layers followed by a softmax output layer. Prediction does not
// mutate the network, so a trained Network is safe for concurrent Predict
// calls.
type Network struct {
	inputShape []int
	classes    []string
	layers     []*Layer
}

var _ Classifier = (*Network)(nil)

// NewNetwork builds a Glorot-uniform initialised network with the given hidden
// layer widths and one output per class.
func NewNetwork(inputShape []int, hidden []int, classes []string, seed int64) (*Network, error) {
	in := InputLen(inputShape)
	if in == 0 {
		return nil, fmt.Errorf("%w: empty input shape", ErrShapeMismatch)
	}
	if len(classes) < 2 {
		return nil, fmt.Errorf("%w: need at least two classes, got %d", ErrShapeMismatch, len(classes))
	}

	rng := rand.New(rand.NewSource(seed))
	widths := append(append([]int{in}, hidden...), len(classes))
	layers := make([]*Layer, 0, len(widths)-1)
	for i := 1; i < len(widths); i++ {
		if widths[i] <= 0 {
			return nil, fmt.Errorf("%w: layer %d has width %d", ErrShapeMismatch, i, widths[i])
		}
		act := ReLU
		if i == len(widths)-1 {
			act = Softmax
		}
		layers = append(layers, &Layer{
			Weights:    glorotUniform(rng, widths[i-1], widths[i]),
			Bias:       mat.NewVecDense(widths[i], nil),
			Activation: act,
		})
	}
	return newNetwork(inputShape, classes, layers)
}

func newNetwork(inputShape []int, classes []string, layers []*Layer) (*Network, error) {
	n := &Network{
		inputShape: append([]int(nil), inputShape...),
		classes:    append([]string(nil), classes...),
		layers:     layers,
	}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Network) validate() error {
	if len(n.layers) == 0 {
		return fmt.Errorf("%w: network has no layers", ErrShapeMismatch)
	}
	width := InputLen(n.inputShape)
	for i, l := range n.layers {
		if l.Weights == nil || l.Bias == nil {
			return fmt.Errorf("%w: layer %d is missing parameters", ErrShapeMismatch, i)
		}
		rows, cols := l.Weights.Dims()
		if rows != width {
			return fmt.Errorf("%w: layer %d expects %d inputs, previous layer yields %d", ErrShapeMismatch, i, rows, width)
		}
		if l.Bias.Len() != cols {
			return fmt.Errorf("%w: layer %d bias has %d values, want %d", ErrShapeMismatch, i, l.Bias.Len(), cols)
		}
		last := i == len(n.layers)-1
		switch {
		case last && l.Activation != Softmax:
			return fmt.Errorf("%w: output layer activation %q, want softmax", ErrShapeMismatch, l.Activation)
		case !last && l.Activation != ReLU:
			return fmt.Errorf("%w: hidden layer %d activation %q, want relu", ErrShapeMismatch, i, l.Activation)
		}
		width = cols
	}
	if width != len(n.classes) {
		return fmt.Errorf("%w: network yields %d outputs for %d classes", ErrShapeMismatch, width, len(n.classes))
	}
	return nil
}

// InputShape implements Classifier.
func (n *Network) InputShape() []int { return append([]int(nil), n.inputShape...) }

// Classes implements Classifier.
func (n *Network) Classes() []string { return append([]string(nil), n.classes...) }

// Close implements Classifier; a Network holds no native resources.
func (n *Network) Close() error { return nil }

// Predict implements Classifier.
func (n *Network) Predict(batch [][]float32) ([][]float32, error) {
	x, err := NewBatch(batch, InputLen(n.inputShape))
	if err != nil {
		return nil, err
	}
	acts := n.forward(x)
	probs := acts[len(acts)-1]

	rows, cols := probs.Dims()
	out := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		row := probs.RawRowView(i)
		out[i] = make([]float32, cols)
		for j, v := range row {
			out[i][j] = float32(v)
		}
	}
	return out, nil
}

// NewBatch packs rows of width values into a matrix, one sample per row.
func NewBatch(rows [][]float32, width int) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}
	data := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: sample %d has %d values, want %d", ErrShapeMismatch, i, len(row), width)
		}
		for _, v := range row {
			data = append(data, float64(v))
		}
	}
	return mat.NewDense(len(rows), width, data), nil
}

// forward returns the input followed by every layer's activations.
func (n *Network) forward(x *mat.Dense) []*mat.Dense {
	acts := make([]*mat.Dense, 0, len(n.layers)+1)
	acts = append(acts, x)
	a := x
	for _, l := range n.layers {
		a = l.forward(a)
		acts = append(acts, a)
	}
	return acts
}

func (l *Layer) forward(in *mat.Dense) *mat.Dense {
	out := &mat.Dense{}
	out.Mul(in, l.Weights)
	rows, cols := out.Dims()
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		for j := 0; j < cols; j++ {
			row[j] += l.Bias.AtVec(j)
		}
		switch l.Activation {
		case ReLU:
			relu(row)
		case Softmax:
			softmax(row)
		}
	}
	return out
}

func relu(row []float64) {
	for i, v := range row {
		if v < 0 {
			row[i] = 0
		}
	}
}

func softmax(row []float64) {
	peak := math.Inf(-1)
	for _, v := range row {
		if v > peak {
			peak = v
		}
	}
	var sum float64
	for i, v := range row {
		e := math.Exp(v - peak)
		row[i] = e
		sum += e
	}
	for i := range row {
		row[i] /= sum
	}
}

func glorotUniform(rng *rand.Rand, in, out int) *mat.Dense {
	limit := math.Sqrt(6 / float64(in+out))
	data := make([]float64, in*out)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return mat.NewDense(in, out, data)
}
