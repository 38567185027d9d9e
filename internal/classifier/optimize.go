package classifier

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// probability floor used by the cross-entropy loss
const lossEpsilon = 1e-7

// Adam holds first and second moment estimates for every network parameter.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step int
	m, v [][]float64
}

// NewAdam returns an optimizer with the usual moment decay rates.
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
}

func (o *Adam) update(params, grads [][]float64) {
	if o.m == nil {
		o.m = make([][]float64, len(params))
		o.v = make([][]float64, len(params))
		for i, p := range params {
			o.m[i] = make([]float64, len(p))
			o.v[i] = make([]float64, len(p))
		}
	}
	o.step++
	t := float64(o.step)
	rate := o.LearningRate * math.Sqrt(1-math.Pow(o.Beta2, t)) / (1 - math.Pow(o.Beta1, t))

	for k, p := range params {
		g, m, v := grads[k], o.m[k], o.v[k]
		for i := range p {
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g[i]
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g[i]*g[i]
			p[i] -= rate * m[i] / (math.Sqrt(v[i]) + o.Epsilon)
		}
	}
}

// TrainBatch runs one forward/backward pass over x with integer labels y and
// applies an optimizer step. It returns the batch loss and accuracy measured
// before the update.
func (n *Network) TrainBatch(x *mat.Dense, y []int, opt *Adam) (loss, accuracy float64, err error) {
	if err := n.checkLabels(x, y); err != nil {
		return 0, 0, err
	}
	rows, _ := x.Dims()

	acts := n.forward(x)
	probs := acts[len(acts)-1]
	loss, accuracy = score(probs, y)

	// softmax + cross-entropy gradient: (p - onehot(y)) / batch
	delta := mat.DenseCopyOf(probs)
	for i, label := range y {
		row := delta.RawRowView(i)
		row[label]--
		for j := range row {
			row[j] /= float64(rows)
		}
	}

	params := make([][]float64, 0, 2*len(n.layers))
	grads := make([][]float64, 2*len(n.layers))
	for li := len(n.layers) - 1; li >= 0; li-- {
		layer := n.layers[li]
		in := acts[li]

		gw := &mat.Dense{}
		gw.Mul(in.T(), delta)
		grads[2*li] = gw.RawMatrix().Data
		grads[2*li+1] = columnSums(delta)

		if li > 0 {
			next := &mat.Dense{}
			next.Mul(delta, layer.Weights.T())
			r, c := next.Dims()
			for i := 0; i < r; i++ {
				nr, ar := next.RawRowView(i), in.RawRowView(i)
				for j := 0; j < c; j++ {
					if ar[j] <= 0 {
						nr[j] = 0
					}
				}
			}
			delta = next
		}
	}
	for _, l := range n.layers {
		params = append(params, l.Weights.RawMatrix().Data, l.Bias.RawVector().Data)
	}
	opt.update(params, grads)
	return loss, accuracy, nil
}

// Evaluate returns loss and accuracy of the network on x without updating it.
func (n *Network) Evaluate(x *mat.Dense, y []int) (loss, accuracy float64, err error) {
	if err := n.checkLabels(x, y); err != nil {
		return 0, 0, err
	}
	acts := n.forward(x)
	loss, accuracy = score(acts[len(acts)-1], y)
	return loss, accuracy, nil
}

func (n *Network) checkLabels(x *mat.Dense, y []int) error {
	rows, cols := x.Dims()
	if rows != len(y) {
		return fmt.Errorf("%w: %d samples, %d labels", ErrShapeMismatch, rows, len(y))
	}
	if cols != InputLen(n.inputShape) {
		return fmt.Errorf("%w: samples have %d values, want %d", ErrShapeMismatch, cols, InputLen(n.inputShape))
	}
	for i, label := range y {
		if label < 0 || label >= len(n.classes) {
			return fmt.Errorf("%w: label %d at sample %d", ErrShapeMismatch, label, i)
		}
	}
	return nil
}

// score computes mean sparse categorical cross-entropy and accuracy. Ties in
// the probability row resolve to the lowest index.
func score(probs *mat.Dense, y []int) (loss, accuracy float64) {
	if len(y) == 0 {
		return 0, 0
	}
	var correct int
	for i, label := range y {
		row := probs.RawRowView(i)
		loss -= math.Log(math.Max(row[label], lossEpsilon))
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		if best == label {
			correct++
		}
	}
	n := float64(len(y))
	return loss / n, float64(correct) / n
}

func columnSums(m *mat.Dense) []float64 {
	rows, cols := m.Dims()
	sums := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j, v := range m.RawRowView(i) {
			sums[j] += v
		}
	}
	return sums
}
