package preprocess

import "fmt"

const (
	Height   = 64
	Width    = 64
	Channels = 3

	// Len is the number of values in a Tensor.
	Len = Height * Width * Channels
)

// Tensor is a preprocessed image of shape (Height, Width, Channels), stored
// row-major with RGB channels interleaved, every value in [0, 1].
type Tensor struct {
	Data []float32
}

// NewTensor returns an all-zero tensor.
func NewTensor() *Tensor {
	return &Tensor{Data: make([]float32, Len)}
}

// Filled returns a tensor with every value set to v.
func Filled(v float32) *Tensor {
	t := NewTensor()
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Shape returns the tensor dimensions.
func (t *Tensor) Shape() [3]int {
	return [3]int{Height, Width, Channels}
}

// At returns the value at row y, column x, channel c.
func (t *Tensor) At(y, x, c int) float32 {
	return t.Data[(y*Width+x)*Channels+c]
}

// Validate checks the tensor length.
func (t *Tensor) Validate() error {
	if t == nil {
		return fmt.Errorf("nil tensor")
	}
	if len(t.Data) != Len {
		return fmt.Errorf("tensor has %d values, want %d", len(t.Data), Len)
	}
	return nil
}
