package classifier

import (
	"encoding/gob"
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"
)

const (
	artifactMagic   = "poultry-check/network"
	artifactVersion = 1
)

// artifactFile is the on-disk layout of a trained Network. Parameters are
// stored in gonum's binary matrix encoding.
type artifactFile struct {
	Magic      string
	Version    int
	InputShape []int
	Classes    []string
	Layers     []encodedLayer
}

type encodedLayer struct {
	Activation Activation
	Weights    []byte
	Bias       []byte
}

// WriteArtifact serialises n to w.
func WriteArtifact(w io.Writer, n *Network) error {
	file := artifactFile{
		Magic:      artifactMagic,
		Version:    artifactVersion,
		InputShape: n.inputShape,
		Classes:    n.classes,
		Layers:     make([]encodedLayer, 0, len(n.layers)),
	}
	for i, l := range n.layers {
		weights, err := l.Weights.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode layer %d weights: %w", i, err)
		}
		bias, err := l.Bias.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode layer %d bias: %w", i, err)
		}
		file.Layers = append(file.Layers, encodedLayer{Activation: l.Activation, Weights: weights, Bias: bias})
	}
	if err := gob.NewEncoder(w).Encode(&file); err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	return nil
}

// ReadArtifact decodes a Network written by WriteArtifact. Structural problems
// are reported as ErrCorruptArtifact or ErrShapeMismatch.
func ReadArtifact(r io.Reader) (*Network, error) {
	var file artifactFile
	if err := gob.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	if file.Magic != artifactMagic {
		return nil, fmt.Errorf("%w: unexpected header %q", ErrCorruptArtifact, file.Magic)
	}
	if file.Version != artifactVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptArtifact, file.Version)
	}

	layers := make([]*Layer, 0, len(file.Layers))
	for i, enc := range file.Layers {
		var weights mat.Dense
		if err := weights.UnmarshalBinary(enc.Weights); err != nil {
			return nil, fmt.Errorf("%w: layer %d weights: %v", ErrCorruptArtifact, i, err)
		}
		var bias mat.VecDense
		if err := bias.UnmarshalBinary(enc.Bias); err != nil {
			return nil, fmt.Errorf("%w: layer %d bias: %v", ErrCorruptArtifact, i, err)
		}
		layers = append(layers, &Layer{Weights: &weights, Bias: &bias, Activation: enc.Activation})
	}
	return newNetwork(file.InputShape, file.Classes, layers)
}
