// Package labels holds the fixed disease taxonomy shared by training and serving.
package labels

import (
	"errors"
	"fmt"
)

// ErrUnknownLabel is returned when a class name or index is outside the label set.
var ErrUnknownLabel = errors.New("unknown label")

const (
	Salmonella       = "Salmonella"
	Coccidiosis      = "Coccidiosis"
	NewCastleDisease = "New Castle Disease"
	Healthy          = "Healthy"
)

// Count is the number of classes the classifier predicts.
const Count = 4

// names is indexed by class index. The order defines the order of every
// probability vector produced by the classifier.
var names = [Count]string{
	Salmonella,
	Coccidiosis,
	NewCastleDisease,
	Healthy,
}

var indices = func() map[string]int {
	m := make(map[string]int, Count)
	for i, name := range names {
		m[name] = i
	}
	return m
}()

// Names returns the class names in index order.
func Names() []string {
	out := make([]string, Count)
	copy(out, names[:])
	return out
}

// Index maps a class name to its index. Matching is case-sensitive.
func Index(name string) (int, error) {
	idx, ok := indices[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLabel, name)
	}
	return idx, nil
}

// Name maps a class index back to its name.
func Name(index int) (string, error) {
	if index < 0 || index >= Count {
		return "", fmt.Errorf("%w: index %d", ErrUnknownLabel, index)
	}
	return names[index], nil
}

// IsKnown reports whether name belongs to the label set.
func IsKnown(name string) bool {
	_, ok := indices[name]
	return ok
}

// Matches reports whether classes lists exactly the label set in index order.
func Matches(classes []string) bool {
	if len(classes) != Count {
		return false
	}
	for i, name := range classes {
		if names[i] != name {
			return false
		}
	}
	return true
}
