// Package training builds labelled datasets with the shared preprocessor,
// fits the dense classifier and persists it as an artifact.
package training

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/example/poultry-check/internal/labels"
	"github.com/example/poultry-check/internal/preprocess"
)

var (
	// ErrEmptyDataset is returned when no usable rows remain.
	ErrEmptyDataset = errors.New("dataset is empty")
	// ErrUnknownLabel is returned when the label index names a class outside the label set.
	ErrUnknownLabel = labels.ErrUnknownLabel
	// ErrInvalidFraction is returned for a validation fraction outside [0, 1).
	ErrInvalidFraction = errors.New("validation fraction must be in [0, 1)")
)

// DefaultSeed matches the split seed of the reference training runs.
const DefaultSeed int64 = 42

// Sample is one preprocessed image and its class index.
type Sample struct {
	Tensor *preprocess.Tensor
	Label  int
	Path   string
}

// Dataset is a stratified partition of labelled samples.
type Dataset struct {
	Train      []Sample
	Validation []Sample
}

// Len returns the total number of samples.
func (d *Dataset) Len() int { return len(d.Train) + len(d.Validation) }

// ClassCounts returns per-class sample counts of a subset.
func ClassCounts(samples []Sample) [labels.Count]int {
	var counts [labels.Count]int
	for _, s := range samples {
		counts[s.Label]++
	}
	return counts
}

// Loader reads label indexes and images into a Dataset.
type Loader struct {
	pre    *preprocess.Preprocessor
	logger *zap.Logger
	seed   int64
}

// NewLoader creates a Loader that preprocesses with pre and splits with seed.
func NewLoader(pre *preprocess.Preprocessor, logger *zap.Logger, seed int64) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pre == nil {
		pre = preprocess.New(logger)
	}
	return &Loader{pre: pre, logger: logger.Named("dataset"), seed: seed}
}

// LoadDataset reads the label index at indexPath, resolves image paths against
// imageDir, preprocesses every image and splits the result. Missing and
// undecodable images are skipped with a warning; an empty result or an unknown
// label aborts the load.
func (l *Loader) LoadDataset(indexPath, imageDir string, validationFraction float64) (*Dataset, error) {
	if validationFraction < 0 || validationFraction >= 1 || math.IsNaN(validationFraction) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidFraction, validationFraction)
	}

	rows, err := ReadLabelIndex(indexPath)
	if err != nil {
		return nil, err
	}
	l.logger.Info("loading dataset",
		zap.String("label_index", indexPath),
		zap.String("image_dir", imageDir),
		zap.Int("rows", len(rows)),
	)

	present := make([]IndexRow, 0, len(rows))
	for _, row := range rows {
		resolved := resolve(imageDir, row.Path)
		if _, err := os.Stat(resolved); err != nil {
			l.logger.Warn("skipping missing image", zap.String("path", resolved), zap.Int("line", row.Line))
			continue
		}
		row.Path = resolved
		present = append(present, row)
	}
	if len(present) == 0 {
		return nil, fmt.Errorf("%w: no image in %s exists under %s", ErrEmptyDataset, indexPath, imageDir)
	}

	classes := make([]int, len(present))
	for i, row := range present {
		idx, err := labels.Index(row.Label)
		if err != nil {
			return nil, fmt.Errorf("label index %s line %d: %w", indexPath, row.Line, err)
		}
		classes[i] = idx
	}

	samples := make([]Sample, 0, len(present))
	for i, row := range present {
		tensor, err := l.pre.FromFile(row.Path)
		if err != nil {
			l.logger.Warn("skipping unreadable image", zap.String("path", row.Path), zap.Error(err))
			continue
		}
		samples = append(samples, Sample{Tensor: tensor, Label: classes[i], Path: row.Path})
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: none of %d images could be decoded", ErrEmptyDataset, len(present))
	}

	train, validation, err := StratifiedSplit(samples, validationFraction, l.seed)
	if err != nil {
		return nil, err
	}
	l.logger.Info("dataset loaded",
		zap.Int("train_samples", len(train)),
		zap.Int("validation_samples", len(validation)),
		zap.Ints("class_counts", classCountSlice(samples)),
	)
	return &Dataset{Train: train, Validation: validation}, nil
}

func resolve(imageDir, rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(imageDir, rel)
}

// StratifiedSplit partitions samples so that the validation subset holds
// ceil(fraction * len(samples)) samples, shared between classes in proportion
// to their counts. Seats left after flooring go to the classes with the
// largest remainders, lowest class index first. The result is fully
// determined by seed.
func StratifiedSplit(samples []Sample, fraction float64, seed int64) (train, validation []Sample, err error) {
	if fraction < 0 || fraction >= 1 || math.IsNaN(fraction) {
		return nil, nil, fmt.Errorf("%w: got %v", ErrInvalidFraction, fraction)
	}

	var byClass [labels.Count][]int
	for i, s := range samples {
		if s.Label < 0 || s.Label >= labels.Count {
			return nil, nil, fmt.Errorf("%w: index %d for %s", ErrUnknownLabel, s.Label, s.Path)
		}
		byClass[s.Label] = append(byClass[s.Label], i)
	}

	total := len(samples)
	nValidation := int(math.Ceil(fraction*float64(total) - 1e-9))
	if total > 0 && nValidation >= total {
		return nil, nil, fmt.Errorf("%w: validation fraction %v leaves no training sample out of %d", ErrEmptyDataset, fraction, total)
	}
	quota := allocate(byClass, nValidation, total)

	rng := rand.New(rand.NewSource(seed))
	for label, idx := range byClass {
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		for k, sampleIdx := range idx {
			if k < quota[label] {
				validation = append(validation, samples[sampleIdx])
			} else {
				train = append(train, samples[sampleIdx])
			}
		}
	}
	rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	rng.Shuffle(len(validation), func(i, j int) { validation[i], validation[j] = validation[j], validation[i] })
	return train, validation, nil
}

// allocate splits n validation seats across classes by largest remainder.
func allocate(byClass [labels.Count][]int, n, total int) [labels.Count]int {
	var quota [labels.Count]int
	if n == 0 || total == 0 {
		return quota
	}
	var remainders [labels.Count]int
	order := make([]int, 0, labels.Count)
	left := n
	for label, idx := range byClass {
		quota[label] = len(idx) * n / total
		remainders[label] = len(idx) * n % total
		left -= quota[label]
		order = append(order, label)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return remainders[order[i]] > remainders[order[j]]
	})
	for _, label := range order[:left] {
		quota[label]++
	}
	return quota
}

func classCountSlice(samples []Sample) []int {
	counts := ClassCounts(samples)
	return counts[:]
}
