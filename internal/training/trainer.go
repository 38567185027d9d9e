package training

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/example/poultry-check/internal/classifier"
	"github.com/example/poultry-check/internal/labels"
	"github.com/example/poultry-check/internal/preprocess"
)

const (
	DefaultEpochs       = 10
	DefaultBatchSize    = 32
	DefaultLearningRate = 0.001
)

// DefaultHidden is the width of each hidden layer.
var DefaultHidden = []int{128, 64}

// ErrInvalidParameters is returned for non-positive epochs or batch size.
var ErrInvalidParameters = errors.New("invalid training parameters")

// TrainerConfig holds the network and optimizer settings.
type TrainerConfig struct {
	Hidden       []int
	LearningRate float64
	Seed         int64
}

// EpochMetrics is the outcome of one pass over the training subset.
type EpochMetrics struct {
	Epoch        int           `json:"epoch"`
	Loss         float64       `json:"loss"`
	Accuracy     float64       `json:"accuracy"`
	ValLoss      float64       `json:"val_loss"`
	ValAccuracy  float64       `json:"val_accuracy"`
	Duration     time.Duration `json:"duration_ns"`
	TrainSamples int           `json:"train_samples"`
	ValSamples   int           `json:"val_samples"`
}

// History records metrics for every epoch in order.
type History struct {
	Epochs []EpochMetrics `json:"epochs"`
}

// Last returns the metrics of the final epoch.
func (h History) Last() (EpochMetrics, bool) {
	if len(h.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// Artifact is a fitted network and its training history.
type Artifact struct {
	Network *classifier.Network
	History History
}

// Trainer fits the dense classifier.
type Trainer struct {
	cfg    TrainerConfig
	logger *zap.Logger
}

// NewTrainer fills zero-valued config fields with defaults.
func NewTrainer(cfg TrainerConfig, logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Hidden) == 0 {
		cfg.Hidden = DefaultHidden
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = DefaultLearningRate
	}
	return &Trainer{cfg: cfg, logger: logger.Named("trainer")}
}

// Train fits a fresh network for epochs passes over ds.Train in shuffled
// mini-batches of batchSize, evaluating ds.Validation after every pass.
func (t *Trainer) Train(ds *Dataset, epochs, batchSize int) (*Artifact, error) {
	if epochs <= 0 || batchSize <= 0 {
		return nil, fmt.Errorf("%w: epochs=%d batch_size=%d", ErrInvalidParameters, epochs, batchSize)
	}
	if ds == nil || len(ds.Train) == 0 {
		return nil, fmt.Errorf("%w: no training samples", ErrEmptyDataset)
	}

	net, err := classifier.NewNetwork(
		[]int{preprocess.Height, preprocess.Width, preprocess.Channels},
		t.cfg.Hidden, labels.Names(), t.cfg.Seed)
	if err != nil {
		return nil, err
	}
	opt := classifier.NewAdam(t.cfg.LearningRate)
	rng := rand.New(rand.NewSource(t.cfg.Seed))

	if len(ds.Validation) == 0 {
		t.logger.Warn("validation subset is empty, validation metrics will be zero")
	}
	t.logger.Info("starting training",
		zap.Int("epochs", epochs),
		zap.Int("batch_size", batchSize),
		zap.Int("train_samples", len(ds.Train)),
		zap.Int("validation_samples", len(ds.Validation)),
		zap.Ints("hidden", t.cfg.Hidden),
	)

	order := make([]int, len(ds.Train))
	for i := range order {
		order[i] = i
	}

	history := History{Epochs: make([]EpochMetrics, 0, epochs)}
	for epoch := 1; epoch <= epochs; epoch++ {
		start := time.Now()
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var lossSum, accSum float64
		for from := 0; from < len(order); from += batchSize {
			to := min(from+batchSize, len(order))
			rows, ys := gather(ds.Train, order[from:to])
			x, err := classifier.NewBatch(rows, preprocess.Len)
			if err != nil {
				return nil, err
			}
			loss, acc, err := net.TrainBatch(x, ys, opt)
			if err != nil {
				return nil, err
			}
			n := float64(to - from)
			lossSum += loss * n
			accSum += acc * n
		}

		valLoss, valAcc, err := evaluate(net, ds.Validation, batchSize)
		if err != nil {
			return nil, err
		}

		metrics := EpochMetrics{
			Epoch:        epoch,
			Loss:         lossSum / float64(len(order)),
			Accuracy:     accSum / float64(len(order)),
			ValLoss:      valLoss,
			ValAccuracy:  valAcc,
			Duration:     time.Since(start),
			TrainSamples: len(ds.Train),
			ValSamples:   len(ds.Validation),
		}
		history.Epochs = append(history.Epochs, metrics)
		t.logger.Info("epoch complete",
			zap.Int("epoch", epoch),
			zap.Float64("loss", metrics.Loss),
			zap.Float64("accuracy", metrics.Accuracy),
			zap.Float64("val_loss", metrics.ValLoss),
			zap.Float64("val_accuracy", metrics.ValAccuracy),
			zap.Duration("duration", metrics.Duration),
		)
	}

	t.logger.Info("training complete")
	return &Artifact{Network: net, History: history}, nil
}

func gather(samples []Sample, idx []int) ([][]float32, []int) {
	rows := make([][]float32, len(idx))
	ys := make([]int, len(idx))
	for i, k := range idx {
		rows[i] = samples[k].Tensor.Data
		ys[i] = samples[k].Label
	}
	return rows, ys
}

func evaluate(net *classifier.Network, samples []Sample, batchSize int) (loss, accuracy float64, err error) {
	if len(samples) == 0 {
		return 0, 0, nil
	}
	idx := make([]int, len(samples))
	for i := range idx {
		idx[i] = i
	}
	var lossSum, accSum float64
	for from := 0; from < len(idx); from += batchSize {
		to := min(from+batchSize, len(idx))
		rows, ys := gather(samples, idx[from:to])
		x, err := classifier.NewBatch(rows, preprocess.Len)
		if err != nil {
			return 0, 0, err
		}
		l, a, err := net.Evaluate(x, ys)
		if err != nil {
			return 0, 0, err
		}
		n := float64(to - from)
		lossSum += l * n
		accSum += a * n
	}
	total := float64(len(samples))
	return lossSum / total, accSum / total, nil
}
