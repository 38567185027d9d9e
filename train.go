package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/poultry-check/internal/config"
	"github.com/example/poultry-check/internal/preprocess"
	"github.com/example/poultry-check/internal/training"
)

var trainBindings = flagBindings{
	"labels":              "training.label_index",
	"images":              "training.image_dir",
	"output":              "training.output",
	"history":             "training.history",
	"epochs":              "training.epochs",
	"batch-size":          "training.batch_size",
	"validation-fraction": "training.validation_fraction",
	"seed":                "training.seed",
	"learning-rate":       "training.learning_rate",
	"hidden":              "training.hidden",
}

func newTrainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the classifier on a labelled image directory and save the artifact",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, trainBindings)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return runTrain(cfg.Training, logger)
		},
	}
	cmd.Flags().String("labels", "", "CSV label index (image path, class name)")
	cmd.Flags().String("images", "", "directory image paths are relative to")
	cmd.Flags().String("output", "", "artifact output path")
	cmd.Flags().String("history", "", "optional JSON file for per-epoch metrics")
	cmd.Flags().Int("epochs", training.DefaultEpochs, "passes over the training subset")
	cmd.Flags().Int("batch-size", training.DefaultBatchSize, "mini-batch size")
	cmd.Flags().Float64("validation-fraction", 0.2, "share of each class held out for validation")
	cmd.Flags().Int64("seed", training.DefaultSeed, "seed for the split, shuffling and initialisation")
	cmd.Flags().Float64("learning-rate", training.DefaultLearningRate, "Adam learning rate")
	cmd.Flags().String("hidden", "", "comma separated hidden layer widths")
	return cmd
}

func runTrain(cfg config.TrainingConfig, logger *zap.Logger) error {
	loader := training.NewLoader(preprocess.New(logger), logger, cfg.Seed)
	ds, err := loader.LoadDataset(cfg.LabelIndex, cfg.ImageDir, cfg.ValidationFraction)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}

	trainer := training.NewTrainer(training.TrainerConfig{
		Hidden:       cfg.Hidden,
		LearningRate: cfg.LearningRate,
		Seed:         cfg.Seed,
	}, logger)
	artifact, err := trainer.Train(ds, cfg.Epochs, cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}

	if dir := filepath.Dir(cfg.Output); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", training.ErrWrite, err)
		}
	}
	if err := training.Save(artifact, cfg.Output); err != nil {
		return err
	}
	if cfg.History != "" {
		if err := training.SaveHistory(artifact.History, cfg.History); err != nil {
			return err
		}
	}

	fields := []zap.Field{zap.String("artifact", cfg.Output)}
	if last, ok := artifact.History.Last(); ok {
		fields = append(fields,
			zap.Float64("accuracy", last.Accuracy),
			zap.Float64("val_accuracy", last.ValAccuracy),
		)
	}
	logger.Info("model saved", fields...)
	return nil
}
