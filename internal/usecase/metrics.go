package usecase

import (
	"context"
	"fmt"

	"github.com/example/poultry-check/internal/labels"
)

// MetricsSummary represents aggregated prediction insights.
type MetricsSummary struct {
	TotalPredictions  int64            `json:"total_predictions"`
	AverageConfidence float64          `json:"average_confidence"`
	AverageLatencyMs  float64          `json:"average_latency_ms"`
	ClassDistribution map[string]int64 `json:"class_distribution"`
}

// GetMetricsSummary aggregates prediction metrics from persisted logs. Every
// class appears in the distribution, with zero when never predicted.
func (uc *PredictionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, fmt.Errorf("metrics summary: %w", ErrPersistenceDisabled)
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalPredictions:  aggregation.TotalCount,
		AverageConfidence: aggregation.AverageConfidence,
		AverageLatencyMs:  aggregation.AverageLatencyMs,
		ClassDistribution: make(map[string]int64, labels.Count),
	}
	for _, name := range labels.Names() {
		summary.ClassDistribution[name] = aggregation.ClassCounts[name]
	}
	return summary, nil
}
