package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/poultry-check/internal/inference"
	"github.com/example/poultry-check/internal/labels"
	"github.com/example/poultry-check/internal/logging"
	"github.com/example/poultry-check/internal/metrics"
	"github.com/example/poultry-check/internal/preprocess"
	"github.com/example/poultry-check/internal/repository"
)

var (
	// ErrNotFound is returned when a prediction is unknown to both cache and store.
	ErrNotFound = repository.ErrNotFound
	// ErrPersistenceDisabled is returned by history queries when no database is configured.
	ErrPersistenceDisabled = errors.New("prediction persistence is disabled")
)

// Engine is the inference capability the use case depends on.
type Engine interface {
	Predict(tensor *preprocess.Tensor) (*inference.Prediction, error)
	Loaded() bool
}

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.PredictionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Recorder receives prediction outcomes for instrumentation.
type Recorder interface {
	ObservePrediction(class string, elapsed time.Duration)
	ObserveError(reason string)
}

// PredictionResult is a classification outcome as returned to callers.
type PredictionResult struct {
	RequestID      string    `json:"request_id"`
	UserID         string    `json:"user_id,omitempty"`
	Probabilities  []float32 `json:"probabilities"`
	PredictedClass string    `json:"predicted_class"`
	Confidence     float32   `json:"confidence"`
	ImageSHA1      string    `json:"image_sha1"`
	LatencyMs      float64   `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// PredictionUseCase preprocesses uploads, runs the engine and records the
// outcome. Repository and cache are optional.
type PredictionUseCase struct {
	pre            *preprocess.Preprocessor
	engine         Engine
	repo           PredictionRepository
	cache          Cache
	recorder       Recorder
	logger         *zap.Logger
	cacheTTL       time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option customises a PredictionUseCase.
type Option func(*PredictionUseCase)

// WithRepository enables prediction persistence.
func WithRepository(repo PredictionRepository) Option {
	return func(uc *PredictionUseCase) { uc.repo = repo }
}

// WithCache enables result caching for ttl.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(uc *PredictionUseCase) {
		uc.cache = cache
		if ttl > 0 {
			uc.cacheTTL = ttl
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(uc *PredictionUseCase) { uc.recorder = recorder }
}

// NewPredictionUseCase constructs a new use case instance.
func NewPredictionUseCase(pre *preprocess.Preprocessor, engine Engine, logger *zap.Logger, opts ...Option) *PredictionUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pre == nil {
		pre = preprocess.New(logger)
	}
	uc := &PredictionUseCase{
		pre:            pre,
		engine:         engine,
		logger:         logger.Named("prediction_usecase"),
		cacheTTL:       24 * time.Hour,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// ModelLoaded reports whether predictions can currently be served.
func (uc *PredictionUseCase) ModelLoaded() bool {
	return uc.engine != nil && uc.engine.Loaded()
}

// Classify predicts the class of an encoded image. Identical images are served
// from the cache when one is configured.
func (uc *PredictionUseCase) Classify(ctx context.Context, userID string, imageBytes []byte) (*PredictionResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID)
	start := time.Now()

	if !uc.ModelLoaded() {
		uc.observeError(metrics.ReasonNotLoaded)
		return nil, logging.NewOperationError("usecase.classify", requestID, inference.ErrNotLoaded)
	}

	hash := sha1.Sum(imageBytes)
	hashHex := hex.EncodeToString(hash[:])

	result, hit := uc.lookupImage(ctx, requestID, hashHex)
	if !hit {
		prediction, err := uc.predict(imageBytes)
		if err != nil {
			wrapped := logging.NewOperationError("usecase.classify", requestID, err)
			if errors.Is(err, preprocess.ErrDecode) {
				opLogger.Info("rejected undecodable image", zap.Error(err))
			} else {
				opLogger.Error("prediction failed", zap.Error(err))
			}
			return nil, wrapped
		}
		result = &PredictionResult{
			Probabilities:  prediction.Probabilities,
			PredictedClass: prediction.PredictedClass,
			Confidence:     prediction.Confidence(),
		}
	}

	result.RequestID = requestID
	result.UserID = userID
	result.ImageSHA1 = hashHex
	result.CreatedAt = time.Now().UTC()
	result.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	if uc.recorder != nil {
		uc.recorder.ObservePrediction(result.PredictedClass, time.Since(start))
	}

	uc.persist(ctx, opLogger, result)
	uc.store(ctx, opLogger, result, !hit)

	opLogger.Info("prediction served",
		zap.String("predicted_class", result.PredictedClass),
		zap.Float32("confidence", result.Confidence),
		zap.Bool("cache_hit", hit),
	)
	return result, nil
}

func (uc *PredictionUseCase) predict(imageBytes []byte) (*inference.Prediction, error) {
	tensor, err := uc.pre.FromBytes(imageBytes)
	if err != nil {
		uc.observeError(metrics.ReasonInvalidImage)
		return nil, err
	}
	prediction, err := uc.engine.Predict(tensor)
	if err != nil {
		if errors.Is(err, inference.ErrNotLoaded) {
			uc.observeError(metrics.ReasonNotLoaded)
		} else {
			uc.observeError(metrics.ReasonInference)
		}
		return nil, err
	}
	return prediction, nil
}

// GetResult retrieves a cached prediction or loads it from persistence. Only
// the user that requested the prediction can read it.
func (uc *PredictionUseCase) GetResult(ctx context.Context, userID, requestID string) (*PredictionResult, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", requestKey(requestID))
		switch {
		case err == nil:
			var payload PredictionResult
			if err := json.Unmarshal([]byte(cached), &payload); err != nil {
				opLogger.Warn("failed to decode cached result", zap.Error(err))
			} else if payload.UserID == userID {
				return &payload, nil
			}
		case !errors.Is(err, redis.Nil):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, logging.NewOperationError("usecase.get_result", requestID, ErrNotFound)
	}
	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	return fromLog(log)
}

// lookupImage returns a previous outcome for the same image bytes.
func (uc *PredictionUseCase) lookupImage(ctx context.Context, requestID, hashHex string) (*PredictionResult, bool) {
	if uc.cache == nil {
		return nil, false
	}
	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.image", imageKey(hashHex))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "usecase.classify", requestID).Warn("failed to read image cache", zap.Error(err))
		}
		return nil, false
	}
	var payload PredictionResult
	if err := json.Unmarshal([]byte(cached), &payload); err != nil || len(payload.Probabilities) != labels.Count {
		return nil, false
	}
	if _, err := labels.Index(payload.PredictedClass); err != nil {
		return nil, false
	}
	return &payload, true
}

func (uc *PredictionUseCase) persist(ctx context.Context, opLogger *zap.Logger, result *PredictionResult) {
	if uc.repo == nil {
		return
	}
	probabilities, err := json.Marshal(result.Probabilities)
	if err != nil {
		opLogger.Error("failed to serialize probabilities", zap.Error(err))
		return
	}
	log := &repository.PredictionLog{
		RequestID:      result.RequestID,
		UserID:         result.UserID,
		PredictedClass: result.PredictedClass,
		Confidence:     result.Confidence,
		Probabilities:  string(probabilities),
		ImageSHA1:      result.ImageSHA1,
		LatencyMs:      result.LatencyMs,
		CreatedAt:      result.CreatedAt,
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		uc.observeError(metrics.ReasonStorage)
		opLogger.Error("failed to persist prediction log", zap.Error(err))
	}
}

func (uc *PredictionUseCase) store(ctx context.Context, opLogger *zap.Logger, result *PredictionResult, storeImage bool) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(result)
	if err != nil {
		opLogger.Error("failed to serialize prediction result", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, result.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, requestKey(result.RequestID), string(serialized), uc.cacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache prediction result", zap.Error(err))
	}
	if !storeImage {
		return
	}
	if err := uc.withRedisRetry(ctx, result.RequestID, "cache.set.image", func() error {
		return uc.cache.Set(ctx, imageKey(result.ImageSHA1), string(serialized), uc.cacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache image outcome", zap.Error(err))
	}
}

func (uc *PredictionUseCase) observeError(reason string) {
	if uc.recorder != nil {
		uc.recorder.ObserveError(reason)
	}
}

func fromLog(log *repository.PredictionLog) (*PredictionResult, error) {
	var probabilities []float32
	if err := json.Unmarshal([]byte(log.Probabilities), &probabilities); err != nil {
		return nil, logging.NewOperationError("usecase.decode_log", log.RequestID, fmt.Errorf("decode probabilities: %w", err))
	}
	return &PredictionResult{
		RequestID:      log.RequestID,
		UserID:         log.UserID,
		Probabilities:  probabilities,
		PredictedClass: log.PredictedClass,
		Confidence:     log.Confidence,
		ImageSHA1:      log.ImageSHA1,
		LatencyMs:      log.LatencyMs,
		CreatedAt:      log.CreatedAt,
	}, nil
}

func (uc *PredictionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *PredictionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
