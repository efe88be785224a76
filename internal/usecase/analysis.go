package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/morphgate/internal/calibration"
	"github.com/example/morphgate/internal/classify"
	"github.com/example/morphgate/internal/gateway"
	"github.com/example/morphgate/internal/logging"
	"github.com/example/morphgate/internal/metrics"
	"github.com/example/morphgate/internal/repository"
	"github.com/example/morphgate/internal/session"
)

// HistoryRepository defines the persistence operations needed by the use case.
type HistoryRepository interface {
	SaveRecord(ctx context.Context, record *repository.AnalysisRecord) error
	FindByAnalysisID(ctx context.Context, analysisID string) (*repository.AnalysisRecord, error)
	ListRecent(ctx context.Context) ([]*repository.AnalysisRecord, error)
}

// AnalysisUseCase orchestrates the session lifecycle, persistence, caching,
// and calibration behind the operator surface.
type AnalysisUseCase struct {
	repo       HistoryRepository
	cache      Cache
	scorer     gateway.Scorer
	monitor    *gateway.Monitor
	thresholds *classify.Store
	engine     *calibration.Engine
	logger     *zap.Logger

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// NewAnalysisUseCase constructs a new use case instance.
func NewAnalysisUseCase(
	repo HistoryRepository,
	cache Cache,
	scorer gateway.Scorer,
	monitor *gateway.Monitor,
	thresholds *classify.Store,
	engine *calibration.Engine,
	logger *zap.Logger,
) *AnalysisUseCase {
	return &AnalysisUseCase{
		repo:           repo,
		cache:          cache,
		scorer:         scorer,
		monitor:        monitor,
		thresholds:     thresholds,
		engine:         engine,
		logger:         logger.Named("analysis_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		sessions:       make(map[string]*session.Session),
	}
}

type cachedOutcome struct {
	AnalysisID string    `json:"analysis_id"`
	OperatorID string    `json:"operator_id"`
	Filename   string    `json:"filename"`
	RawScore   float64   `json:"raw_score"`
	ClassName  string    `json:"class_name"`
	Confidence float64   `json:"confidence"`
	RiskTier   string    `json:"risk_tier"`
	Flagged    bool      `json:"flagged"`
	Threshold  float64   `json:"threshold"`
	ModelID    string    `json:"model_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session returns the operator's analysis session, creating it on first use.
func (uc *AnalysisUseCase) Session(operatorID string) *session.Session {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	sess, ok := uc.sessions[operatorID]
	if !ok {
		sess = session.New(uc.scorer, uc.monitor, uc.thresholds, uc.logger)
		uc.sessions[operatorID] = sess
	}
	return sess
}

// AnalyzeImage runs one image through the operator's session: select, submit,
// wait for the terminal state, then persist and cache the outcome. The
// returned Outcome may carry a Failed result; err is non-nil only when the
// submission itself could not start or the caller went away.
func (uc *AnalysisUseCase) AnalyzeImage(ctx context.Context, operatorID string, data []byte, name string) (*session.Outcome, error) {
	started := time.Now()
	sess := uc.Session(operatorID)

	if err := sess.SelectFile(data, name); err != nil {
		return nil, err
	}
	requestID, err := sess.Submit(ctx)
	if err != nil {
		return nil, err
	}

	opLogger := logging.WithOperation(uc.logger, "usecase.analyze_image", requestID)
	outcome, err := sess.Wait(ctx)
	if err != nil {
		// The caller went away; abandon the request so its late result is dropped.
		if cancelErr := sess.Cancel(); cancelErr != nil && !errors.Is(cancelErr, session.ErrNotInFlight) {
			opLogger.Warn("cancel after wait failure", zap.Error(cancelErr))
		}
		return nil, err
	}

	metrics.AnalysisDuration.Observe(time.Since(started).Seconds())
	if outcome.Err != nil {
		metrics.AnalysesTotal.WithLabelValues("failed", "").Inc()
		return outcome, nil
	}

	metrics.AnalysesTotal.WithLabelValues("succeeded", string(outcome.Decision.Tier)).Inc()
	metrics.ScoreDistribution.Observe(outcome.Sample.RawScore)

	record := recordFromOutcome(operatorID, name, outcome)
	if err := uc.repo.SaveRecord(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.save_record", record.AnalysisID, err)
		opLogger.Error("failed to persist analysis record", zap.Error(wrapped))
		return nil, wrapped
	}

	if err := uc.cacheOutcome(ctx, record); err != nil {
		// The record is durable; a cold cache only costs the next read a DB trip.
		opLogger.Warn("failed to cache outcome", zap.Error(err))
	}
	return outcome, nil
}

// CancelAnalysis abandons the operator's in-flight submission, if any.
func (uc *AnalysisUseCase) CancelAnalysis(operatorID string) error {
	return uc.Session(operatorID).Cancel()
}

// recordFromOutcome flattens a successful outcome for persistence.
func recordFromOutcome(operatorID, name string, outcome *session.Outcome) *repository.AnalysisRecord {
	analysisID := outcome.Sample.AnalysisID
	if analysisID == "" {
		analysisID = outcome.RequestID
	}
	return &repository.AnalysisRecord{
		AnalysisID: analysisID,
		OperatorID: operatorID,
		Filename:   name,
		RawScore:   outcome.Sample.RawScore,
		ClassName:  string(outcome.Sample.Label),
		Confidence: outcome.Sample.Confidence,
		RiskTier:   string(outcome.Decision.Tier),
		Flagged:    outcome.Decision.Flagged,
		Threshold:  outcome.Decision.Threshold,
		ModelID:    outcome.Sample.ModelID,
		CreatedAt:  outcome.CompletedAt,
	}
}

func (uc *AnalysisUseCase) cacheOutcome(ctx context.Context, record *repository.AnalysisRecord) error {
	cached := cachedOutcome{
		AnalysisID: record.AnalysisID,
		OperatorID: record.OperatorID,
		Filename:   record.Filename,
		RawScore:   record.RawScore,
		ClassName:  record.ClassName,
		Confidence: record.Confidence,
		RiskTier:   record.RiskTier,
		Flagged:    record.Flagged,
		Threshold:  record.Threshold,
		ModelID:    record.ModelID,
		CreatedAt:  record.CreatedAt,
	}
	serialized, err := json.Marshal(cached)
	if err != nil {
		return err
	}
	return uc.withRedisRetry(ctx, record.AnalysisID, "cache.set.outcome", func() error {
		return uc.cache.Set(ctx, outcomeKey(record.AnalysisID), string(serialized), 5*time.Minute)
	})
}

// GetOutcome retrieves a cached analysis outcome or loads it from persistence.
func (uc *AnalysisUseCase) GetOutcome(ctx context.Context, analysisID string) (*repository.AnalysisRecord, error) {
	key := outcomeKey(analysisID)
	if cached, err := uc.withRedisGet(ctx, analysisID, "cache.get.outcome", key); err == nil {
		var payload cachedOutcome
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_outcome", analysisID).Warn("failed to decode cached outcome", zap.Error(err))
		} else {
			return &repository.AnalysisRecord{
				AnalysisID: payload.AnalysisID,
				OperatorID: payload.OperatorID,
				Filename:   payload.Filename,
				RawScore:   payload.RawScore,
				ClassName:  payload.ClassName,
				Confidence: payload.Confidence,
				RiskTier:   payload.RiskTier,
				Flagged:    payload.Flagged,
				Threshold:  payload.Threshold,
				ModelID:    payload.ModelID,
				CreatedAt:  payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_outcome", analysisID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByAnalysisID(ctx, analysisID)
}

// History returns the most recent analysis records, newest first.
func (uc *AnalysisUseCase) History(ctx context.Context) ([]*repository.AnalysisRecord, error) {
	return uc.repo.ListRecent(ctx)
}

// Calibrate scores the reference batch, publishes the recommendation, and
// returns the run summary plus the score histogram.
func (uc *AnalysisUseCase) Calibrate(ctx context.Context, inputs []calibration.Input, binCount int) (*calibration.RunResult, []calibration.Bin, error) {
	result, err := uc.engine.Run(ctx, inputs)
	if err != nil {
		metrics.CalibrationRunsTotal.WithLabelValues("failed").Inc()
		return nil, nil, err
	}

	if err := uc.engine.Recommend(result.Recommended); err != nil {
		metrics.CalibrationRunsTotal.WithLabelValues("failed").Inc()
		return nil, nil, err
	}

	metrics.CalibrationRunsTotal.WithLabelValues("succeeded").Inc()
	metrics.CalibrationFailedSamples.Add(float64(result.Failures))
	metrics.ActiveThreshold.Set(uc.thresholds.Active())

	return result, uc.engine.Histogram(result.Samples, binCount), nil
}

// ApplyThreshold sets the active decision threshold for future analyses.
func (uc *AnalysisUseCase) ApplyThreshold(value float64) error {
	if err := uc.engine.Apply(value); err != nil {
		return err
	}
	metrics.ActiveThreshold.Set(value)
	uc.logger.Info("active threshold applied", zap.Float64("threshold", value))
	return nil
}

// Thresholds reports the active and recommended thresholds.
func (uc *AnalysisUseCase) Thresholds() (active, recommended float64) {
	return uc.thresholds.Active(), uc.thresholds.Recommended()
}

// Health re-probes the model service and reports what it said.
func (uc *AnalysisUseCase) Health(ctx context.Context) (gateway.ConnectionState, *gateway.Health) {
	state := uc.monitor.Refresh(ctx)
	metrics.ConnectionState.Set(float64(state))
	return state, uc.monitor.Health()
}

func outcomeKey(analysisID string) string {
	return fmt.Sprintf("analysis:%s", analysisID)
}

func (uc *AnalysisUseCase) withRedisRetry(ctx context.Context, analysisID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, analysisID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, analysisID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, analysisID, ctx.Err())
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
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, analysisID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, analysisID, err)
}

func (uc *AnalysisUseCase) withRedisGet(ctx context.Context, analysisID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, analysisID, operation, func() error {
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
