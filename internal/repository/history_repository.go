package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/morphgate/internal/logging"
)

// historyLimit caps how many records a listing returns, newest first.
const historyLimit = 100

// AnalysisRecord is one persisted analysis outcome.
type AnalysisRecord struct {
	ID         uint      `gorm:"primaryKey"`
	AnalysisID string    `gorm:"column:analysis_id;uniqueIndex;size:64"`
	OperatorID string    `gorm:"column:operator_id;size:64"`
	Filename   string    `gorm:"column:filename;size:255"`
	RawScore   float64   `gorm:"column:raw_score"`
	ClassName  string    `gorm:"column:class_name;size:16"`
	Confidence float64   `gorm:"column:confidence"`
	RiskTier   string    `gorm:"column:risk_tier;size:16"`
	Flagged    bool      `gorm:"column:flagged"`
	Threshold  float64   `gorm:"column:threshold"`
	ModelID    string    `gorm:"column:model_id;size:64"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (AnalysisRecord) TableName() string {
	return "analysis_records"
}

// HistoryRepository persists analysis outcomes and serves the operator's
// history listing.
type HistoryRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewHistoryRepository creates a new repository instance.
func NewHistoryRepository(db *gorm.DB, logger *zap.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:             db,
		logger:         logger.Named("history_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *HistoryRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&AnalysisRecord{})
}

// SaveRecord persists one analysis outcome.
func (r *HistoryRepository) SaveRecord(ctx context.Context, record *AnalysisRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", record.AnalysisID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByAnalysisID retrieves one record by its analysis id.
func (r *HistoryRepository) FindByAnalysisID(ctx context.Context, analysisID string) (*AnalysisRecord, error) {
	var record AnalysisRecord
	err := r.executeWithRetry(ctx, "repository.find_by_analysis_id", analysisID, func() error {
		return r.db.WithContext(ctx).First(&record, "analysis_id = ?", analysisID).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListRecent returns the most recent records, newest first.
func (r *HistoryRepository) ListRecent(ctx context.Context) ([]*AnalysisRecord, error) {
	var records []*AnalysisRecord
	err := r.executeWithRetry(ctx, "repository.list_recent", "", func() error {
		return r.db.WithContext(ctx).Order("created_at DESC").Limit(historyLimit).Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// executeWithRetry runs fn, retrying transient failures with doubling
// backoff, and wraps the terminal error with operation metadata.
func (r *HistoryRepository) executeWithRetry(ctx context.Context, operation, analysisID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, analysisID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, analysisID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, analysisID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, analysisID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, analysisID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
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
