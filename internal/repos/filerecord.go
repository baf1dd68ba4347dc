package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mnma/mnma-backend/internal/logger"
	"github.com/mnma/mnma-backend/internal/types"
)

// FileRecordRepo is the status store for uploaded files. All status
// transitions go through TransitionStatus, which is a conditional update on
// the current status so racing workers cannot both advance the same record.
type FileRecordRepo interface {
	Create(ctx context.Context, tx *gorm.DB, record *types.FileRecord) (*types.FileRecord, error)
	GetByFileID(ctx context.Context, tx *gorm.DB, fileID uuid.UUID) (*types.FileRecord, error)
	GetByFileIDs(ctx context.Context, tx *gorm.DB, userID string, fileIDs []uuid.UUID) ([]*types.FileRecord, error)
	GetByUserID(ctx context.Context, tx *gorm.DB, userID string) ([]*types.FileRecord, error)
	TransitionStatus(ctx context.Context, tx *gorm.DB, fileID uuid.UUID, from, to types.FileStatus) (bool, error)
	DeleteReturning(ctx context.Context, tx *gorm.DB, userID string, fileIDs []uuid.UUID) ([]*types.FileRecord, error)
	StalePending(ctx context.Context, tx *gorm.DB, olderThan time.Duration) ([]*types.FileRecord, error)
}

type fileRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewFileRecordRepo(db *gorm.DB, baseLog *logger.Logger) FileRecordRepo {
	return &fileRecordRepo{db: db, log: baseLog.With("repo", "FileRecordRepo")}
}

func (r *fileRecordRepo) Create(ctx context.Context, tx *gorm.DB, record *types.FileRecord) (*types.FileRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if record == nil {
		return nil, nil
	}
	if err := transaction.WithContext(ctx).Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

func (r *fileRecordRepo) GetByFileID(ctx context.Context, tx *gorm.DB, fileID uuid.UUID) (*types.FileRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var record types.FileRecord
	err := transaction.WithContext(ctx).
		Where("file_id = ?", fileID).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *fileRecordRepo) GetByFileIDs(ctx context.Context, tx *gorm.DB, userID string, fileIDs []uuid.UUID) ([]*types.FileRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.FileRecord
	if len(fileIDs) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("user_id = ? AND file_id IN ?", userID, fileIDs).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *fileRecordRepo) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) ([]*types.FileRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.FileRecord
	if err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// TransitionStatus performs a compare-and-swap on the status column. It
// returns false when no row matched, meaning the record is gone or another
// worker already moved it past `from`.
func (r *fileRecordRepo) TransitionStatus(ctx context.Context, tx *gorm.DB, fileID uuid.UUID, from, to types.FileStatus) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.FileRecord{}).
		Where("file_id = ? AND status = ?", fileID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteReturning removes the user's records and returns them with the
// status they held before deletion, so the caller knows whether vector and
// blob cleanup is still needed.
func (r *fileRecordRepo) DeleteReturning(ctx context.Context, tx *gorm.DB, userID string, fileIDs []uuid.UUID) ([]*types.FileRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var prior []*types.FileRecord
	if len(fileIDs) == 0 {
		return prior, nil
	}
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.
			Where("user_id = ? AND file_id IN ?", userID, fileIDs).
			Find(&prior).Error; err != nil {
			return err
		}
		if len(prior) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(prior))
		for _, rec := range prior {
			ids = append(ids, rec.FileID)
		}
		return txx.
			Where("user_id = ? AND file_id IN ?", userID, ids).
			Delete(&types.FileRecord{}).Error
	})
	if err != nil {
		return nil, err
	}
	return prior, nil
}

func (r *fileRecordRepo) StalePending(ctx context.Context, tx *gorm.DB, olderThan time.Duration) ([]*types.FileRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	cutoff := time.Now().Add(-olderThan)
	var results []*types.FileRecord
	if err := transaction.WithContext(ctx).
		Where("status = ? AND updated_at < ?", types.FileStatusPending, cutoff).
		Order("updated_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
