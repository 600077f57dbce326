package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/certforge/certforge-backend/internal/logger"
	"github.com/certforge/certforge-backend/internal/types"
)

type EmailLogRepo interface {
	Create(ctx context.Context, tx *gorm.DB, logs []*types.EmailLog) ([]*types.EmailLog, error)
	GetByRunID(ctx context.Context, tx *gorm.DB, runID uuid.UUID) ([]*types.EmailLog, error)
}

type emailLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEmailLogRepo(db *gorm.DB, baseLog *logger.Logger) EmailLogRepo {
	return &emailLogRepo{db: db, log: baseLog.With("repo", "EmailLogRepo")}
}

func (er *emailLogRepo) Create(ctx context.Context, tx *gorm.DB, logs []*types.EmailLog) ([]*types.EmailLog, error) {
	transaction := tx
	if transaction == nil {
		transaction = er.db
	}
	if len(logs) == 0 {
		return []*types.EmailLog{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (er *emailLogRepo) GetByRunID(ctx context.Context, tx *gorm.DB, runID uuid.UUID) ([]*types.EmailLog, error) {
	transaction := tx
	if transaction == nil {
		transaction = er.db
	}
	var results []*types.EmailLog
	if err := transaction.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
