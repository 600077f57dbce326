package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/certforge/certforge-backend/internal/logger"
	"github.com/certforge/certforge-backend/internal/types"
)

type CertificateRepo interface {
	Create(ctx context.Context, tx *gorm.DB, certs []*types.Certificate) ([]*types.Certificate, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Certificate, error)
	GetByUserID(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*types.Certificate, error)
	UpdateDeliveryStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status, detail string) error
}

type certificateRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCertificateRepo(db *gorm.DB, baseLog *logger.Logger) CertificateRepo {
	return &certificateRepo{db: db, log: baseLog.With("repo", "CertificateRepo")}
}

func (cr *certificateRepo) Create(ctx context.Context, tx *gorm.DB, certs []*types.Certificate) ([]*types.Certificate, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}
	if len(certs) == 0 {
		return []*types.Certificate{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&certs).Error; err != nil {
		return nil, err
	}
	return certs, nil
}

func (cr *certificateRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Certificate, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}
	var results []*types.Certificate
	if len(ids) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (cr *certificateRepo) GetByUserID(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*types.Certificate, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}
	var results []*types.Certificate
	if err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (cr *certificateRepo) UpdateDeliveryStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status, detail string) error {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}
	return transaction.WithContext(ctx).
		Model(&types.Certificate{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"delivery_status": status,
			"delivery_error":  detail,
			"updated_at":      time.Now(),
		}).Error
}
