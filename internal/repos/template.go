package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/certforge/certforge-backend/internal/logger"
	"github.com/certforge/certforge-backend/internal/types"
)

type TemplateRepo interface {
	Create(ctx context.Context, tx *gorm.DB, templates []*types.CertificateTemplate) ([]*types.CertificateTemplate, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.CertificateTemplate, error)
	GetByUserID(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*types.CertificateTemplate, error)
	UpdateScene(ctx context.Context, tx *gorm.DB, id uuid.UUID, name string, scene datatypes.JSON) error
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type templateRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTemplateRepo(db *gorm.DB, baseLog *logger.Logger) TemplateRepo {
	return &templateRepo{db: db, log: baseLog.With("repo", "TemplateRepo")}
}

func (tr *templateRepo) Create(ctx context.Context, tx *gorm.DB, templates []*types.CertificateTemplate) ([]*types.CertificateTemplate, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}
	if len(templates) == 0 {
		return []*types.CertificateTemplate{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}

func (tr *templateRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.CertificateTemplate, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}
	var results []*types.CertificateTemplate
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

func (tr *templateRepo) GetByUserID(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*types.CertificateTemplate, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}
	var results []*types.CertificateTemplate
	if err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (tr *templateRepo) UpdateScene(ctx context.Context, tx *gorm.DB, id uuid.UUID, name string, scene datatypes.JSON) error {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}
	updates := map[string]any{
		"scene_json": scene,
		"updated_at": time.Now(),
	}
	if name != "" {
		updates["name"] = name
	}
	return transaction.WithContext(ctx).
		Model(&types.CertificateTemplate{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (tr *templateRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}
	return transaction.WithContext(ctx).
		Where("id = ?", id).
		Delete(&types.CertificateTemplate{}).Error
}
