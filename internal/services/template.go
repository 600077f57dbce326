package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/certforge/certforge-backend/internal/apierr"
	"github.com/certforge/certforge-backend/internal/logger"
	"github.com/certforge/certforge-backend/internal/repos"
	"github.com/certforge/certforge-backend/internal/scene"
	"github.com/certforge/certforge-backend/internal/types"
)

// TemplateService owns the stored template lifecycle. Scene JSON is validated
// on every write so a template that saves always also generates.
type TemplateService interface {
	Create(ctx context.Context, userID uuid.UUID, name string, sceneJSON []byte) (*types.CertificateTemplate, error)
	List(ctx context.Context, userID uuid.UUID) ([]*types.CertificateTemplate, error)
	Get(ctx context.Context, userID, id uuid.UUID) (*types.CertificateTemplate, error)
	Update(ctx context.Context, userID, id uuid.UUID, name string, sceneJSON []byte) (*types.CertificateTemplate, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
}

type templateService struct {
	log  *logger.Logger
	repo repos.TemplateRepo
}

func NewTemplateService(baseLog *logger.Logger, repo repos.TemplateRepo) TemplateService {
	return &templateService{
		log:  baseLog.With("service", "TemplateService"),
		repo: repo,
	}
}

func (ts *templateService) Create(ctx context.Context, userID uuid.UUID, name string, sceneJSON []byte) (*types.CertificateTemplate, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation, fmt.Errorf("template name is required"))
	}
	if _, err := scene.Parse(sceneJSON); err != nil {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation, err)
	}

	tpl := &types.CertificateTemplate{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		SceneJSON: datatypes.JSON(sceneJSON),
	}
	if _, err := ts.repo.Create(ctx, nil, []*types.CertificateTemplate{tpl}); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	return tpl, nil
}

func (ts *templateService) List(ctx context.Context, userID uuid.UUID) ([]*types.CertificateTemplate, error) {
	return ts.repo.GetByUserID(ctx, nil, userID)
}

func (ts *templateService) Get(ctx context.Context, userID, id uuid.UUID) (*types.CertificateTemplate, error) {
	tpls, err := ts.repo.GetByIDs(ctx, nil, []uuid.UUID{id})
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	// Ownership gates every single-template read.
	if len(tpls) == 0 || tpls[0] == nil || tpls[0].UserID != userID {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("template %s not found", id))
	}
	return tpls[0], nil
}

func (ts *templateService) Update(ctx context.Context, userID, id uuid.UUID, name string, sceneJSON []byte) (*types.CertificateTemplate, error) {
	if _, err := ts.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	if _, err := scene.Parse(sceneJSON); err != nil {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation, err)
	}
	if err := ts.repo.UpdateScene(ctx, nil, id, strings.TrimSpace(name), datatypes.JSON(sceneJSON)); err != nil {
		return nil, fmt.Errorf("update template: %w", err)
	}
	return ts.Get(ctx, userID, id)
}

func (ts *templateService) Delete(ctx context.Context, userID, id uuid.UUID) error {
	if _, err := ts.Get(ctx, userID, id); err != nil {
		return err
	}
	return ts.repo.Delete(ctx, nil, id)
}
