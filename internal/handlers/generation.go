package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/certforge/certforge-backend/internal/datasource"
	"github.com/certforge/certforge-backend/internal/middleware"
	"github.com/certforge/certforge-backend/internal/services"
)

type GenerationHandler struct {
	gen services.GenerationService
}

func NewGenerationHandler(gen services.GenerationService) *GenerationHandler {
	return &GenerationHandler{gen: gen}
}

// POST /api/generate
func (h *GenerationHandler) Start(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}

	var req services.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	job, err := h.gen.Start(c.Request.Context(), userID, req)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     job.ID,
		"total_rows": job.TotalRows,
	})
}

// GET /api/generation/:id
func (h *GenerationHandler) Status(c *gin.Context) {
	job, ok := h.jobFromPath(c)
	if !ok {
		return
	}
	RespondOK(c, job.Snapshot())
}

// GET /api/generation/:id/archive
func (h *GenerationHandler) Archive(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}

	bundle, err := h.gen.Archive(userID, jobID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="certificates.zip"`)
	c.Data(http.StatusOK, "application/zip", bundle)
}

// POST /api/generation/:id/cancel
func (h *GenerationHandler) Cancel(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	if err := h.gen.Cancel(userID, jobID); err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"cancelled": true})
}

// POST /api/generation/:id/close
func (h *GenerationHandler) Close(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	if err := h.gen.Close(userID, jobID); err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"closed": true})
}

// POST /api/preview
func (h *GenerationHandler) Preview(c *gin.Context) {
	if _, ok := middleware.UserID(c); !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}

	var req struct {
		SceneGraphJSON json.RawMessage `json:"scene_graph"`
		Row            datasource.Row  `json:"row"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	png, err := h.gen.RenderPreview(c.Request.Context(), req.SceneGraphJSON, req.Row)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *GenerationHandler) jobFromPath(c *gin.Context) (*services.GenerationJob, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return nil, false
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return nil, false
	}
	job, err := h.gen.Get(userID, jobID)
	if err != nil {
		RespondServiceError(c, err)
		return nil, false
	}
	return job, true
}
