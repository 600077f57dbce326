package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/certforge/certforge-backend/internal/middleware"
	"github.com/certforge/certforge-backend/internal/services"
)

type TemplateHandler struct {
	templates services.TemplateService
}

func NewTemplateHandler(templates services.TemplateService) *TemplateHandler {
	return &TemplateHandler{templates: templates}
}

type templateRequest struct {
	Name      string          `json:"name"`
	SceneJSON json.RawMessage `json:"scene_json"`
}

// POST /api/templates
func (h *TemplateHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	tpl, err := h.templates.Create(c.Request.Context(), userID, req.Name, req.SceneJSON)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"template": tpl})
}

// GET /api/templates
func (h *TemplateHandler) List(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	tpls, err := h.templates.List(c.Request.Context(), userID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"templates": tpls})
}

// GET /api/templates/:id
func (h *TemplateHandler) Get(c *gin.Context) {
	userID, tplID, ok := h.pathIDs(c)
	if !ok {
		return
	}
	tpl, err := h.templates.Get(c.Request.Context(), userID, tplID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"template": tpl})
}

// PUT /api/templates/:id
func (h *TemplateHandler) Update(c *gin.Context) {
	userID, tplID, ok := h.pathIDs(c)
	if !ok {
		return
	}
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	tpl, err := h.templates.Update(c.Request.Context(), userID, tplID, req.Name, req.SceneJSON)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"template": tpl})
}

// DELETE /api/templates/:id
func (h *TemplateHandler) Delete(c *gin.Context) {
	userID, tplID, ok := h.pathIDs(c)
	if !ok {
		return
	}
	if err := h.templates.Delete(c.Request.Context(), userID, tplID); err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"deleted": true})
}

func (h *TemplateHandler) pathIDs(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return uuid.Nil, uuid.Nil, false
	}
	tplID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_template_id", err)
		return uuid.Nil, uuid.Nil, false
	}
	return userID, tplID, true
}
