package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/certforge/certforge-backend/internal/middleware"
	"github.com/certforge/certforge-backend/internal/sse"
)

type SSEHandler struct {
	hub *sse.SSEHub
}

func NewSSEHandler(hub *sse.SSEHub) *SSEHandler {
	return &SSEHandler{hub: hub}
}

// GET /api/sse/stream subscribes the caller to their own progress channel.
func (h *SSEHandler) Stream(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}

	client := h.hub.NewSSEClient(userID)
	h.hub.AddChannel(client, userID.String())
	h.hub.ServeHTTP(c.Writer, c.Request, client)

	// Unsubscribe once the stream ends so the hub does not accumulate
	// dead clients.
	h.hub.CloseClient(client)
}
