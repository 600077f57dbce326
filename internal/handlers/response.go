package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/certforge/certforge-backend/internal/apierr"
	"github.com/certforge/certforge-backend/internal/services"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondServiceError maps service-layer errors onto the envelope. Quota
// rejections carry their remaining balance so the UI can show the upsell.
func RespondServiceError(c *gin.Context, err error) {
	var qe *services.QuotaExceededError
	if errors.As(err, &qe) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"message": qe.Error(),
				"code":    apierr.CodeUpgradeRequired,
			},
			"limit_reached":   true,
			"remaining_quota": qe.Remaining,
		})
		return
	}
	RespondError(c, apierr.Status(err, http.StatusInternalServerError), apierr.Code(err), err)
}
