package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/certforge/certforge-backend/internal/repos"
)

// VerifyHandler serves the public verification page lookup. It deliberately
// exposes only what the certificate itself displays.
type VerifyHandler struct {
	certRepo repos.CertificateRepo
}

func NewVerifyHandler(certRepo repos.CertificateRepo) *VerifyHandler {
	return &VerifyHandler{certRepo: certRepo}
}

// GET /verify/:id
func (h *VerifyHandler) Verify(c *gin.Context) {
	certID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	}

	certs, err := h.certRepo.GetByIDs(c.Request.Context(), nil, []uuid.UUID{certID})
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "lookup_failed", err)
		return
	}
	if len(certs) == 0 || certs[0] == nil {
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	}

	cert := certs[0]
	RespondOK(c, gin.H{
		"valid": true,
		"certificate": gin.H{
			"id":             cert.ID,
			"title":          cert.Title,
			"description":    cert.Description,
			"issuer_name":    cert.IssuerName,
			"recipient_name": cert.RecipientName,
			"issued_at":      cert.IssuedAt,
		},
	})
}
