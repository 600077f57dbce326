package services

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/certforge/certforge-backend/internal/logger"
)

// VerificationIssuer allocates certificate ids before rendering, because the
// bound graph's verification text and QR placeholder both need the id.
type VerificationIssuer interface {
	NewCertificateID() uuid.UUID
	VerificationURL(id uuid.UUID) string
	QRCode(id uuid.UUID) ([]byte, error)
}

type verificationIssuer struct {
	log     *logger.Logger
	baseURL string
	qrSize  int
}

func NewVerificationIssuer(log *logger.Logger, baseURL string) (VerificationIssuer, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("verification base URL is empty")
	}
	return &verificationIssuer{
		log:     log.With("service", "VerificationIssuer"),
		baseURL: baseURL,
		qrSize:  256,
	}, nil
}

func (vi *verificationIssuer) NewCertificateID() uuid.UUID {
	return uuid.New()
}

func (vi *verificationIssuer) VerificationURL(id uuid.UUID) string {
	return fmt.Sprintf("%s/verify/%s", vi.baseURL, id)
}

func (vi *verificationIssuer) QRCode(id uuid.UUID) ([]byte, error) {
	png, err := qrcode.Encode(vi.VerificationURL(id), qrcode.Medium, vi.qrSize)
	if err != nil {
		return nil, fmt.Errorf("encode QR for %s: %w", id, err)
	}
	return png, nil
}
