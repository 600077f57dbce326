package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/certforge/certforge-backend/internal/apierr"
	"github.com/certforge/certforge-backend/internal/clients/sendgrid"
	"github.com/certforge/certforge-backend/internal/logger"
	"github.com/certforge/certforge-backend/internal/repos"
	"github.com/certforge/certforge-backend/internal/types"
)

// EmailResult is the per-recipient outcome. Results are appended in dispatch
// order, one entry per attempted artifact.
type EmailResult struct {
	CertificateID  uuid.UUID `json:"certificate_id"`
	RecipientName  string    `json:"recipient_name"`
	RecipientEmail string    `json:"recipient_email"`
	Success        bool      `json:"success"`
	Code           string    `json:"code,omitempty"`
	Error          string    `json:"error,omitempty"`
}

type DeliveryReport struct {
	Sent    int           `json:"sent"`
	Failed  int           `json:"failed"`
	Results []EmailResult `json:"results"`
}

type DeliveryInput struct {
	UserID           uuid.UUID
	RunID            uuid.UUID
	Premium          bool
	CertificateTitle string
	IssuerName       string
	Artifacts        []*Artifact

	// Stop is polled between sends; artifacts past the stop point are
	// neither attempted nor recorded.
	Stop func() bool
}

// DeliveryService sends one email per artifact, sequentially, and records
// every attempt. One recipient failing never aborts the rest of the batch.
type DeliveryService interface {
	Dispatch(ctx context.Context, in DeliveryInput) *DeliveryReport
}

type deliveryService struct {
	log      *logger.Logger
	mail     sendgrid.Client
	quota    QuotaService
	certRepo repos.CertificateRepo
	logRepo  repos.EmailLogRepo
}

func NewDeliveryService(
	baseLog *logger.Logger,
	mail sendgrid.Client,
	quota QuotaService,
	certRepo repos.CertificateRepo,
	logRepo repos.EmailLogRepo,
) DeliveryService {
	return &deliveryService{
		log:      baseLog.With("service", "DeliveryService"),
		mail:     mail,
		quota:    quota,
		certRepo: certRepo,
		logRepo:  logRepo,
	}
}

func (ds *deliveryService) Dispatch(ctx context.Context, in DeliveryInput) *DeliveryReport {
	report := &DeliveryReport{}

	for _, a := range in.Artifacts {
		if in.Stop != nil && in.Stop() {
			break
		}

		email := strings.TrimSpace(a.RecipientEmail)
		if !strings.Contains(email, "@") {
			ds.record(ctx, in, a, report, EmailResult{
				Success: false,
				Error:   "missing or invalid email address",
			})
			continue
		}

		// The gate is consulted only for rows that actually reach the
		// wire; a denial counts against this recipient alone.
		if _, err := ds.quota.AllowEmailSend(ctx, in.UserID, in.Premium); err != nil {
			ds.record(ctx, in, a, report, EmailResult{
				Success: false,
				Code:    apierr.Code(err),
				Error:   err.Error(),
			})
			continue
		}

		res, err := ds.mail.Send(ctx, sendgrid.SendEmailRequest{
			To:      []sendgrid.EmailAddress{{Email: email, Name: a.RecipientName}},
			Subject: fmt.Sprintf("Your certificate: %s", in.CertificateTitle),
			Text:    emailBody(a.RecipientName, in.CertificateTitle, in.IssuerName, a.VerificationURL),
			Attachments: []sendgrid.Attachment{{
				Filename: a.Filename,
				MIMEType: artifactMIME(a.Format),
				Content:  a.Data,
			}},
		})
		if err != nil {
			ds.record(ctx, in, a, report, EmailResult{
				Success: false,
				Error:   err.Error(),
			})
			continue
		}

		ds.recordSuccess(ctx, in, a, report, res.MessageID)
	}

	return report
}

func emailBody(name, title, issuer, verifyURL string) string {
	greeting := "Hello"
	if strings.TrimSpace(name) != "" {
		greeting = "Hello " + strings.TrimSpace(name)
	}
	return fmt.Sprintf(
		"%s,\n\n%s has issued you the certificate %q. Your copy is attached.\n\nYou can verify its authenticity at any time:\n%s\n",
		greeting, issuer, title, verifyURL,
	)
}

func artifactMIME(format string) string {
	if format == "png" {
		return "image/png"
	}
	return "application/pdf"
}

func (ds *deliveryService) record(ctx context.Context, in DeliveryInput, a *Artifact, report *DeliveryReport, res EmailResult) {
	res.CertificateID = a.CertificateID
	res.RecipientName = a.RecipientName
	res.RecipientEmail = a.RecipientEmail
	report.Failed++
	report.Results = append(report.Results, res)

	ds.log.Warn("Certificate delivery failed",
		"certificate_id", a.CertificateID,
		"row", a.RowIndex,
		"code", res.Code,
		"error", res.Error,
	)

	if err := ds.certRepo.UpdateDeliveryStatus(ctx, nil, a.CertificateID, types.DeliveryStatusFailed, res.Error); err != nil {
		ds.log.Warn("Delivery status update failed", "certificate_id", a.CertificateID, "error", err)
	}
	ds.appendLog(ctx, in, a, res, "")
}

func (ds *deliveryService) recordSuccess(ctx context.Context, in DeliveryInput, a *Artifact, report *DeliveryReport, messageID string) {
	res := EmailResult{
		CertificateID:  a.CertificateID,
		RecipientName:  a.RecipientName,
		RecipientEmail: a.RecipientEmail,
		Success:        true,
	}
	report.Sent++
	report.Results = append(report.Results, res)

	if err := ds.certRepo.UpdateDeliveryStatus(ctx, nil, a.CertificateID, types.DeliveryStatusSent, ""); err != nil {
		ds.log.Warn("Delivery status update failed", "certificate_id", a.CertificateID, "error", err)
	}
	ds.appendLog(ctx, in, a, res, messageID)
}

func (ds *deliveryService) appendLog(ctx context.Context, in DeliveryInput, a *Artifact, res EmailResult, messageID string) {
	certID := a.CertificateID
	runID := in.RunID
	entry := &types.EmailLog{
		ID:             uuid.New(),
		UserID:         in.UserID,
		CertificateID:  &certID,
		RunID:          &runID,
		RecipientName:  a.RecipientName,
		RecipientEmail: a.RecipientEmail,
		Success:        res.Success,
		Code:           res.Code,
		Error:          res.Error,
		MessageID:      messageID,
	}
	if _, err := ds.logRepo.Create(ctx, nil, []*types.EmailLog{entry}); err != nil {
		ds.log.Warn("Email log write failed", "certificate_id", a.CertificateID, "error", err)
	}
}
