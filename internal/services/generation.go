package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/certforge/certforge-backend/internal/apierr"
	"github.com/certforge/certforge-backend/internal/datasource"
	"github.com/certforge/certforge-backend/internal/logger"
	"github.com/certforge/certforge-backend/internal/render"
	"github.com/certforge/certforge-backend/internal/repos"
	"github.com/certforge/certforge-backend/internal/scene"
	"github.com/certforge/certforge-backend/internal/sse"
	"github.com/certforge/certforge-backend/internal/types"
)

type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Artifact is one rendered document plus the metadata the packager and the
// dispatcher need. It is owned by the job until consumed.
type Artifact struct {
	CertificateID   uuid.UUID
	RowIndex        int
	RecipientName   string
	RecipientEmail  string
	VerificationURL string
	Filename        string
	Format          string
	Data            []byte
}

type GenerationRequest struct {
	SceneGraphJSON         json.RawMessage  `json:"scene_graph"`
	TemplateID             *uuid.UUID       `json:"template_id,omitempty"`
	Rows                   []datasource.Row `json:"rows"`
	NameColumn             string           `json:"name_column"`
	EmailColumn            string           `json:"email_column,omitempty"`
	SendEmail              bool             `json:"send_email"`
	OutputFormat           string           `json:"output_format"`
	IssuerName             string           `json:"issuer_name"`
	CertificateTitle       string           `json:"certificate_title"`
	CertificateDescription string           `json:"certificate_description,omitempty"`
}

// QuotaExceededError is the structured "upgrade required" rejection the
// preflight produces; the batch never starts when it fires.
type QuotaExceededError struct {
	Remaining int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("free generation limit reached (%d remaining)", e.Remaining)
}

// JobSnapshot is the caller-facing view of a job at one instant.
type JobSnapshot struct {
	JobID          uuid.UUID       `json:"job_id"`
	Status         string          `json:"status"`
	TotalRows      int             `json:"total_rows"`
	CurrentIndex   int             `json:"current_index"`
	CertificateIDs []uuid.UUID     `json:"certificate_ids"`
	Errors         []RowError      `json:"errors"`
	RemainingQuota int             `json:"remaining_quota"`
	EmailReport    *DeliveryReport `json:"email_report,omitempty"`
	ArchiveReady   bool            `json:"archive_ready"`
}

// GenerationJob tracks one batch run. It exists from startJob until closeJob,
// independent of any UI lifecycle; the orchestrator is its only mutator.
type GenerationJob struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TotalRows int

	mu             sync.Mutex
	status         string
	currentIndex   int
	rowErrors      []RowError
	certificateIDs []uuid.UUID
	archive        []byte
	emailReport    *DeliveryReport
	remaining      int
	premium        bool

	cancelled atomic.Bool
	done      chan struct{}
}

// RequestCancel flips the cooperative flag. The loop checks it before each
// row, so in-flight row work always completes or fails cleanly first.
func (j *GenerationJob) RequestCancel() {
	j.cancelled.Store(true)
}

func (j *GenerationJob) Done() <-chan struct{} { return j.done }

func (j *GenerationJob) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := JobSnapshot{
		JobID:          j.ID,
		Status:         j.status,
		TotalRows:      j.TotalRows,
		CurrentIndex:   j.currentIndex,
		CertificateIDs: append([]uuid.UUID(nil), j.certificateIDs...),
		Errors:         append([]RowError(nil), j.rowErrors...),
		RemainingQuota: j.remaining,
		EmailReport:    j.emailReport,
		ArchiveReady:   len(j.archive) > 0,
	}
	return snap
}

func (j *GenerationJob) terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status == types.RunStatusComplete || j.status == types.RunStatusCancelled
}

type GenerationConfig struct {
	RenderTimeout time.Duration
}

type GenerationService interface {
	Start(ctx context.Context, userID uuid.UUID, req GenerationRequest) (*GenerationJob, error)
	Get(userID, jobID uuid.UUID) (*GenerationJob, error)
	Cancel(userID, jobID uuid.UUID) error
	Close(userID, jobID uuid.UUID) error
	Archive(userID, jobID uuid.UUID) ([]byte, error)
	RenderPreview(ctx context.Context, sceneJSON []byte, row datasource.Row) ([]byte, error)
}

type generationService struct {
	db  *gorm.DB
	log *logger.Logger
	cfg GenerationConfig

	runRepo  repos.GenerationRunRepo
	certRepo repos.CertificateRepo
	quota    QuotaService
	issuer   VerificationIssuer
	surface  render.Surface
	delivery DeliveryService
	hub      *sse.SSEHub

	mu   sync.Mutex
	jobs map[uuid.UUID]*GenerationJob

	newArchive func() artifactPackager

	// The raster surface is stateful and reused; renders from concurrent
	// jobs must not interleave on it.
	renderMu sync.Mutex
}

func (gs *generationService) renderRow(ctx context.Context, g *scene.Graph) ([]byte, error) {
	gs.renderMu.Lock()
	defer gs.renderMu.Unlock()
	rctx, cancel := context.WithTimeout(ctx, gs.cfg.RenderTimeout)
	defer cancel()
	return gs.surface.Render(rctx, g)
}

func NewGenerationService(
	db *gorm.DB,
	baseLog *logger.Logger,
	cfg GenerationConfig,
	runRepo repos.GenerationRunRepo,
	certRepo repos.CertificateRepo,
	quota QuotaService,
	issuer VerificationIssuer,
	surface render.Surface,
	delivery DeliveryService,
	hub *sse.SSEHub,
) GenerationService {
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 30 * time.Second
	}
	return &generationService{
		db:       db,
		log:      baseLog.With("service", "GenerationService"),
		cfg:      cfg,
		runRepo:  runRepo,
		certRepo: certRepo,
		quota:    quota,
		issuer:   issuer,
		surface:  surface,
		delivery: delivery,
		hub:      hub,
		jobs:     make(map[uuid.UUID]*GenerationJob),
		newArchive: func() artifactPackager {
			return NewArchiveBuilder()
		},
	}
}

func (gs *generationService) Start(ctx context.Context, userID uuid.UUID, req GenerationRequest) (*GenerationJob, error) {
	graph, err := validateRequest(&req)
	if err != nil {
		return nil, err
	}

	allowance, err := gs.quota.CheckGenerationAllowance(ctx, nil, userID, len(req.Rows))
	if err != nil {
		return nil, err
	}
	if !allowance.Allowed {
		return nil, &QuotaExceededError{Remaining: allowance.Remaining}
	}

	gs.mu.Lock()
	if existing, ok := gs.jobs[userID]; ok && !existing.terminal() {
		gs.mu.Unlock()
		return nil, apierr.New(http.StatusConflict, apierr.CodeConflict,
			fmt.Errorf("a generation job is already running for this user"))
	}
	job := &GenerationJob{
		ID:        uuid.New(),
		UserID:    userID,
		TotalRows: len(req.Rows),
		status:    types.RunStatusGenerating,
		remaining: allowance.Remaining,
		premium:   allowance.Premium,
		done:      make(chan struct{}),
	}
	gs.jobs[userID] = job
	gs.mu.Unlock()

	now := time.Now()
	run := &types.GenerationRun{
		ID:         job.ID,
		UserID:     userID,
		TemplateID: req.TemplateID,
		Status:     types.RunStatusGenerating,
		TotalRows:  job.TotalRows,
		StartedAt:  &now,
	}
	if _, err := gs.runRepo.Create(ctx, nil, []*types.GenerationRun{run}); err != nil {
		gs.mu.Lock()
		delete(gs.jobs, userID)
		gs.mu.Unlock()
		return nil, fmt.Errorf("create generation run: %w", err)
	}

	// The batch outlives the HTTP request that started it.
	go gs.run(context.Background(), job, graph, req)

	return job, nil
}

func validateRequest(req *GenerationRequest) (*scene.Graph, error) {
	if len(req.Rows) == 0 {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation, fmt.Errorf("data source is empty"))
	}
	if req.CertificateTitle == "" {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation, fmt.Errorf("certificate title is required"))
	}
	if req.IssuerName == "" {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation, fmt.Errorf("issuer name is required"))
	}
	switch req.OutputFormat {
	case "":
		req.OutputFormat = "pdf"
	case "pdf", "png":
	default:
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation,
			fmt.Errorf("unsupported output format %q", req.OutputFormat))
	}
	graph, err := scene.Parse(req.SceneGraphJSON)
	if err != nil {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation, err)
	}
	return graph, nil
}

func (gs *generationService) run(ctx context.Context, job *GenerationJob, graph *scene.Graph, req GenerationRequest) {
	log := gs.log.With("job_id", job.ID, "user_id", job.UserID)

	progress := func(done int, label string) {
		job.mu.Lock()
		job.currentIndex = done
		job.mu.Unlock()

		pct := 0
		if job.TotalRows > 0 {
			pct = done * 100 / job.TotalRows
		}
		_ = gs.runRepo.UpdateFields(ctx, nil, job.ID, map[string]any{
			"current_index": done,
			"progress":      pct,
			"updated_at":    time.Now(),
		})
		gs.broadcast(job.UserID, sse.SSEEventJobProgress, map[string]any{
			"job_id":  job.ID,
			"current": done,
			"total":   job.TotalRows,
			"status":  label,
		})
	}

	rowFail := func(i int, msg string) {
		job.mu.Lock()
		job.rowErrors = append(job.rowErrors, RowError{Row: i, Message: msg})
		job.mu.Unlock()
		log.Warn("Row failed", "row", i, "message", msg)
	}

	archive := gs.newArchive()
	var artifacts []*Artifact
	cancelled := false

	for i, row := range req.Rows {
		if job.cancelled.Load() {
			cancelled = true
			break
		}

		certID := gs.issuer.NewCertificateID()
		verifyURL := gs.issuer.VerificationURL(certID)
		bound := scene.BindRow(graph, row, verifyURL)

		qr, err := gs.issuer.QRCode(certID)
		if err != nil {
			rowFail(i, fmt.Sprintf("qr encode: %v", err))
			progress(i+1, "Generating certificates")
			continue
		}
		bound.SetQRImage(qr)

		data, err := gs.renderRow(ctx, bound)
		if err != nil {
			rowFail(i, fmt.Sprintf("render: %v", err))
			progress(i+1, "Generating certificates")
			continue
		}
		if req.OutputFormat == "pdf" {
			data, err = render.WrapPNG(data)
			if err != nil {
				rowFail(i, fmt.Sprintf("package pdf: %v", err))
				progress(i+1, "Generating certificates")
				continue
			}
		}

		name := row[req.NameColumn]
		email := ""
		if req.EmailColumn != "" {
			email = row[req.EmailColumn]
		}

		// Package before persisting so a failed row never leaves a
		// verifiable certificate record behind.
		entry, err := archive.Add(name, i, req.OutputFormat, data)
		if err != nil {
			rowFail(i, fmt.Sprintf("package artifact: %v", err))
			progress(i+1, "Generating certificates")
			continue
		}

		cert := &types.Certificate{
			ID:             certID,
			UserID:         job.UserID,
			TemplateID:     req.TemplateID,
			Title:          req.CertificateTitle,
			Description:    req.CertificateDescription,
			IssuerName:     req.IssuerName,
			RecipientName:  name,
			RecipientEmail: email,
			RowIndex:       i,
			OutputFormat:   req.OutputFormat,
			DeliveryStatus: types.DeliveryStatusNone,
			IssuedAt:       time.Now(),
		}
		if _, err := gs.certRepo.Create(ctx, nil, []*types.Certificate{cert}); err != nil {
			rowFail(i, fmt.Sprintf("store certificate: %v", err))
			progress(i+1, "Generating certificates")
			continue
		}

		artifacts = append(artifacts, &Artifact{
			CertificateID:   certID,
			RowIndex:        i,
			RecipientName:   name,
			RecipientEmail:  email,
			VerificationURL: verifyURL,
			Filename:        entry,
			Format:          req.OutputFormat,
			Data:            data,
		})
		job.mu.Lock()
		job.certificateIDs = append(job.certificateIDs, certID)
		job.mu.Unlock()
		progress(i+1, "Generating certificates")
	}

	bundle, err := archive.Finalize()
	if err != nil {
		log.Error("Archive finalize failed", "error", err)
	}
	job.mu.Lock()
	job.archive = bundle
	produced := len(job.certificateIDs)
	job.mu.Unlock()

	// Charge by what was actually produced, even on a cancelled run.
	if err := gs.quota.CommitGenerations(ctx, nil, job.UserID, produced); err != nil {
		log.Warn("Generation quota commit failed", "error", err)
	}

	if !cancelled && req.SendEmail && len(artifacts) > 0 {
		gs.setStatus(ctx, job, types.RunStatusEmailing)
		gs.broadcast(job.UserID, sse.SSEEventJobProgress, map[string]any{
			"job_id":  job.ID,
			"current": job.TotalRows,
			"total":   job.TotalRows,
			"status":  "Sending emails",
		})

		report := gs.delivery.Dispatch(ctx, DeliveryInput{
			UserID:           job.UserID,
			RunID:            job.ID,
			Premium:          job.premium,
			CertificateTitle: req.CertificateTitle,
			IssuerName:       req.IssuerName,
			Artifacts:        artifacts,
			Stop:             job.cancelled.Load,
		})
		job.mu.Lock()
		job.emailReport = report
		job.mu.Unlock()

		if job.cancelled.Load() {
			cancelled = true
		}
	}

	final := types.RunStatusComplete
	event := sse.SSEEventJobCompleted
	if cancelled {
		final = types.RunStatusCancelled
		event = sse.SSEEventJobCancelled
	}
	gs.finishRun(ctx, job, final)

	snap := job.Snapshot()
	gs.broadcast(job.UserID, event, map[string]any{
		"job_id":          job.ID,
		"status":          final,
		"certificate_ids": snap.CertificateIDs,
		"errors":          snap.Errors,
		"email_report":    snap.EmailReport,
	})
	log.Info("Generation run finished",
		"status", final,
		"produced", len(snap.CertificateIDs),
		"errors", len(snap.Errors),
	)
	close(job.done)
}

func (gs *generationService) setStatus(ctx context.Context, job *GenerationJob, status string) {
	job.mu.Lock()
	job.status = status
	job.mu.Unlock()
	_ = gs.runRepo.UpdateFields(ctx, nil, job.ID, map[string]any{
		"status":     status,
		"updated_at": time.Now(),
	})
}

func (gs *generationService) finishRun(ctx context.Context, job *GenerationJob, status string) {
	job.mu.Lock()
	job.status = status
	idsJSON, _ := json.Marshal(job.certificateIDs)
	errsJSON, _ := json.Marshal(job.rowErrors)
	current := job.currentIndex
	job.mu.Unlock()

	now := time.Now()
	if err := gs.runRepo.UpdateFields(ctx, nil, job.ID, map[string]any{
		"status":          status,
		"current_index":   current,
		"certificate_ids": datatypes.JSON(idsJSON),
		"row_errors":      datatypes.JSON(errsJSON),
		"finished_at":     now,
		"updated_at":      now,
	}); err != nil {
		gs.log.Warn("Persisting final run state failed", "job_id", job.ID, "error", err)
	}
}

func (gs *generationService) broadcast(userID uuid.UUID, event sse.SSEEvent, data map[string]any) {
	if gs.hub == nil {
		return
	}
	gs.hub.Broadcast(sse.SSEMessage{Channel: userID.String(), Event: event, Data: data})
}

func (gs *generationService) lookup(userID, jobID uuid.UUID) (*GenerationJob, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	job, ok := gs.jobs[userID]
	if !ok || job.ID != jobID {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("generation job %s not found", jobID))
	}
	return job, nil
}

func (gs *generationService) Get(userID, jobID uuid.UUID) (*GenerationJob, error) {
	return gs.lookup(userID, jobID)
}

func (gs *generationService) Cancel(userID, jobID uuid.UUID) error {
	job, err := gs.lookup(userID, jobID)
	if err != nil {
		return err
	}
	job.RequestCancel()
	return nil
}

// Close destroys a finished job, freeing its archive. It replaces the UI
// modal-close lifecycle with an explicit operation.
func (gs *generationService) Close(userID, jobID uuid.UUID) error {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	job, ok := gs.jobs[userID]
	if !ok || job.ID != jobID {
		return apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("generation job %s not found", jobID))
	}
	if !job.terminal() {
		return apierr.New(http.StatusConflict, apierr.CodeConflict, fmt.Errorf("generation job %s is still running", jobID))
	}
	delete(gs.jobs, userID)
	return nil
}

func (gs *generationService) Archive(userID, jobID uuid.UUID) ([]byte, error) {
	job, err := gs.lookup(userID, jobID)
	if err != nil {
		return nil, err
	}
	if !job.terminal() {
		return nil, apierr.New(http.StatusConflict, apierr.CodeConflict, fmt.Errorf("generation job %s is still running", jobID))
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	if len(job.archive) == 0 {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("no archive for job %s", jobID))
	}
	return job.archive, nil
}

// RenderPreview performs the same non-destructive substitution the batch
// does, against a single sample row, without issuing a persistent
// certificate or consuming quota. Always returns a PNG.
func (gs *generationService) RenderPreview(ctx context.Context, sceneJSON []byte, row datasource.Row) ([]byte, error) {
	graph, err := scene.Parse(sceneJSON)
	if err != nil {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation, err)
	}

	certID := gs.issuer.NewCertificateID()
	bound := scene.BindRow(graph, row, gs.issuer.VerificationURL(certID))
	qr, err := gs.issuer.QRCode(certID)
	if err != nil {
		return nil, fmt.Errorf("qr encode: %w", err)
	}
	bound.SetQRImage(qr)

	return gs.renderRow(ctx, bound)
}
