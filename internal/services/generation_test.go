package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/certforge/certforge-backend/internal/apierr"
	"github.com/certforge/certforge-backend/internal/datasource"
	"github.com/certforge/certforge-backend/internal/scene"
	"github.com/certforge/certforge-backend/internal/types"
)

func testSceneJSON(t *testing.T) json.RawMessage {
	t.Helper()
	g := &scene.Graph{
		Width:  400,
		Height: 300,
		Elements: []scene.Element{
			{ID: "name", Kind: scene.KindText, X: 10, Y: 10, DynamicKey: "name"},
			{ID: "verify", Kind: scene.KindText, X: 10, Y: 40, IsVerificationURL: true},
			{ID: "qr", Kind: scene.KindQRPlaceholder, X: 10, Y: 60, Width: 64, Height: 64},
		},
	}
	raw, err := g.MarshalBytes()
	if err != nil {
		t.Fatalf("marshal scene: %v", err)
	}
	return raw
}

type genFixture struct {
	svc      GenerationService
	runRepo  *fakeRunRepo
	certRepo *fakeCertRepo
	quota    *fakeQuota
	surface  *fakeSurface
	delivery *fakeDelivery
	userID   uuid.UUID
}

func newGenFixture(t *testing.T, surface *fakeSurface) *genFixture {
	t.Helper()
	f := &genFixture{
		runRepo:  newFakeRunRepo(),
		certRepo: newFakeCertRepo(),
		quota:    &fakeQuota{allowance: GenerationAllowance{Allowed: true, Remaining: 100}},
		surface:  surface,
		delivery: &fakeDelivery{},
		userID:   uuid.New(),
	}
	f.svc = NewGenerationService(
		nil,
		testLogger(t),
		GenerationConfig{RenderTimeout: 5 * time.Second},
		f.runRepo,
		f.certRepo,
		f.quota,
		&fakeIssuer{base: "https://certs.example.com"},
		f.surface,
		f.delivery,
		nil,
	)
	return f
}

func waitDone(t *testing.T, job *GenerationJob) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish in time")
	}
}

func TestGenerationCompletes(t *testing.T) {
	f := newGenFixture(t, &fakeSurface{})

	rows := []datasource.Row{
		{"name": "Ada Lovelace", "email": "ada@example.com"},
		{"name": "Grace Hopper", "email": "grace@example.com"},
		{"name": "Alan Turing", "email": "alan@example.com"},
	}
	job, err := f.svc.Start(context.Background(), f.userID, GenerationRequest{
		SceneGraphJSON:   testSceneJSON(t),
		Rows:             rows,
		NameColumn:       "name",
		EmailColumn:      "email",
		OutputFormat:     "png",
		IssuerName:       "Example Academy",
		CertificateTitle: "Go Fundamentals",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, job)

	snap := job.Snapshot()
	if snap.Status != types.RunStatusComplete {
		t.Fatalf("status = %q, want %q", snap.Status, types.RunStatusComplete)
	}
	if len(snap.CertificateIDs) != 3 || len(snap.Errors) != 0 {
		t.Fatalf("got %d ids / %d errors, want 3 / 0", len(snap.CertificateIDs), len(snap.Errors))
	}
	if snap.CurrentIndex != 3 {
		t.Fatalf("current index = %d, want 3", snap.CurrentIndex)
	}
	if !snap.ArchiveReady {
		t.Fatal("archive not ready after completion")
	}

	// Every produced row has a persisted record carrying its origin.
	if len(f.certRepo.certs) != 3 {
		t.Fatalf("persisted %d certificates, want 3", len(f.certRepo.certs))
	}
	for i, c := range f.certRepo.certs {
		if c.RowIndex != i {
			t.Errorf("cert %d: row index = %d", i, c.RowIndex)
		}
		if c.ID != snap.CertificateIDs[i] {
			t.Errorf("cert %d: id does not match result order", i)
		}
		if c.RecipientEmail == "" || c.IssuerName != "Example Academy" {
			t.Errorf("cert %d: incomplete record %+v", i, c)
		}
	}

	bundle, err := f.svc.Archive(f.userID, job.ID)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(zr.File) != 3 {
		t.Fatalf("archive has %d entries, want 3", len(zr.File))
	}
	if zr.File[0].Name != "Ada_Lovelace.png" {
		t.Fatalf("first entry = %q", zr.File[0].Name)
	}

	if len(f.quota.commits) != 1 || f.quota.commits[0] != 3 {
		t.Fatalf("quota commits = %v, want [3]", f.quota.commits)
	}
	if got := f.runRepo.finalStatus(job.ID); got != types.RunStatusComplete {
		t.Fatalf("persisted run status = %q", got)
	}
	// Email phase must not run when not requested.
	if len(f.delivery.inputs) != 0 {
		t.Fatalf("delivery dispatched %d times, want 0", len(f.delivery.inputs))
	}
}

func TestGenerationAcceptsNumericCells(t *testing.T) {
	f := newGenFixture(t, &fakeSurface{})

	// Data sources coming from the JSON API carry loosely typed cells;
	// a numeric cell must decode and bind as its string form.
	body := fmt.Sprintf(`{
		"scene_graph": %s,
		"rows": [{"name": 4207, "email": "badge@example.com", "note": null}],
		"name_column": "name",
		"email_column": "email",
		"output_format": "png",
		"issuer_name": "Example Academy",
		"certificate_title": "Go Fundamentals"
	}`, testSceneJSON(t))
	var req GenerationRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}

	job, err := f.svc.Start(context.Background(), f.userID, req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, job)

	snap := job.Snapshot()
	if len(snap.CertificateIDs) != 1 || len(snap.Errors) != 0 {
		t.Fatalf("got %d ids / %d errors, want 1 / 0", len(snap.CertificateIDs), len(snap.Errors))
	}
	if got := f.certRepo.certs[0].RecipientName; got != "4207" {
		t.Fatalf("recipient name = %q, want %q", got, "4207")
	}
}

type failingPackager struct {
	inner   *ArchiveBuilder
	failRow int
}

func (p *failingPackager) Add(name string, rowIndex int, ext string, data []byte) (string, error) {
	if rowIndex == p.failRow {
		return "", errors.New("bundle write failed")
	}
	return p.inner.Add(name, rowIndex, ext, data)
}

func (p *failingPackager) Finalize() ([]byte, error) { return p.inner.Finalize() }

func TestGenerationPackagingFailureLeavesNoRecord(t *testing.T) {
	f := newGenFixture(t, &fakeSurface{})
	f.svc.(*generationService).newArchive = func() artifactPackager {
		return &failingPackager{inner: NewArchiveBuilder(), failRow: 1}
	}

	rows := []datasource.Row{
		{"name": "Ada Lovelace", "email": "ada@example.com"},
		{"name": "Grace Hopper", "email": "grace@example.com"},
		{"name": "Alan Turing", "email": "alan@example.com"},
	}
	job, err := f.svc.Start(context.Background(), f.userID, GenerationRequest{
		SceneGraphJSON:   testSceneJSON(t),
		Rows:             rows,
		NameColumn:       "name",
		EmailColumn:      "email",
		OutputFormat:     "png",
		IssuerName:       "Example Academy",
		CertificateTitle: "Go Fundamentals",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, job)

	snap := job.Snapshot()
	if len(snap.CertificateIDs) != 2 || len(snap.Errors) != 1 {
		t.Fatalf("got %d ids / %d errors, want 2 / 1", len(snap.CertificateIDs), len(snap.Errors))
	}
	if snap.Errors[0].Row != 1 {
		t.Fatalf("failed row = %d, want 1", snap.Errors[0].Row)
	}

	// A row whose artifact never made the bundle must not be verifiable.
	if len(f.certRepo.certs) != 2 {
		t.Fatalf("stored %d certificates, want 2", len(f.certRepo.certs))
	}
	for _, c := range f.certRepo.certs {
		if c.RowIndex == 1 {
			t.Fatalf("certificate persisted for failed row: %v", c.ID)
		}
	}
}

func TestGenerationRowFailureIsIsolated(t *testing.T) {
	f := newGenFixture(t, &fakeSurface{failText: "Broken Row"})

	rows := []datasource.Row{
		{"name": "First Person"},
		{"name": "Broken Row"},
		{"name": "Third Person"},
	}
	job, err := f.svc.Start(context.Background(), f.userID, GenerationRequest{
		SceneGraphJSON:   testSceneJSON(t),
		Rows:             rows,
		NameColumn:       "name",
		OutputFormat:     "png",
		IssuerName:       "Example Academy",
		CertificateTitle: "Go Fundamentals",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, job)

	snap := job.Snapshot()
	if snap.Status != types.RunStatusComplete {
		t.Fatalf("status = %q", snap.Status)
	}
	if len(snap.CertificateIDs) != 2 {
		t.Fatalf("got %d ids, want 2", len(snap.CertificateIDs))
	}
	if len(snap.Errors) != 1 || snap.Errors[0].Row != 1 {
		t.Fatalf("errors = %+v, want one error for row 1", snap.Errors)
	}
	// Success count plus failure count always covers the whole batch.
	if len(snap.CertificateIDs)+len(snap.Errors) != len(rows) {
		t.Fatalf("ids+errors = %d, want %d", len(snap.CertificateIDs)+len(snap.Errors), len(rows))
	}
	// The failed row left no record and no archive entry.
	if len(f.certRepo.certs) != 2 {
		t.Fatalf("persisted %d certificates, want 2", len(f.certRepo.certs))
	}
	if f.quota.commits[0] != 2 {
		t.Fatalf("quota charged %d, want 2", f.quota.commits[0])
	}
}

func TestGenerationCancel(t *testing.T) {
	surface := &fakeSurface{
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	f := newGenFixture(t, surface)

	rows := make([]datasource.Row, 5)
	for i := range rows {
		rows[i] = datasource.Row{"name": "Recipient"}
	}
	job, err := f.svc.Start(context.Background(), f.userID, GenerationRequest{
		SceneGraphJSON:   testSceneJSON(t),
		Rows:             rows,
		NameColumn:       "name",
		OutputFormat:     "png",
		IssuerName:       "Example Academy",
		CertificateTitle: "Go Fundamentals",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let the first row reach the renderer, cancel, then release the
	// renders. The loop must stop before row two.
	<-surface.started
	if err := f.svc.Cancel(f.userID, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(surface.gate)
	waitDone(t, job)

	snap := job.Snapshot()
	if snap.Status != types.RunStatusCancelled {
		t.Fatalf("status = %q, want %q", snap.Status, types.RunStatusCancelled)
	}
	if len(snap.CertificateIDs) != 1 {
		t.Fatalf("got %d ids, want 1 (the row already in flight)", len(snap.CertificateIDs))
	}
	// Produced artifacts survive and the archive is still handed out.
	if !snap.ArchiveReady {
		t.Fatal("archive should be available for cancelled run")
	}
	if f.quota.commits[0] != 1 {
		t.Fatalf("quota charged %d, want 1", f.quota.commits[0])
	}
	if got := f.runRepo.finalStatus(job.ID); got != types.RunStatusCancelled {
		t.Fatalf("persisted run status = %q", got)
	}
}

func TestGenerationQuotaPreflight(t *testing.T) {
	f := newGenFixture(t, &fakeSurface{})
	f.quota.allowance = GenerationAllowance{Allowed: false, Remaining: 2}

	_, err := f.svc.Start(context.Background(), f.userID, GenerationRequest{
		SceneGraphJSON:   testSceneJSON(t),
		Rows:             []datasource.Row{{"name": "a"}, {"name": "b"}, {"name": "c"}},
		NameColumn:       "name",
		IssuerName:       "Example Academy",
		CertificateTitle: "Go Fundamentals",
	})
	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("err = %v, want QuotaExceededError", err)
	}
	if qe.Remaining != 2 {
		t.Fatalf("remaining = %d, want 2", qe.Remaining)
	}
	// Rejection happens before any run state exists.
	if len(f.runRepo.created) != 0 || f.surface.renders != 0 || len(f.quota.commits) != 0 {
		t.Fatal("rejected batch must not start")
	}
}

func TestGenerationRequestValidation(t *testing.T) {
	f := newGenFixture(t, &fakeSurface{})
	valid := GenerationRequest{
		SceneGraphJSON:   testSceneJSON(t),
		Rows:             []datasource.Row{{"name": "a"}},
		NameColumn:       "name",
		IssuerName:       "Example Academy",
		CertificateTitle: "Go Fundamentals",
	}

	tests := []struct {
		name   string
		mutate func(r *GenerationRequest)
	}{
		{"empty rows", func(r *GenerationRequest) { r.Rows = nil }},
		{"missing title", func(r *GenerationRequest) { r.CertificateTitle = "" }},
		{"missing issuer", func(r *GenerationRequest) { r.IssuerName = "" }},
		{"bad format", func(r *GenerationRequest) { r.OutputFormat = "docx" }},
		{"invalid scene", func(r *GenerationRequest) { r.SceneGraphJSON = []byte(`{"width":0}`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := f.svc.Start(context.Background(), f.userID, req)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if got := apierr.Status(err, 0); got != 400 {
				t.Fatalf("status = %d, want 400", got)
			}
		})
	}
}

func TestGenerationSecondJobConflicts(t *testing.T) {
	surface := &fakeSurface{
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	f := newGenFixture(t, surface)
	req := GenerationRequest{
		SceneGraphJSON:   testSceneJSON(t),
		Rows:             []datasource.Row{{"name": "a"}},
		NameColumn:       "name",
		OutputFormat:     "png",
		IssuerName:       "Example Academy",
		CertificateTitle: "Go Fundamentals",
	}

	job, err := f.svc.Start(context.Background(), f.userID, req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-surface.started

	if _, err := f.svc.Start(context.Background(), f.userID, req); apierr.Status(err, 0) != 409 {
		t.Fatalf("second Start err = %v, want 409", err)
	}
	if err := f.svc.Close(f.userID, job.ID); apierr.Status(err, 0) != 409 {
		t.Fatalf("Close on running job err = %v, want 409", err)
	}

	close(surface.gate)
	waitDone(t, job)

	// Finished jobs can be closed, after which they are gone.
	if err := f.svc.Close(f.userID, job.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := f.svc.Get(f.userID, job.ID); apierr.Status(err, 0) != 404 {
		t.Fatalf("Get after Close err = %v, want 404", err)
	}
}

func TestGenerationEmailPhase(t *testing.T) {
	f := newGenFixture(t, &fakeSurface{})
	f.delivery.report = &DeliveryReport{Sent: 2, Failed: 1}

	rows := []datasource.Row{
		{"name": "Ada Lovelace", "email": "ada@example.com"},
		{"name": "No Address", "email": ""},
		{"name": "Grace Hopper", "email": "grace@example.com"},
	}
	job, err := f.svc.Start(context.Background(), f.userID, GenerationRequest{
		SceneGraphJSON:   testSceneJSON(t),
		Rows:             rows,
		NameColumn:       "name",
		EmailColumn:      "email",
		SendEmail:        true,
		OutputFormat:     "png",
		IssuerName:       "Example Academy",
		CertificateTitle: "Go Fundamentals",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, job)

	if len(f.delivery.inputs) != 1 {
		t.Fatalf("delivery dispatched %d times, want 1", len(f.delivery.inputs))
	}
	in := f.delivery.inputs[0]
	// The address-less row still produced an artifact; classifying its
	// address is the dispatcher's job.
	if len(in.Artifacts) != 3 {
		t.Fatalf("dispatched %d artifacts, want 3", len(in.Artifacts))
	}
	if in.Artifacts[1].RecipientEmail != "" || in.Artifacts[1].RecipientName != "No Address" {
		t.Fatalf("artifact 1 = %+v", in.Artifacts[1])
	}
	if in.CertificateTitle != "Go Fundamentals" || in.RunID != job.ID {
		t.Fatalf("delivery input = %+v", in)
	}

	snap := job.Snapshot()
	if snap.EmailReport == nil || snap.EmailReport.Sent != 2 || snap.EmailReport.Failed != 1 {
		t.Fatalf("email report = %+v", snap.EmailReport)
	}
	if snap.Status != types.RunStatusComplete {
		t.Fatalf("status = %q", snap.Status)
	}
}

func TestRenderPreview(t *testing.T) {
	f := newGenFixture(t, &fakeSurface{})

	png, err := f.svc.RenderPreview(context.Background(), testSceneJSON(t), datasource.Row{"name": "Sample"})
	if err != nil {
		t.Fatalf("RenderPreview: %v", err)
	}
	if len(png) == 0 {
		t.Fatal("empty preview")
	}
	// Previews never issue certificates or touch quota.
	if len(f.certRepo.certs) != 0 || len(f.quota.commits) != 0 {
		t.Fatal("preview must not persist or charge")
	}
}
