package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/signet-io/signet/internal/document"
	"github.com/signet-io/signet/internal/lock"
	"github.com/signet-io/signet/model"
)

type fakeRenderer struct {
	mu     sync.Mutex
	calls  int
	fails  int    // first N calls fail
	errs   error  // error returned for failing calls
	output []byte // returned on success
	onCall func() // invoked inside each Render call
}

func (r *fakeRenderer) Render(ctx context.Context, html string) ([]byte, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	hook := r.onCall
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	if n <= r.fails {
		return nil, r.errs
	}
	return r.output, nil
}

func (r *fakeRenderer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeStorage struct {
	mu      sync.Mutex
	uploads int
	fails   int // first N uploads fail
}

func (s *fakeStorage) Upload(ctx context.Context, data []byte, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads++
	if s.uploads <= s.fails {
		return "", errors.New("connection refused")
	}
	return "https://storage.example.com/" + path, nil
}

func (s *fakeStorage) Download(ctx context.Context, path string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStorage) Presign(ctx context.Context, path string, ttl time.Duration) (string, error) {
	return "https://storage.example.com/presigned/" + path, nil
}

func (s *fakeStorage) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

func seedSignedDoc(t *testing.T, store *document.MemoryStore, id string) model.Document {
	t.Helper()
	now := time.Now().UTC()
	signedAt := now
	doc := model.Document{
		ID:       id,
		TenantID: "t1",
		Template: model.TemplateSnapshot{
			Topology: model.TopologyParallel,
			BodyHTML: "<p>agreement</p>",
			Fields: []model.SignatureField{
				{RecipientOrder: 1, Page: 1, X: 10, Y: 20, Width: 120, Height: 40},
			},
		},
		Recipients: []model.Recipient{{
			ID:           "r1",
			Name:         "Alice",
			Email:        "alice@example.com",
			Order:        1,
			Kind:         model.RecipientKindIndividual,
			Status:       model.RecipientStatusSigned,
			SignatureRef: "sig-ref-1",
			SignedAt:     &signedAt,
		}},
		Status:    model.DocumentStatusSigned,
		ExpiresAt: now.Add(24 * time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if err := store.Create(context.Background(), doc); err != nil {
		t.Fatalf("seed Create error: %v", err)
	}
	return doc
}

func fastOptions() Options {
	return Options{
		LockTTL:        time.Minute,
		LockRetries:    2,
		LockRetryDelay: time.Millisecond,
		RenderAttempts: 3,
		UploadBackoff:  []time.Duration{0, 0, 0},
	}
}

func newTestFinalizer(store *document.MemoryStore, renderer Renderer, storage Storage, opts Options) *Finalizer {
	return NewFinalizer(
		document.NewEngine(store),
		lock.NewMemoryLocker(),
		renderer,
		storage,
		opts,
		zap.NewNop(),
		nil,
	)
}

func TestRun_CompletesDocument(t *testing.T) {
	store := document.NewMemoryStore()
	renderer := &fakeRenderer{output: []byte("%PDF-1.7 fake")}
	storage := &fakeStorage{}
	f := newTestFinalizer(store, renderer, storage, fastOptions())
	doc := seedSignedDoc(t, store, "d1")

	if err := f.Run(context.Background(), "t1", doc.ID); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	got, err := store.Get(context.Background(), "t1", doc.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != model.DocumentStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	sum := sha256.Sum256(renderer.output)
	if got.ArtifactHash != hex.EncodeToString(sum[:]) {
		t.Errorf("ArtifactHash = %q", got.ArtifactHash)
	}
	if got.ArtifactPath != "artifacts/d1.pdf" {
		t.Errorf("ArtifactPath = %q", got.ArtifactPath)
	}
}

func TestRun_NotEligible(t *testing.T) {
	store := document.NewMemoryStore()
	f := newTestFinalizer(store, &fakeRenderer{output: []byte("pdf")}, &fakeStorage{}, fastOptions())

	doc := seedSignedDoc(t, store, "d1")
	loaded, _ := store.Get(context.Background(), "t1", doc.ID)
	loaded.Status = model.DocumentStatusPartiallySigned
	if err := store.Update(context.Background(), loaded); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	err := f.Run(context.Background(), "t1", doc.ID)
	if ee, ok := err.(*model.ErrorEnvelope); !ok || ee.Code != model.ErrInvalidTransition {
		t.Fatalf("Run error = %v, want INVALID_TRANSITION", err)
	}
}

func TestRun_AlreadyCompletedIsNoop(t *testing.T) {
	store := document.NewMemoryStore()
	renderer := &fakeRenderer{output: []byte("pdf")}
	storage := &fakeStorage{}
	f := newTestFinalizer(store, renderer, storage, fastOptions())
	doc := seedSignedDoc(t, store, "d1")

	if err := f.Run(context.Background(), "t1", doc.ID); err != nil {
		t.Fatalf("first Run error: %v", err)
	}
	if err := f.Run(context.Background(), "t1", doc.ID); err != nil {
		t.Fatalf("second Run error: %v", err)
	}
	if storage.uploadCount() != 1 {
		t.Errorf("uploads = %d, want 1", storage.uploadCount())
	}
}

func TestRun_RetryableRenderRetriesThenSucceeds(t *testing.T) {
	store := document.NewMemoryStore()
	renderer := &fakeRenderer{
		fails:  2,
		errs:   &RenderError{StatusCode: 503, Retryable: true},
		output: []byte("pdf"),
	}
	f := newTestFinalizer(store, renderer, &fakeStorage{}, fastOptions())
	doc := seedSignedDoc(t, store, "d1")

	if err := f.Run(context.Background(), "t1", doc.ID); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if renderer.callCount() != 3 {
		t.Errorf("render calls = %d, want 3", renderer.callCount())
	}
}

func TestRun_RenderExhaustionSetsError(t *testing.T) {
	store := document.NewMemoryStore()
	renderer := &fakeRenderer{
		fails: 10,
		errs:  &RenderError{StatusCode: 503, Retryable: true},
	}
	f := newTestFinalizer(store, renderer, &fakeStorage{}, fastOptions())
	doc := seedSignedDoc(t, store, "d1")

	err := f.Run(context.Background(), "t1", doc.ID)
	if ee, ok := err.(*model.ErrorEnvelope); !ok || ee.Code != model.ErrFinalizeFailed {
		t.Fatalf("Run error = %v, want FINALIZE_FAILED", err)
	}
	if renderer.callCount() != 3 {
		t.Errorf("render calls = %d, want 3", renderer.callCount())
	}

	got, _ := store.Get(context.Background(), "t1", doc.ID)
	if got.Status != model.DocumentStatusError {
		t.Errorf("status = %q, want error", got.Status)
	}
	if !strings.HasPrefix(got.ErrorReason, "render:") {
		t.Errorf("reason = %q, want render stage recorded", got.ErrorReason)
	}
}

func TestRun_NonRetryableRenderFailsFast(t *testing.T) {
	store := document.NewMemoryStore()
	renderer := &fakeRenderer{
		fails: 10,
		errs:  &RenderError{StatusCode: 400, Retryable: false},
	}
	f := newTestFinalizer(store, renderer, &fakeStorage{}, fastOptions())
	doc := seedSignedDoc(t, store, "d1")

	err := f.Run(context.Background(), "t1", doc.ID)
	if ee, ok := err.(*model.ErrorEnvelope); !ok || ee.Code != model.ErrFinalizeFailed {
		t.Fatalf("Run error = %v, want FINALIZE_FAILED", err)
	}
	if renderer.callCount() != 1 {
		t.Errorf("render calls = %d, want 1 for a non-retryable failure", renderer.callCount())
	}
}

func TestRun_UploadRetriesExactlyFourAttempts(t *testing.T) {
	store := document.NewMemoryStore()
	storage := &fakeStorage{fails: 100}
	f := newTestFinalizer(store, &fakeRenderer{output: []byte("pdf")}, storage, fastOptions())
	doc := seedSignedDoc(t, store, "d1")

	err := f.Run(context.Background(), "t1", doc.ID)
	if ee, ok := err.(*model.ErrorEnvelope); !ok || ee.Code != model.ErrFinalizeFailed {
		t.Fatalf("Run error = %v, want FINALIZE_FAILED", err)
	}
	if storage.uploadCount() != 4 {
		t.Errorf("upload attempts = %d, want 4", storage.uploadCount())
	}

	got, _ := store.Get(context.Background(), "t1", doc.ID)
	if got.Status != model.DocumentStatusError {
		t.Errorf("status = %q, want error", got.Status)
	}
	if !strings.HasPrefix(got.ErrorReason, "upload:") {
		t.Errorf("reason = %q, want upload stage recorded", got.ErrorReason)
	}
}

func TestRun_UploadRecoversMidSchedule(t *testing.T) {
	store := document.NewMemoryStore()
	storage := &fakeStorage{fails: 2}
	f := newTestFinalizer(store, &fakeRenderer{output: []byte("pdf")}, storage, fastOptions())
	doc := seedSignedDoc(t, store, "d1")

	if err := f.Run(context.Background(), "t1", doc.ID); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if storage.uploadCount() != 3 {
		t.Errorf("upload attempts = %d, want 3", storage.uploadCount())
	}
}

func TestRun_CancellationDuringRenderDiscardsResult(t *testing.T) {
	store := document.NewMemoryStore()
	eng := document.NewEngine(store)
	doc := seedSignedDoc(t, store, "d1")

	renderer := &fakeRenderer{output: []byte("pdf")}
	renderer.onCall = func() {
		// The document is cancelled while the render is in flight.
		if _, err := eng.Cancel(context.Background(), "t1", doc.ID, "changed our minds"); err != nil {
			t.Errorf("Cancel error: %v", err)
		}
	}
	storage := &fakeStorage{}
	f := newTestFinalizer(store, renderer, storage, fastOptions())

	// The discarded result is not an error.
	if err := f.Run(context.Background(), "t1", doc.ID); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	got, _ := store.Get(context.Background(), "t1", doc.ID)
	if got.Status != model.DocumentStatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	if got.ArtifactHash != "" {
		t.Error("cancelled document carries an artifact hash")
	}
}

func TestRun_ConcurrentRunsCompleteOnce(t *testing.T) {
	store := document.NewMemoryStore()
	renderer := &fakeRenderer{output: []byte("pdf")}
	storage := &fakeStorage{}
	f := newTestFinalizer(store, renderer, storage, fastOptions())
	doc := seedSignedDoc(t, store, "d1")

	const runners = 4
	var wg sync.WaitGroup
	var conflicts atomic.Int32
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.Run(context.Background(), "t1", doc.ID)
			if err != nil {
				if ee, ok := err.(*model.ErrorEnvelope); ok && ee.Code == model.ErrConflict {
					conflicts.Add(1)
					return
				}
				t.Errorf("Run error: %v", err)
			}
		}()
	}
	wg.Wait()

	if storage.uploadCount() != 1 {
		t.Errorf("uploads = %d, want 1 across %d runners", storage.uploadCount(), runners)
	}
	got, _ := store.Get(context.Background(), "t1", doc.ID)
	if got.Status != model.DocumentStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func TestBuildArtifactHTML(t *testing.T) {
	now := time.Now().UTC()
	delegatedAt := now.Add(-time.Hour)
	doc := model.Document{
		ID: "d1",
		Template: model.TemplateSnapshot{
			BodyHTML: "<p>agreement</p>",
			Fields: []model.SignatureField{
				{RecipientOrder: 1, Page: 1, X: 10, Y: 20, Width: 120, Height: 40},
			},
		},
		Recipients: []model.Recipient{
			{
				ID: "r2", Name: "Legal", Order: 2, Kind: model.RecipientKindGroup,
				Status: model.RecipientStatusSigned, SignatureRef: "sig-2",
				SignedByMember: "dana@example.com", SignedAt: &now,
			},
			{
				ID: "r1", Name: "Bob <script>", Order: 1, Kind: model.RecipientKindIndividual,
				Status: model.RecipientStatusSigned, SignatureRef: "sig-1", SignedAt: &now,
				Delegations: []model.DelegationEntry{{
					FromEmail: "alice@example.com", ToEmail: "bob@example.com", At: delegatedAt,
				}},
			},
			{
				ID: "r3", Name: "Carol", Order: 3,
				Status: model.RecipientStatusSkipped,
			},
		},
	}

	out := BuildArtifactHTML(&doc)

	if !strings.HasPrefix(out, "<p>agreement</p>") {
		t.Error("body does not lead the artifact")
	}
	if !strings.Contains(out, `position:absolute;left:10.0;top:20.0;width:120.0;height:40.0`) {
		t.Error("signature field placement missing")
	}
	// Group signatures are attributed to the claiming member.
	if !strings.Contains(out, "dana@example.com") {
		t.Error("group member attribution missing")
	}
	// Names are escaped.
	if strings.Contains(out, "<script>") {
		t.Error("unescaped recipient name in artifact")
	}
	if !strings.Contains(out, "Delegated from alice@example.com to bob@example.com") {
		t.Error("delegation chain missing from audit footer")
	}
	// Skipped recipients contribute no signature block.
	if strings.Contains(out, "Carol") {
		t.Error("unsigned recipient appears in artifact")
	}
	// Signature order follows signing order: order 1 before order 2.
	if strings.Index(out, "sig-1") > strings.Index(out, "sig-2") {
		t.Error("signature blocks out of order")
	}
}
