// Package pipeline renders, hashes, and stores the final signed artifact
// exactly once per document, guarded by the distributed lock.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signet-io/signet/internal/document"
	"github.com/signet-io/signet/internal/lock"
	"github.com/signet-io/signet/internal/observability"
	"github.com/signet-io/signet/model"
)

// uploadBackoff is the fixed retry schedule for artifact uploads: three
// retries, four total attempts.
var defaultUploadBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Options tune the finalizer. Zero values fall back to defaults.
type Options struct {
	LockTTL        time.Duration
	LockRetries    int
	LockRetryDelay time.Duration
	RenderAttempts int
	UploadBackoff  []time.Duration
}

func (o Options) withDefaults() Options {
	if o.LockTTL <= 0 {
		o.LockTTL = 2 * time.Minute
	}
	if o.LockRetries <= 0 {
		o.LockRetries = 5
	}
	if o.LockRetryDelay <= 0 {
		o.LockRetryDelay = 200 * time.Millisecond
	}
	if o.RenderAttempts <= 0 {
		o.RenderAttempts = 3
	}
	if o.UploadBackoff == nil {
		o.UploadBackoff = defaultUploadBackoff
	}
	return o
}

// Finalizer runs the finalization pipeline for documents whose signatures
// are all collected.
type Finalizer struct {
	engine   *document.Engine
	locker   lock.Locker
	renderer Renderer
	storage  Storage
	opts     Options
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewFinalizer creates a finalization pipeline.
func NewFinalizer(
	engine *document.Engine,
	locker lock.Locker,
	renderer Renderer,
	storage Storage,
	opts Options,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Finalizer {
	return &Finalizer{
		engine:   engine,
		locker:   locker,
		renderer: renderer,
		storage:  storage,
		opts:     opts.withDefaults(),
		logger:   logger,
		metrics:  metrics,
	}
}

// Run executes the pipeline for one document: acquire the document lock,
// build and render the artifact, hash it, upload it, and transition the
// document to completed. On exhausting retries at any stage the document
// transitions to error with the failure reason recorded. The lock is always
// released, on both success and failure paths, and carries its own expiry so
// a crashed holder cannot starve the document.
//
// Run is safe to call concurrently for the same document: the lock admits
// one runner, and a second runner that acquires the lock after completion
// finds the document already terminal and does nothing.
func (f *Finalizer) Run(ctx context.Context, tenantID, docID string) error {
	start := time.Now()
	holder := uuid.New().String()
	key := lock.Key(docID)

	acquired, err := f.acquireLock(ctx, key, holder)
	if err != nil {
		return err
	}
	if !acquired {
		if f.metrics != nil {
			f.metrics.LockAcquireFailsTotal.Inc()
		}
		return model.NewConflictError(
			fmt.Sprintf("document %q is being finalized by another holder", docID),
		)
	}
	defer func() {
		if err := f.locker.Release(context.WithoutCancel(ctx), key, holder); err != nil {
			f.logger.Warn("lock release failed", zap.String("document_id", docID), zap.Error(err))
		}
	}()

	err = f.finalize(ctx, tenantID, docID)

	if f.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		f.metrics.PipelineRunsTotal.WithLabelValues(outcome).Inc()
		f.metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}
	return err
}

// acquireLock retries a bounded number of times when the lock is contended.
// The pipeline never proceeds without the lock.
func (f *Finalizer) acquireLock(ctx context.Context, key, holder string) (bool, error) {
	for attempt := 0; attempt < f.opts.LockRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(f.opts.LockRetryDelay):
			}
		}
		ok, err := f.locker.TryAcquire(ctx, key, holder, f.opts.LockTTL)
		if err != nil {
			return false, fmt.Errorf("acquire lock: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// finalize runs the pipeline stages under the held lock.
func (f *Finalizer) finalize(ctx context.Context, tenantID, docID string) error {
	doc, err := f.engine.Store().Get(ctx, tenantID, docID)
	if err != nil {
		return err
	}

	// Only documents with all signatures collected are eligible; the error
	// state re-enters here through the explicit retry operation. A document
	// completed by a racing holder is simply done.
	switch doc.Status {
	case model.DocumentStatusSigned, model.DocumentStatusError:
	case model.DocumentStatusCompleted:
		return nil
	default:
		return model.NewInvalidTransitionError(
			fmt.Sprintf("document %q is %s, not eligible for finalization", docID, doc.Status),
		)
	}

	artifact, err := f.render(ctx, &doc)
	if err != nil {
		return f.fail(ctx, tenantID, docID, "render", err)
	}

	sum := sha256.Sum256(artifact)
	artifactHash := hex.EncodeToString(sum[:])
	artifactPath := fmt.Sprintf("artifacts/%s.pdf", docID)

	if err := f.upload(ctx, artifact, artifactPath); err != nil {
		return f.fail(ctx, tenantID, docID, "upload", err)
	}

	if _, err := f.engine.SetCompleted(ctx, tenantID, docID, artifactHash, artifactPath); err != nil {
		// A cancellation that raced the render is discovered here; the
		// rendered result is discarded.
		if ee, ok := err.(*model.ErrorEnvelope); ok && ee.Code == model.ErrInvalidTransition {
			f.logger.Info("finalization result discarded",
				zap.String("document_id", docID), zap.String("reason", ee.Message))
			return nil
		}
		return err
	}

	f.logger.Info("document finalized",
		zap.String("document_id", docID),
		zap.String("artifact_hash", artifactHash),
	)
	return nil
}

// render invokes the renderer with a bounded number of attempts, retrying on
// timeout and 5xx but never on a client-error response.
func (f *Finalizer) render(ctx context.Context, doc *model.Document) ([]byte, error) {
	htmlIn := BuildArtifactHTML(doc)

	var lastErr error
	for attempt := 0; attempt < f.opts.RenderAttempts; attempt++ {
		data, err := f.renderer.Render(ctx, htmlIn)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !IsRetryableRenderError(err) {
			return nil, err
		}
		if f.metrics != nil {
			f.metrics.PipelineRetriesTotal.WithLabelValues("render").Inc()
		}
	}
	return nil, lastErr
}

// upload stores the artifact, retrying on the fixed backoff schedule.
func (f *Finalizer) upload(ctx context.Context, artifact []byte, path string) error {
	var lastErr error
	for attempt := 0; attempt <= len(f.opts.UploadBackoff); attempt++ {
		if attempt > 0 {
			if f.metrics != nil {
				f.metrics.PipelineRetriesTotal.WithLabelValues("upload").Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.opts.UploadBackoff[attempt-1]):
			}
		}
		if _, err := f.storage.Upload(ctx, artifact, path); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// fail records the exhausted stage on the document and returns the envelope.
func (f *Finalizer) fail(ctx context.Context, tenantID, docID, stage string, cause error) error {
	reason := fmt.Sprintf("%s: %v", stage, cause)
	f.logger.Error("finalization failed",
		zap.String("document_id", docID),
		zap.String("stage", stage),
		zap.Error(cause),
	)
	if _, err := f.engine.SetError(ctx, tenantID, docID, reason); err != nil {
		if ee, ok := err.(*model.ErrorEnvelope); ok && ee.Code == model.ErrInvalidTransition {
			return nil
		}
		return err
	}
	return &model.ErrorEnvelope{Code: model.ErrFinalizeFailed, Message: reason}
}

// BuildArtifactHTML assembles the final artifact input: the template body,
// signature blocks at their designated positions, and an audit footer.
func BuildArtifactHTML(doc *model.Document) string {
	var b strings.Builder
	b.WriteString(doc.Template.BodyHTML)

	recipients := append([]model.Recipient(nil), doc.Recipients...)
	sort.Slice(recipients, func(i, j int) bool { return recipients[i].Order < recipients[j].Order })

	b.WriteString(`<div class="signatures">`)
	for _, rcp := range recipients {
		if rcp.Status != model.RecipientStatusSigned {
			continue
		}
		field := fieldForOrder(doc.Template.Fields, rcp.Order)
		style := ""
		if field != nil {
			style = fmt.Sprintf(` style="position:absolute;left:%.1f;top:%.1f;width:%.1f;height:%.1f"`,
				field.X, field.Y, field.Width, field.Height)
		}
		signer := rcp.Name
		if rcp.SignedByMember != "" {
			signer = rcp.SignedByMember
		}
		fmt.Fprintf(&b, `<div class="signature"%s><img src=%q alt="signature of %s"/></div>`,
			style, rcp.SignatureRef, html.EscapeString(signer))
	}
	b.WriteString(`</div>`)

	b.WriteString(`<footer class="audit">`)
	fmt.Fprintf(&b, `<p>Document %s</p>`, doc.ID)
	for _, rcp := range recipients {
		if rcp.SignedAt == nil {
			continue
		}
		signer := rcp.Name
		if rcp.SignedByMember != "" {
			signer = fmt.Sprintf("%s (on behalf of %s)", rcp.SignedByMember, rcp.Name)
		}
		fmt.Fprintf(&b, `<p>Signed by %s at %s</p>`,
			html.EscapeString(signer), rcp.SignedAt.UTC().Format(time.RFC3339))
		for _, d := range rcp.Delegations {
			fmt.Fprintf(&b, `<p>Delegated from %s to %s at %s</p>`,
				html.EscapeString(d.FromEmail), html.EscapeString(d.ToEmail), d.At.UTC().Format(time.RFC3339))
		}
	}
	b.WriteString(`</footer>`)
	return b.String()
}

func fieldForOrder(fields []model.SignatureField, order int) *model.SignatureField {
	for i := range fields {
		if fields[i].RecipientOrder == order {
			return &fields[i]
		}
	}
	return nil
}
