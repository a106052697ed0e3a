// Package orchestrate composes the document engine, token and OTP services,
// idempotency and rate-limit stores, and the finalization pipeline into the
// operations the transport layer exposes.
package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/signet-io/signet/internal/document"
	"github.com/signet-io/signet/internal/idempotency"
	"github.com/signet-io/signet/internal/notify"
	"github.com/signet-io/signet/internal/observability"
	"github.com/signet-io/signet/internal/otp"
	"github.com/signet-io/signet/internal/pipeline"
	"github.com/signet-io/signet/internal/ratelimit"
	"github.com/signet-io/signet/internal/token"
	"github.com/signet-io/signet/internal/webhook"
	"github.com/signet-io/signet/model"
)

// Finalizer runs the artifact pipeline for one document.
type Finalizer interface {
	Run(ctx context.Context, tenantID, docID string) error
}

// Deps are the collaborators the service composes.
type Deps struct {
	Engine    *document.Engine
	Tokens    *token.Service
	OTP       *otp.Service
	Idem      idempotency.Store
	Limiter   ratelimit.Limiter
	Finalizer Finalizer
	Storage   pipeline.Storage
	Notifier  notify.Notifier
	Auditor   notify.Auditor
	Webhooks  *webhook.Dispatcher
	Logger    *zap.Logger
	Metrics   *observability.Metrics

	IdemTTL    time.Duration
	PresignTTL time.Duration
	OTPTTL     time.Duration
}

// Service is the orchestration layer over the document engine.
type Service struct {
	deps Deps
}

// NewService creates the orchestration service.
func NewService(deps Deps) *Service {
	if deps.IdemTTL <= 0 {
		deps.IdemTTL = 24 * time.Hour
	}
	if deps.PresignTTL <= 0 {
		deps.PresignTTL = 15 * time.Minute
	}
	return &Service{deps: deps}
}

// Initiate creates a signing instance. With an idempotency key the response
// is cached: the first request to win the key persists the documents and
// every retry or concurrent duplicate receives the stored response unchanged.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return nil, model.NewUnauthorizedError("missing request context")
	}
	if err := rctx.Validate(); err != nil {
		return nil, model.NewUnauthorizedError(err.Error())
	}

	if s.deps.Limiter != nil {
		allowed, retryAfter, err := s.deps.Limiter.Allow(ctx, rctx.TenantID+":"+rctx.CallerID)
		if err != nil {
			return nil, fmt.Errorf("rate limit check: %w", err)
		}
		if !allowed {
			return nil, model.NewRateLimitedError(retryAfter)
		}
	}

	idemKey := ""
	if req.IdempotencyKey != "" {
		idemKey = idempotency.FormatKey(rctx.TenantID, req.IdempotencyKey)
		if cached, ok, err := s.deps.Idem.Get(ctx, idemKey); err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		} else if ok {
			return decodeInitiateResponse(cached)
		}
	}

	prepared, err := s.deps.Engine.Prepare(s.deps.Tokens, document.CreateRequest{
		TenantID:       rctx.TenantID,
		Template:       req.Template,
		Payload:        req.Payload,
		Recipients:     req.Recipients,
		ExpiryHours:    req.ExpiryHours,
		GraceHours:     req.GraceHours,
		IdempotencyKey: req.IdempotencyKey,
		CreatedBy:      rctx.CallerID,
	})
	if err != nil {
		return nil, err
	}

	resp := buildInitiateResponse(prepared)

	if idemKey != "" {
		body, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("encode initiate response: %w", err)
		}
		winner, won, err := s.deps.Idem.PutIfAbsent(ctx, idemKey, body, s.deps.IdemTTL)
		if err != nil {
			return nil, fmt.Errorf("idempotency reserve: %w", err)
		}
		// The loser's prepared documents are never persisted.
		if !won {
			return decodeInitiateResponse(winner)
		}
	}

	if err := s.deps.Engine.Commit(ctx, prepared); err != nil {
		return nil, err
	}

	for _, doc := range prepared.Documents {
		if s.deps.Metrics != nil {
			s.deps.Metrics.DocumentsCreatedTotal.WithLabelValues(doc.Template.Topology).Inc()
		}
		s.deps.Auditor.Record(ctx, notify.AuditEntry{
			Action:     "document.created",
			TenantID:   doc.TenantID,
			DocumentID: doc.ID,
			ActorID:    rctx.CallerID,
		})
	}

	// Preview-gated documents hold notifications until approval.
	if !req.Template.PreviewGate {
		s.sendInvites(ctx, rctx.TenantID, prepared.Tokens)
	}

	return resp, nil
}

func buildInitiateResponse(result document.CreateResult) *InitiateResponse {
	resp := &InitiateResponse{}
	for i := range result.Documents {
		resp.Documents = append(resp.Documents, viewOf(&result.Documents[i]))
	}
	for _, tok := range result.Tokens {
		email := tok.MemberEmail
		resp.Links = append(resp.Links, SigningLink{
			DocumentID:  tok.DocumentID,
			RecipientID: tok.RecipientID,
			Email:       email,
			Token:       tok.Signed,
			ExpiresAt:   tok.ExpiresAt,
		})
	}
	return resp
}

func decodeInitiateResponse(body []byte) (*InitiateResponse, error) {
	var resp InitiateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode cached initiate response: %w", err)
	}
	return &resp, nil
}

// Status returns the sender view of a document.
func (s *Service) Status(ctx context.Context, docID string) (*DocumentView, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return nil, model.NewUnauthorizedError("missing request context")
	}
	doc, err := s.deps.Engine.Store().Get(ctx, rctx.TenantID, docID)
	if err != nil {
		return nil, err
	}
	view := viewOf(&doc)
	return &view, nil
}

// List returns document summaries for the caller's tenant.
func (s *Service) List(ctx context.Context, filters document.Filters) ([]model.DocumentSummary, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return nil, model.NewUnauthorizedError("missing request context")
	}
	return s.deps.Engine.Store().List(ctx, rctx.TenantID, filters)
}

// Cancel cancels a document. Outstanding tokens fail on their next check; an
// in-flight render finishes and its result is discarded.
func (s *Service) Cancel(ctx context.Context, docID, reason string) (*DocumentView, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return nil, model.NewUnauthorizedError("missing request context")
	}
	doc, err := s.deps.Engine.Cancel(ctx, rctx.TenantID, docID, reason)
	if err != nil {
		return nil, err
	}
	s.recordTransition(&doc)
	s.deps.Auditor.Record(ctx, notify.AuditEntry{
		Action:     "document.cancelled",
		TenantID:   doc.TenantID,
		DocumentID: doc.ID,
		ActorID:    rctx.CallerID,
		Detail:     reason,
	})
	view := viewOf(&doc)
	return &view, nil
}

// ApprovePreview releases a preview-gated document for distribution. Tokens
// are rotated at this point and invitations fan out to every eligible signer.
func (s *Service) ApprovePreview(ctx context.Context, docID string) (*DocumentView, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return nil, model.NewUnauthorizedError("missing request context")
	}
	doc, err := s.deps.Engine.ApprovePreview(ctx, rctx.TenantID, docID)
	if err != nil {
		return nil, err
	}
	s.recordTransition(&doc)

	for i := range doc.Recipients {
		rcp := &doc.Recipients[i]
		if rcp.Status != model.RecipientStatusActive {
			continue
		}
		_, issued, err := s.deps.Engine.RotateToken(ctx, s.deps.Tokens, rctx.TenantID, docID, rcp.ID)
		if err != nil {
			s.deps.Logger.Warn("post-approval token rotation failed",
				zap.String("document_id", docID),
				zap.String("recipient_id", rcp.ID),
				zap.Error(err),
			)
			continue
		}
		s.sendInvites(ctx, rctx.TenantID, issued)
	}

	s.deps.Auditor.Record(ctx, notify.AuditEntry{
		Action:     "document.preview_approved",
		TenantID:   doc.TenantID,
		DocumentID: doc.ID,
		ActorID:    rctx.CallerID,
	})
	view := viewOf(&doc)
	return &view, nil
}

// RejectPreview cancels a preview-gated document before distribution.
func (s *Service) RejectPreview(ctx context.Context, docID, reason string) (*DocumentView, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return nil, model.NewUnauthorizedError("missing request context")
	}
	doc, err := s.deps.Engine.RejectPreview(ctx, rctx.TenantID, docID, reason)
	if err != nil {
		return nil, err
	}
	s.recordTransition(&doc)
	s.deps.Auditor.Record(ctx, notify.AuditEntry{
		Action:     "document.preview_rejected",
		TenantID:   doc.TenantID,
		DocumentID: doc.ID,
		ActorID:    rctx.CallerID,
		Detail:     reason,
	})
	view := viewOf(&doc)
	return &view, nil
}

// ResendLink rotates a recipient's token and redelivers their invitation.
// The prior link stops working the moment the rotation lands.
func (s *Service) ResendLink(ctx context.Context, docID, recipientID string) (*DocumentView, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return nil, model.NewUnauthorizedError("missing request context")
	}
	doc, issued, err := s.deps.Engine.RotateToken(ctx, s.deps.Tokens, rctx.TenantID, docID, recipientID)
	if err != nil {
		return nil, err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.TokenRotationsTotal.WithLabelValues("resend").Inc()
	}
	s.sendInvites(ctx, rctx.TenantID, issued)
	s.deps.Auditor.Record(ctx, notify.AuditEntry{
		Action:      "recipient.link_resent",
		TenantID:    doc.TenantID,
		DocumentID:  doc.ID,
		RecipientID: recipientID,
		ActorID:     rctx.CallerID,
	})
	view := viewOf(&doc)
	return &view, nil
}

// Download returns a presigned URL for a completed document's artifact.
func (s *Service) Download(ctx context.Context, docID string) (*DownloadResponse, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return nil, model.NewUnauthorizedError("missing request context")
	}
	doc, err := s.deps.Engine.Store().Get(ctx, rctx.TenantID, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status != model.DocumentStatusCompleted {
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("document %q is %s, artifact not available", docID, doc.Status),
		)
	}
	url, err := s.deps.Storage.Presign(ctx, doc.ArtifactPath, s.deps.PresignTTL)
	if err != nil {
		return nil, fmt.Errorf("presign artifact: %w", err)
	}
	return &DownloadResponse{URL: url, ArtifactHash: doc.ArtifactHash}, nil
}

// RetryFinalize re-runs the pipeline for a document stuck in the error state.
func (s *Service) RetryFinalize(ctx context.Context, docID string) error {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return model.NewUnauthorizedError("missing request context")
	}
	doc, err := s.deps.Engine.Store().Get(ctx, rctx.TenantID, docID)
	if err != nil {
		return err
	}
	if doc.Status != model.DocumentStatusError {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("document %q is %s, not awaiting a finalization retry", docID, doc.Status),
		)
	}
	s.finalizeAsync(doc.TenantID, doc.ID)
	return nil
}

// RunExpirySweep expires documents past their hard expiry and emits webhooks
// for each. Called periodically from the main loop.
func (s *Service) RunExpirySweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.deps.Engine.ProcessExpiry(ctx, now)
	if err != nil {
		return 0, err
	}
	for i := range expired {
		s.recordTransition(&expired[i])
		s.emitWebhook(&expired[i], webhook.EventDocumentExpired)
	}
	if len(expired) > 0 {
		if s.deps.Metrics != nil {
			s.deps.Metrics.DocumentsExpiredTotal.Add(float64(len(expired)))
		}
		s.deps.Logger.Info("expiry sweep", zap.Int("expired", len(expired)))
	}
	return len(expired), nil
}

// finalizeAsync runs the pipeline off the request path and emits the
// completion or failure webhook when it settles.
func (s *Service) finalizeAsync(tenantID, docID string) {
	go func() {
		ctx := context.Background()
		runErr := s.deps.Finalizer.Run(ctx, tenantID, docID)
		if runErr != nil {
			s.deps.Logger.Error("finalization pipeline failed",
				zap.String("document_id", docID), zap.Error(runErr))
		}

		doc, err := s.deps.Engine.Store().Get(ctx, tenantID, docID)
		if err != nil {
			return
		}
		switch doc.Status {
		case model.DocumentStatusCompleted:
			s.recordTransition(&doc)
			s.emitWebhook(&doc, webhook.EventDocumentCompleted)
		case model.DocumentStatusError:
			s.emitWebhook(&doc, webhook.EventDocumentError)
		}
	}()
}

func (s *Service) emitWebhook(doc *model.Document, event string) {
	if s.deps.Webhooks == nil {
		return
	}
	s.deps.Webhooks.Enqueue(doc.Template.WebhookURL, doc.Template.WebhookSecret, webhook.Event{
		Event:        event,
		DocumentID:   doc.ID,
		TenantID:     doc.TenantID,
		Status:       doc.Status,
		ArtifactHash: doc.ArtifactHash,
		Reason:       doc.ErrorReason,
		OccurredAt:   time.Now().UTC(),
	})
}

func (s *Service) recordTransition(doc *model.Document) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.DocumentTransitionsTotal.WithLabelValues(doc.Status).Inc()
	}
}

// sendInvites delivers signing links to recipients whose slot is active.
func (s *Service) sendInvites(ctx context.Context, tenantID string, tokens []document.IssuedToken) {
	for _, tok := range tokens {
		err := s.deps.Notifier.Send(ctx, notify.Message{
			Kind:        notify.KindSigningInvite,
			TenantID:    tenantID,
			DocumentID:  tok.DocumentID,
			RecipientID: tok.RecipientID,
			Email:       tok.MemberEmail,
			SigningLink: tok.Signed,
		})
		if err != nil {
			s.deps.Logger.Warn("invite delivery failed",
				zap.String("document_id", tok.DocumentID),
				zap.String("recipient_id", tok.RecipientID),
				zap.Error(err),
			)
		}
	}
}
