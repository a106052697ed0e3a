package orchestrate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/signet-io/signet/internal/notify"
	"github.com/signet-io/signet/internal/webhook"
	"github.com/signet-io/signet/model"
)

// signerAccess is the resolved state behind a validated signing token.
type signerAccess struct {
	doc          model.Document
	recipientID  string
	memberEmail  string
	graceWarning bool
}

// authorize validates a signing token end to end: signature, document and
// recipient resolution, revocation, document state, and expiry including the
// grace window. Every signer operation passes through here.
func (s *Service) authorize(ctx context.Context, signed string) (*signerAccess, error) {
	claims, err := s.deps.Tokens.Verify(signed)
	if err != nil {
		s.countValidation("invalid")
		return nil, err
	}

	doc, err := s.deps.Engine.Store().GetByID(ctx, claims.DocumentID)
	if err != nil {
		// A token referencing an unknown document reads the same as a forged
		// one; signers never learn which.
		s.countValidation("invalid")
		return nil, model.NewSignerError(model.ErrTokenInvalid)
	}

	rcp := doc.Recipient(claims.RecipientID)
	if rcp == nil {
		s.countValidation("invalid")
		return nil, model.NewSignerError(model.ErrTokenInvalid)
	}

	// Rotation and revocation both clear or replace the recipient's current
	// identifier; any token minted before that moment dies here.
	if rcp.TokenID == "" || rcp.TokenID != claims.TokenID {
		s.countValidation("revoked")
		return nil, model.NewSignerError(model.ErrTokenRevoked)
	}

	if err := checkDocumentOpen(&doc); err != nil {
		s.countValidation("closed")
		return nil, err
	}

	now := time.Now().UTC()
	if now.After(doc.HardExpiresAt()) {
		s.countValidation("expired")
		return nil, model.NewSignerError(model.ErrDocumentExpired)
	}
	graceWarning := false
	if now.After(claims.ExpiresAt) {
		if !doc.InGracePeriod(now) {
			s.countValidation("expired")
			return nil, model.NewSignerError(model.ErrTokenExpired)
		}
		graceWarning = true
	}

	s.countValidation("ok")
	return &signerAccess{
		doc:          doc,
		recipientID:  claims.RecipientID,
		memberEmail:  claims.MemberEmail,
		graceWarning: graceWarning,
	}, nil
}

func checkDocumentOpen(doc *model.Document) error {
	switch doc.Status {
	case model.DocumentStatusCompleted, model.DocumentStatusSigned:
		return model.NewSignerError(model.ErrAlreadySigned)
	case model.DocumentStatusCancelled, model.DocumentStatusRejected, model.DocumentStatusDraftPreview:
		return model.NewSignerError(model.ErrDocumentClosed)
	case model.DocumentStatusExpired:
		return model.NewSignerError(model.ErrDocumentExpired)
	}
	return nil
}

func (s *Service) countValidation(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.TokenValidationsTotal.WithLabelValues(outcome).Inc()
	}
}

// Access resolves a signing link. When the template requires multi-factor
// verification and the recipient has not yet passed it, the document content
// is withheld, a one-time code is delivered, and the response says so.
func (s *Service) Access(ctx context.Context, signed string) (*SignerView, error) {
	acc, err := s.authorize(ctx, signed)
	if err != nil {
		return nil, err
	}
	doc := &acc.doc
	rcp := doc.Recipient(acc.recipientID)

	switch rcp.Status {
	case model.RecipientStatusPending:
		return nil, model.NewSignerError(model.ErrNotYourTurn)
	case model.RecipientStatusSigned:
		return nil, model.NewSignerError(model.ErrAlreadySigned)
	case model.RecipientStatusSkipped, model.RecipientStatusRejected, model.RecipientStatusExpired:
		return nil, model.NewSignerError(model.ErrDocumentClosed)
	}

	if doc.Template.OTPRequired && !rcp.MFAVerified {
		if err := s.sendChallenge(ctx, doc, rcp, acc.memberEmail); err != nil {
			return nil, err
		}
		view := signerViewOf(doc, rcp, acc.graceWarning)
		view.BodyHTML = ""
		view.OTPRequired = true
		view.OTPChannel = doc.Template.OTPChannel
		return &view, nil
	}

	updated, err := s.deps.Engine.MarkOpened(ctx, doc.TenantID, doc.ID, rcp.ID)
	if err != nil {
		return nil, err
	}
	view := signerViewOf(&updated, updated.Recipient(rcp.ID), acc.graceWarning)
	return &view, nil
}

// VerifyOTP checks a submitted code. Success marks the recipient verified and
// rotates their token; the caller must switch to the returned token, and the
// one used for verification stops working.
func (s *Service) VerifyOTP(ctx context.Context, signed, code string) (*TokenResponse, error) {
	acc, err := s.authorize(ctx, signed)
	if err != nil {
		return nil, err
	}
	doc := &acc.doc

	if !doc.Template.OTPRequired {
		return nil, model.NewBadRequestError("this document does not use code verification")
	}

	if err := s.deps.OTP.Verify(ctx, doc.ID, acc.recipientID, code); err != nil {
		if ee, ok := err.(*model.ErrorEnvelope); ok {
			switch ee.Code {
			case model.ErrOTPLockedOut:
				s.countOTP("locked_out")
				if s.deps.Metrics != nil {
					s.deps.Metrics.OTPLockoutsTotal.Inc()
				}
			case model.ErrOTPIncorrect:
				s.countOTP("incorrect")
			}
		}
		return nil, err
	}
	s.countOTP("ok")

	if _, err := s.deps.Engine.MarkMFAVerified(ctx, doc.TenantID, doc.ID, acc.recipientID); err != nil {
		return nil, err
	}

	_, issued, err := s.deps.Engine.RotateToken(ctx, s.deps.Tokens, doc.TenantID, doc.ID, acc.recipientID)
	if err != nil {
		return nil, err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.TokenRotationsTotal.WithLabelValues("otp_verified").Inc()
	}
	s.deps.Auditor.Record(ctx, notify.AuditEntry{
		Action:      "recipient.mfa_verified",
		TenantID:    doc.TenantID,
		DocumentID:  doc.ID,
		RecipientID: acc.recipientID,
	})

	for _, tok := range issued {
		if tok.MemberEmail == acc.memberEmail {
			return &TokenResponse{Token: tok.Signed, ExpiresAt: tok.ExpiresAt}, nil
		}
	}
	return nil, model.NewInternalError()
}

// ResendOTP issues a fresh code over the configured channel. The attempt
// counter resets with the new code but an active lockout stands.
func (s *Service) ResendOTP(ctx context.Context, signed string) error {
	acc, err := s.authorize(ctx, signed)
	if err != nil {
		return err
	}
	doc := &acc.doc
	if !doc.Template.OTPRequired {
		return model.NewBadRequestError("this document does not use code verification")
	}
	rcp := doc.Recipient(acc.recipientID)
	return s.sendChallenge(ctx, doc, rcp, acc.memberEmail)
}

// Sign records the token holder's signature and advances the workflow. When
// this signature completes the recipient set the finalization pipeline starts
// off the request path.
func (s *Service) Sign(ctx context.Context, signed, signatureRef string) (*SignResponse, error) {
	acc, err := s.authorize(ctx, signed)
	if err != nil {
		return nil, err
	}
	doc := &acc.doc

	if doc.Template.OTPRequired {
		rcp := doc.Recipient(acc.recipientID)
		if rcp != nil && !rcp.MFAVerified {
			return nil, model.NewSignerError(model.ErrOTPRequired)
		}
	}
	if signatureRef == "" {
		return nil, model.NewBadRequestError("signature payload is required")
	}

	result, err := s.deps.Engine.RecordSignature(
		ctx, s.deps.Tokens, doc.TenantID, doc.ID, acc.recipientID, acc.memberEmail, signatureRef,
	)
	if err != nil {
		return nil, err
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.SignaturesRecordedTotal.WithLabelValues(doc.Template.Topology).Inc()
	}
	s.recordTransition(&result.Document)
	s.deps.Auditor.Record(ctx, notify.AuditEntry{
		Action:      "recipient.signed",
		TenantID:    doc.TenantID,
		DocumentID:  doc.ID,
		RecipientID: acc.recipientID,
		ActorID:     acc.memberEmail,
	})

	// Sequential advancement and routing reactivations mint tokens for the
	// newly active recipients.
	s.sendInvites(ctx, doc.TenantID, result.Tokens)

	if result.ReadyToFinalize {
		s.finalizeAsync(doc.TenantID, doc.ID)
	}

	return &SignResponse{
		DocumentID:     doc.ID,
		DocumentStatus: result.Document.Status,
		Finalizing:     result.ReadyToFinalize,
	}, nil
}

// RejectSigning records the token holder's refusal and closes the document
// for every other recipient.
func (s *Service) RejectSigning(ctx context.Context, signed, reason string) (*SignResponse, error) {
	acc, err := s.authorize(ctx, signed)
	if err != nil {
		return nil, err
	}
	doc := &acc.doc

	updated, err := s.deps.Engine.Reject(ctx, doc.TenantID, doc.ID, acc.recipientID, reason)
	if err != nil {
		return nil, err
	}
	s.recordTransition(&updated)
	s.deps.Auditor.Record(ctx, notify.AuditEntry{
		Action:      "recipient.rejected",
		TenantID:    doc.TenantID,
		DocumentID:  doc.ID,
		RecipientID: acc.recipientID,
		Detail:      reason,
	})
	s.emitWebhook(&updated, webhook.EventDocumentRejected)

	return &SignResponse{DocumentID: doc.ID, DocumentStatus: updated.Status}, nil
}

// DelegateRequest names the person a signing slot is handed to.
type DelegateRequest struct {
	ToName  string `json:"to_name"`
	ToEmail string `json:"to_email"`
	Reason  string `json:"reason,omitempty"`
}

// Delegate hands the slot to a named delegate. The current token is revoked,
// the delegate receives a fresh link, and the handoff is recorded on the
// recipient's delegation chain.
func (s *Service) Delegate(ctx context.Context, signed string, req DelegateRequest) (*SignResponse, error) {
	acc, err := s.authorize(ctx, signed)
	if err != nil {
		return nil, err
	}
	doc := &acc.doc

	if req.ToName == "" || req.ToEmail == "" {
		return nil, model.NewBadRequestError("delegate name and email are required")
	}

	updated, issued, err := s.deps.Engine.Delegate(
		ctx, s.deps.Tokens, doc.TenantID, doc.ID, acc.recipientID, req.ToName, req.ToEmail, req.Reason,
	)
	if err != nil {
		return nil, err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.TokenRotationsTotal.WithLabelValues("delegated").Inc()
	}
	s.deps.Auditor.Record(ctx, notify.AuditEntry{
		Action:      "recipient.delegated",
		TenantID:    doc.TenantID,
		DocumentID:  doc.ID,
		RecipientID: acc.recipientID,
		Detail:      fmt.Sprintf("to %s", req.ToEmail),
	})

	for _, tok := range issued {
		err := s.deps.Notifier.Send(ctx, notify.Message{
			Kind:        notify.KindDelegated,
			TenantID:    doc.TenantID,
			DocumentID:  tok.DocumentID,
			RecipientID: tok.RecipientID,
			Email:       tok.MemberEmail,
			SigningLink: tok.Signed,
		})
		if err != nil {
			s.deps.Logger.Warn("delegation notice failed",
				zap.String("document_id", doc.ID), zap.Error(err))
		}
	}

	return &SignResponse{DocumentID: doc.ID, DocumentStatus: updated.Status}, nil
}

// sendChallenge generates and delivers a one-time code for the recipient.
func (s *Service) sendChallenge(ctx context.Context, doc *model.Document, rcp *model.Recipient, memberEmail string) error {
	ttl := s.deps.OTPTTL
	if doc.Template.OTPTTLMinutes > 0 {
		ttl = time.Duration(doc.Template.OTPTTLMinutes) * time.Minute
	}
	code, err := s.deps.OTP.Generate(ctx, doc.ID, rcp.ID, ttl)
	if err != nil {
		return err
	}

	email := rcp.Email
	if memberEmail != "" {
		email = memberEmail
	}
	return s.deps.Notifier.Send(ctx, notify.Message{
		Kind:        notify.KindOTPCode,
		TenantID:    doc.TenantID,
		DocumentID:  doc.ID,
		RecipientID: rcp.ID,
		Email:       email,
		Channel:     doc.Template.OTPChannel,
		OTPCode:     code,
	})
}

func (s *Service) countOTP(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.OTPVerificationsTotal.WithLabelValues(outcome).Inc()
	}
}
