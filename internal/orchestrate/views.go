package orchestrate

import (
	"time"

	"github.com/signet-io/signet/internal/document"
	"github.com/signet-io/signet/model"
)

// InitiateRequest is a sender's request to start a signing instance.
type InitiateRequest struct {
	Template       model.TemplateSnapshot    `json:"template"`
	Payload        map[string]any            `json:"payload,omitempty"`
	Recipients     []document.RecipientInput `json:"recipients"`
	ExpiryHours    int                       `json:"expiry_hours,omitempty"`
	GraceHours     int                       `json:"grace_hours,omitempty"`
	IdempotencyKey string                    `json:"idempotency_key,omitempty"`
}

// InitiateResponse carries the created documents and their signing links.
// This is the payload cached under the idempotency key; a retried request
// receives it byte for byte.
type InitiateResponse struct {
	Documents []DocumentView `json:"documents"`
	Links     []SigningLink  `json:"links"`
}

// SigningLink pairs a recipient with their capability token.
type SigningLink struct {
	DocumentID  string    `json:"document_id"`
	RecipientID string    `json:"recipient_id"`
	Email       string    `json:"email"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// DocumentView is the sender-facing representation of a document.
type DocumentView struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Topology     string          `json:"topology"`
	Recipients   []RecipientView `json:"recipients"`
	ExpiresAt    time.Time       `json:"expires_at"`
	ArtifactHash string          `json:"artifact_hash,omitempty"`
	ErrorReason  string          `json:"error_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// RecipientView is the sender-facing representation of a recipient. Token
// material is never included.
type RecipientView struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Email       string                  `json:"email"`
	Order       int                     `json:"order"`
	Kind        string                  `json:"kind"`
	Status      string                  `json:"status"`
	MFAVerified bool                    `json:"mfa_verified"`
	SignedAt    *time.Time              `json:"signed_at,omitempty"`
	SignedBy    string                  `json:"signed_by,omitempty"`
	Delegations []model.DelegationEntry `json:"delegations,omitempty"`
}

// SignerView is what a token-holder sees when they open their signing link.
// It exposes only what the signer needs.
type SignerView struct {
	DocumentID string `json:"document_id"`
	BodyHTML   string `json:"body_html"`
	Status     string `json:"status"`
	Recipient  struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Email  string `json:"email"`
		Status string `json:"status"`
	} `json:"recipient"`
	// OTPRequired is set when the signer must verify a one-time code before
	// the document content is released.
	OTPRequired bool   `json:"otp_required,omitempty"`
	OTPChannel  string `json:"otp_channel,omitempty"`
	// GraceWarning is set when the document is past its nominal expiry but
	// the signing link is still honored within the grace period.
	GraceWarning bool      `json:"grace_warning,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SignResponse reports the outcome of a signature submission.
type SignResponse struct {
	DocumentID     string `json:"document_id"`
	DocumentStatus string `json:"document_status"`
	Finalizing     bool   `json:"finalizing"`
}

// TokenResponse carries a freshly rotated token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DownloadResponse carries a presigned artifact URL.
type DownloadResponse struct {
	URL          string `json:"url"`
	ArtifactHash string `json:"artifact_hash"`
}

func viewOf(doc *model.Document) DocumentView {
	view := DocumentView{
		ID:           doc.ID,
		Status:       doc.Status,
		Topology:     doc.Template.Topology,
		ExpiresAt:    doc.ExpiresAt,
		ArtifactHash: doc.ArtifactHash,
		ErrorReason:  doc.ErrorReason,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	for i := range doc.Recipients {
		rcp := &doc.Recipients[i]
		view.Recipients = append(view.Recipients, RecipientView{
			ID:          rcp.ID,
			Name:        rcp.Name,
			Email:       rcp.Email,
			Order:       rcp.Order,
			Kind:        rcp.Kind,
			Status:      rcp.Status,
			MFAVerified: rcp.MFAVerified,
			SignedAt:    rcp.SignedAt,
			SignedBy:    rcp.SignedByMember,
			Delegations: rcp.Delegations,
		})
	}
	return view
}

func signerViewOf(doc *model.Document, rcp *model.Recipient, graceWarning bool) SignerView {
	view := SignerView{
		DocumentID:   doc.ID,
		BodyHTML:     doc.Template.BodyHTML,
		Status:       doc.Status,
		GraceWarning: graceWarning,
		ExpiresAt:    doc.ExpiresAt,
	}
	view.Recipient.ID = rcp.ID
	view.Recipient.Name = rcp.Name
	view.Recipient.Email = rcp.Email
	view.Recipient.Status = rcp.Status
	return view
}
