package model

import "time"

// Document status constants.
const (
	DocumentStatusNew             = "new"
	DocumentStatusDraftPreview    = "draft_preview"
	DocumentStatusDistributed     = "distributed"
	DocumentStatusOpened          = "opened"
	DocumentStatusPartiallySigned = "partially_signed"
	DocumentStatusSigned          = "signed"
	DocumentStatusCompleted       = "completed"
	DocumentStatusRejected        = "rejected"
	DocumentStatusCancelled       = "cancelled"
	DocumentStatusExpired         = "expired"
	DocumentStatusError           = "error"
)

// Recipient status constants.
const (
	RecipientStatusPending  = "pending"
	RecipientStatusActive   = "active"
	RecipientStatusOpened   = "opened"
	RecipientStatusSigned   = "signed"
	RecipientStatusRejected = "rejected"
	RecipientStatusSkipped  = "skipped"
	RecipientStatusExpired  = "expired"
)

// Signing topology constants.
const (
	TopologySingle     = "single"
	TopologyParallel   = "parallel"
	TopologySequential = "sequential"
	TopologyBroadcast  = "broadcast"
)

// Recipient kind constants.
const (
	RecipientKindIndividual = "individual"
	RecipientKindGroup      = "group"
)

// IsTerminalDocumentStatus reports whether a document status has no outgoing
// transitions. Cancellation and expiry are absorbing.
func IsTerminalDocumentStatus(status string) bool {
	switch status {
	case DocumentStatusCompleted, DocumentStatusRejected,
		DocumentStatusCancelled, DocumentStatusExpired:
		return true
	}
	return false
}

// Document is one instance of a template sent for signature.
type Document struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	Template         TemplateSnapshot `json:"template"`
	Payload          map[string]any   `json:"payload,omitempty"`
	Recipients       []Recipient      `json:"recipients"`
	Status           string           `json:"status"`
	ExpiresAt        time.Time        `json:"expires_at"`
	GracePeriodHours int              `json:"grace_period_hours,omitempty"`
	ArtifactHash     string           `json:"artifact_hash,omitempty"`
	ArtifactPath     string           `json:"artifact_path,omitempty"`
	ErrorReason      string           `json:"error_reason,omitempty"`
	IdempotencyKey   string           `json:"idempotency_key,omitempty"`
	CreatedBy        string           `json:"created_by"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Version          int              `json:"version"`
}

// HardExpiresAt returns the instant past which tokens are no longer honored,
// which is ExpiresAt extended by the configured grace period.
func (d *Document) HardExpiresAt() time.Time {
	return d.ExpiresAt.Add(time.Duration(d.GracePeriodHours) * time.Hour)
}

// InGracePeriod reports whether the document is past its nominal expiry but
// still within the grace window at the given instant.
func (d *Document) InGracePeriod(now time.Time) bool {
	return d.GracePeriodHours > 0 && now.After(d.ExpiresAt) && now.Before(d.HardExpiresAt())
}

// Recipient returns the recipient with the given ID, or nil.
func (d *Document) Recipient(recipientID string) *Recipient {
	for i := range d.Recipients {
		if d.Recipients[i].ID == recipientID {
			return &d.Recipients[i]
		}
	}
	return nil
}

// Recipient is a signer assigned to a Document with a position in the
// signing order. Recipients are never deleted; terminal states are retained
// for audit.
type Recipient struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Email          string            `json:"email"`
	Phone          string            `json:"phone,omitempty"`
	Order          int               `json:"order"`
	Kind           string            `json:"kind"`
	GroupID        string            `json:"group_id,omitempty"`
	Status         string            `json:"status"`
	TokenID        string            `json:"token_id,omitempty"`
	TokenExpiresAt time.Time         `json:"token_expires_at,omitempty"`
	SignatureRef   string            `json:"signature_ref,omitempty"`
	MFAVerified    bool              `json:"mfa_verified"`
	Delegations    []DelegationEntry `json:"delegations,omitempty"`
	SignedByMember string            `json:"signed_by_member,omitempty"`
	SignedAt       *time.Time        `json:"signed_at,omitempty"`
}

// DelegationEntry records one handoff in a recipient's delegation chain.
type DelegationEntry struct {
	FromName  string    `json:"from_name"`
	FromEmail string    `json:"from_email"`
	ToName    string    `json:"to_name"`
	ToEmail   string    `json:"to_email"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// DocumentSummary is a lightweight representation used in list views.
type DocumentSummary struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedBy string    `json:"created_by"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
