// Package notify abstracts outbound recipient communication and the audit
// trail. The default implementations write structured log entries; real
// channels (email, SMS) plug in behind the same interfaces.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/signet-io/signet/model"
)

// Notification kinds.
const (
	KindSigningInvite   = "signing_invite"
	KindOTPCode         = "otp_code"
	KindDelegated       = "delegated"
	KindDocumentClosed  = "document_closed"
	KindPreviewApproved = "preview_approved"
)

// Message is one outbound notification to a recipient.
type Message struct {
	Kind        string
	TenantID    string
	DocumentID  string
	RecipientID string
	Email       string
	Channel     string
	SigningLink string
	OTPCode     string
	Detail      string
}

// Notifier sends recipient-facing messages.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Auditor records lifecycle events for the audit trail.
type Auditor interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditEntry is one audit trail record.
type AuditEntry struct {
	Action      string
	TenantID    string
	DocumentID  string
	RecipientID string
	ActorID     string
	Detail      string
}

// LogNotifier writes notifications to the structured log. Codes are never
// logged in full.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	n.logger.Info("notification sent",
		zap.String("kind", msg.Kind),
		zap.String("tenant_id", msg.TenantID),
		zap.String("document_id", msg.DocumentID),
		zap.String("recipient_id", msg.RecipientID),
		zap.String("channel", msg.Channel),
	)
	return nil
}

// LogAuditor writes audit entries to the structured log.
type LogAuditor struct {
	logger *zap.Logger
}

func NewLogAuditor(logger *zap.Logger) *LogAuditor {
	return &LogAuditor{logger: logger}
}

func (a *LogAuditor) Record(ctx context.Context, entry AuditEntry) {
	rctx := model.RequestContextFrom(ctx)
	actor := entry.ActorID
	if actor == "" && rctx != nil {
		actor = rctx.CallerID
	}
	a.logger.Info("audit",
		zap.String("action", entry.Action),
		zap.String("tenant_id", entry.TenantID),
		zap.String("document_id", entry.DocumentID),
		zap.String("recipient_id", entry.RecipientID),
		zap.String("actor_id", actor),
		zap.String("detail", entry.Detail),
	)
}
