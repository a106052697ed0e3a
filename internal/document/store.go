package document

import (
	"context"
	"time"

	"github.com/signet-io/signet/model"
)

// Store persists documents and their recipients.
type Store interface {
	// Create persists a new document.
	Create(ctx context.Context, doc model.Document) error

	// Get retrieves a document by ID, scoped to a tenant. Returns NOT_FOUND
	// if the document doesn't exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, docID string) (model.Document, error)

	// GetByID retrieves a document by ID without tenant scoping. Signer
	// operations are token-addressed and carry no tenant context; the token
	// binding to (document, recipient) is the authorization.
	GetByID(ctx context.Context, docID string) (model.Document, error)

	// Update persists an updated document with optimistic locking. The
	// version must match the current stored version. Returns CONFLICT if the
	// version has changed.
	Update(ctx context.Context, doc model.Document) error

	// ClaimRecipientSlot atomically moves a recipient from active to signed.
	// This is the compare-and-set that resolves the signing-group slot race:
	// exactly one concurrent caller observes claimed=true, every other caller
	// observes the already-signed state. On success the returned document
	// reflects the claim.
	ClaimRecipientSlot(ctx context.Context, tenantID, docID, recipientID, memberEmail, signatureRef string) (model.Document, bool, error)

	// List returns document summaries for a tenant.
	List(ctx context.Context, tenantID string, filters Filters) ([]model.DocumentSummary, error)

	// FindExpired returns non-terminal documents whose hard expiry (nominal
	// expiry plus grace period) is before the given cutoff time. Documents
	// in error status are excluded; they await a finalization retry.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.Document, error)
}

// Filters are optional filters for listing documents.
type Filters struct {
	Status string
	Limit  int
	Offset int
}
