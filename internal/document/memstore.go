package document

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signet-io/signet/model"
)

// MemoryStore is an in-memory Store for testing and single-instance
// deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]model.Document // key: document ID
}

// NewMemoryStore creates a new in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]model.Document),
	}
}

// Create persists a new document.
func (s *MemoryStore) Create(_ context.Context, doc model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("document %q already exists", doc.ID),
		)
	}

	s.docs[doc.ID] = cloneDocument(doc)
	return nil
}

// Get retrieves a document by ID, scoped to tenant.
func (s *MemoryStore) Get(_ context.Context, tenantID, docID string) (model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, exists := s.docs[docID]
	if !exists || doc.TenantID != tenantID {
		return model.Document{}, model.NewNotFoundError(
			fmt.Sprintf("document %q not found", docID),
		)
	}
	return cloneDocument(doc), nil
}

// GetByID retrieves a document by ID without tenant scoping.
func (s *MemoryStore) GetByID(_ context.Context, docID string) (model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, exists := s.docs[docID]
	if !exists {
		return model.Document{}, model.NewNotFoundError(
			fmt.Sprintf("document %q not found", docID),
		)
	}
	return cloneDocument(doc), nil
}

// Update persists an updated document with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, doc model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.docs[doc.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("document %q not found", doc.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != doc.Version {
		return model.NewConflictError(
			fmt.Sprintf("document %q version conflict (expected %d, got %d)", doc.ID, doc.Version, existing.Version),
		)
	}

	doc.Version++
	doc.UpdatedAt = time.Now().UTC()
	s.docs[doc.ID] = cloneDocument(doc)
	return nil
}

// ClaimRecipientSlot atomically moves a recipient from active to signed.
func (s *MemoryStore) ClaimRecipientSlot(_ context.Context, tenantID, docID, recipientID, memberEmail, signatureRef string) (model.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, exists := s.docs[docID]
	if !exists || doc.TenantID != tenantID {
		return model.Document{}, false, model.NewNotFoundError(
			fmt.Sprintf("document %q not found", docID),
		)
	}

	// No slot can be claimed on a document that has already closed; a
	// cancellation or expiry landing just before the claim must win.
	if model.IsTerminalDocumentStatus(doc.Status) {
		return model.Document{}, false, model.NewSignerError(model.ErrDocumentClosed)
	}

	doc = cloneDocument(doc)
	rcp := doc.Recipient(recipientID)
	if rcp == nil {
		return model.Document{}, false, model.NewNotFoundError(
			fmt.Sprintf("recipient %q not found", recipientID),
		)
	}

	// The compare-and-set: a loser observes the already-signed state.
	if rcp.Status != model.RecipientStatusActive && rcp.Status != model.RecipientStatusOpened {
		return cloneDocument(doc), false, nil
	}

	now := time.Now().UTC()
	rcp.Status = model.RecipientStatusSigned
	rcp.SignedAt = &now
	rcp.SignatureRef = signatureRef
	if rcp.Kind == model.RecipientKindGroup {
		rcp.SignedByMember = memberEmail
	}

	doc.Version++
	doc.UpdatedAt = now
	s.docs[doc.ID] = cloneDocument(doc)
	return doc, true, nil
}

// List returns document summaries for a tenant.
func (s *MemoryStore) List(_ context.Context, tenantID string, filters Filters) ([]model.DocumentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DocumentSummary
	for _, doc := range s.docs {
		if doc.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && doc.Status != filters.Status {
			continue
		}
		result = append(result, model.DocumentSummary{
			ID:        doc.ID,
			Status:    doc.Status,
			CreatedBy: doc.CreatedBy,
			ExpiresAt: doc.ExpiresAt,
			CreatedAt: doc.CreatedAt,
			UpdatedAt: doc.UpdatedAt,
		})
	}

	// Sort by created_at descending.
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	// Apply offset and limit.
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.DocumentSummary{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// FindExpired returns non-terminal documents past their hard expiry.
// Error-status documents are excluded even though error is not terminal:
// every slot on them already resolved, so they hold a completed signing
// waiting on a finalization retry, not an abandoned one.
func (s *MemoryStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Document
	for _, doc := range s.docs {
		if model.IsTerminalDocumentStatus(doc.Status) || doc.Status == model.DocumentStatusError {
			continue
		}
		if !doc.HardExpiresAt().Before(cutoff) {
			continue
		}
		result = append(result, cloneDocument(doc))
	}

	// Sort by expires_at ascending.
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})

	return result, nil
}

// Len returns the total number of documents. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// cloneDocument returns a deep copy so callers never share recipient slices
// with the store.
func cloneDocument(doc model.Document) model.Document {
	out := doc
	out.Template = doc.Template.Clone()
	out.Recipients = make([]model.Recipient, len(doc.Recipients))
	for i, r := range doc.Recipients {
		out.Recipients[i] = r
		out.Recipients[i].Delegations = append([]model.DelegationEntry(nil), r.Delegations...)
		if r.SignedAt != nil {
			t := *r.SignedAt
			out.Recipients[i].SignedAt = &t
		}
	}
	if doc.Payload != nil {
		out.Payload = make(map[string]any, len(doc.Payload))
		for k, v := range doc.Payload {
			out.Payload[k] = v
		}
	}
	return out
}
