package document

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signet-io/signet/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. The template snapshot,
// payload, and recipients are stored as JSONB alongside the scalar columns.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL document store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const docColumns = `id, tenant_id, template, payload, recipients, status,
       expires_at, grace_period_hours, artifact_hash, artifact_path,
       error_reason, idempotency_key, created_by, created_at, updated_at, version`

// Create inserts a new document.
func (s *PgStore) Create(ctx context.Context, doc model.Document) error {
	templateJSON, payloadJSON, recipientsJSON, err := marshalDocumentJSON(doc)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (
			id, tenant_id, template, payload, recipients, status,
			expires_at, grace_period_hours, artifact_hash, artifact_path,
			error_reason, idempotency_key, created_by, created_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16
		)`,
		doc.ID, doc.TenantID, templateJSON, payloadJSON, recipientsJSON, doc.Status,
		doc.ExpiresAt, doc.GracePeriodHours, doc.ArtifactHash, doc.ArtifactPath,
		doc.ErrorReason, nullableString(doc.IdempotencyKey), doc.CreatedBy,
		doc.CreatedAt, doc.UpdatedAt, doc.Version,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Get retrieves a document by ID, scoped to tenant.
func (s *PgStore) Get(ctx context.Context, tenantID, docID string) (model.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+docColumns+` FROM documents WHERE id = $1 AND tenant_id = $2`,
		docID, tenantID,
	)
	doc, err := scanDocument(row)
	if err == pgx.ErrNoRows {
		return model.Document{}, model.NewNotFoundError(
			fmt.Sprintf("document %q not found", docID),
		)
	}
	if err != nil {
		return model.Document{}, fmt.Errorf("query document: %w", err)
	}
	return doc, nil
}

// GetByID retrieves a document by ID without tenant scoping.
func (s *PgStore) GetByID(ctx context.Context, docID string) (model.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+docColumns+` FROM documents WHERE id = $1`,
		docID,
	)
	doc, err := scanDocument(row)
	if err == pgx.ErrNoRows {
		return model.Document{}, model.NewNotFoundError(
			fmt.Sprintf("document %q not found", docID),
		)
	}
	if err != nil {
		return model.Document{}, fmt.Errorf("query document: %w", err)
	}
	return doc, nil
}

// Update persists an updated document with optimistic locking.
func (s *PgStore) Update(ctx context.Context, doc model.Document) error {
	_, payloadJSON, recipientsJSON, err := marshalDocumentJSON(doc)
	if err != nil {
		return err
	}

	// The template snapshot is immutable after creation and is deliberately
	// excluded from the UPDATE.
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET
			payload = $1,
			recipients = $2,
			status = $3,
			expires_at = $4,
			grace_period_hours = $5,
			artifact_hash = $6,
			artifact_path = $7,
			error_reason = $8,
			version = $9,
			updated_at = $10
		WHERE id = $11 AND version = $12`,
		payloadJSON, recipientsJSON, doc.Status,
		doc.ExpiresAt, doc.GracePeriodHours, doc.ArtifactHash, doc.ArtifactPath,
		doc.ErrorReason, doc.Version+1, time.Now().UTC(),
		doc.ID, doc.Version,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("document %q version conflict (expected %d)", doc.ID, doc.Version),
		)
	}
	return nil
}

// ClaimRecipientSlot atomically moves a recipient from active to signed,
// using a row lock so exactly one concurrent caller wins the claim.
func (s *PgStore) ClaimRecipientSlot(ctx context.Context, tenantID, docID, recipientID, memberEmail, signatureRef string) (model.Document, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Document{}, false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+docColumns+` FROM documents WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		docID, tenantID,
	)
	doc, err := scanDocument(row)
	if err == pgx.ErrNoRows {
		return model.Document{}, false, model.NewNotFoundError(
			fmt.Sprintf("document %q not found", docID),
		)
	}
	if err != nil {
		return model.Document{}, false, fmt.Errorf("query document for claim: %w", err)
	}

	// No slot can be claimed on a document that has already closed; a
	// cancellation or expiry landing just before the claim must win.
	if model.IsTerminalDocumentStatus(doc.Status) {
		return model.Document{}, false, model.NewSignerError(model.ErrDocumentClosed)
	}

	rcp := doc.Recipient(recipientID)
	if rcp == nil {
		return model.Document{}, false, model.NewNotFoundError(
			fmt.Sprintf("recipient %q not found", recipientID),
		)
	}

	if rcp.Status != model.RecipientStatusActive && rcp.Status != model.RecipientStatusOpened {
		return doc, false, nil
	}

	now := time.Now().UTC()
	rcp.Status = model.RecipientStatusSigned
	rcp.SignedAt = &now
	rcp.SignatureRef = signatureRef
	if rcp.Kind == model.RecipientKindGroup {
		rcp.SignedByMember = memberEmail
	}

	recipientsJSON, err := json.Marshal(doc.Recipients)
	if err != nil {
		return model.Document{}, false, fmt.Errorf("marshal recipients: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE documents SET recipients = $1, version = $2, updated_at = $3
		WHERE id = $4`,
		recipientsJSON, doc.Version+1, now, doc.ID,
	)
	if err != nil {
		return model.Document{}, false, fmt.Errorf("update recipients for claim: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Document{}, false, fmt.Errorf("commit claim tx: %w", err)
	}

	doc.Version++
	doc.UpdatedAt = now
	return doc, true, nil
}

// List returns document summaries for a tenant.
func (s *PgStore) List(ctx context.Context, tenantID string, filters Filters) ([]model.DocumentSummary, error) {
	query := `SELECT id, status, created_by, expires_at, created_at, updated_at
	          FROM documents WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query document summaries: %w", err)
	}
	defer rows.Close()

	var result []model.DocumentSummary
	for rows.Next() {
		var sum model.DocumentSummary
		if err := rows.Scan(
			&sum.ID, &sum.Status, &sum.CreatedBy,
			&sum.ExpiresAt, &sum.CreatedAt, &sum.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan document summary: %w", err)
		}
		result = append(result, sum)
	}
	return result, rows.Err()
}

// FindExpired returns non-terminal documents past their hard expiry.
// Error-status documents are excluded even though error is not terminal:
// every slot on them already resolved, so they hold a completed signing
// waiting on a finalization retry, not an abandoned one.
func (s *PgStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+docColumns+` FROM documents
		 WHERE status NOT IN ('completed', 'rejected', 'cancelled', 'expired', 'error')
		   AND expires_at + (grace_period_hours * interval '1 hour') < $1
		 ORDER BY expires_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired documents: %w", err)
	}
	defer rows.Close()

	var result []model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired document: %w", err)
		}
		result = append(result, doc)
	}
	return result, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (model.Document, error) {
	var doc model.Document
	var templateJSON, payloadJSON, recipientsJSON []byte
	var idempotencyKey *string

	err := row.Scan(
		&doc.ID, &doc.TenantID, &templateJSON, &payloadJSON, &recipientsJSON, &doc.Status,
		&doc.ExpiresAt, &doc.GracePeriodHours, &doc.ArtifactHash, &doc.ArtifactPath,
		&doc.ErrorReason, &idempotencyKey, &doc.CreatedBy,
		&doc.CreatedAt, &doc.UpdatedAt, &doc.Version,
	)
	if err != nil {
		return model.Document{}, err
	}

	if idempotencyKey != nil {
		doc.IdempotencyKey = *idempotencyKey
	}
	if err := json.Unmarshal(templateJSON, &doc.Template); err != nil {
		return model.Document{}, fmt.Errorf("unmarshal template: %w", err)
	}
	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &doc.Payload); err != nil {
			return model.Document{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if err := json.Unmarshal(recipientsJSON, &doc.Recipients); err != nil {
		return model.Document{}, fmt.Errorf("unmarshal recipients: %w", err)
	}
	return doc, nil
}

func marshalDocumentJSON(doc model.Document) (template, payload, recipients []byte, err error) {
	template, err = json.Marshal(doc.Template)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal template: %w", err)
	}
	payload, err = json.Marshal(doc.Payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	recipients, err = json.Marshal(doc.Recipients)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal recipients: %w", err)
	}
	return template, payload, recipients, nil
}

// nullableString maps "" to NULL so the sparse unique index on
// idempotency_key only applies to documents created with a key.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
