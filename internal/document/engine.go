package document

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signet-io/signet/model"
)

// updateRetries bounds the optimistic-lock retry loop for post-claim
// mutations under concurrent signature events.
const updateRetries = 3

// TokenIssuer mints a signed capability for one recipient of one document.
// The returned tokenID is the revocation identifier stored on the Recipient;
// every signed string sharing a tokenID dies together when the recipient
// rotates. IssueShared mints under a caller-chosen identifier so a signing
// group's members all hold tokens that revoke as one.
type TokenIssuer interface {
	Issue(docID, recipientID, memberEmail string, expiresAt time.Time) (signed string, tokenID string, err error)
	IssueShared(docID, recipientID, memberEmail, tokenID string, expiresAt time.Time) (signed string, err error)
}

// IssuedToken is a freshly minted signing token to be delivered to a signer.
type IssuedToken struct {
	DocumentID  string
	RecipientID string
	MemberEmail string
	Signed      string
	ExpiresAt   time.Time
}

// Engine is the authoritative document/recipient state machine. It applies
// topology rules, conditional routing, signing groups, delegation, the
// preview gate, and expiry. It never talks to the renderer or storage; the
// pipeline package owns finalization.
type Engine struct {
	store Store

	// TokenTTL caps the lifetime of every issued signing token. Zero means
	// tokens live until the document itself expires.
	TokenTTL time.Duration
	// DefaultExpiryHours applies when neither the request nor the template
	// names an expiry window.
	DefaultExpiryHours int
}

// NewEngine creates a new document engine.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// Store exposes the underlying document store.
func (e *Engine) Store() Store {
	return e.store
}

// RecipientInput describes one signer in a create request.
type RecipientInput struct {
	Name    string
	Email   string
	Phone   string
	Order   int
	Kind    string
	GroupID string
}

// CreateRequest describes a new signing instance.
type CreateRequest struct {
	TenantID       string
	Template       model.TemplateSnapshot
	Payload        map[string]any
	Recipients     []RecipientInput
	ExpiryHours    int
	GraceHours     int
	IdempotencyKey string
	CreatedBy      string
}

// CreateResult carries the created documents and the tokens to deliver.
// Broadcast topology yields one isolated document per recipient; every other
// topology yields exactly one.
type CreateResult struct {
	Documents []model.Document
	Tokens    []IssuedToken
}

// SignResult describes the outcome of a recorded signature.
type SignResult struct {
	Document model.Document
	// ReadyToFinalize is true when this signature made the document eligible
	// for the finalization pipeline.
	ReadyToFinalize bool
	// Tokens issued as a side effect: sequential advancement, routing
	// reactivation, injected recipients.
	Tokens []IssuedToken
}

// Create validates the request, snapshots the template, creates the document
// (or one per recipient for broadcast), and issues initial tokens.
func (e *Engine) Create(ctx context.Context, tokens TokenIssuer, req CreateRequest) (CreateResult, error) {
	result, err := e.Prepare(tokens, req)
	if err != nil {
		return CreateResult{}, err
	}
	if err := e.Commit(ctx, result); err != nil {
		return CreateResult{}, err
	}
	return result, nil
}

// Prepare validates the request and builds the documents and tokens without
// persisting anything. Idempotent creation commits only after winning the
// idempotency key, so a losing request leaves no document behind.
func (e *Engine) Prepare(tokens TokenIssuer, req CreateRequest) (CreateResult, error) {
	if err := validateCreate(req); err != nil {
		return CreateResult{}, err
	}

	// Broadcast yields one fully isolated document per recipient; signing
	// one instance has zero observable effect on any other.
	if req.Template.Topology == model.TopologyBroadcast {
		var result CreateResult
		for _, rin := range req.Recipients {
			rin.Order = 1
			doc, issued, err := e.buildDocument(tokens, req, []RecipientInput{rin})
			if err != nil {
				return CreateResult{}, err
			}
			result.Documents = append(result.Documents, doc)
			result.Tokens = append(result.Tokens, issued...)
		}
		return result, nil
	}

	doc, issued, err := e.buildDocument(tokens, req, req.Recipients)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Documents: []model.Document{doc}, Tokens: issued}, nil
}

// Commit persists a prepared creation.
func (e *Engine) Commit(ctx context.Context, result CreateResult) error {
	for _, doc := range result.Documents {
		if err := e.store.Create(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// buildDocument assembles one document with its recipients and tokens.
func (e *Engine) buildDocument(tokens TokenIssuer, req CreateRequest, inputs []RecipientInput) (model.Document, []IssuedToken, error) {
	now := time.Now().UTC()

	expiryHours := req.ExpiryHours
	if expiryHours <= 0 {
		expiryHours = req.Template.ExpiryHours
	}
	if expiryHours <= 0 {
		expiryHours = e.DefaultExpiryHours
	}
	if expiryHours <= 0 {
		expiryHours = 168
	}
	graceHours := req.GraceHours
	if graceHours <= 0 {
		graceHours = req.Template.GraceHours
	}

	status := model.DocumentStatusDistributed
	if req.Template.PreviewGate {
		status = model.DocumentStatusDraftPreview
	}

	doc := model.Document{
		ID:               uuid.New().String(),
		TenantID:         req.TenantID,
		Template:         req.Template.Clone(),
		Payload:          req.Payload,
		Status:           status,
		ExpiresAt:        now.Add(time.Duration(expiryHours) * time.Hour),
		GracePeriodHours: graceHours,
		IdempotencyKey:   req.IdempotencyKey,
		CreatedBy:        req.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}

	minOrder := minInputOrder(inputs)
	for _, rin := range inputs {
		rcp := model.Recipient{
			ID:      uuid.New().String(),
			Name:    rin.Name,
			Email:   rin.Email,
			Phone:   rin.Phone,
			Order:   rin.Order,
			Kind:    rin.Kind,
			GroupID: rin.GroupID,
			Status:  model.RecipientStatusActive,
		}
		if rcp.Kind == "" {
			rcp.Kind = model.RecipientKindIndividual
		}
		// Sequential: only the lowest order starts active.
		if doc.Template.Topology == model.TopologySequential && rin.Order != minOrder {
			rcp.Status = model.RecipientStatusPending
		}
		doc.Recipients = append(doc.Recipients, rcp)
	}

	// Every recipient gets a token at creation so signing links exist up
	// front; sequential turn order is enforced at validation time.
	var issued []IssuedToken
	for i := range doc.Recipients {
		toks, err := e.issueFor(tokens, &doc, &doc.Recipients[i])
		if err != nil {
			return model.Document{}, nil, err
		}
		issued = append(issued, toks...)
	}

	return doc, issued, nil
}

// MarkOpened records that a signer viewed the document.
func (e *Engine) MarkOpened(ctx context.Context, tenantID, docID, recipientID string) (model.Document, error) {
	return e.updateWithRetry(ctx, tenantID, docID, func(doc *model.Document) error {
		rcp := doc.Recipient(recipientID)
		if rcp == nil {
			return model.NewNotFoundError(fmt.Sprintf("recipient %q not found", recipientID))
		}
		if rcp.Status == model.RecipientStatusActive {
			rcp.Status = model.RecipientStatusOpened
		}
		if doc.Status == model.DocumentStatusDistributed {
			doc.Status = model.DocumentStatusOpened
		}
		return nil
	})
}

// RecordSignature claims the recipient's slot and advances the workflow:
// sequential activation, conditional routing, and completion evaluation.
// The slot claim is an atomic compare-and-set, so concurrent submissions for
// one slot (signing-group members, double clicks) produce exactly one winner.
func (e *Engine) RecordSignature(ctx context.Context, tokens TokenIssuer, tenantID, docID, recipientID, memberEmail, signatureRef string) (SignResult, error) {
	doc, err := e.store.Get(ctx, tenantID, docID)
	if err != nil {
		return SignResult{}, err
	}

	if err := checkSignable(&doc, recipientID); err != nil {
		return SignResult{}, err
	}

	_, claimed, err := e.store.ClaimRecipientSlot(ctx, tenantID, docID, recipientID, memberEmail, signatureRef)
	if err != nil {
		return SignResult{}, err
	}
	if !claimed {
		return SignResult{}, model.NewSignerError(model.ErrAlreadySigned)
	}

	var issued []IssuedToken
	result, err := e.updateWithRetry(ctx, tenantID, docID, func(d *model.Document) error {
		issued = issued[:0]

		// A cancellation or expiry committed since the claim wins; terminal
		// states have no outgoing transitions.
		if model.IsTerminalDocumentStatus(d.Status) {
			return model.NewSignerError(model.ErrDocumentClosed)
		}

		signer := d.Recipient(recipientID)
		if signer == nil {
			return model.NewNotFoundError(fmt.Sprintf("recipient %q not found", recipientID))
		}
		// The claim revokes the signer's token; for groups this kills every
		// sibling token in the same stroke since they share the identifier.
		signer.TokenID = ""

		toks, err := e.applyRoutingRules(tokens, d, signer.Order)
		if err != nil {
			return err
		}
		issued = append(issued, toks...)

		if d.Template.Topology == model.TopologySequential {
			toks, err := e.advanceSequential(tokens, d)
			if err != nil {
				return err
			}
			issued = append(issued, toks...)
		}

		if allSlotsResolved(d) {
			d.Status = model.DocumentStatusSigned
		} else {
			d.Status = model.DocumentStatusPartiallySigned
		}
		return nil
	})
	if err != nil {
		return SignResult{}, err
	}

	return SignResult{
		Document:        result,
		ReadyToFinalize: result.Status == model.DocumentStatusSigned,
		Tokens:          issued,
	}, nil
}

// Reject records a signer's refusal and closes the document.
func (e *Engine) Reject(ctx context.Context, tenantID, docID, recipientID, reason string) (model.Document, error) {
	return e.updateWithRetry(ctx, tenantID, docID, func(doc *model.Document) error {
		if model.IsTerminalDocumentStatus(doc.Status) {
			return model.NewSignerError(model.ErrDocumentClosed)
		}
		rcp := doc.Recipient(recipientID)
		if rcp == nil {
			return model.NewNotFoundError(fmt.Sprintf("recipient %q not found", recipientID))
		}
		if rcp.Status == model.RecipientStatusSigned {
			return model.NewSignerError(model.ErrAlreadySigned)
		}
		rcp.Status = model.RecipientStatusRejected
		doc.Status = model.DocumentStatusRejected
		doc.ErrorReason = reason
		revokeAllTokens(doc)
		return nil
	})
}

// Delegate hands a signing slot to a named delegate: the original token is
// revoked, a new token is issued to the delegate, and the handoff is appended
// to the recipient's delegation chain. The delegate's completed signature is
// what the workflow treats as this recipient's signature.
func (e *Engine) Delegate(ctx context.Context, tokens TokenIssuer, tenantID, docID, recipientID, toName, toEmail, reason string) (model.Document, []IssuedToken, error) {
	var issued []IssuedToken
	doc, err := e.updateWithRetry(ctx, tenantID, docID, func(doc *model.Document) error {
		issued = issued[:0]

		if model.IsTerminalDocumentStatus(doc.Status) {
			return model.NewSignerError(model.ErrDocumentClosed)
		}
		rcp := doc.Recipient(recipientID)
		if rcp == nil {
			return model.NewNotFoundError(fmt.Sprintf("recipient %q not found", recipientID))
		}
		if rcp.Status == model.RecipientStatusSigned {
			return model.NewSignerError(model.ErrAlreadySigned)
		}
		if rcp.Kind == model.RecipientKindGroup {
			return model.NewBadRequestError("signing-group slots cannot be delegated")
		}

		rcp.Delegations = append(rcp.Delegations, model.DelegationEntry{
			FromName:  rcp.Name,
			FromEmail: rcp.Email,
			ToName:    toName,
			ToEmail:   toEmail,
			Reason:    reason,
			At:        time.Now().UTC(),
		})
		rcp.Name = toName
		rcp.Email = toEmail
		rcp.MFAVerified = false

		toks, err := e.issueFor(tokens, doc, rcp)
		if err != nil {
			return err
		}
		issued = append(issued, toks...)
		return nil
	})
	if err != nil {
		return model.Document{}, nil, err
	}
	return doc, issued, nil
}

// RotateToken issues a fresh token for a recipient and atomically invalidates
// the prior one. Triggered by OTP success and administrative resend; the
// optimistic-locked update means there is no window where both are valid.
func (e *Engine) RotateToken(ctx context.Context, tokens TokenIssuer, tenantID, docID, recipientID string) (model.Document, []IssuedToken, error) {
	var issued []IssuedToken
	doc, err := e.updateWithRetry(ctx, tenantID, docID, func(doc *model.Document) error {
		issued = issued[:0]

		if model.IsTerminalDocumentStatus(doc.Status) {
			return model.NewSignerError(model.ErrDocumentClosed)
		}
		rcp := doc.Recipient(recipientID)
		if rcp == nil {
			return model.NewNotFoundError(fmt.Sprintf("recipient %q not found", recipientID))
		}
		if rcp.Status == model.RecipientStatusSigned {
			return model.NewSignerError(model.ErrAlreadySigned)
		}

		toks, err := e.issueFor(tokens, doc, rcp)
		if err != nil {
			return err
		}
		issued = append(issued, toks...)
		return nil
	})
	if err != nil {
		return model.Document{}, nil, err
	}
	return doc, issued, nil
}

// MarkMFAVerified records a successful OTP verification on the recipient.
func (e *Engine) MarkMFAVerified(ctx context.Context, tenantID, docID, recipientID string) (model.Document, error) {
	return e.updateWithRetry(ctx, tenantID, docID, func(doc *model.Document) error {
		rcp := doc.Recipient(recipientID)
		if rcp == nil {
			return model.NewNotFoundError(fmt.Sprintf("recipient %q not found", recipientID))
		}
		rcp.MFAVerified = true
		return nil
	})
}

// ApprovePreview releases a previewed document for distribution. This is the
// fan-out point for all initial notifications.
func (e *Engine) ApprovePreview(ctx context.Context, tenantID, docID string) (model.Document, error) {
	return e.updateWithRetry(ctx, tenantID, docID, func(doc *model.Document) error {
		if doc.Status != model.DocumentStatusDraftPreview {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("document %q is %s, not awaiting preview approval", docID, doc.Status),
			)
		}
		doc.Status = model.DocumentStatusDistributed
		return nil
	})
}

// RejectPreview cancels a previewed document.
func (e *Engine) RejectPreview(ctx context.Context, tenantID, docID, reason string) (model.Document, error) {
	return e.updateWithRetry(ctx, tenantID, docID, func(doc *model.Document) error {
		if doc.Status != model.DocumentStatusDraftPreview {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("document %q is %s, not awaiting preview approval", docID, doc.Status),
			)
		}
		doc.Status = model.DocumentStatusCancelled
		doc.ErrorReason = reason
		revokeAllTokens(doc)
		return nil
	})
}

// Cancel cancels a document. In-flight token validations start failing on
// their next check; an in-progress render is allowed to finish and its result
// is discarded.
func (e *Engine) Cancel(ctx context.Context, tenantID, docID, reason string) (model.Document, error) {
	return e.updateWithRetry(ctx, tenantID, docID, func(doc *model.Document) error {
		if model.IsTerminalDocumentStatus(doc.Status) {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("document %q is already %s", docID, doc.Status),
			)
		}
		doc.Status = model.DocumentStatusCancelled
		doc.ErrorReason = reason
		revokeAllTokens(doc)
		return nil
	})
}

// SetCompleted records a successful finalization. If the document was
// cancelled while the pipeline ran, the result is discarded.
func (e *Engine) SetCompleted(ctx context.Context, tenantID, docID, artifactHash, artifactPath string) (model.Document, error) {
	return e.updateWithRetry(ctx, tenantID, docID, func(doc *model.Document) error {
		if model.IsTerminalDocumentStatus(doc.Status) {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("document %q is %s; discarding finalization result", docID, doc.Status),
			)
		}
		doc.Status = model.DocumentStatusCompleted
		doc.ArtifactHash = artifactHash
		doc.ArtifactPath = artifactPath
		doc.ErrorReason = ""
		return nil
	})
}

// SetError records a finalization failure after retries were exhausted.
func (e *Engine) SetError(ctx context.Context, tenantID, docID, reason string) (model.Document, error) {
	return e.updateWithRetry(ctx, tenantID, docID, func(doc *model.Document) error {
		if model.IsTerminalDocumentStatus(doc.Status) {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("document %q is %s; discarding finalization failure", docID, doc.Status),
			)
		}
		doc.Status = model.DocumentStatusError
		doc.ErrorReason = reason
		return nil
	})
}

// ProcessExpiry sweeps non-terminal documents past their hard expiry into
// the expired state and revokes their tokens. Documents within a grace
// period are untouched; grace warnings surface at token validation. The
// documents it expired are returned.
func (e *Engine) ProcessExpiry(ctx context.Context, now time.Time) ([]model.Document, error) {
	candidates, err := e.store.FindExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("find expired documents: %w", err)
	}

	var expired []model.Document
	for _, doc := range candidates {
		updated, err := e.updateWithRetry(ctx, doc.TenantID, doc.ID, func(d *model.Document) error {
			if model.IsTerminalDocumentStatus(d.Status) {
				return nil
			}
			d.Status = model.DocumentStatusExpired
			for i := range d.Recipients {
				if d.Recipients[i].Status == model.RecipientStatusPending ||
					d.Recipients[i].Status == model.RecipientStatusActive ||
					d.Recipients[i].Status == model.RecipientStatusOpened {
					d.Recipients[i].Status = model.RecipientStatusExpired
				}
			}
			revokeAllTokens(d)
			return nil
		})
		if err != nil {
			// Keep sweeping the rest.
			continue
		}
		if updated.Status == model.DocumentStatusExpired {
			expired = append(expired, updated)
		}
	}
	return expired, nil
}

// updateWithRetry loads, mutates, and persists a document, retrying a bounded
// number of times on optimistic-lock conflicts.
func (e *Engine) updateWithRetry(ctx context.Context, tenantID, docID string, mutate func(*model.Document) error) (model.Document, error) {
	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		doc, err := e.store.Get(ctx, tenantID, docID)
		if err != nil {
			return model.Document{}, err
		}
		if err := mutate(&doc); err != nil {
			return model.Document{}, err
		}
		err = e.store.Update(ctx, doc)
		if err == nil {
			doc.Version++
			return doc, nil
		}
		if ee, ok := err.(*model.ErrorEnvelope); !ok || ee.Code != model.ErrConflict {
			return model.Document{}, err
		}
		lastErr = err
	}
	return model.Document{}, lastErr
}

// --- workflow helpers ---

// checkSignable verifies the document and recipient can accept a signature.
func checkSignable(doc *model.Document, recipientID string) error {
	switch doc.Status {
	case model.DocumentStatusCancelled, model.DocumentStatusRejected:
		return model.NewSignerError(model.ErrDocumentClosed)
	case model.DocumentStatusExpired:
		return model.NewSignerError(model.ErrDocumentExpired)
	case model.DocumentStatusCompleted, model.DocumentStatusSigned:
		return model.NewSignerError(model.ErrAlreadySigned)
	case model.DocumentStatusDraftPreview:
		return model.NewSignerError(model.ErrDocumentClosed)
	}

	rcp := doc.Recipient(recipientID)
	if rcp == nil {
		return model.NewNotFoundError(fmt.Sprintf("recipient %q not found", recipientID))
	}
	switch rcp.Status {
	case model.RecipientStatusSigned:
		return model.NewSignerError(model.ErrAlreadySigned)
	case model.RecipientStatusSkipped, model.RecipientStatusRejected, model.RecipientStatusExpired:
		return model.NewSignerError(model.ErrDocumentClosed)
	}

	// Sequential: only the minimum unsigned order may sign.
	if doc.Template.Topology == model.TopologySequential && rcp.Order != minUnresolvedOrder(doc) {
		return model.NewSignerError(model.ErrNotYourTurn)
	}
	return nil
}

// advanceSequential activates the recipient holding the new minimum
// unresolved order and issues them a fresh token.
func (e *Engine) advanceSequential(tokens TokenIssuer, doc *model.Document) ([]IssuedToken, error) {
	next := minUnresolvedOrder(doc)
	if next == 0 {
		return nil, nil
	}
	var issued []IssuedToken
	for i := range doc.Recipients {
		rcp := &doc.Recipients[i]
		if rcp.Order != next || rcp.Status != model.RecipientStatusPending {
			continue
		}
		rcp.Status = model.RecipientStatusActive
		toks, err := e.issueFor(tokens, doc, rcp)
		if err != nil {
			return nil, err
		}
		issued = append(issued, toks...)
	}
	return issued, nil
}

// applyRoutingRules evaluates every rule whose trigger matches the signer's
// order, in declared order. All matching rules fire; rules are scored
// independently per trigger.
func (e *Engine) applyRoutingRules(tokens TokenIssuer, doc *model.Document, signerOrder int) ([]IssuedToken, error) {
	var issued []IssuedToken
	for _, rule := range doc.Template.RoutingRules {
		if rule.TriggerOrder != signerOrder {
			continue
		}
		if !ruleMatches(rule, doc.Payload) {
			continue
		}
		toks, err := e.executeRuleAction(tokens, doc, rule)
		if err != nil {
			return nil, err
		}
		issued = append(issued, toks...)
	}
	return issued, nil
}

// ruleMatches compares the named payload value against the rule literal.
func ruleMatches(rule model.RoutingRule, payload map[string]any) bool {
	raw, present := payload[rule.Field]
	actual := ""
	if present && raw != nil {
		actual = fmt.Sprint(raw)
	}

	switch rule.Operator {
	case model.RuleOpEquals:
		return actual == rule.Value
	case model.RuleOpNotEquals:
		return actual != rule.Value
	case model.RuleOpGreaterThan:
		a, errA := strconv.ParseFloat(actual, 64)
		b, errB := strconv.ParseFloat(rule.Value, 64)
		return errA == nil && errB == nil && a > b
	case model.RuleOpLessThan:
		a, errA := strconv.ParseFloat(actual, 64)
		b, errB := strconv.ParseFloat(rule.Value, 64)
		return errA == nil && errB == nil && a < b
	case model.RuleOpContains:
		return strings.Contains(actual, rule.Value)
	case model.RuleOpIsEmpty:
		return actual == ""
	}
	return false
}

// executeRuleAction applies exactly one routing action.
func (e *Engine) executeRuleAction(tokens TokenIssuer, doc *model.Document, rule model.RoutingRule) ([]IssuedToken, error) {
	switch rule.Action {
	case model.RuleActionReactivate:
		for i := range doc.Recipients {
			rcp := &doc.Recipients[i]
			if rcp.Order != rule.TargetOrder {
				continue
			}
			if rcp.Status == model.RecipientStatusSigned {
				continue
			}
			rcp.Status = model.RecipientStatusActive
			return e.issueFor(tokens, doc, rcp)
		}
		return nil, nil

	case model.RuleActionSkip:
		for i := range doc.Recipients {
			rcp := &doc.Recipients[i]
			if rcp.Order != rule.TargetOrder || rcp.Status == model.RecipientStatusSigned {
				continue
			}
			rcp.Status = model.RecipientStatusSkipped
			rcp.TokenID = ""
		}
		return nil, nil

	case model.RuleActionInject:
		if rule.Inject == nil {
			return nil, nil
		}
		rcp := model.Recipient{
			ID:     uuid.New().String(),
			Name:   rule.Inject.Name,
			Email:  rule.Inject.Email,
			Order:  rule.Inject.Order,
			Kind:   model.RecipientKindIndividual,
			Status: model.RecipientStatusActive,
		}
		doc.Recipients = append(doc.Recipients, rcp)
		return e.issueFor(tokens, doc, &doc.Recipients[len(doc.Recipients)-1])

	case model.RuleActionForceComplete:
		for i := range doc.Recipients {
			rcp := &doc.Recipients[i]
			if rcp.Status == model.RecipientStatusSigned {
				continue
			}
			rcp.Status = model.RecipientStatusSkipped
			rcp.TokenID = ""
		}
		return nil, nil
	}
	return nil, nil
}

// issueFor mints a token for a recipient and records the revocation
// identifier on them. Group recipients fan out one signed string per member;
// all members share the identifier, so a single rotation invalidates every
// sibling at once.
func (e *Engine) issueFor(tokens TokenIssuer, doc *model.Document, rcp *model.Recipient) ([]IssuedToken, error) {
	expiresAt := doc.ExpiresAt
	if e.TokenTTL > 0 {
		if capped := time.Now().UTC().Add(e.TokenTTL); capped.Before(expiresAt) {
			expiresAt = capped
		}
	}

	if rcp.Kind == model.RecipientKindGroup {
		group := doc.Template.Group(rcp.GroupID)
		if group == nil {
			return nil, model.NewBadRequestError(
				fmt.Sprintf("signing group %q not found in template", rcp.GroupID),
			)
		}
		// One identifier for the whole group: claiming or rotating the slot
		// invalidates every member's token in a single write.
		tokenID := uuid.New().String()
		var issued []IssuedToken
		for _, member := range group.Members {
			signed, err := tokens.IssueShared(doc.ID, rcp.ID, member.Email, tokenID, expiresAt)
			if err != nil {
				return nil, fmt.Errorf("issue group token: %w", err)
			}
			issued = append(issued, IssuedToken{
				DocumentID:  doc.ID,
				RecipientID: rcp.ID,
				MemberEmail: member.Email,
				Signed:      signed,
				ExpiresAt:   expiresAt,
			})
		}
		rcp.TokenID = tokenID
		rcp.TokenExpiresAt = expiresAt
		return issued, nil
	}

	signed, jti, err := tokens.Issue(doc.ID, rcp.ID, rcp.Email, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	rcp.TokenID = jti
	rcp.TokenExpiresAt = expiresAt
	return []IssuedToken{{
		DocumentID:  doc.ID,
		RecipientID: rcp.ID,
		MemberEmail: rcp.Email,
		Signed:      signed,
		ExpiresAt:   expiresAt,
	}}, nil
}

// allSlotsResolved reports whether every recipient is signed or skipped,
// which makes the document eligible for finalization. For parallel topology
// this is a pure function of the recipient-status set, independent of the
// order signatures arrived in.
func allSlotsResolved(doc *model.Document) bool {
	for i := range doc.Recipients {
		switch doc.Recipients[i].Status {
		case model.RecipientStatusSigned, model.RecipientStatusSkipped:
		default:
			return false
		}
	}
	return len(doc.Recipients) > 0
}

// minUnresolvedOrder returns the lowest signing order not yet signed or
// skipped, or 0 when every slot is resolved.
func minUnresolvedOrder(doc *model.Document) int {
	min := 0
	for i := range doc.Recipients {
		rcp := &doc.Recipients[i]
		if rcp.Status == model.RecipientStatusSigned || rcp.Status == model.RecipientStatusSkipped {
			continue
		}
		if min == 0 || rcp.Order < min {
			min = rcp.Order
		}
	}
	return min
}

func minInputOrder(inputs []RecipientInput) int {
	min := 0
	for _, r := range inputs {
		if min == 0 || r.Order < min {
			min = r.Order
		}
	}
	return min
}

// revokeAllTokens clears every recipient's revocation identifier so all
// outstanding tokens fail validation on their next check.
func revokeAllTokens(doc *model.Document) {
	for i := range doc.Recipients {
		doc.Recipients[i].TokenID = ""
	}
}

// validateCreate rejects malformed create requests before any state mutation.
func validateCreate(req CreateRequest) error {
	var details []model.FieldError

	switch req.Template.Topology {
	case model.TopologySingle, model.TopologyParallel, model.TopologySequential, model.TopologyBroadcast:
	default:
		details = append(details, model.FieldError{
			Field: "template.topology", Code: "invalid",
			Message: fmt.Sprintf("unknown topology %q", req.Template.Topology),
		})
	}

	if len(req.Recipients) == 0 {
		details = append(details, model.FieldError{
			Field: "recipients", Code: "required", Message: "at least one recipient is required",
		})
	}
	if req.Template.Topology == model.TopologySingle && len(req.Recipients) != 1 {
		details = append(details, model.FieldError{
			Field: "recipients", Code: "invalid", Message: "single topology requires exactly one recipient",
		})
	}

	seenOrders := make(map[int]bool, len(req.Recipients))
	for i, rin := range req.Recipients {
		field := fmt.Sprintf("recipients[%d]", i)
		if rin.Kind == model.RecipientKindGroup {
			if req.Template.Group(rin.GroupID) == nil {
				details = append(details, model.FieldError{
					Field: field + ".group_id", Code: "invalid",
					Message: fmt.Sprintf("signing group %q not found in template", rin.GroupID),
				})
			}
		} else if rin.Email == "" {
			details = append(details, model.FieldError{
				Field: field + ".email", Code: "required", Message: "email is required",
			})
		}
		if rin.Order <= 0 {
			details = append(details, model.FieldError{
				Field: field + ".order", Code: "invalid", Message: "order must be positive",
			})
		}
		if req.Template.Topology == model.TopologySequential {
			if seenOrders[rin.Order] {
				details = append(details, model.FieldError{
					Field: field + ".order", Code: "duplicate",
					Message: fmt.Sprintf("duplicate signing order %d", rin.Order),
				})
			}
			seenOrders[rin.Order] = true
		}
	}

	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}
