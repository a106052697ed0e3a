package orchestrate

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/signet-io/signet/internal/document"
	"github.com/signet-io/signet/internal/idempotency"
	"github.com/signet-io/signet/internal/notify"
	"github.com/signet-io/signet/internal/otp"
	"github.com/signet-io/signet/internal/ratelimit"
	"github.com/signet-io/signet/internal/token"
	"github.com/signet-io/signet/model"
)

// captureNotifier records every outbound message.
type captureNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *captureNotifier) Send(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *captureNotifier) byKind(kind string) []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Message
	for _, m := range n.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type captureAuditor struct {
	mu      sync.Mutex
	entries []notify.AuditEntry
}

func (a *captureAuditor) Record(_ context.Context, entry notify.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *captureAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

// fakeFinalizer completes the document immediately and signals when done.
type fakeFinalizer struct {
	eng  *document.Engine
	done chan string
}

func (f *fakeFinalizer) Run(ctx context.Context, tenantID, docID string) error {
	_, err := f.eng.SetCompleted(ctx, tenantID, docID, "hash-"+docID, "artifacts/"+docID+".pdf")
	f.done <- docID
	return err
}

type stubStorage struct{}

func (stubStorage) Upload(_ context.Context, _ []byte, path string) (string, error) {
	return "https://files.example.com/" + path, nil
}
func (stubStorage) Download(_ context.Context, _ string) ([]byte, error) { return nil, nil }
func (stubStorage) Presign(_ context.Context, path string, _ time.Duration) (string, error) {
	return "https://files.example.com/presigned/" + path, nil
}

type testEnv struct {
	svc       *Service
	store     *document.MemoryStore
	eng       *document.Engine
	notifier  *captureNotifier
	auditor   *captureAuditor
	finalizer *fakeFinalizer
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	store := document.NewMemoryStore()
	eng := document.NewEngine(store)
	tokens, err := token.NewService([]byte("unit-test-signing-secret........"))
	require.NoError(t, err)

	notifier := &captureNotifier{}
	auditor := &captureAuditor{}
	finalizer := &fakeFinalizer{eng: eng, done: make(chan string, 8)}

	svc := NewService(Deps{
		Engine:    eng,
		Tokens:    tokens,
		OTP:       otp.NewService(otp.NewMemoryStore(), time.Minute, 3, time.Minute),
		Idem:      idempotency.NewMemoryStore(),
		Limiter:   limiter,
		Finalizer: finalizer,
		Storage:   stubStorage{},
		Notifier:  notifier,
		Auditor:   auditor,
		Logger:    zap.NewNop(),
	})
	return &testEnv{
		svc:       svc,
		store:     store,
		eng:       eng,
		notifier:  notifier,
		auditor:   auditor,
		finalizer: finalizer,
	}
}

func senderCtx() context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		CallerID: "api-caller",
		TenantID: "t1",
	})
}

func (env *testEnv) waitFinalized(t *testing.T) string {
	t.Helper()
	select {
	case id := <-env.finalizer.done:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("finalizer never ran")
		return ""
	}
}

// mutateDoc rewrites stored document state for expiry scenarios.
func (env *testEnv) mutateDoc(t *testing.T, docID string, fn func(*model.Document)) {
	t.Helper()
	doc, err := env.store.Get(context.Background(), "t1", docID)
	require.NoError(t, err)
	fn(&doc)
	require.NoError(t, env.store.Update(context.Background(), doc))
}

func sequentialRequest() InitiateRequest {
	return InitiateRequest{
		Template: model.TemplateSnapshot{
			TemplateID: "tpl-1",
			Name:       "Services Agreement",
			Topology:   model.TopologySequential,
			BodyHTML:   "<p>terms</p>",
		},
		Recipients: []document.RecipientInput{
			{Name: "Alice", Email: "alice@example.com", Order: 1},
			{Name: "Bob", Email: "bob@example.com", Order: 2},
		},
	}
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	ee, ok := err.(*model.ErrorEnvelope)
	require.True(t, ok, "error = %v, want ErrorEnvelope", err)
	return ee.Code
}

func TestSequentialSigningFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	resp, err := env.svc.Initiate(ctx, sequentialRequest())
	require.NoError(t, err)
	require.Len(t, resp.Documents, 1)
	require.Len(t, resp.Links, 2)
	docID := resp.Documents[0].ID

	var aliceLink, bobLink SigningLink
	for _, link := range resp.Links {
		switch link.Email {
		case "alice@example.com":
			aliceLink = link
		case "bob@example.com":
			bobLink = link
		}
	}
	require.NotEmpty(t, aliceLink.Token)
	require.NotEmpty(t, bobLink.Token)

	// Both invites went out at creation.
	require.Len(t, env.notifier.byKind(notify.KindSigningInvite), 2)

	// Bob is not up yet.
	_, err = env.svc.Access(ctx, bobLink.Token)
	require.Equal(t, model.ErrNotYourTurn, errCode(t, err))

	view, err := env.svc.Access(ctx, aliceLink.Token)
	require.NoError(t, err)
	require.Equal(t, "<p>terms</p>", view.BodyHTML)
	require.False(t, view.OTPRequired)

	signResp, err := env.svc.Sign(ctx, aliceLink.Token, "sig-alice")
	require.NoError(t, err)
	require.Equal(t, model.DocumentStatusPartiallySigned, signResp.DocumentStatus)
	require.False(t, signResp.Finalizing)

	// Advancement rotated Bob's token; the original link is dead.
	_, err = env.svc.Access(ctx, bobLink.Token)
	require.Equal(t, model.ErrTokenRevoked, errCode(t, err))

	invites := env.notifier.byKind(notify.KindSigningInvite)
	require.Len(t, invites, 3)
	bobToken := invites[2].SigningLink
	require.Equal(t, "bob@example.com", invites[2].Email)

	_, err = env.svc.Access(ctx, bobToken)
	require.NoError(t, err)

	signResp, err = env.svc.Sign(ctx, bobToken, "sig-bob")
	require.NoError(t, err)
	require.Equal(t, model.DocumentStatusSigned, signResp.DocumentStatus)
	require.True(t, signResp.Finalizing)

	require.Equal(t, docID, env.waitFinalized(t))

	status, err := env.svc.Status(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, model.DocumentStatusCompleted, status.Status)
	require.Equal(t, "hash-"+docID, status.ArtifactHash)

	dl, err := env.svc.Download(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, "https://files.example.com/presigned/artifacts/"+docID+".pdf", dl.URL)
	require.Equal(t, "hash-"+docID, dl.ArtifactHash)

	require.Contains(t, env.auditor.actions(), "document.created")
	require.Contains(t, env.auditor.actions(), "recipient.signed")
}

func TestInitiate_RequiresRequestContext(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.Initiate(context.Background(), sequentialRequest())
	require.Equal(t, model.ErrUnauthorized, errCode(t, err))
}

func TestInitiate_IdempotencyKeyIsAuthoritative(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	req := sequentialRequest()
	req.IdempotencyKey = "create-1"

	first, err := env.svc.Initiate(ctx, req)
	require.NoError(t, err)

	// A retry with a different payload still gets the stored response; the
	// key, not the payload, decides.
	altered := sequentialRequest()
	altered.IdempotencyKey = "create-1"
	altered.Payload = map[string]any{"amount": 999}
	second, err := env.svc.Initiate(ctx, altered)
	require.NoError(t, err)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	require.Equal(t, string(firstJSON), string(secondJSON))

	require.Equal(t, 1, env.store.Len())
}

func TestInitiate_ConcurrentDuplicatesCreateOneDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	const callers = 6
	responses := make([]*InitiateResponse, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req := sequentialRequest()
			req.IdempotencyKey = "create-dup"
			resp, err := env.svc.Initiate(ctx, req)
			if err != nil {
				t.Errorf("Initiate error: %v", err)
				return
			}
			responses[n] = resp
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, env.store.Len())

	want, err := json.Marshal(responses[0])
	require.NoError(t, err)
	for _, resp := range responses[1:] {
		got, err := json.Marshal(resp)
		require.NoError(t, err)
		require.Equal(t, string(want), string(got))
	}
}

func TestInitiate_RateLimited(t *testing.T) {
	env := newTestEnv(t, ratelimit.NewMemoryLimiter(10)) // burst of 1
	ctx := senderCtx()

	_, err := env.svc.Initiate(ctx, sequentialRequest())
	require.NoError(t, err)

	_, err = env.svc.Initiate(ctx, sequentialRequest())
	ee, ok := err.(*model.ErrorEnvelope)
	require.True(t, ok)
	require.Equal(t, model.ErrRateLimited, ee.Code)
	require.Greater(t, ee.RetryAfterSeconds, 0)
}

func TestOTPGatedSigning(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	req := InitiateRequest{
		Template: model.TemplateSnapshot{
			Topology:    model.TopologySingle,
			BodyHTML:    "<p>confidential</p>",
			OTPRequired: true,
			OTPChannel:  "email",
		},
		Recipients: []document.RecipientInput{
			{Name: "Alice", Email: "alice@example.com", Order: 1},
		},
	}
	resp, err := env.svc.Initiate(ctx, req)
	require.NoError(t, err)
	link := resp.Links[0].Token

	// Signing before verification is refused.
	_, err = env.svc.Sign(ctx, link, "sig")
	require.Equal(t, model.ErrOTPRequired, errCode(t, err))

	// Access withholds the document and sends a code.
	view, err := env.svc.Access(ctx, link)
	require.NoError(t, err)
	require.True(t, view.OTPRequired)
	require.Equal(t, "email", view.OTPChannel)
	require.Empty(t, view.BodyHTML)

	codes := env.notifier.byKind(notify.KindOTPCode)
	require.Len(t, codes, 1)
	code := codes[0].OTPCode
	require.Len(t, code, 6)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	_, err = env.svc.VerifyOTP(ctx, link, wrong)
	require.Equal(t, model.ErrOTPIncorrect, errCode(t, err))

	tokResp, err := env.svc.VerifyOTP(ctx, link, code)
	require.NoError(t, err)
	require.NotEmpty(t, tokResp.Token)

	// Verification rotated the token; the pre-verification link is dead.
	_, err = env.svc.Access(ctx, link)
	require.Equal(t, model.ErrTokenRevoked, errCode(t, err))

	view, err = env.svc.Access(ctx, tokResp.Token)
	require.NoError(t, err)
	require.False(t, view.OTPRequired)
	require.Equal(t, "<p>confidential</p>", view.BodyHTML)

	signResp, err := env.svc.Sign(ctx, tokResp.Token, "sig-alice")
	require.NoError(t, err)
	require.True(t, signResp.Finalizing)
	env.waitFinalized(t)
}

func TestOTPLockout(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	req := InitiateRequest{
		Template: model.TemplateSnapshot{
			Topology:    model.TopologySingle,
			BodyHTML:    "<p>x</p>",
			OTPRequired: true,
		},
		Recipients: []document.RecipientInput{
			{Name: "Alice", Email: "alice@example.com", Order: 1},
		},
	}
	resp, err := env.svc.Initiate(ctx, req)
	require.NoError(t, err)
	link := resp.Links[0].Token

	_, err = env.svc.Access(ctx, link)
	require.NoError(t, err)
	code := env.notifier.byKind(notify.KindOTPCode)[0].OTPCode

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	for i := 0; i < 2; i++ {
		_, err = env.svc.VerifyOTP(ctx, link, wrong)
		require.Equal(t, model.ErrOTPIncorrect, errCode(t, err))
	}
	_, err = env.svc.VerifyOTP(ctx, link, wrong)
	require.Equal(t, model.ErrOTPLockedOut, errCode(t, err))

	// Even the right code is refused while locked.
	_, err = env.svc.VerifyOTP(ctx, link, code)
	require.Equal(t, model.ErrOTPLockedOut, errCode(t, err))
}

func TestPreviewGateHoldsInvitesUntilApproval(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	req := sequentialRequest()
	req.Template.PreviewGate = true
	resp, err := env.svc.Initiate(ctx, req)
	require.NoError(t, err)
	docID := resp.Documents[0].ID
	require.Equal(t, model.DocumentStatusDraftPreview, resp.Documents[0].Status)

	// No invites while the preview is pending, and links do not resolve.
	require.Empty(t, env.notifier.byKind(notify.KindSigningInvite))
	_, err = env.svc.Access(ctx, resp.Links[0].Token)
	require.Equal(t, model.ErrDocumentClosed, errCode(t, err))

	view, err := env.svc.ApprovePreview(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, model.DocumentStatusDistributed, view.Status)

	// Approval rotated tokens and fanned out invitations; sequential means
	// only the first recipient is active.
	invites := env.notifier.byKind(notify.KindSigningInvite)
	require.Len(t, invites, 1)
	require.Equal(t, "alice@example.com", invites[0].Email)

	_, err = env.svc.Access(ctx, resp.Links[0].Token)
	require.Equal(t, model.ErrTokenRevoked, errCode(t, err))
	_, err = env.svc.Access(ctx, invites[0].SigningLink)
	require.NoError(t, err)
}

func TestRejectPreview(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	req := sequentialRequest()
	req.Template.PreviewGate = true
	resp, err := env.svc.Initiate(ctx, req)
	require.NoError(t, err)

	view, err := env.svc.RejectPreview(ctx, resp.Documents[0].ID, "wrong draft")
	require.NoError(t, err)
	require.Equal(t, model.DocumentStatusCancelled, view.Status)
}

func TestCancelClosesSigningLinks(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	resp, err := env.svc.Initiate(ctx, sequentialRequest())
	require.NoError(t, err)
	docID := resp.Documents[0].ID

	view, err := env.svc.Cancel(ctx, docID, "deal fell through")
	require.NoError(t, err)
	require.Equal(t, model.DocumentStatusCancelled, view.Status)

	_, err = env.svc.Access(ctx, resp.Links[0].Token)
	require.Equal(t, model.ErrTokenRevoked, errCode(t, err))

	// Cancellation is absorbing.
	_, err = env.svc.Cancel(ctx, docID, "again")
	require.Equal(t, model.ErrInvalidTransition, errCode(t, err))
}

func TestResendLinkRotatesToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	resp, err := env.svc.Initiate(ctx, sequentialRequest())
	require.NoError(t, err)
	docID := resp.Documents[0].ID

	var aliceLink SigningLink
	for _, link := range resp.Links {
		if link.Email == "alice@example.com" {
			aliceLink = link
		}
	}

	_, err = env.svc.ResendLink(ctx, docID, aliceLink.RecipientID)
	require.NoError(t, err)

	_, err = env.svc.Access(ctx, aliceLink.Token)
	require.Equal(t, model.ErrTokenRevoked, errCode(t, err))

	invites := env.notifier.byKind(notify.KindSigningInvite)
	fresh := invites[len(invites)-1]
	require.Equal(t, "alice@example.com", fresh.Email)
	_, err = env.svc.Access(ctx, fresh.SigningLink)
	require.NoError(t, err)
}

func TestDelegateHandsOffSlot(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	resp, err := env.svc.Initiate(ctx, InitiateRequest{
		Template: model.TemplateSnapshot{
			Topology: model.TopologySingle,
			BodyHTML: "<p>x</p>",
		},
		Recipients: []document.RecipientInput{
			{Name: "Alice", Email: "alice@example.com", Order: 1},
		},
	})
	require.NoError(t, err)
	link := resp.Links[0].Token

	_, err = env.svc.Delegate(ctx, link, DelegateRequest{ToName: "Grace"})
	require.Equal(t, model.ErrBadRequest, errCode(t, err))

	_, err = env.svc.Delegate(ctx, link, DelegateRequest{
		ToName:  "Grace",
		ToEmail: "grace@example.com",
		Reason:  "out of office",
	})
	require.NoError(t, err)

	notices := env.notifier.byKind(notify.KindDelegated)
	require.Len(t, notices, 1)
	require.Equal(t, "grace@example.com", notices[0].Email)

	// The delegator's link died with the handoff.
	_, err = env.svc.Access(ctx, link)
	require.Equal(t, model.ErrTokenRevoked, errCode(t, err))

	signResp, err := env.svc.Sign(ctx, notices[0].SigningLink, "sig-grace")
	require.NoError(t, err)
	require.True(t, signResp.Finalizing)
	env.waitFinalized(t)
}

func TestRejectSigningClosesDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	resp, err := env.svc.Initiate(ctx, sequentialRequest())
	require.NoError(t, err)

	var aliceLink SigningLink
	for _, link := range resp.Links {
		if link.Email == "alice@example.com" {
			aliceLink = link
		}
	}

	signResp, err := env.svc.RejectSigning(ctx, aliceLink.Token, "terms unacceptable")
	require.NoError(t, err)
	require.Equal(t, model.DocumentStatusRejected, signResp.DocumentStatus)

	status, err := env.svc.Status(ctx, resp.Documents[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.DocumentStatusRejected, status.Status)
	require.Equal(t, "terms unacceptable", status.ErrorReason)
}

func TestGraceWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	resp, err := env.svc.Initiate(ctx, InitiateRequest{
		Template: model.TemplateSnapshot{
			Topology: model.TopologySingle,
			BodyHTML: "<p>x</p>",
		},
		Recipients: []document.RecipientInput{
			{Name: "Alice", Email: "alice@example.com", Order: 1},
		},
		ExpiryHours: 1,
		GraceHours:  2,
	})
	require.NoError(t, err)
	docID := resp.Documents[0].ID
	rcpID := resp.Links[0].RecipientID

	// Push the document past its nominal expiry, inside the grace window,
	// and mint a link carrying that past expiry.
	env.mutateDoc(t, docID, func(d *model.Document) {
		d.ExpiresAt = time.Now().UTC().Add(-30 * time.Minute)
	})
	_, issued, err := env.eng.RotateToken(ctx, env.svc.deps.Tokens, "t1", docID, rcpID)
	require.NoError(t, err)
	graceLink := issued[0].Signed

	view, err := env.svc.Access(ctx, graceLink)
	require.NoError(t, err)
	require.True(t, view.GraceWarning)

	// Signing still works inside the grace window.
	signResp, err := env.svc.Sign(ctx, graceLink, "sig-alice")
	require.NoError(t, err)
	require.True(t, signResp.Finalizing)
	env.waitFinalized(t)
}

func TestExpiredTokenOutsideGrace(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	resp, err := env.svc.Initiate(ctx, InitiateRequest{
		Template: model.TemplateSnapshot{
			Topology: model.TopologySingle,
			BodyHTML: "<p>x</p>",
		},
		Recipients: []document.RecipientInput{
			{Name: "Alice", Email: "alice@example.com", Order: 1},
		},
		ExpiryHours: 1,
	})
	require.NoError(t, err)
	docID := resp.Documents[0].ID
	rcpID := resp.Links[0].RecipientID

	// Mint a link that carries a past expiry, then restore the document's
	// own expiry to the future: the token is expired, with no grace window
	// in effect.
	env.mutateDoc(t, docID, func(d *model.Document) {
		d.ExpiresAt = time.Now().UTC().Add(-30 * time.Minute)
	})
	_, issued, err := env.eng.RotateToken(ctx, env.svc.deps.Tokens, "t1", docID, rcpID)
	require.NoError(t, err)
	staleLink := issued[0].Signed
	env.mutateDoc(t, docID, func(d *model.Document) {
		d.ExpiresAt = time.Now().UTC().Add(time.Hour)
	})

	_, err = env.svc.Access(ctx, staleLink)
	require.Equal(t, model.ErrTokenExpired, errCode(t, err))
}

func TestHardExpiredDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	resp, err := env.svc.Initiate(ctx, sequentialRequest())
	require.NoError(t, err)
	docID := resp.Documents[0].ID

	env.mutateDoc(t, docID, func(d *model.Document) {
		d.ExpiresAt = time.Now().UTC().Add(-3 * time.Hour)
		d.GracePeriodHours = 1
	})

	_, err = env.svc.Access(ctx, resp.Links[0].Token)
	require.Equal(t, model.ErrDocumentExpired, errCode(t, err))
}

func TestRunExpirySweep(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	resp, err := env.svc.Initiate(ctx, sequentialRequest())
	require.NoError(t, err)
	docID := resp.Documents[0].ID

	env.mutateDoc(t, docID, func(d *model.Document) {
		d.ExpiresAt = time.Now().UTC().Add(-2 * time.Hour)
	})

	count, err := env.svc.RunExpirySweep(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	status, err := env.svc.Status(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, model.DocumentStatusExpired, status.Status)

	// Nothing left to sweep.
	count, err = env.svc.RunExpirySweep(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestDownload_OnlyWhenCompleted(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	resp, err := env.svc.Initiate(ctx, sequentialRequest())
	require.NoError(t, err)

	_, err = env.svc.Download(ctx, resp.Documents[0].ID)
	require.Equal(t, model.ErrInvalidTransition, errCode(t, err))
}

func TestRetryFinalize(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	resp, err := env.svc.Initiate(ctx, sequentialRequest())
	require.NoError(t, err)
	docID := resp.Documents[0].ID

	// Retrying a document that never failed is refused.
	err = env.svc.RetryFinalize(ctx, docID)
	require.Equal(t, model.ErrInvalidTransition, errCode(t, err))

	env.mutateDoc(t, docID, func(d *model.Document) {
		d.Status = model.DocumentStatusError
		d.ErrorReason = "upload: connection refused"
	})

	require.NoError(t, env.svc.RetryFinalize(ctx, docID))
	env.waitFinalized(t)

	status, err := env.svc.Status(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, model.DocumentStatusCompleted, status.Status)
}

func TestStatusAndList_TenantScoped(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	resp, err := env.svc.Initiate(ctx, sequentialRequest())
	require.NoError(t, err)

	otherCtx := model.WithRequestContext(context.Background(), &model.RequestContext{
		CallerID: "api-caller",
		TenantID: "t2",
	})
	_, err = env.svc.Status(otherCtx, resp.Documents[0].ID)
	require.Equal(t, model.ErrNotFound, errCode(t, err))

	summaries, err := env.svc.List(otherCtx, document.Filters{})
	require.NoError(t, err)
	require.Empty(t, summaries)

	summaries, err = env.svc.List(ctx, document.Filters{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
}

func TestAccess_ForgedAndUnknownTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := senderCtx()

	_, err := env.svc.Access(ctx, "not-a-token")
	require.Equal(t, model.ErrTokenInvalid, errCode(t, err))

	// A structurally valid token pointing at a deleted or unknown document
	// reads the same as a forged one.
	signed, _, err := env.svc.deps.Tokens.Issue("no-such-doc", "no-such-rcp", "x@example.com", time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = env.svc.Access(ctx, signed)
	require.Equal(t, model.ErrTokenInvalid, errCode(t, err))
}
