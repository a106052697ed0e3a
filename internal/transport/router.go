package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/signet-io/signet/internal/config"
	"github.com/signet-io/signet/internal/observability"
	"github.com/signet-io/signet/internal/orchestrate"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config  *config.Config
	Service *orchestrate.Service
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// authentication. Sender routes require an API key; signer routes carry
// their capability token and need no other credential.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery(deps.Logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(SignerCORS)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", handleReady)
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	// Sender API.
	r.Group(func(r chi.Router) {
		r.Use(APIKeyAuth(deps.Config.Auth))
		r.Use(HandlerTimeout(deps.Config.Server.WriteTimeout))
		r.Use(RequestLogging(deps.Logger))

		r.Post("/v1/documents", handleInitiate(deps.Service))
		r.Get("/v1/documents", handleList(deps.Service))
		r.Get("/v1/documents/{documentId}", handleStatus(deps.Service))
		r.Post("/v1/documents/{documentId}/cancel", handleCancel(deps.Service))
		r.Post("/v1/documents/{documentId}/preview/approve", handleApprovePreview(deps.Service))
		r.Post("/v1/documents/{documentId}/preview/reject", handleRejectPreview(deps.Service))
		r.Post("/v1/documents/{documentId}/recipients/{recipientId}/resend", handleResendLink(deps.Service))
		r.Get("/v1/documents/{documentId}/download", handleDownload(deps.Service))
		r.Post("/v1/documents/{documentId}/finalize/retry", handleRetryFinalize(deps.Service))
	})

	// Signer API. The capability token is the sole credential.
	r.Group(func(r chi.Router) {
		r.Use(HandlerTimeout(deps.Config.Server.WriteTimeout))
		r.Use(RequestLogging(deps.Logger))

		r.Get("/v1/sign", handleAccess(deps.Service))
		r.Post("/v1/sign/otp/verify", handleVerifyOTP(deps.Service))
		r.Post("/v1/sign/otp/resend", handleResendOTP(deps.Service))
		r.Post("/v1/sign/submit", handleSign(deps.Service))
		r.Post("/v1/sign/reject", handleRejectSigning(deps.Service))
		r.Post("/v1/sign/delegate", handleDelegate(deps.Service))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
