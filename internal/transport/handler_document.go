package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/signet-io/signet/internal/document"
	"github.com/signet-io/signet/internal/orchestrate"
	"github.com/signet-io/signet/model"
)

func handleInitiate(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orchestrate.InitiateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		// The header form wins over the body field when both are present.
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			req.IdempotencyKey = key
		}

		resp, err := svc.Initiate(r.Context(), req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, resp)
	}
}

func handleList(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters := document.Filters{
			Status: r.URL.Query().Get("status"),
			Limit:  queryInt(r, "limit", 20),
			Offset: queryInt(r, "offset", 0),
		}
		summaries, err := svc.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   summaries,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleStatus(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.Status(r.Context(), chi.URLParam(r, "documentId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleCancel(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		view, err := svc.Cancel(r.Context(), chi.URLParam(r, "documentId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleApprovePreview(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.ApprovePreview(r.Context(), chi.URLParam(r, "documentId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleRejectPreview(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		view, err := svc.RejectPreview(r.Context(), chi.URLParam(r, "documentId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleResendLink(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.ResendLink(r.Context(),
			chi.URLParam(r, "documentId"), chi.URLParam(r, "recipientId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleDownload(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := svc.Download(r.Context(), chi.URLParam(r, "documentId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleRetryFinalize(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.RetryFinalize(r.Context(), chi.URLParam(r, "documentId")); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
