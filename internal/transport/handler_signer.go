package transport

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/signet-io/signet/internal/orchestrate"
	"github.com/signet-io/signet/model"
)

// signerToken extracts the capability token: Authorization bearer first,
// then the "t" query parameter used by emailed links.
func signerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return auth[len("Bearer "):]
	}
	return r.URL.Query().Get("t")
}

func handleAccess(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signed := signerToken(r)
		if signed == "" {
			WriteError(w, model.NewSignerError(model.ErrTokenInvalid))
			return
		}
		view, err := svc.Access(r.Context(), signed)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleVerifyOTP(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signed := signerToken(r)
		if signed == "" {
			WriteError(w, model.NewSignerError(model.ErrTokenInvalid))
			return
		}
		var body struct {
			Code string `json:"code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		resp, err := svc.VerifyOTP(r.Context(), signed, body.Code)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleResendOTP(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signed := signerToken(r)
		if signed == "" {
			WriteError(w, model.NewSignerError(model.ErrTokenInvalid))
			return
		}
		if err := svc.ResendOTP(r.Context(), signed); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	}
}

func handleSign(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signed := signerToken(r)
		if signed == "" {
			WriteError(w, model.NewSignerError(model.ErrTokenInvalid))
			return
		}
		var body struct {
			SignatureRef string `json:"signature_ref"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		resp, err := svc.Sign(r.Context(), signed, body.SignatureRef)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleRejectSigning(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signed := signerToken(r)
		if signed == "" {
			WriteError(w, model.NewSignerError(model.ErrTokenInvalid))
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		resp, err := svc.RejectSigning(r.Context(), signed, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleDelegate(svc *orchestrate.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signed := signerToken(r)
		if signed == "" {
			WriteError(w, model.NewSignerError(model.ErrTokenInvalid))
			return
		}
		var req orchestrate.DelegateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		resp, err := svc.Delegate(r.Context(), signed, req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
