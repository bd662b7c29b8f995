package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schjonhaug/tapcustody/internal/adapters/security"
	"github.com/schjonhaug/tapcustody/internal/application"
)

// Handler is the HTTP adapter entrypoint for custody use-cases.
type Handler struct {
	service *application.Service
	tokens  *security.HMACSigner
	ready   func() error
}

func NewHandler(service *application.Service, tokens *security.HMACSigner, ready func() error) *Handler {
	if ready == nil {
		ready = func() error { return nil }
	}
	return &Handler{service: service, tokens: tokens, ready: ready}
}

// NewRouter registers custody routes and the middleware stack.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/custody/v1", func(r chi.Router) {
		r.Get("/receipts/public-key", handler.receiptPublicKey)
		r.Get("/issuance/challenge", handler.issuanceChallenge)

		r.Group(func(r chi.Router) {
			r.Use(handler.authMiddleware)

			r.Get("/tokens/{token_id}", handler.getToken)
			r.Get("/tokens/{token_id}/ledger", handler.ledger)
			r.Post("/tokens/{token_id}/sessions", handler.beginAuth)
			r.Post("/tokens/{token_id}/transfers", handler.initiateTransfer)
			r.Post("/tokens/{token_id}/transfers/finalize", handler.finalizeTransfer)

			r.Get("/sessions/{session_id}", handler.getSession)
			r.Post("/sessions/{session_id}/auth/continue", handler.continueAuth)
			r.Post("/sessions/{session_id}/setup", handler.setupAppAndFile)
			r.Post("/sessions/{session_id}/app-auth", handler.authenticateAppLevel)
			r.Post("/sessions/{session_id}/app-auth/continue", handler.continueAppAuth)
			r.Post("/sessions/{session_id}/read", handler.readFileData)
			r.Post("/sessions/{session_id}/transfer-record", handler.writeTransferData)
			r.Post("/sessions/{session_id}/proof", handler.validateCardProof)
			r.Post("/sessions/{session_id}/change-key", handler.changeKey)
			r.Post("/sessions/{session_id}/end", handler.endSession)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Post("/tokens", handler.issueToken)
				r.Post("/tokens/{token_id}/retire", handler.retireToken)
				r.Post("/tokens/{token_id}/lock", handler.lockToken)
				r.Post("/tokens/{token_id}/unlock", handler.unlockToken)
				r.Post("/tokens/{token_id}/transfers/{transfer_id}/payment-cleared", handler.paymentCleared)
			})
		})
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"state": "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.ready(); err != nil {
		httpLogger().WarnContext(r.Context(), "readiness check failed", "operation", "readyz", "error", err)
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "not ready")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"state": "ready"})
}
