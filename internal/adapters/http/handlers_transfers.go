package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/schjonhaug/tapcustody/internal/application"
	"github.com/schjonhaug/tapcustody/internal/domain"
	"github.com/schjonhaug/tapcustody/internal/transfer"
)

func (h *Handler) initiateTransfer(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	var req InitiateTransferRequest
	if err := decodeOptional(r, &req); err != nil {
		writeMappedError(r.Context(), w, "initiate_transfer", err)
		return
	}
	pending, err := h.service.InitiateTransfer(r.Context(), transfer.InitiateRequest{
		CallerID:        claims.UserID,
		TokenID:         chi.URLParam(r, "token_id"),
		ToID:            req.ToID,
		RequiresPayment: req.RequiresPayment,
	})
	if err != nil {
		writeMappedError(r.Context(), w, "initiate_transfer", err)
		return
	}
	writeSuccess(w, http.StatusCreated, toPendingResponse(pending))
}

func (h *Handler) finalizeTransfer(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	res, err := h.service.FinalizeTransfer(r.Context(), claims.UserID, chi.URLParam(r, "token_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "finalize_transfer", err)
		return
	}
	writeSuccess(w, http.StatusOK, FinalizeResponse{
		Token: toTokenResponse(res.Token, nil),
		Event: toLedgerResponse(res.Event),
	})
}

func (h *Handler) paymentCleared(w http.ResponseWriter, r *http.Request) {
	err := h.service.MarkPaymentCleared(r.Context(), chi.URLParam(r, "token_id"), chi.URLParam(r, "transfer_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "payment_cleared", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"payment_cleared": true})
}

func (h *Handler) getToken(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	view, err := h.service.GetToken(r.Context(), claims.UserID, chi.URLParam(r, "token_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "get_token", err)
		return
	}
	writeSuccess(w, http.StatusOK, toTokenResponse(view.Token, view.Pending))
}

func (h *Handler) ledger(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	events, err := h.service.Ledger(r.Context(), claims.UserID, chi.URLParam(r, "token_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "ledger", err)
		return
	}
	items := make([]LedgerEventResponse, 0, len(events))
	for _, e := range events {
		items = append(items, toLedgerResponse(e))
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"events":             items,
		"receipt_public_key": h.service.ReceiptPublicKey(),
	})
}

func (h *Handler) receiptPublicKey(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"public_key": h.service.ReceiptPublicKey()})
}

func (h *Handler) issuanceChallenge(w http.ResponseWriter, r *http.Request) {
	frame, err := h.service.IssuanceChallenge()
	if err != nil {
		writeMappedError(r.Context(), w, "issuance_challenge", err)
		return
	}
	writeSuccess(w, http.StatusOK, FramesResponse{Frames: [][]byte{frame}})
}

func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	var req IssueTokenRequest
	if err := decodeOptional(r, &req); err != nil {
		writeMappedError(r.Context(), w, "issue_token", err)
		return
	}
	token, err := h.service.IssueToken(r.Context(), application.IssueTokenRequest{
		AdminID:     claims.UserID,
		OwnerID:     req.OwnerID,
		Originality: req.Originality,
	})
	if err != nil {
		writeMappedError(r.Context(), w, "issue_token", err)
		return
	}
	writeSuccess(w, http.StatusCreated, toTokenResponse(token, nil))
}

func (h *Handler) retireToken(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, "retire_token", domain.TokenRetired)
}

func (h *Handler) lockToken(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, "lock_token", domain.TokenLocked)
}

func (h *Handler) unlockToken(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, "unlock_token", domain.TokenActive)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, operation string, status domain.TokenStatus) {
	token, err := h.service.SetTokenStatus(r.Context(), chi.URLParam(r, "token_id"), status)
	if err != nil {
		writeMappedError(r.Context(), w, operation, err)
		return
	}
	writeSuccess(w, http.StatusOK, toTokenResponse(token, nil))
}
