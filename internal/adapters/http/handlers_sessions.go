package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/schjonhaug/tapcustody/internal/application"
	"github.com/schjonhaug/tapcustody/internal/domain"
	"github.com/schjonhaug/tapcustody/internal/protocol"
)

func (h *Handler) beginAuth(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())

	var req BeginAuthRequest
	if err := decodeOptional(r, &req); err != nil {
		writeMappedError(r.Context(), w, "begin_auth", err)
		return
	}

	res, err := h.service.BeginAuth(r.Context(), application.BeginAuthRequest{
		TokenID:      chi.URLParam(r, "token_id"),
		UserID:       claims.UserID,
		AllowUnowned: req.AllowUnowned,
	})
	if err != nil {
		writeMappedError(r.Context(), w, "begin_auth", err)
		return
	}
	if res.Locked {
		writeError(w, http.StatusConflict, CodeLocked, "someone else is using this item, try again shortly")
		return
	}
	writeSuccess(w, http.StatusCreated, BeginAuthResponse{SessionID: res.SessionID, Frames: res.Frames, ExpiresAt: res.ExpiresAt})
}

func (h *Handler) continueAuth(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	req, ok := decodeCardResponse(w, r, "continue_auth")
	if !ok {
		return
	}
	res, err := h.service.ContinueAuth(r.Context(), chi.URLParam(r, "session_id"), claims.UserID, req.Response)
	if err != nil {
		writeMappedError(r.Context(), w, "continue_auth", err)
		return
	}
	writeSuccess(w, http.StatusOK, ContinueAuthResponse{Done: res.Done, Frames: res.Frames})
}

func (h *Handler) setupAppAndFile(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	res, err := h.service.SetupAppAndFile(r.Context(), chi.URLParam(r, "session_id"), claims.UserID)
	if err != nil {
		writeMappedError(r.Context(), w, "setup_app_and_file", err)
		return
	}
	writeSuccess(w, http.StatusOK, SetupResponse{Frames: res.Frames, Steps: res.Steps})
}

func (h *Handler) authenticateAppLevel(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	res, err := h.service.AuthenticateAppLevel(r.Context(), chi.URLParam(r, "session_id"), claims.UserID)
	if err != nil {
		writeMappedError(r.Context(), w, "authenticate_app_level", err)
		return
	}
	writeSuccess(w, http.StatusOK, FramesResponse{Frames: res.Frames})
}

func (h *Handler) continueAppAuth(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	req, ok := decodeCardResponse(w, r, "continue_app_auth")
	if !ok {
		return
	}
	res, err := h.service.ContinueAppAuth(r.Context(), chi.URLParam(r, "session_id"), claims.UserID, req.Response)
	if err != nil {
		writeMappedError(r.Context(), w, "continue_app_auth", err)
		return
	}
	writeSuccess(w, http.StatusOK, FramesResponse{Frames: res.Frames})
}

func (h *Handler) readFileData(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	var req ReadFileRequest
	if err := decodeOptional(r, &req); err != nil {
		writeMappedError(r.Context(), w, "read_file_data", err)
		return
	}
	fileNo := protocol.TransferFileNo
	if req.FileRef != nil {
		if *req.FileRef < 0 || *req.FileRef > 0xFF {
			writeMappedError(r.Context(), w, "read_file_data", fmt.Errorf("%w: file_ref out of range", domain.ErrInvalidInput))
			return
		}
		fileNo = byte(*req.FileRef)
	}
	if req.Length < 0 {
		writeMappedError(r.Context(), w, "read_file_data", fmt.Errorf("%w: negative length", domain.ErrInvalidInput))
		return
	}
	res, err := h.service.ReadFileData(r.Context(), chi.URLParam(r, "session_id"), claims.UserID,
		application.ReadFileRequest{FileNo: fileNo, Length: req.Length})
	if err != nil {
		writeMappedError(r.Context(), w, "read_file_data", err)
		return
	}
	writeSuccess(w, http.StatusOK, FramesResponse{Frames: res.Frames})
}

func (h *Handler) writeTransferData(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	var req WriteTransferRequest
	if err := decodeOptional(r, &req); err != nil {
		writeMappedError(r.Context(), w, "write_transfer_data", err)
		return
	}
	res, err := h.service.WriteTransferData(r.Context(), chi.URLParam(r, "session_id"), claims.UserID,
		application.WriteRequest{Payload: req.Payload, GenerateServerKey: req.GenerateServerKey})
	if err != nil {
		writeMappedError(r.Context(), w, "write_transfer_data", err)
		return
	}
	writeSuccess(w, http.StatusOK, WriteTransferResponse{Frames: res.Frames, KeyFingerprint: res.KeyFingerprint})
}

func (h *Handler) validateCardProof(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	req, ok := decodeCardResponse(w, r, "validate_card_proof")
	if !ok {
		return
	}
	proof, err := h.service.ValidateCardProof(r.Context(), chi.URLParam(r, "session_id"), claims.UserID, req.Response)
	if err != nil {
		writeMappedError(r.Context(), w, "validate_card_proof", err)
		return
	}
	writeSuccess(w, http.StatusOK, ProofResponse{
		Valid:          true,
		KeyFingerprint: proof.SecretFingerprint,
		Message:        "possession proven for the pending transfer",
		TransferID:     proof.TransferID,
		Counter:        proof.Counter,
		VerifiedAt:     proof.VerifiedAt,
	})
}

func (h *Handler) changeKey(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	var req ChangeKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMappedError(r.Context(), w, "change_key", fmt.Errorf("%w: invalid request body", domain.ErrInvalidInput))
		return
	}
	res, err := h.service.ChangeKey(r.Context(), chi.URLParam(r, "session_id"), claims.UserID, req.Fingerprint)
	if err != nil {
		writeMappedError(r.Context(), w, "change_key", err)
		return
	}
	writeSuccess(w, http.StatusOK, FramesResponse{Frames: res.Frames})
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	s, err := h.service.EndSession(r.Context(), chi.URLParam(r, "session_id"), claims.UserID)
	if err != nil {
		writeMappedError(r.Context(), w, "end_session", err)
		return
	}
	writeSuccess(w, http.StatusOK, toSessionResponse(s))
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	s, err := h.service.GetSession(r.Context(), chi.URLParam(r, "session_id"), claims.UserID)
	if err != nil {
		writeMappedError(r.Context(), w, "get_session", err)
		return
	}
	writeSuccess(w, http.StatusOK, toSessionResponse(s))
}

func decodeCardResponse(w http.ResponseWriter, r *http.Request, operation string) (CardResponseRequest, bool) {
	var req CardResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Response) == 0 {
		writeMappedError(r.Context(), w, operation, fmt.Errorf("%w: response frame is required", domain.ErrInvalidInput))
		return CardResponseRequest{}, false
	}
	return req, true
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", domain.ErrInvalidInput)
	}
	return nil
}
