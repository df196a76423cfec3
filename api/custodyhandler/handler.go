package custodyhandler

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/social-recovery-backend/api"
	"github.com/ruteri/social-recovery-backend/custody"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// ShareSubmission carries one admin's plaintext share of the archive key.
type ShareSubmission struct {
	Share     []byte `json:"share"`
	Signature []byte `json:"signature"`
}

type Handler struct {
	unsealer *custody.Unsealer
	log      *slog.Logger
}

func NewHandler(unsealer *custody.Unsealer, log *slog.Logger) *Handler {
	return &Handler{unsealer: unsealer, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/custody", func(r chi.Router) {
		r.Get("/status", h.HandleStatus)
		r.Post("/shares", h.HandleSubmitShare)
	})
}

// HandleStatus reports whether the archive key is unlocked.
//
// URL format: GET /admin/custody/status
// Response: custody.Status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, h.unsealer.Status())
}

// HandleSubmitShare accepts an admin's share. The request must carry the
// admin headers signed over path and body.
//
// URL format: POST /admin/custody/shares
// Request body: ShareSubmission
// Response: custody.Status
func (h *Handler) HandleSubmitShare(w http.ResponseWriter, r *http.Request) {
	adminID, err := h.verifyAdmin(r)
	if err != nil {
		h.log.Warn("Admin authentication failed", "err", err, "adminID", adminID)
		api.WriteProblem(w, h.log, err)
		return
	}

	var req ShareSubmission
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	if len(req.Share) == 0 || len(req.Signature) == 0 {
		api.WriteProblem(w, h.log, interfaces.Errorf(interfaces.KindMalformedRequest, "share and signature are required"))
		return
	}

	status, err := h.unsealer.SubmitShare(adminID, req.Share, req.Signature)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, status)
}

// verifyAdmin checks the admin headers and restores the body for decoding.
func (h *Handler) verifyAdmin(r *http.Request) (string, error) {
	adminID := r.Header.Get(custody.AdminIDHeader)
	signature := r.Header.Get(custody.AdminSignatureHeader)
	if adminID == "" || signature == "" {
		return "", interfaces.Errorf(interfaces.KindInvalidSignature, "missing admin headers")
	}

	publicKeyPEM, ok := h.unsealer.AdminKey(adminID)
	if !ok {
		return adminID, interfaces.Errorf(interfaces.KindInvalidSignature, "unknown admin")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, api.MaxBodySize))
	if err != nil {
		return adminID, interfaces.Errorf(interfaces.KindMalformedRequest, "reading body: %v", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if err := custody.VerifyRequest(publicKeyPEM, r.URL.Path, body, signature); err != nil {
		return adminID, err
	}
	return adminID, nil
}
