package recoveryhandler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/social-recovery-backend/api"
	"github.com/ruteri/social-recovery-backend/recovery"
)

// Handler exposes the recovery lifecycle of a Coordinator over HTTP.
type Handler struct {
	coordinator *recovery.Coordinator
	log         *slog.Logger
}

func NewHandler(coordinator *recovery.Coordinator, log *slog.Logger) *Handler {
	return &Handler{coordinator: coordinator, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/recoveries/{account}", func(r chi.Router) {
		r.Post("/", h.HandleInitiate)
		r.Get("/", h.HandleGet)
		r.Post("/sync", h.HandleSync)
		r.Post("/approvals", h.HandleApprove)
		r.Post("/finalize", h.HandleFinalize)
		r.Get("/message", h.HandleMessage)
	})
}

// HandleInitiate opens a recovery of the account.
//
// URL format: POST /api/v1/recoveries/{account}
// Request body: api.InitiateRecoveryRequest
// Response: the pending interfaces.RecoveryRequest
func (h *Handler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	account, err := api.PathAddress(r, "account")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	var req api.InitiateRecoveryRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	res, err := h.coordinator.Initiate(r.Context(), account, req.NewAccount)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, res)
}

// HandleGet returns the recovery of the account, with status "none" when
// there is none.
//
// URL format: GET /api/v1/recoveries/{account}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	account, err := api.PathAddress(r, "account")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	res, err := h.coordinator.Get(r.Context(), account)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

// HandleSync reloads the recovery of the account from the ledger.
//
// URL format: POST /api/v1/recoveries/{account}/sync
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	account, err := api.PathAddress(r, "account")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	res, err := h.coordinator.Sync(r.Context(), account)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

// HandleApprove submits one guardian approval.
//
// URL format: POST /api/v1/recoveries/{account}/approvals
// Request body: api.ApprovalRequest
// Response: the updated interfaces.RecoveryRequest
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	account, err := api.PathAddress(r, "account")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	var req api.ApprovalRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	res, err := h.coordinator.SubmitApproval(r.Context(), account, req.Guardian, req.Signature, req.Proof)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

// HandleFinalize completes an approved recovery.
//
// URL format: POST /api/v1/recoveries/{account}/finalize
func (h *Handler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	account, err := api.PathAddress(r, "account")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	res, err := h.coordinator.Finalize(r.Context(), account)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

// HandleMessage returns the digest a guardian signs to approve moving the
// account to newAccount. It does not require an active recovery, so
// guardians can prepare signatures offline.
//
// URL format: GET /api/v1/recoveries/{account}/message?newAccount={address}
// Response: api.MessageResponse
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	account, err := api.PathAddress(r, "account")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	newAccount, err := api.QueryAddress(r, "newAccount")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	msg, err := h.coordinator.Message(account, newAccount)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	cfg := h.coordinator.Config()
	api.WriteJSON(w, http.StatusOK, api.MessageResponse{
		OldAccount: account,
		NewAccount: newAccount,
		DomainTag:  cfg.DomainTag,
		Authority:  cfg.Authority,
		Message:    msg.String(),
	})
}
