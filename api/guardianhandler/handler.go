package guardianhandler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/social-recovery-backend/api"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/registry"
)

// LinkChannel is the backup channel marked done when a recovery link is
// built.
const LinkChannel = "link"

// RecordPublisher moves a guardian record on-chain and checks it against the
// ledger. recovery.Coordinator implements it.
type RecordPublisher interface {
	PublishRecord(ctx context.Context, record *interfaces.GuardianRecord) (interfaces.TxResult, error)
	VerifyRecord(ctx context.Context, record *interfaces.GuardianRecord) error
}

// Config holds the optional collaborators of the handler.
type Config struct {
	// Archive and Sealer back the archive routes. Without an archive they
	// answer OperationFailed.
	Archive interfaces.BackupArchive
	Sealer  registry.Sealer

	// LinkBaseURL is used when a link request carries no base URL.
	LinkBaseURL string
}

// Handler serves guardian configuration, inclusion proofs and backups.
type Handler struct {
	registry  *registry.Registry
	publisher RecordPublisher
	cfg       Config
	log       *slog.Logger
}

func NewHandler(reg *registry.Registry, publisher RecordPublisher, cfg Config, log *slog.Logger) *Handler {
	return &Handler{
		registry:  reg,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/accounts/{account}", func(r chi.Router) {
		r.Put("/guardians", h.HandleStore)
		r.Get("/guardians", h.HandleLoad)
		r.Delete("/guardians", h.HandleDelete)
		r.Post("/guardians/commit", h.HandlePublish)
		r.Post("/guardians/verify", h.HandleVerify)
		r.Get("/guardians/proof/{guardian}", h.HandleProof)
		r.Get("/backup", h.HandleExport)
		r.Post("/backup/link", h.HandleBuildLink)
		r.Post("/backup/archive", h.HandleArchive)
	})
	r.Get("/api/v1/guardians/{guardian}/accounts", h.HandleProtectedBy)
	r.Post("/api/v1/backups", h.HandleImport)
	r.Post("/api/v1/backups/link", h.HandleImportLink)
	r.Post("/api/v1/backups/archive/{id}", h.HandleRestore)
}

// HandleStore replaces the guardian record of an account.
//
// URL format: PUT /api/v1/accounts/{account}/guardians
// Request body: api.StoreGuardiansRequest
// Response: the stored interfaces.GuardianRecord
func (h *Handler) HandleStore(w http.ResponseWriter, r *http.Request) {
	account, err := api.PathAddress(r, "account")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	var req api.StoreGuardiansRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	var root interfaces.Commitment
	if req.Commitment != nil {
		root = *req.Commitment
	}

	record, err := h.registry.Store(r.Context(), account, req.Guardians, req.Threshold, root)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, record)
}

// HandleLoad returns the guardian record of an account.
//
// URL format: GET /api/v1/accounts/{account}/guardians
func (h *Handler) HandleLoad(w http.ResponseWriter, r *http.Request) {
	record, ok := h.loadRecord(w, r)
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, record)
}

// HandleDelete forgets the guardian record of an account. The on-chain
// commitment is not touched.
//
// URL format: DELETE /api/v1/accounts/{account}/guardians
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	account, err := api.PathAddress(r, "account")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	if err := h.registry.Delete(r.Context(), account); err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePublish sends the stored commitment and threshold to the ledger.
//
// URL format: POST /api/v1/accounts/{account}/guardians/commit
// Response: api.PublishResponse
func (h *Handler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	record, ok := h.loadRecord(w, r)
	if !ok {
		return
	}

	res, err := h.publisher.PublishRecord(r.Context(), record)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.PublishResponse{Record: record, Tx: res})
}

// HandleVerify checks the stored record against the ledger.
//
// URL format: POST /api/v1/accounts/{account}/guardians/verify
// Response: the verified interfaces.GuardianRecord, or CommitmentMismatch
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	record, ok := h.loadRecord(w, r)
	if !ok {
		return
	}
	if err := h.publisher.VerifyRecord(r.Context(), record); err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, record)
}

// HandleProof returns the inclusion proof a guardian attaches to its
// approval.
//
// URL format: GET /api/v1/accounts/{account}/guardians/proof/{guardian}
// Response: api.ProofResponse
func (h *Handler) HandleProof(w http.ResponseWriter, r *http.Request) {
	record, ok := h.loadRecord(w, r)
	if !ok {
		return
	}
	guardian, err := api.PathAddress(r, "guardian")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	proof, err := h.registry.Proof(r.Context(), record.Account, guardian)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.ProofResponse{
		Account:    record.Account,
		Guardian:   guardian,
		Commitment: record.Commitment,
		Proof:      proof,
	})
}

// HandleProtectedBy lists the accounts held on this node that name the
// guardian.
//
// URL format: GET /api/v1/guardians/{guardian}/accounts
func (h *Handler) HandleProtectedBy(w http.ResponseWriter, r *http.Request) {
	guardian, err := api.PathAddress(r, "guardian")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	records, err := h.registry.ProtectedBy(r.Context(), guardian)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	res := api.AccountsResponse{Guardian: guardian, Accounts: make([]interfaces.Address, 0, len(records))}
	for _, record := range records {
		res.Accounts = append(res.Accounts, record.Account)
	}
	api.WriteJSON(w, http.StatusOK, res)
}

// HandleExport returns the backup document of an account.
//
// URL format: GET /api/v1/accounts/{account}/backup
// Response: registry.BackupPayload
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	account, err := api.PathAddress(r, "account")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	payload, err := h.registry.ExportBackup(r.Context(), account)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, payload)
}

// HandleImport validates and stores a backup document. The body is the raw
// document as produced by HandleExport.
//
// URL format: POST /api/v1/backups
// Response: the imported interfaces.GuardianRecord
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, api.MaxBodySize))
	if err != nil {
		api.WriteProblem(w, h.log, interfaces.Errorf(interfaces.KindMalformedRequest, "reading body: %v", err))
		return
	}

	record, err := h.registry.ImportBackup(r.Context(), data)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, record)
}

// HandleBuildLink embeds the backup of an account into a recovery link and
// marks the link channel as done.
//
// URL format: POST /api/v1/accounts/{account}/backup/link
// Request body: api.BuildLinkRequest
// Response: api.LinkResponse
func (h *Handler) HandleBuildLink(w http.ResponseWriter, r *http.Request) {
	account, err := api.PathAddress(r, "account")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	var req api.BuildLinkRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	if req.BaseURL == "" {
		req.BaseURL = h.cfg.LinkBaseURL
	}
	if req.BaseURL == "" {
		api.WriteProblem(w, h.log, interfaces.Errorf(interfaces.KindMalformedRequest, "no base URL for the recovery link"))
		return
	}

	payload, err := h.registry.ExportBackup(r.Context(), account)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	link, err := registry.BuildRecoveryLink(req.BaseURL, payload)
	if err != nil {
		api.WriteProblem(w, h.log, interfaces.Errorf(interfaces.KindMalformedRequest, "%v", err))
		return
	}
	if _, err := h.registry.SetBackupChannel(r.Context(), account, LinkChannel, true); err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.LinkResponse{Link: link})
}

// HandleImportLink imports the backup carried by a recovery link.
//
// URL format: POST /api/v1/backups/link
// Request body: api.ParseLinkRequest
func (h *Handler) HandleImportLink(w http.ResponseWriter, r *http.Request) {
	var req api.ParseLinkRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	data, err := registry.DecodeRecoveryLink(req.Link)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	record, err := h.registry.ImportBackup(r.Context(), data)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, record)
}

// HandleArchive publishes the sealed backup of an account to the archive.
//
// URL format: POST /api/v1/accounts/{account}/backup/archive
// Request body: api.ArchiveRequest
// Response: api.ArchiveResponse
func (h *Handler) HandleArchive(w http.ResponseWriter, r *http.Request) {
	if !h.archiveAvailable(w) {
		return
	}
	account, err := api.PathAddress(r, "account")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	var req api.ArchiveRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	if req.Channel == "" {
		req.Channel = "archive"
	}

	id, err := h.registry.ArchiveBackup(r.Context(), h.cfg.Archive, h.cfg.Sealer, req.Channel, account)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}

	h.log.Info("Archived guardian backup", slog.String("account", account.String()), slog.String("id", id))
	api.WriteJSON(w, http.StatusOK, api.ArchiveResponse{Account: account, Channel: req.Channel, ID: id})
}

// HandleRestore imports an archived backup by its content identifier.
//
// URL format: POST /api/v1/backups/archive/{id}
func (h *Handler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	if !h.archiveAvailable(w) {
		return
	}

	id := chi.URLParam(r, "id")
	record, err := h.registry.RestoreBackup(r.Context(), h.cfg.Archive, h.cfg.Sealer, id)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		err = fmt.Errorf("%w: archived backup %s", interfaces.ErrRecordNotFound, id)
	}
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, record)
}

func (h *Handler) archiveAvailable(w http.ResponseWriter) bool {
	if h.cfg.Archive == nil {
		api.WriteProblem(w, h.log, interfaces.Errorf(interfaces.KindOperationFailed, "no backup archive configured"))
		return false
	}
	return true
}

func (h *Handler) loadRecord(w http.ResponseWriter, r *http.Request) (*interfaces.GuardianRecord, bool) {
	account, err := api.PathAddress(r, "account")
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return nil, false
	}
	record, err := h.registry.Load(r.Context(), account)
	if err != nil {
		api.WriteProblem(w, h.log, err)
		return nil, false
	}
	return record, true
}
