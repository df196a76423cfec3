package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/social-recovery-backend/commitment"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/signer"
)

// Config binds the coordinator to one deployment of the recovery contract.
type Config struct {
	// DomainTag and Authority enter the canonical approval message.
	DomainTag string
	Authority common.Address

	// AllowDegradedSignatures accepts signatures produced by the degraded
	// fallback scheme. Development only.
	AllowDegradedSignatures bool
}

type request struct {
	interfaces.RecoveryRequest
	approvedBy map[interfaces.Address]bool
}

// accountLock is the critical section of one account. refs counts holders
// and waiters; the lock is dropped from the table when it reaches zero.
type accountLock struct {
	sync.Mutex
	refs int
}

// Coordinator drives recovery requests through their lifecycle:
//
//	None -> Pending -> Approved -> Completed
//	           |
//	           +-> Expired
//
// Every mutating operation on an account runs inside that account's critical
// section, so gate checks, the ledger call and the approval count are
// consistent with each other. Expiry is evaluated lazily on access.
type Coordinator struct {
	cfg     Config
	ledger  interfaces.Ledger
	engine  *commitment.Engine
	now     func() time.Time
	log     *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	locks    map[interfaces.Address]*accountLock
	requests map[interfaces.Address]*request
}

type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func NewCoordinator(cfg Config, ledger interfaces.Ledger, engine *commitment.Engine, log *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		ledger:   ledger,
		engine:   engine,
		now:      time.Now,
		log:      log,
		locks:    make(map[interfaces.Address]*accountLock),
		requests: make(map[interfaces.Address]*request),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.AllowDegradedSignatures {
		log.Warn("Degraded approval signatures are accepted, do NOT use this configuration in production")
	}
	return c
}

// lock enters the critical section of account and returns its exit.
func (c *Coordinator) lock(account interfaces.Address) func() {
	c.mu.Lock()
	l, found := c.locks[account]
	if !found {
		l = &accountLock{}
		c.locks[account] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		c.mu.Lock()
		defer c.mu.Unlock()
		if l.refs--; l.refs == 0 {
			delete(c.locks, account)
		}
	}
}

func (c *Coordinator) request(account interfaces.Address) *request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[account]
}

func (c *Coordinator) setRequest(account interfaces.Address, req *request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req == nil {
		delete(c.requests, account)
		return
	}
	c.requests[account] = req
}

// status applies the recovery window. A request is still pending at exactly
// createdAt+RecoveryWindow.
func (c *Coordinator) status(req *request, now time.Time) interfaces.RecoveryStatus {
	if req.Status == interfaces.StatusPending && now.After(req.ExpiresAt) {
		return interfaces.StatusExpired
	}
	return req.Status
}

func (c *Coordinator) view(req *request, now time.Time) *interfaces.RecoveryRequest {
	res := req.RecoveryRequest
	res.Status = c.status(req, now)
	res.Approvals = append([]interfaces.ApprovalRecord(nil), req.Approvals...)
	return &res
}

// Config returns the deployment parameters the coordinator was built with.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Message returns the digest guardians sign to approve moving oldAccount to
// newAccount.
func (c *Coordinator) Message(oldAccount, newAccount interfaces.Address) (signer.Message, error) {
	return signer.CanonicalMessage(c.cfg.DomainTag, c.cfg.Authority, oldAccount, newAccount)
}

// Initiate opens a recovery of oldAccount in favour of newAccount.
func (c *Coordinator) Initiate(ctx context.Context, oldAccount, newAccount interfaces.Address) (*interfaces.RecoveryRequest, error) {
	if newAccount.IsZero() || !newAccount.InField() {
		return nil, interfaces.Errorf(interfaces.KindInvalidMember, "new account %s", newAccount)
	}
	if newAccount == oldAccount {
		return nil, interfaces.Errorf(interfaces.KindInvalidMember, "new account equals the account being recovered")
	}

	unlock := c.lock(oldAccount)
	defer unlock()

	if req := c.request(oldAccount); req != nil && c.status(req, c.now()).IsLive() {
		return nil, interfaces.Errorf(interfaces.KindRecoveryAlreadyActive, "recovery of %s to %s is %s", oldAccount, req.NewAccount, req.Status)
	}

	root, err := c.ledger.GetCommitment(ctx, oldAccount)
	if err != nil {
		return nil, fmt.Errorf("reading commitment of %s: %w", oldAccount, err)
	}
	if root.IsZero() {
		return nil, interfaces.Errorf(interfaces.KindGuardiansNotConfigured, "account %s", oldAccount)
	}
	threshold, err := c.ledger.GetThreshold(ctx, oldAccount)
	if err != nil {
		return nil, fmt.Errorf("reading threshold of %s: %w", oldAccount, err)
	}

	res, err := c.ledger.InitiateRecovery(ctx, oldAccount, newAccount)
	if err == nil {
		err = interfaces.TxError(res)
	}
	if err != nil {
		if !reconcilable(err, interfaces.KindRecoveryAlreadyActive) {
			return nil, err
		}
		synced, serr := c.reconcile(ctx, oldAccount, c.request(oldAccount), err)
		if serr != nil || synced == nil || synced.NewAccount != newAccount || !c.status(synced, c.now()).IsLive() {
			return nil, err
		}
		c.metrics.initiated()
		c.log.Info("Recovery initiation confirmed by ledger",
			slog.String("account", oldAccount.String()),
			slog.String("newAccount", newAccount.String()),
			slog.String("tx", res.TxHandle))
		return c.view(synced, c.now()), nil
	}

	now := c.now()
	req := &request{
		RecoveryRequest: interfaces.RecoveryRequest{
			OldAccount: oldAccount,
			NewAccount: newAccount,
			Threshold:  threshold,
			Status:     interfaces.StatusPending,
			CreatedAt:  now,
			ExpiresAt:  now.Add(interfaces.RecoveryWindow),
			Commitment: root,
		},
		approvedBy: make(map[interfaces.Address]bool),
	}
	c.setRequest(oldAccount, req)
	c.metrics.initiated()

	c.log.Info("Recovery initiated",
		slog.String("account", oldAccount.String()),
		slog.String("newAccount", newAccount.String()),
		slog.Int("threshold", int(threshold)),
		slog.String("tx", res.TxHandle))
	return c.view(req, now), nil
}

// SubmitApproval counts one guardian approval. The checks run in a fixed
// order: request state, signature, proof shape, commitment freshness,
// membership, duplicates. Only then is the ledger invoked.
func (c *Coordinator) SubmitApproval(ctx context.Context, oldAccount, guardian interfaces.Address, sig interfaces.Signature, proof interfaces.InclusionProof) (*interfaces.RecoveryRequest, error) {
	unlock := c.lock(oldAccount)
	defer unlock()

	req, err := c.submitApproval(ctx, oldAccount, guardian, sig, proof)
	c.metrics.approval(err)
	return req, err
}

func (c *Coordinator) submitApproval(ctx context.Context, oldAccount, guardian interfaces.Address, sig interfaces.Signature, proof interfaces.InclusionProof) (*interfaces.RecoveryRequest, error) {
	req := c.request(oldAccount)
	if req == nil {
		return nil, interfaces.Errorf(interfaces.KindRecoveryNotFound, "account %s", oldAccount)
	}
	switch c.status(req, c.now()) {
	case interfaces.StatusExpired:
		return nil, interfaces.Errorf(interfaces.KindRecoveryExpired, "expired at %s", req.ExpiresAt.Format(time.RFC3339))
	case interfaces.StatusApproved:
		return nil, interfaces.Errorf(interfaces.KindRecoveryAlreadyApproved, "%d of %d approvals", req.ApprovalCount, req.Threshold)
	case interfaces.StatusCompleted:
		return nil, interfaces.Errorf(interfaces.KindRecoveryNotFound, "recovery of %s already completed", oldAccount)
	}

	msg, err := c.Message(oldAccount, req.NewAccount)
	if err != nil {
		return nil, err
	}
	if err := c.verifySignature(msg, sig, guardian); err != nil {
		return nil, err
	}

	if len(proof) > commitment.MaxProofDepth {
		return nil, interfaces.Errorf(interfaces.KindMalformedProof, "%d elements, at most %d", len(proof), commitment.MaxProofDepth)
	}

	current, err := c.ledger.GetCommitment(ctx, oldAccount)
	if err != nil {
		return nil, fmt.Errorf("reading commitment of %s: %w", oldAccount, err)
	}
	if current != req.Commitment {
		return nil, interfaces.Errorf(interfaces.KindCommitmentMismatch, "ledger commitment changed from %s to %s since initiation", req.Commitment, current)
	}

	if !c.engine.Verify(guardian, req.Commitment, proof) {
		return nil, interfaces.Errorf(interfaces.KindNotAGuardian, "%s", guardian)
	}
	if req.approvedBy[guardian] {
		return nil, interfaces.Errorf(interfaces.KindDuplicateApproval, "%s", guardian)
	}

	res, err := c.ledger.SubmitApproval(ctx, oldAccount, guardian, sig, proof)
	if err == nil {
		err = interfaces.TxError(res)
	}
	counted := false
	if err != nil {
		if !reconcilable(err, interfaces.KindDuplicateApproval, interfaces.KindRecoveryAlreadyApproved) {
			return nil, err
		}
		synced, serr := c.reconcile(ctx, oldAccount, req, err)
		if serr != nil || synced == nil || synced.NewAccount != req.NewAccount {
			return nil, err
		}
		// Ledgers that do not list approvers only expose the count.
		landed := synced.approvedBy[guardian] || synced.ApprovalCount > req.ApprovalCount
		if !landed {
			return nil, err
		}
		req, counted = synced, true
	}

	now := c.now()
	if !req.approvedBy[guardian] {
		req.approvedBy[guardian] = true
		req.Approvals = append(req.Approvals, interfaces.ApprovalRecord{
			Guardian:    guardian,
			Signature:   append(interfaces.Signature(nil), sig...),
			Proof:       append(interfaces.InclusionProof(nil), proof...),
			SubmittedAt: now,
		})
		if !counted {
			req.ApprovalCount++
		}
	}
	if req.Status == interfaces.StatusPending && req.ApprovalCount >= req.Threshold {
		req.Status = interfaces.StatusApproved
	}

	c.log.Info("Approval accepted",
		slog.String("account", oldAccount.String()),
		slog.String("guardian", guardian.String()),
		slog.Int("approvals", int(req.ApprovalCount)),
		slog.Int("threshold", int(req.Threshold)),
		slog.String("status", req.Status.String()),
		slog.String("tx", res.TxHandle))
	return c.view(req, now), nil
}

func (c *Coordinator) verifySignature(msg signer.Message, sig interfaces.Signature, guardian interfaces.Address) error {
	if !signer.ValidateFormat(sig) {
		return interfaces.Errorf(interfaces.KindInvalidSignature, "malformed signature from %s", guardian)
	}
	if signer.IsDegraded(sig) {
		if !c.cfg.AllowDegradedSignatures {
			return interfaces.Errorf(interfaces.KindInvalidSignature, "degraded signatures are not accepted")
		}
		c.log.Warn("Accepting degraded approval signature", slog.String("guardian", guardian.String()))
		return signer.VerifyDegraded(msg, sig, guardian)
	}
	return signer.Verify(msg, sig, guardian)
}

// Finalize hands control of oldAccount to the new account once the approval
// threshold has been met.
func (c *Coordinator) Finalize(ctx context.Context, oldAccount interfaces.Address) (*interfaces.RecoveryRequest, error) {
	unlock := c.lock(oldAccount)
	defer unlock()

	req := c.request(oldAccount)
	if req == nil {
		return nil, interfaces.Errorf(interfaces.KindRecoveryNotFound, "account %s", oldAccount)
	}
	if c.status(req, c.now()) == interfaces.StatusPending {
		// Approvals may have landed on the ledger without reaching us.
		synced, err := c.reconcile(ctx, oldAccount, req, nil)
		if err != nil {
			return nil, err
		}
		if synced == nil {
			return nil, interfaces.Errorf(interfaces.KindRecoveryNotFound, "account %s", oldAccount)
		}
		req = synced
	}
	switch c.status(req, c.now()) {
	case interfaces.StatusPending:
		return nil, interfaces.Errorf(interfaces.KindThresholdNotMet, "%d of %d approvals", req.ApprovalCount, req.Threshold)
	case interfaces.StatusExpired:
		return nil, interfaces.Errorf(interfaces.KindRecoveryExpired, "expired at %s", req.ExpiresAt.Format(time.RFC3339))
	case interfaces.StatusCompleted:
		return nil, interfaces.Errorf(interfaces.KindRecoveryNotFound, "recovery of %s already completed", oldAccount)
	}

	res, err := c.ledger.FinalizeRecovery(ctx, oldAccount)
	if err == nil {
		err = interfaces.TxError(res)
	}
	if err != nil {
		if !reconcilable(err, interfaces.KindRecoveryNotFound) {
			return nil, err
		}
		synced, serr := c.reconcile(ctx, oldAccount, req, err)
		if serr != nil || synced == nil || synced.NewAccount != req.NewAccount || synced.Status != interfaces.StatusCompleted {
			return nil, err
		}
		req = synced
	}

	req.Status = interfaces.StatusCompleted
	c.metrics.finalized()

	c.log.Info("Recovery completed",
		slog.String("account", oldAccount.String()),
		slog.String("newAccount", req.NewAccount.String()),
		slog.String("tx", res.TxHandle))
	return c.view(req, c.now()), nil
}

// Get returns the locally tracked request of oldAccount. An account without
// one yields a request in StatusNone.
func (c *Coordinator) Get(ctx context.Context, oldAccount interfaces.Address) (*interfaces.RecoveryRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := c.lock(oldAccount)
	defer unlock()

	req := c.request(oldAccount)
	if req == nil {
		return &interfaces.RecoveryRequest{OldAccount: oldAccount, Status: interfaces.StatusNone}, nil
	}
	return c.view(req, c.now()), nil
}

// Sync replaces the local view of oldAccount's request with the ledger's.
func (c *Coordinator) Sync(ctx context.Context, oldAccount interfaces.Address) (*interfaces.RecoveryRequest, error) {
	unlock := c.lock(oldAccount)
	defer unlock()

	req, err := c.reconcile(ctx, oldAccount, c.request(oldAccount), nil)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return &interfaces.RecoveryRequest{OldAccount: oldAccount, Status: interfaces.StatusNone}, nil
	}

	now := c.now()
	c.log.Debug("Recovery synced from ledger",
		slog.String("account", oldAccount.String()),
		slog.String("status", c.status(req, now).String()),
		slog.Int("approvals", int(req.ApprovalCount)))
	return c.view(req, now), nil
}

// reconcilable reports whether a failed ledger write may have landed, or
// contradicts the local view in one of the given ways.
func reconcilable(err error, kinds ...interfaces.ErrorKind) bool {
	kind := interfaces.KindOf(err)
	return kind == interfaces.KindLedgerUnavailable || slices.Contains(kinds, kind)
}

// reconcile replaces the local view of oldAccount's request with the
// ledger's and returns it, or nil when the ledger has none. Approval records
// of prev that the ledger does not list are carried over. cause is the write
// failure that prompted it, if any. The caller holds the account lock.
func (c *Coordinator) reconcile(ctx context.Context, oldAccount interfaces.Address, prev *request, cause error) (*request, error) {
	onchain, err := c.ledger.GetRecoveryRequest(ctx, oldAccount)
	if err != nil {
		if cause != nil {
			c.log.Warn("Failed to reconcile recovery with ledger",
				slog.String("account", oldAccount.String()),
				slog.Any("cause", cause),
				slog.Any("err", err))
		}
		return nil, fmt.Errorf("reading recovery request of %s: %w", oldAccount, err)
	}
	if onchain.Status == interfaces.StatusNone {
		c.setRequest(oldAccount, nil)
		return nil, nil
	}

	count, err := c.ledger.GetApprovalCount(ctx, oldAccount)
	if err != nil {
		return nil, fmt.Errorf("reading approval count of %s: %w", oldAccount, err)
	}

	req := &request{
		RecoveryRequest: onchain,
		approvedBy:      make(map[interfaces.Address]bool),
	}
	req.OldAccount = oldAccount
	req.ApprovalCount = max(count, onchain.ApprovalCount)
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = req.CreatedAt.Add(interfaces.RecoveryWindow)
	}
	req.Approvals = append([]interfaces.ApprovalRecord(nil), onchain.Approvals...)
	for _, a := range req.Approvals {
		req.approvedBy[a.Guardian] = true
	}
	// The ledger reports expiry as a status of its own.
	if req.Status == interfaces.StatusExpired {
		req.Status = interfaces.StatusPending
	}

	if prev != nil && prev.Status != interfaces.StatusCompleted &&
		prev.NewAccount == req.NewAccount && prev.Commitment == req.Commitment {
		for _, a := range prev.Approvals {
			if !req.approvedBy[a.Guardian] {
				req.approvedBy[a.Guardian] = true
				req.Approvals = append(req.Approvals, a)
			}
		}
	}
	c.setRequest(oldAccount, req)

	if cause != nil {
		c.log.Info("Reconciled recovery with ledger after failed write",
			slog.String("account", oldAccount.String()),
			slog.Any("cause", cause),
			slog.String("status", c.status(req, c.now()).String()),
			slog.Int("approvals", int(req.ApprovalCount)))
	}
	return req, nil
}

// PublishRecord publishes the commitment and threshold of record to the
// ledger. It is refused while a recovery of the account is live.
func (c *Coordinator) PublishRecord(ctx context.Context, record *interfaces.GuardianRecord) (interfaces.TxResult, error) {
	unlock := c.lock(record.Account)
	defer unlock()

	if req := c.request(record.Account); req != nil && c.status(req, c.now()).IsLive() {
		return interfaces.TxResult{}, interfaces.Errorf(interfaces.KindRecoveryAlreadyActive, "account %s", record.Account)
	}

	res, err := c.ledger.SetupGuardians(ctx, record.Account, record.Commitment, record.Threshold)
	if err != nil {
		return res, err
	}
	if err := interfaces.TxError(res); err != nil {
		return res, err
	}

	c.log.Info("Guardians published",
		slog.String("account", record.Account.String()),
		slog.String("commitment", record.Commitment.String()),
		slog.Int("threshold", int(record.Threshold)),
		slog.String("tx", res.TxHandle))
	return res, nil
}

// VerifyRecord checks a locally held record, typically a freshly imported
// backup, against the ledger.
func (c *Coordinator) VerifyRecord(ctx context.Context, record *interfaces.GuardianRecord) error {
	root, err := c.ledger.GetCommitment(ctx, record.Account)
	if err != nil {
		return fmt.Errorf("reading commitment of %s: %w", record.Account, err)
	}
	if root.IsZero() {
		return interfaces.Errorf(interfaces.KindGuardiansNotConfigured, "account %s", record.Account)
	}
	if root != record.Commitment {
		return interfaces.Errorf(interfaces.KindCommitmentMismatch, "record %s, ledger %s", record.Commitment, root)
	}

	threshold, err := c.ledger.GetThreshold(ctx, record.Account)
	if err != nil {
		return fmt.Errorf("reading threshold of %s: %w", record.Account, err)
	}
	if threshold != record.Threshold {
		return interfaces.Errorf(interfaces.KindCommitmentMismatch, "record threshold %d, ledger %d", record.Threshold, threshold)
	}
	return nil
}
