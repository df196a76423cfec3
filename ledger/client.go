package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// ErrNoTransactOpts is returned when a transaction is attempted without first setting transaction options.
var ErrNoTransactOpts = errors.New("no authorized transactor available")

// OnchainLedgerClient implements interfaces.Ledger against a GuardianRecovery
// contract deployed on an Ethereum-compatible chain.
type OnchainLedgerClient struct {
	contract *bind.BoundContract
	client   bind.ContractBackend
	backend  bind.DeployBackend
	address  common.Address
	auth     *bind.TransactOpts
}

// NewOnchainLedgerClient creates a client for the contract at address. The
// ContractBackend serves calls and transactions, the DeployBackend is used
// to wait for receipts.
func NewOnchainLedgerClient(client bind.ContractBackend, backend bind.DeployBackend, address common.Address) (*OnchainLedgerClient, error) {
	parsed, err := ParsedABI()
	if err != nil {
		return nil, err
	}

	return &OnchainLedgerClient{
		contract: bind.NewBoundContract(address, parsed, client, client, client),
		client:   client,
		backend:  backend,
		address:  address,
	}, nil
}

// SetTransactOpts sets the transaction options required for functions that modify state.
// This must be called before using any methods that send transactions to the chain.
func (c *OnchainLedgerClient) SetTransactOpts(auth *bind.TransactOpts) {
	c.auth = auth
}

// Address returns the contract address, which is also the authority bound
// into every approval message.
func (c *OnchainLedgerClient) Address() common.Address {
	return c.address
}

func (c *OnchainLedgerClient) SetupGuardians(ctx context.Context, account interfaces.Address, commitment interfaces.Commitment, threshold uint32) (interfaces.TxResult, error) {
	return c.transact(ctx, "setupGuardians", [32]byte(account), [32]byte(commitment), threshold)
}

func (c *OnchainLedgerClient) GetCommitment(ctx context.Context, account interfaces.Address) (interfaces.Commitment, error) {
	opts := &bind.CallOpts{Context: ctx}

	var out []interface{}
	if err := c.contract.Call(opts, &out, "getCommitment", [32]byte(account)); err != nil {
		return interfaces.Commitment{}, interfaces.ClassifyLedgerError(err.Error())
	}
	return interfaces.Commitment(*abi.ConvertType(out[0], new([32]byte)).(*[32]byte)), nil
}

func (c *OnchainLedgerClient) GetThreshold(ctx context.Context, account interfaces.Address) (uint32, error) {
	opts := &bind.CallOpts{Context: ctx}

	var out []interface{}
	if err := c.contract.Call(opts, &out, "getThreshold", [32]byte(account)); err != nil {
		return 0, interfaces.ClassifyLedgerError(err.Error())
	}
	return *abi.ConvertType(out[0], new(uint32)).(*uint32), nil
}

func (c *OnchainLedgerClient) InitiateRecovery(ctx context.Context, oldAccount, newAccount interfaces.Address) (interfaces.TxResult, error) {
	return c.transact(ctx, "initiateRecovery", [32]byte(oldAccount), [32]byte(newAccount))
}

func (c *OnchainLedgerClient) SubmitApproval(ctx context.Context, oldAccount, guardian interfaces.Address, sig interfaces.Signature, proof interfaces.InclusionProof) (interfaces.TxResult, error) {
	siblings := make([][32]byte, len(proof))
	for i, p := range proof {
		siblings[i] = p
	}
	return c.transact(ctx, "submitApproval", [32]byte(oldAccount), [32]byte(guardian), []byte(sig), siblings)
}

func (c *OnchainLedgerClient) FinalizeRecovery(ctx context.Context, oldAccount interfaces.Address) (interfaces.TxResult, error) {
	return c.transact(ctx, "finalizeRecovery", [32]byte(oldAccount))
}

func (c *OnchainLedgerClient) GetRecoveryRequest(ctx context.Context, oldAccount interfaces.Address) (interfaces.RecoveryRequest, error) {
	opts := &bind.CallOpts{Context: ctx}

	var out []interface{}
	if err := c.contract.Call(opts, &out, "getRecoveryRequest", [32]byte(oldAccount)); err != nil {
		return interfaces.RecoveryRequest{}, interfaces.ClassifyLedgerError(err.Error())
	}

	req := interfaces.RecoveryRequest{
		OldAccount:    oldAccount,
		NewAccount:    interfaces.Address(*abi.ConvertType(out[0], new([32]byte)).(*[32]byte)),
		ApprovalCount: *abi.ConvertType(out[1], new(uint32)).(*uint32),
		Threshold:     *abi.ConvertType(out[2], new(uint32)).(*uint32),
		Status:        interfaces.RecoveryStatus(*abi.ConvertType(out[3], new(uint8)).(*uint8)),
		Commitment:    interfaces.Commitment(*abi.ConvertType(out[5], new([32]byte)).(*[32]byte)),
	}
	if createdAt := *abi.ConvertType(out[4], new(uint64)).(*uint64); createdAt != 0 {
		req.CreatedAt = time.Unix(int64(createdAt), 0).UTC()
		req.ExpiresAt = req.CreatedAt.Add(interfaces.RecoveryWindow)
	}
	return req, nil
}

func (c *OnchainLedgerClient) GetApprovalCount(ctx context.Context, oldAccount interfaces.Address) (uint32, error) {
	opts := &bind.CallOpts{Context: ctx}

	var out []interface{}
	if err := c.contract.Call(opts, &out, "getApprovalCount", [32]byte(oldAccount)); err != nil {
		return 0, interfaces.ClassifyLedgerError(err.Error())
	}
	return *abi.ConvertType(out[0], new(uint32)).(*uint32), nil
}

// transact sends a state-changing call and waits for it to be mined.
// Reverts are reported in TxResult.Error; only transport failures are
// returned as errors.
func (c *OnchainLedgerClient) transact(ctx context.Context, method string, params ...interface{}) (interfaces.TxResult, error) {
	if c.auth == nil {
		return interfaces.TxResult{}, ErrNoTransactOpts
	}

	opts := *c.auth
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, method, params...)
	if err != nil {
		return rejected(err)
	}

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return interfaces.TxResult{TxHandle: tx.Hash().Hex()}, interfaces.Errorf(interfaces.KindLedgerUnavailable, "waiting for %s: %v", tx.Hash(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return interfaces.TxResult{TxHandle: tx.Hash().Hex(), Error: "transaction reverted"}, nil
	}
	return interfaces.TxResult{Success: true, TxHandle: tx.Hash().Hex()}, nil
}

func rejected(err error) (interfaces.TxResult, error) {
	classified := interfaces.ClassifyLedgerError(err.Error())
	if classified.Kind == interfaces.KindLedgerUnavailable {
		return interfaces.TxResult{}, classified
	}
	return interfaces.TxResult{Error: err.Error()}, nil
}

// LedgerFactory creates ledger clients for different contract addresses.
type LedgerFactory struct {
	client  bind.ContractBackend
	backend bind.DeployBackend
	auth    *bind.TransactOpts
}

// NewLedgerFactory creates a new factory for ledger clients. auth may be nil
// for read-only clients.
func NewLedgerFactory(client bind.ContractBackend, backend bind.DeployBackend, auth *bind.TransactOpts) *LedgerFactory {
	return &LedgerFactory{client: client, backend: backend, auth: auth}
}

// LedgerFor returns a client for the contract at address.
func (f *LedgerFactory) LedgerFor(address common.Address) (*OnchainLedgerClient, error) {
	c, err := NewOnchainLedgerClient(f.client, f.backend, address)
	if err != nil {
		return nil, err
	}
	if f.auth != nil {
		c.SetTransactOpts(f.auth)
	}
	return c, nil
}
