package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/subpay/tee-subscription-backend/interfaces"
)

// ErrNoTransactOpts is returned when a state-changing call is attempted
// before transaction options have been set.
var ErrNoTransactOpts = errors.New("no authorized transactor available")

// paymentsABI is the surface of the payments contract as used by the
// engine: charge execution, worker registration, and scoped-key
// registration, plus the corresponding read views.
const paymentsABI = `[
	{"type":"function","name":"process_payment","stateMutability":"nonpayable","inputs":[
		{"name":"subscription_id","type":"string"},
		{"name":"payer","type":"address"},
		{"name":"merchant","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"token","type":"address"},
		{"name":"public_key","type":"bytes32"},
		{"name":"payment_index","type":"uint32"},
		{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"register_worker","stateMutability":"nonpayable","inputs":[
		{"name":"account","type":"address"},
		{"name":"quote","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"worker_registered","stateMutability":"view","inputs":[
		{"name":"account","type":"address"}],"outputs":[{"type":"bool"}]},
	{"type":"function","name":"register_subscription_key","stateMutability":"nonpayable","inputs":[
		{"name":"subscription_id","type":"string"},
		{"name":"public_key","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"subscription_key","stateMutability":"view","inputs":[
		{"name":"subscription_id","type":"string"}],"outputs":[{"type":"bytes32"}]}
]`

// ContractBackend combines the read and receipt capabilities the client
// needs from a go-ethereum backend. *ethclient.Client satisfies it.
type ContractBackend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// PaymentsClient implements interfaces.PaymentLedger against a deployed
// payments contract.
type PaymentsClient struct {
	contract *bind.BoundContract
	backend  ContractBackend
	address  common.Address
	auth     *bind.TransactOpts
	log      *slog.Logger
}

// NewPaymentsClient creates a client bound to the payments contract at the
// given address.
func NewPaymentsClient(backend ContractBackend, address common.Address, log *slog.Logger) (*PaymentsClient, error) {
	parsed, err := abi.JSON(strings.NewReader(paymentsABI))
	if err != nil {
		return nil, fmt.Errorf("parsing payments contract ABI: %w", err)
	}

	return &PaymentsClient{
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		backend:  backend,
		address:  address,
		log:      log,
	}, nil
}

// SetTransactOpts sets the transaction options for state-changing calls.
// Must be called with the worker's keyed transactor before any submission.
func (c *PaymentsClient) SetTransactOpts(auth *bind.TransactOpts) {
	c.auth = auth
}

// ProcessPayment submits a signed charge call and waits for inclusion.
// The caller bounds the wait through ctx; a deadline hit maps to
// ErrLedgerTimeout, everything else the contract refuses maps to
// ErrLedgerRejected.
func (c *PaymentsClient) ProcessPayment(ctx context.Context, req interfaces.PaymentRequest) (string, error) {
	if c.auth == nil {
		return "", ErrNoTransactOpts
	}

	var key [32]byte
	copy(key[:], req.PublicKey)

	tx, err := c.contract.Transact(c.txOpts(ctx), "process_payment",
		req.SubscriptionID.String(),
		common.BytesToAddress(req.Payer.Bytes()),
		common.BytesToAddress(req.Merchant.Bytes()),
		req.Amount,
		common.BytesToAddress(req.Token.Bytes()),
		key,
		req.PaymentIndex,
		req.Signature)
	if err != nil {
		return "", c.submitError("process_payment", err)
	}

	receipt, err := c.waitMined(ctx, tx)
	if err != nil {
		return "", err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("%w: transaction %s reverted", interfaces.ErrLedgerRejected, tx.Hash().Hex())
	}

	return tx.Hash().Hex(), nil
}

// RegisterWorker submits the worker identity and attestation quote.
func (c *PaymentsClient) RegisterWorker(ctx context.Context, account interfaces.AccountAddress, quote []byte) error {
	if c.auth == nil {
		return ErrNoTransactOpts
	}

	tx, err := c.contract.Transact(c.txOpts(ctx), "register_worker",
		common.BytesToAddress(account.Bytes()), quote)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrRegistrationFailed, err)
	}

	receipt, err := c.waitMined(ctx, tx)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrRegistrationFailed, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: attestation rejected by contract", interfaces.ErrRegistrationFailed)
	}
	return nil
}

// WorkerRegistered reads the on-chain registration status.
func (c *PaymentsClient) WorkerRegistered(ctx context.Context, account interfaces.AccountAddress) (bool, error) {
	var out []any
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "worker_registered",
		common.BytesToAddress(account.Bytes()))
	if err != nil {
		return false, fmt.Errorf("reading worker registration: %w", err)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// RegisterSubscriptionKey submits the scoped key registration for a
// subscription.
func (c *PaymentsClient) RegisterSubscriptionKey(ctx context.Context, id interfaces.SubscriptionID, pub interfaces.PublicKey) error {
	if c.auth == nil {
		return ErrNoTransactOpts
	}

	var key [32]byte
	copy(key[:], pub)

	tx, err := c.contract.Transact(c.txOpts(ctx), "register_subscription_key", id.String(), key)
	if err != nil {
		return c.submitError("register_subscription_key", err)
	}

	receipt, err := c.waitMined(ctx, tx)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: key registration reverted", interfaces.ErrLedgerRejected)
	}
	return nil
}

// SubscriptionKey reads the registered key for a subscription. An all-zero
// key on chain means no registration, reported as ErrNotFound.
func (c *PaymentsClient) SubscriptionKey(ctx context.Context, id interfaces.SubscriptionID) (interfaces.PublicKey, error) {
	var out []any
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "subscription_key", id.String())
	if err != nil {
		return nil, fmt.Errorf("reading subscription key: %w", err)
	}

	key := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)
	if key == [32]byte{} {
		return nil, interfaces.ErrNotFound
	}
	return interfaces.PublicKey(key[:]), nil
}

// txOpts clones the keyed transactor with the per-call context so a hung
// RPC cannot outlive the caller's deadline.
func (c *PaymentsClient) txOpts(ctx context.Context) *bind.TransactOpts {
	opts := *c.auth
	opts.Context = ctx
	return &opts
}

func (c *PaymentsClient) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: waiting for %s", interfaces.ErrLedgerTimeout, tx.Hash().Hex())
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrLedgerRejected, err)
	}
	return receipt, nil
}

func (c *PaymentsClient) submitError(method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: submitting %s", interfaces.ErrLedgerTimeout, method)
	}
	c.log.Debug("Ledger submission failed", slog.String("method", method), slog.Any("err", err))
	return fmt.Errorf("%w: %v", interfaces.ErrLedgerRejected, err)
}
