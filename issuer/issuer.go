// Package issuer generates scoped subscription signing keys and the
// authorization transactions that grant them least-privilege permissions
// on the payments contract.
package issuer

import (
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/subpay/tee-subscription-backend/cryptoutils"
	"github.com/subpay/tee-subscription-backend/interfaces"
)

// AuthorizedMethod is the single contract method a scoped key may call.
const AuthorizedMethod = "process_payment"

// DefaultAllowance is the native-token spend cap granted to a scoped key
// when the caller does not specify one: 0.25 tokens in wei. It covers the
// gas reserve for recurring charge calls, not the payment principal.
var DefaultAllowance = big.NewInt(250_000_000_000_000_000)

const grantSignature = "add_scoped_key(bytes32,string,string,uint256)"

// IssuedKey is the result of one issuance: a fresh keypair plus the
// unsigned transaction the payer's wallet must sign to grant it. The
// private key is handed to the caller exactly once, for immediate custody
// transfer into the vault.
type IssuedKey struct {
	PrivateKey    []byte
	PublicKey     interfaces.PublicKey
	Authorization interfaces.UnsignedAuthorization
}

// ScopedKeyIssuer builds scoped-key grants against a fixed payments
// contract.
type ScopedKeyIssuer struct {
	contract interfaces.AccountAddress
	log      *slog.Logger

	grantArgs abi.Arguments
}

// NewScopedKeyIssuer creates an issuer for the given payments contract.
func NewScopedKeyIssuer(contract interfaces.AccountAddress, log *slog.Logger) (*ScopedKeyIssuer, error) {
	if contract.IsZero() {
		return nil, fmt.Errorf("%w: payments contract address required", interfaces.ErrInvalidParameters)
	}

	bytes32Ty, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		return nil, err
	}
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		return nil, err
	}
	uint256Ty, err := abi.NewType("uint256", "", nil)
	if err != nil {
		return nil, err
	}

	return &ScopedKeyIssuer{
		contract: contract,
		log:      log,
		grantArgs: abi.Arguments{
			{Type: bytes32Ty},
			{Type: stringTy},
			{Type: stringTy},
			{Type: uint256Ty},
		},
	}, nil
}

// Issue generates a fresh ed25519 keypair for the subscription and the
// unsigned authorization granting it a process_payment-only, allowance-
// capped access key. A nil allowance uses DefaultAllowance. Keys are never
// reused: every call draws a new keypair from the system entropy source.
func (i *ScopedKeyIssuer) Issue(payer interfaces.AccountAddress, id interfaces.SubscriptionID, allowance *big.Int) (*IssuedKey, error) {
	if payer.IsZero() {
		return nil, fmt.Errorf("%w: payer account required", interfaces.ErrInvalidParameters)
	}
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidParameters, err)
	}
	if allowance == nil {
		allowance = DefaultAllowance
	}
	if allowance.Sign() <= 0 {
		return nil, fmt.Errorf("%w: allowance must be positive", interfaces.ErrInvalidParameters)
	}

	priv, pub, err := cryptoutils.GenerateScopedKeypair()
	if err != nil {
		return nil, fmt.Errorf("generating scoped keypair: %w", err)
	}

	calldata, err := i.grantCalldata(pub, id, allowance)
	if err != nil {
		return nil, fmt.Errorf("packing grant calldata: %w", err)
	}

	i.log.Info("Issued scoped key",
		slog.String("subscription", id.String()),
		slog.String("public_key", interfaces.PublicKey(pub).String()))

	return &IssuedKey{
		PrivateKey: priv,
		PublicKey:  interfaces.PublicKey(pub),
		Authorization: interfaces.UnsignedAuthorization{
			Payer:      payer,
			Contract:   i.contract,
			PublicKey:  interfaces.PublicKey(pub),
			MethodName: AuthorizedMethod,
			Allowance:  new(big.Int).Set(allowance),
			Calldata:   calldata,
		},
	}, nil
}

// grantCalldata ABI-encodes the add_scoped_key call: 4-byte selector over
// the grant signature followed by the packed arguments.
func (i *ScopedKeyIssuer) grantCalldata(pub []byte, id interfaces.SubscriptionID, allowance *big.Int) ([]byte, error) {
	var key [32]byte
	copy(key[:], pub)

	packed, err := i.grantArgs.Pack(key, id.String(), AuthorizedMethod, allowance)
	if err != nil {
		return nil, err
	}

	selector := crypto.Keccak256([]byte(grantSignature))[:4]
	return append(selector, packed...), nil
}

// Contract returns the payments contract the issuer grants keys on.
func (i *ScopedKeyIssuer) Contract() interfaces.AccountAddress {
	return i.contract
}
