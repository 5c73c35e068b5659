// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package paymaster implements the sponsorship protocol: producing the
// paymasterAndData blob that lets an on-chain paymaster contract pay gas on
// behalf of a user operation's sender.
package paymaster

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"opkit.org/opkit"
	"opkit.org/opkit/userop"
)

const (
	ErrUnsupportedToken = opkit.ErrorKind("unsupported fee token")
	ErrBadHashResult    = opkit.ErrorKind("bad getHash result")
)

// Paymaster produces sponsorship data for user operations.
type Paymaster interface {
	// PaymasterAndData returns the monolithic sponsorship blob for the
	// operation. In estimation mode the result is a placeholder whose
	// encoded length equals the final blob's, and producing it must be
	// side-effect free: no signing, no RPC.
	PaymasterAndData(ctx context.Context, op *userop.UserOperation, forGasEstimation bool) (opkit.Bytes, error)
	// QuoteFee converts a native gas fee estimate to the fee token.
	QuoteFee(gasFeeEstimate *big.Int, token opkit.Address) (*big.Int, error)
}

// NullPaymaster is the self-funded sponsorship: no paymaster, no data.
type NullPaymaster struct{}

var _ Paymaster = NullPaymaster{}

// PaymasterAndData always returns the empty blob.
func (NullPaymaster) PaymasterAndData(context.Context, *userop.UserOperation, bool) (opkit.Bytes, error) {
	return opkit.Bytes{}, nil
}

// QuoteFee accepts only the native asset, for which the sender pays gas
// directly and owes no token fee.
func (NullPaymaster) QuoteFee(_ *big.Int, token opkit.Address) (*big.Int, error) {
	if !token.IsZero() {
		return nil, opkit.NewError(ErrUnsupportedToken, token.String())
	}
	return new(big.Int), nil
}

// Caller is the node surface the verifying paymaster needs. Satisfied by
// *node.Client.
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

var (
	uint48Ty, _ = abi.NewType("uint48", "", nil)

	// abi(validUntil uint48, validAfter uint48), prepended to the signature
	// in the blob's data section.
	validityArgs = abi.Arguments{{Type: uint48Ty}, {Type: uint48Ty}}

	v6OpTy, _ = abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "sender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "initCode", Type: "bytes"},
		{Name: "callData", Type: "bytes"},
		{Name: "callGasLimit", Type: "uint256"},
		{Name: "verificationGasLimit", Type: "uint256"},
		{Name: "preVerificationGas", Type: "uint256"},
		{Name: "maxFeePerGas", Type: "uint256"},
		{Name: "maxPriorityFeePerGas", Type: "uint256"},
		{Name: "paymasterAndData", Type: "bytes"},
		{Name: "signature", Type: "bytes"},
	})
	v6HashArgs     = abi.Arguments{{Type: v6OpTy}, {Type: uint48Ty}, {Type: uint48Ty}}
	v6HashSelector = crypto.Keccak256([]byte("getHash((address,uint256,bytes,bytes,uint256,uint256,uint256,uint256,uint256,bytes,bytes),uint48,uint48)"))[:4:4]

	v7OpTy, _ = abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "sender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "initCode", Type: "bytes"},
		{Name: "callData", Type: "bytes"},
		{Name: "accountGasLimits", Type: "bytes32"},
		{Name: "preVerificationGas", Type: "uint256"},
		{Name: "gasFees", Type: "bytes32"},
		{Name: "paymasterAndData", Type: "bytes"},
		{Name: "signature", Type: "bytes"},
	})
	v7HashArgs     = abi.Arguments{{Type: v7OpTy}, {Type: uint48Ty}, {Type: uint48Ty}}
	v7HashSelector = crypto.Keccak256([]byte("getHash((address,uint256,bytes,bytes,bytes32,uint256,bytes32,bytes,bytes),uint48,uint48)"))[:4:4]
)

type v6OpTuple struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

type v7OpTuple struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

// VerifyingPaymaster sponsors operations with a time-bound signature from
// its off-chain owner key, checked on chain by the paymaster contract.
type VerifyingPaymaster struct {
	addr     common.Address
	key      *ecdsa.PrivateKey
	node     Caller
	validity time.Duration
	log      opkit.Logger
	now      func() time.Time
}

var _ Paymaster = (*VerifyingPaymaster)(nil)

// Config configures a VerifyingPaymaster.
type Config struct {
	// Address is the on-chain paymaster contract.
	Address common.Address
	// Key is the paymaster owner's signing key.
	Key *ecdsa.PrivateKey
	// Node executes the contract's getHash view call.
	Node Caller
	// Validity bounds how long a sponsorship signature stays valid.
	Validity time.Duration
	Logger   opkit.Logger
}

// NewVerifyingPaymaster constructs a VerifyingPaymaster.
func NewVerifyingPaymaster(cfg *Config) *VerifyingPaymaster {
	logger := cfg.Logger
	if logger == nil {
		logger = opkit.Disabled
	}
	return &VerifyingPaymaster{
		addr:     cfg.Address,
		key:      cfg.Key,
		node:     cfg.Node,
		validity: cfg.Validity,
		log:      logger,
		now:      time.Now,
	}
}

// sigLen is the length of a secp256k1 [R || S || V] signature.
const sigLen = crypto.SignatureLength

// PaymasterAndData assembles paymaster address ++ abi(validUntil, validAfter)
// ++ signature. In estimation mode the validity window is zeroed and the
// signature is an empty placeholder of real length, with no contract call
// and no signing.
func (p *VerifyingPaymaster) PaymasterAndData(ctx context.Context, op *userop.UserOperation, forGasEstimation bool) (opkit.Bytes, error) {
	if forGasEstimation {
		return assembleBlob(p.addr, new(big.Int), new(big.Int), make([]byte, sigLen))
	}

	validAfter := new(big.Int)
	validUntil := big.NewInt(p.now().Add(p.validity).Unix())

	hash, err := p.getHash(ctx, op, validUntil, validAfter)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash(hash), p.key)
	if err != nil {
		return nil, fmt.Errorf("error signing paymaster hash: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	p.log.Debugf("sponsoring op from %s until %s", op.Sender, time.Unix(validUntil.Int64(), 0))
	return assembleBlob(p.addr, validUntil, validAfter, sig)
}

// getHash asks the paymaster contract for the canonical digest over the
// operation and validity window.
func (p *VerifyingPaymaster) getHash(ctx context.Context, op *userop.UserOperation, validUntil, validAfter *big.Int) ([]byte, error) {
	var sel []byte
	var packed []byte
	var err error
	switch op.Version {
	case userop.V0_6:
		sel = v6HashSelector
		packed, err = v6HashArgs.Pack(&v6OpTuple{
			Sender:               op.Sender.Address,
			Nonce:                bigOrZero(op.Nonce),
			InitCode:             op.InitCode,
			CallData:             op.CallData,
			CallGasLimit:         bigOrZero(op.CallGasLimit),
			VerificationGasLimit: bigOrZero(op.VerificationGasLimit),
			PreVerificationGas:   bigOrZero(op.PreVerificationGas),
			MaxFeePerGas:         bigOrZero(op.MaxFeePerGas),
			MaxPriorityFeePerGas: bigOrZero(op.MaxPriorityFeePerGas),
			PaymasterAndData:     op.PaymasterAndData,
			Signature:            op.Signature,
		}, validUntil, validAfter)
	case userop.V0_7:
		sel = v7HashSelector
		packed, err = v7HashArgs.Pack(&v7OpTuple{
			Sender:             op.Sender.Address,
			Nonce:              bigOrZero(op.Nonce),
			InitCode:           op.PackedInitCode(),
			CallData:           op.CallData,
			AccountGasLimits:   op.AccountGasLimits(),
			PreVerificationGas: bigOrZero(op.PreVerificationGas),
			GasFees:            op.PackedGasFees(),
			PaymasterAndData:   op.PackedPaymasterAndData(),
			Signature:          op.Signature,
		}, validUntil, validAfter)
	default:
		return nil, userop.ErrUnknownVersion
	}
	if err != nil {
		return nil, fmt.Errorf("error packing getHash call: %w", err)
	}
	res, err := p.node.CallContract(ctx, p.addr, append(append([]byte{}, sel...), packed...))
	if err != nil {
		return nil, fmt.Errorf("getHash call error: %w", err)
	}
	if len(res) != common.HashLength {
		return nil, opkit.NewError(ErrBadHashResult, fmt.Sprintf("%d bytes", len(res)))
	}
	return res, nil
}

// QuoteFee accepts only the native asset and quotes a zero token fee. Token
// denominated quoting is an unimplemented extension, kept explicit here
// rather than guessed at.
func (p *VerifyingPaymaster) QuoteFee(_ *big.Int, token opkit.Address) (*big.Int, error) {
	if !token.IsZero() {
		return nil, opkit.NewError(ErrUnsupportedToken, token.String())
	}
	return new(big.Int), nil
}

func assembleBlob(paymaster common.Address, validUntil, validAfter *big.Int, sig []byte) (opkit.Bytes, error) {
	window, err := validityArgs.Pack(validUntil, validAfter)
	if err != nil {
		return nil, fmt.Errorf("error packing validity window: %w", err)
	}
	blob := make(opkit.Bytes, 0, common.AddressLength+len(window)+len(sig))
	blob = append(blob, paymaster.Bytes()...)
	blob = append(blob, window...)
	blob = append(blob, sig...)
	return blob, nil
}

func bigOrZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}
