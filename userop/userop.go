// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package userop implements the ERC-4337 UserOperation value object for the
// v0.6 and v0.7 EntryPoint wire formats, including construction, mutation,
// packing, hashing and the JSON wire codec.
package userop

import (
	"fmt"
	"math/big"

	"opkit.org/opkit"
)

const (
	// ErrUnknownVersion is returned when a UserOperation carries a Version
	// this package does not implement. Consumers switch exhaustively on
	// Version; an unknown value is a programming error, never a silent
	// default.
	ErrUnknownVersion = opkit.ErrorKind("unknown EntryPoint version")
	// ErrIncompleteOp is returned when constructing a UserOperation without
	// a sender or call data.
	ErrIncompleteOp = opkit.ErrorKind("incomplete user operation")
	// ErrVersionField is returned when a setter is used with a field that
	// does not exist for the operation's version.
	ErrVersionField = opkit.ErrorKind("field not valid for version")
)

// Version identifies the EntryPoint wire format of a UserOperation.
type Version uint8

const (
	// V0_6 is the EntryPoint v0.6 format, with monolithic initCode and
	// paymasterAndData fields.
	V0_6 Version = iota
	// V0_7 is the EntryPoint v0.7 format, which splits deployment into
	// factory/factoryData and sponsorship into paymaster/paymasterData with
	// dedicated paymaster gas limits.
	V0_7
)

// String satisfies fmt.Stringer.
func (v Version) String() string {
	switch v {
	case V0_6:
		return "v0.6"
	case V0_7:
		return "v0.7"
	}
	return fmt.Sprintf("unknown(%d)", uint8(v))
}

// UserOperation is the ERC-4337 meta-transaction object. The Version tag
// selects which deployment and sponsorship fields are in play. A freshly
// constructed UserOperation has zeroed gas fields and an empty signature.
// Mutation is in-place via the explicit setters.
type UserOperation struct {
	Version Version
	Sender  opkit.Address
	Nonce   *big.Int

	// v0.6 deployment. Empty means the account is already deployed.
	InitCode opkit.Bytes
	// v0.7 deployment. A nil Factory means the account is already deployed.
	Factory     *opkit.Address
	FactoryData opkit.Bytes

	CallData opkit.Bytes

	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	// v0.7 only.
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int

	// v0.6 sponsorship. The blob is opaque and self-describing.
	PaymasterAndData opkit.Bytes
	// v0.7 sponsorship. A nil Paymaster means a self-funded operation.
	Paymaster     *opkit.Address
	PaymasterData opkit.Bytes

	Signature opkit.Bytes
}

// New constructs a UserOperation of the specified version. The sender and
// call data are required. Gas fields are zeroed and the signature empty; use
// the setters to populate them.
func New(ver Version, sender opkit.Address, callData opkit.Bytes) (*UserOperation, error) {
	if ver != V0_6 && ver != V0_7 {
		return nil, ErrUnknownVersion
	}
	if sender.IsZero() {
		return nil, opkit.NewError(ErrIncompleteOp, "no sender")
	}
	if callData == nil {
		return nil, opkit.NewError(ErrIncompleteOp, "no call data")
	}
	return &UserOperation{
		Version:   ver,
		Sender:    sender,
		Nonce:     new(big.Int),
		CallData:  callData,
		Signature: opkit.Bytes{},
	}, nil
}

// Intent is a loose execution intent from which an operation is wrapped. The
// deployment fields are optional; Sender and CallData are not.
type Intent struct {
	Sender      opkit.Address
	CallData    opkit.Bytes
	Factory     *opkit.Address
	FactoryData opkit.Bytes
}

// Wrap builds an operation of the specified version from an execution
// intent, populating the version-correct deployment fields when the intent
// carries a factory.
func Wrap(ver Version, intent *Intent) (*UserOperation, error) {
	op, err := New(ver, intent.Sender, intent.CallData)
	if err != nil {
		return nil, err
	}
	if intent.Factory != nil {
		op.SetInitCode(*intent.Factory, intent.FactoryData)
	}
	return op, nil
}

// GasLimits collects the gas limit fields set in one shot after estimation.
// The paymaster limits only apply to v0.7 operations.
type GasLimits struct {
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
}

// SetNonce sets the operation nonce.
func (op *UserOperation) SetNonce(nonce *big.Int) {
	op.Nonce = new(big.Int).Set(nonce)
}

// SetGasFees sets the fee-per-gas fields.
func (op *UserOperation) SetGasFees(maxFeePerGas, maxPriorityFeePerGas *big.Int) {
	op.MaxFeePerGas = new(big.Int).Set(maxFeePerGas)
	op.MaxPriorityFeePerGas = new(big.Int).Set(maxPriorityFeePerGas)
}

// SetGasLimits sets the gas limit fields from an estimate.
func (op *UserOperation) SetGasLimits(limits *GasLimits) {
	cp := func(n *big.Int) *big.Int {
		if n == nil {
			return nil
		}
		return new(big.Int).Set(n)
	}
	op.CallGasLimit = cp(limits.CallGasLimit)
	op.VerificationGasLimit = cp(limits.VerificationGasLimit)
	op.PreVerificationGas = cp(limits.PreVerificationGas)
	if op.Version == V0_7 {
		op.PaymasterVerificationGasLimit = cp(limits.PaymasterVerificationGasLimit)
		op.PaymasterPostOpGasLimit = cp(limits.PaymasterPostOpGasLimit)
	}
}

// SetInitCode populates the deployment fields for an undeployed account. For
// v0.6 the monolithic initCode is factory address ++ factoryData.
func (op *UserOperation) SetInitCode(factory opkit.Address, factoryData opkit.Bytes) {
	switch op.Version {
	case V0_6:
		op.InitCode = append(append(opkit.Bytes{}, factory.Bytes()...), factoryData...)
	case V0_7:
		f := factory
		op.Factory = &f
		op.FactoryData = append(opkit.Bytes{}, factoryData...)
	}
}

// SetSignature sets the operation signature, finalizing the operation.
func (op *UserOperation) SetSignature(sig opkit.Bytes) {
	op.Signature = append(opkit.Bytes{}, sig...)
}

// SetPaymasterAndData sets the sponsorship fields from a paymasterAndData
// blob. For v0.6 the blob is stored as-is. For v0.7, a blob shorter than 20
// bytes means no paymaster and clears the sponsorship fields; otherwise the
// first 20 bytes are the paymaster address and the remainder is opaque data.
func (op *UserOperation) SetPaymasterAndData(blob opkit.Bytes) error {
	switch op.Version {
	case V0_6:
		op.PaymasterAndData = append(opkit.Bytes{}, blob...)
		return nil
	case V0_7:
		if len(blob) < addressLen {
			op.Paymaster = nil
			op.PaymasterData = nil
			return nil
		}
		addr := opkit.NewAddress(bytesToAddress(blob[:addressLen]))
		op.Paymaster = &addr
		op.PaymasterData = append(opkit.Bytes{}, blob[addressLen:]...)
		return nil
	}
	return ErrUnknownVersion
}

// SetPaymaster sets the v0.7 paymaster fields directly, including the
// paymaster gas limits carried next to them on the wire.
func (op *UserOperation) SetPaymaster(paymaster opkit.Address, data opkit.Bytes, verificationGasLimit, postOpGasLimit *big.Int) error {
	if op.Version != V0_7 {
		return opkit.NewError(ErrVersionField, "paymaster field is v0.7 only")
	}
	p := paymaster
	op.Paymaster = &p
	op.PaymasterData = append(opkit.Bytes{}, data...)
	op.PaymasterVerificationGasLimit = new(big.Int).Set(verificationGasLimit)
	op.PaymasterPostOpGasLimit = new(big.Int).Set(postOpGasLimit)
	return nil
}

// Sponsored is true when the operation carries paymaster sponsorship.
func (op *UserOperation) Sponsored() bool {
	switch op.Version {
	case V0_6:
		return len(op.PaymasterAndData) > 0
	case V0_7:
		return op.Paymaster != nil
	}
	return false
}

// GasEstimated is true once all required gas fields are non-zero.
func (op *UserOperation) GasEstimated() bool {
	for _, n := range []*big.Int{
		op.CallGasLimit, op.VerificationGasLimit, op.PreVerificationGas,
		op.MaxFeePerGas, op.MaxPriorityFeePerGas,
	} {
		if n == nil || n.Sign() == 0 {
			return false
		}
	}
	return true
}

// Final is true once the operation is signed.
func (op *UserOperation) Final() bool {
	return len(op.Signature) > 0
}

// CalculateGasFee returns the worst-case fee for the operation in wei. This
// figure is for display, not the protocol-enforced charge. For v0.6 the
// verification gas is tripled when the operation is sponsored, since the
// EntryPoint may charge verification up to three times across the account,
// the paymaster, and the postOp.
func (op *UserOperation) CalculateGasFee() *big.Int {
	gas := new(big.Int)
	add := func(n *big.Int) {
		if n != nil {
			gas.Add(gas, n)
		}
	}
	switch op.Version {
	case V0_6:
		add(op.CallGasLimit)
		if op.VerificationGasLimit != nil {
			mult := big.NewInt(1)
			if op.Sponsored() {
				mult = big.NewInt(3)
			}
			gas.Add(gas, new(big.Int).Mul(op.VerificationGasLimit, mult))
		}
		add(op.PreVerificationGas)
	case V0_7:
		add(op.VerificationGasLimit)
		add(op.CallGasLimit)
		add(op.PaymasterVerificationGasLimit)
		add(op.PaymasterPostOpGasLimit)
		add(op.PreVerificationGas)
	}
	if op.MaxFeePerGas == nil {
		return new(big.Int)
	}
	return gas.Mul(gas, op.MaxFeePerGas)
}
