// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package account implements the account abstraction layer: smart-contract
// accounts with pluggable owners, and the factories that derive their
// deterministic addresses. An Account turns a desired contract call into the
// call data and deployment fields of a user operation, and signs operation
// hashes through its Owner.
package account

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"opkit.org/opkit"
)

const (
	ErrNoFactory     = opkit.ErrorKind("no factory")
	ErrBadCallResult = opkit.ErrorKind("bad contract call result")
)

// Account type identifiers, persisted in dumps.
const (
	TypeSimple  = "simple"
	TypePasskey = "passkey"
)

// NodeReader is the read-only node surface the account layer needs. It is
// satisfied by *node.Client.
type NodeReader interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
}

// Call is a desired call from the smart account to a target contract.
type Call struct {
	To    opkit.Address
	Value *big.Int
	Data  opkit.Bytes
}

// Execution is a call wrapped for the account's execute entry point,
// together with the deployment fields when the account is not yet deployed.
type Execution struct {
	CallData    opkit.Bytes
	Factory     *opkit.Address
	FactoryData opkit.Bytes
}

// Account is a smart-contract account. Implementations differ only in their
// ownership scheme and factory shape.
type Account interface {
	// Address is the account's on-chain address, derived from the factory
	// when the account has not been deployed yet.
	Address() opkit.Address
	// EntryPoint is the entry point contract this account validates against.
	EntryPoint() common.Address
	// Nonce reads the account's current nonce from the entry point.
	Nonce(ctx context.Context) (*big.Int, error)
	// Deployed reports whether account code exists on chain.
	Deployed(ctx context.Context) (bool, error)
	// BuildExecution wraps the call in the account's execute method and
	// populates deployment fields for an undeployed account.
	BuildExecution(ctx context.Context, call *Call) (*Execution, error)
	// Sign signs a 32-byte operation hash through the account's owner.
	Sign(ctx context.Context, challenge []byte) (opkit.Bytes, error)
	// DummySignature is the owner's fixed-length estimation placeholder.
	DummySignature() opkit.Bytes
	// Dump returns the minimal persistable form of the account.
	Dump() *Dump
}

var (
	executeSelector = selector("execute(address,uint256,bytes)")
	executeArgs     = abi.Arguments{{Type: addressTy}, {Type: uintTy}, {Type: bytesTy}}

	uint192Ty, _     = abi.NewType("uint192", "", nil)
	getNonceSelector = selector("getNonce(address,uint192)")
	getNonceArgs     = abi.Arguments{{Type: addressTy}, {Type: uint192Ty}}
)

// Config configures account construction. A zero Address is derived from the
// Factory; a nil Factory means the account is already deployed.
type Config struct {
	Address    opkit.Address
	EntryPoint common.Address
	Factory    *Factory
	Node       NodeReader
	Owner      Owner
	Logger     opkit.Logger
}

type baseAccount struct {
	kind       string
	addr       opkit.Address
	entryPoint common.Address
	factory    *Factory
	node       NodeReader
	owner      Owner
	log        opkit.Logger

	// deployed is latched true once code is observed on chain. Deployment is
	// permanent, so a positive observation never needs rechecking.
	deployedMtx sync.Mutex
	deployed    bool
}

func newBaseAccount(ctx context.Context, kind string, cfg *Config) (*baseAccount, error) {
	if cfg.Owner == nil {
		return nil, fmt.Errorf("no owner")
	}
	addr := cfg.Address
	if addr.IsZero() {
		if cfg.Factory == nil {
			return nil, opkit.NewError(ErrNoFactory, "no address and no factory to derive one")
		}
		var err error
		addr, err = cfg.Factory.Address(ctx)
		if err != nil {
			return nil, fmt.Errorf("error deriving account address: %w", err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = opkit.Disabled
	}
	return &baseAccount{
		kind:       kind,
		addr:       addr,
		entryPoint: cfg.EntryPoint,
		factory:    cfg.Factory,
		node:       cfg.Node,
		owner:      cfg.Owner,
		log:        logger,
	}, nil
}

func (a *baseAccount) Address() opkit.Address {
	return a.addr
}

func (a *baseAccount) EntryPoint() common.Address {
	return a.entryPoint
}

// Nonce queries the entry point's getNonce view with the default nonce key.
func (a *baseAccount) Nonce(ctx context.Context) (*big.Int, error) {
	packed, err := getNonceArgs.Pack(a.addr.Address, new(big.Int))
	if err != nil {
		return nil, err
	}
	res, err := a.node.CallContract(ctx, a.entryPoint, append(append([]byte{}, getNonceSelector...), packed...))
	if err != nil {
		return nil, fmt.Errorf("getNonce call error: %w", err)
	}
	if len(res) != common.HashLength {
		return nil, opkit.NewError(ErrBadCallResult, fmt.Sprintf("getNonce returned %d bytes", len(res)))
	}
	return new(big.Int).SetBytes(res), nil
}

func (a *baseAccount) Deployed(ctx context.Context) (bool, error) {
	a.deployedMtx.Lock()
	deployed := a.deployed
	a.deployedMtx.Unlock()
	if deployed {
		return true, nil
	}
	code, err := a.node.CodeAt(ctx, a.addr.Address)
	if err != nil {
		return false, fmt.Errorf("error fetching account code: %w", err)
	}
	if len(code) == 0 {
		return false, nil
	}
	a.deployedMtx.Lock()
	a.deployed = true
	a.deployedMtx.Unlock()
	return true, nil
}

func (a *baseAccount) BuildExecution(ctx context.Context, call *Call) (*Execution, error) {
	packed, err := executeArgs.Pack(call.To.Address, bigOrZero(call.Value), []byte(call.Data))
	if err != nil {
		return nil, fmt.Errorf("error packing execute call: %w", err)
	}
	exec := &Execution{
		CallData: append(append(opkit.Bytes{}, executeSelector...), packed...),
	}
	deployed, err := a.Deployed(ctx)
	if err != nil {
		return nil, err
	}
	if !deployed {
		if a.factory == nil {
			return nil, opkit.NewError(ErrNoFactory, "account not deployed and no factory configured")
		}
		factoryAddr := opkit.NewAddress(a.factory.ContractAddress())
		exec.Factory = &factoryAddr
		exec.FactoryData = a.factory.FactoryData()
	}
	return exec, nil
}

func (a *baseAccount) Sign(ctx context.Context, challenge []byte) (opkit.Bytes, error) {
	return a.owner.Sign(ctx, challenge)
}

func (a *baseAccount) DummySignature() opkit.Bytes {
	return a.owner.DummySignature()
}

// Dump returns the persistable account form. The factory is elided once the
// account has been observed deployed, since deployment is permanent.
func (a *baseAccount) Dump() *Dump {
	dump := &Dump{
		Type:       a.kind,
		Address:    a.addr,
		EntryPoint: opkit.NewAddress(a.entryPoint),
	}
	a.deployedMtx.Lock()
	deployed := a.deployed
	a.deployedMtx.Unlock()
	if a.factory != nil && !deployed {
		dump.Factory = &FactoryDump{
			Address:    opkit.NewAddress(a.factory.addr),
			CreateData: a.factory.FactoryData(),
		}
	}
	return dump
}

// SimpleAccount is an ECDSA-owned smart account.
type SimpleAccount struct {
	*baseAccount
}

// NewSimpleAccount constructs a SimpleAccount. With a zero cfg.Address, the
// address is derived from the factory.
func NewSimpleAccount(ctx context.Context, cfg *Config) (*SimpleAccount, error) {
	base, err := newBaseAccount(ctx, TypeSimple, cfg)
	if err != nil {
		return nil, err
	}
	return &SimpleAccount{baseAccount: base}, nil
}

// PasskeyAccount is a passkey-owned smart account verified on chain with
// WebAuthn-shaped P-256 signatures.
type PasskeyAccount struct {
	*baseAccount
}

// NewPasskeyAccount constructs a PasskeyAccount. With a zero cfg.Address,
// the address is derived from the factory.
func NewPasskeyAccount(ctx context.Context, cfg *Config) (*PasskeyAccount, error) {
	base, err := newBaseAccount(ctx, TypePasskey, cfg)
	if err != nil {
		return nil, err
	}
	return &PasskeyAccount{baseAccount: base}, nil
}
