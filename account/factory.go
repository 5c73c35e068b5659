// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package account

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"opkit.org/opkit"
)

var addressTy, _ = abi.NewType("address", "", nil)

const selectorLen = 4

// selector is the 4-byte method id of a canonical signature.
func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4:4]
}

var (
	simpleCreateSelector   = selector("createAccount(address,uint256)")
	simpleGetAddrSelector  = selector("getAddress(address,uint256)")
	passkeyCreateSelector  = selector("createAccount(uint256,uint256,uint256)")
	passkeyGetAddrSelector = selector("getAddress(uint256,uint256,uint256)")
)

// Factory computes the deterministic address of a not-yet-deployed account
// and supplies the deployment call data the entry point uses to deploy it
// atomically with the account's first operation.
type Factory struct {
	addr       common.Address
	node       NodeReader
	createData []byte
	queryData  []byte
}

// NewSimpleAccountFactory prepares factory call data for an ECDSA-owned
// account. Identical (owner, salt) inputs always produce identical call
// data, and therefore the same derived address.
func NewSimpleAccountFactory(node NodeReader, factoryAddr common.Address, owner common.Address, salt *big.Int) (*Factory, error) {
	args := abi.Arguments{{Type: addressTy}, {Type: uintTy}}
	packed, err := args.Pack(owner, bigOrZero(salt))
	if err != nil {
		return nil, fmt.Errorf("error packing factory arguments: %w", err)
	}
	return &Factory{
		addr:       factoryAddr,
		node:       node,
		createData: append(append([]byte{}, simpleCreateSelector...), packed...),
		queryData:  append(append([]byte{}, simpleGetAddrSelector...), packed...),
	}, nil
}

// NewPasskeyAccountFactory prepares factory call data for a passkey-owned
// account, identified by the P-256 public key coordinates and a salt.
func NewPasskeyAccountFactory(node NodeReader, factoryAddr common.Address, x, y, salt *big.Int) (*Factory, error) {
	args := abi.Arguments{{Type: uintTy}, {Type: uintTy}, {Type: uintTy}}
	packed, err := args.Pack(bigOrZero(x), bigOrZero(y), bigOrZero(salt))
	if err != nil {
		return nil, fmt.Errorf("error packing factory arguments: %w", err)
	}
	return &Factory{
		addr:       factoryAddr,
		node:       node,
		createData: append(append([]byte{}, passkeyCreateSelector...), packed...),
		queryData:  append(append([]byte{}, passkeyGetAddrSelector...), packed...),
	}, nil
}

// ContractAddress is the factory contract's own address.
func (f *Factory) ContractAddress() common.Address {
	return f.addr
}

// Address derives the account address with a static getAddress call. The
// call never mutates chain state, and the result is stable for fixed factory
// inputs whether or not the account is deployed yet.
func (f *Factory) Address(ctx context.Context) (opkit.Address, error) {
	res, err := f.node.CallContract(ctx, f.addr, f.queryData)
	if err != nil {
		return opkit.Address{}, fmt.Errorf("getAddress call error: %w", err)
	}
	if len(res) != common.HashLength {
		return opkit.Address{}, fmt.Errorf("getAddress returned %d bytes, expected %d", len(res), common.HashLength)
	}
	return opkit.NewAddress(common.BytesToAddress(res)), nil
}

// FactoryData is the createAccount call data, the v0.7 factoryData field.
func (f *Factory) FactoryData() opkit.Bytes {
	return append(opkit.Bytes{}, f.createData...)
}

// InitCode is the v0.6 monolithic deployment blob, factory address followed
// by the createAccount call data.
func (f *Factory) InitCode() opkit.Bytes {
	return append(append(opkit.Bytes{}, f.addr.Bytes()...), f.createData...)
}

func bigOrZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}
