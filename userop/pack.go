// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"opkit.org/opkit"
)

const addressLen = common.AddressLength

var (
	addressTy, _ = abi.NewType("address", "", nil)
	uint256Ty, _ = abi.NewType("uint256", "", nil)
	bytes32Ty, _ = abi.NewType("bytes32", "", nil)

	// v0.6 hashes over the individual gas fields.
	v6PackArgs = abi.Arguments{
		{Name: "sender", Type: addressTy},
		{Name: "nonce", Type: uint256Ty},
		{Name: "hashInitCode", Type: bytes32Ty},
		{Name: "hashCallData", Type: bytes32Ty},
		{Name: "callGasLimit", Type: uint256Ty},
		{Name: "verificationGasLimit", Type: uint256Ty},
		{Name: "preVerificationGas", Type: uint256Ty},
		{Name: "maxFeePerGas", Type: uint256Ty},
		{Name: "maxPriorityFeePerGas", Type: uint256Ty},
		{Name: "hashPaymasterAndData", Type: bytes32Ty},
	}

	// v0.7 packs gas limit and fee pairs into bytes32 words.
	v7PackArgs = abi.Arguments{
		{Name: "sender", Type: addressTy},
		{Name: "nonce", Type: uint256Ty},
		{Name: "hashInitCode", Type: bytes32Ty},
		{Name: "hashCallData", Type: bytes32Ty},
		{Name: "accountGasLimits", Type: bytes32Ty},
		{Name: "preVerificationGas", Type: uint256Ty},
		{Name: "gasFees", Type: bytes32Ty},
		{Name: "hashPaymasterAndData", Type: bytes32Ty},
	}

	hashArgs = abi.Arguments{
		{Name: "userOpHash", Type: bytes32Ty},
		{Name: "entryPoint", Type: addressTy},
		{Name: "chainID", Type: uint256Ty},
	}
)

func bytesToAddress(b []byte) common.Address {
	return common.BytesToAddress(b)
}

func bigOrZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}

// packUints packs two uints into one 32-byte word, 16 bytes each,
// high-order value first.
func packUints(high, low *big.Int) [32]byte {
	var out [32]byte
	copy(out[:16], common.LeftPadBytes(bigOrZero(high).Bytes(), 16))
	copy(out[16:], common.LeftPadBytes(bigOrZero(low).Bytes(), 16))
	return out
}

// packedInitCode assembles the v0.7 initCode for hashing: factory address ++
// factoryData, or empty when the account is deployed.
func (op *UserOperation) packedInitCode() []byte {
	switch op.Version {
	case V0_6:
		return op.InitCode
	case V0_7:
		if op.Factory == nil {
			return nil
		}
		return append(append([]byte{}, op.Factory.Bytes()...), op.FactoryData...)
	}
	return nil
}

// packedPaymasterAndData assembles the paymasterAndData blob. For v0.7 the
// layout is paymaster address ++ pad16(paymasterVerificationGasLimit) ++
// pad16(paymasterPostOpGasLimit) ++ paymasterData, or empty when unsponsored.
func (op *UserOperation) packedPaymasterAndData() []byte {
	switch op.Version {
	case V0_6:
		return op.PaymasterAndData
	case V0_7:
		if op.Paymaster == nil {
			return nil
		}
		blob := make([]byte, 0, addressLen+32+len(op.PaymasterData))
		blob = append(blob, op.Paymaster.Bytes()...)
		blob = append(blob, common.LeftPadBytes(bigOrZero(op.PaymasterVerificationGasLimit).Bytes(), 16)...)
		blob = append(blob, common.LeftPadBytes(bigOrZero(op.PaymasterPostOpGasLimit).Bytes(), 16)...)
		blob = append(blob, op.PaymasterData...)
		return blob
	}
	return nil
}

// PackedInitCode is the monolithic deployment blob: for v0.6 the initCode
// field as-is, for v0.7 factory address ++ factoryData, or empty when the
// account is deployed.
func (op *UserOperation) PackedInitCode() opkit.Bytes {
	return append(opkit.Bytes{}, op.packedInitCode()...)
}

// PackedPaymasterAndData is the monolithic sponsorship blob, empty when
// unsponsored.
func (op *UserOperation) PackedPaymasterAndData() opkit.Bytes {
	return append(opkit.Bytes{}, op.packedPaymasterAndData()...)
}

// AccountGasLimits is the v0.7 packed word of verificationGasLimit and
// callGasLimit.
func (op *UserOperation) AccountGasLimits() [32]byte {
	return packUints(op.VerificationGasLimit, op.CallGasLimit)
}

// PackedGasFees is the v0.7 packed word of maxPriorityFeePerGas and
// maxFeePerGas.
func (op *UserOperation) PackedGasFees() [32]byte {
	return packUints(op.MaxPriorityFeePerGas, op.MaxFeePerGas)
}

// packForHash ABI-encodes the operation's hashed representation for the
// version's EntryPoint.
func (op *UserOperation) packForHash() ([]byte, error) {
	initCodeHash := crypto.Keccak256Hash(op.packedInitCode())
	callDataHash := crypto.Keccak256Hash(op.CallData)
	paymasterAndDataHash := crypto.Keccak256Hash(op.packedPaymasterAndData())

	switch op.Version {
	case V0_6:
		return v6PackArgs.Pack(
			op.Sender.Address,
			bigOrZero(op.Nonce),
			initCodeHash,
			callDataHash,
			bigOrZero(op.CallGasLimit),
			bigOrZero(op.VerificationGasLimit),
			bigOrZero(op.PreVerificationGas),
			bigOrZero(op.MaxFeePerGas),
			bigOrZero(op.MaxPriorityFeePerGas),
			paymasterAndDataHash,
		)
	case V0_7:
		return v7PackArgs.Pack(
			op.Sender.Address,
			bigOrZero(op.Nonce),
			initCodeHash,
			callDataHash,
			packUints(op.VerificationGasLimit, op.CallGasLimit),
			bigOrZero(op.PreVerificationGas),
			packUints(op.MaxPriorityFeePerGas, op.MaxFeePerGas),
			paymasterAndDataHash,
		)
	}
	return nil, ErrUnknownVersion
}

// Hash is the digest the account owner signs. It binds the operation to a
// specific EntryPoint contract and chain:
// keccak(abi(keccak(packed), entryPoint, chainID)).
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.packForHash()
	if err != nil {
		return common.Hash{}, err
	}
	outer, err := hashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(outer), nil
}
