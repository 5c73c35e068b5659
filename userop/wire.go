// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package userop

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"opkit.org/opkit"
)

// Wire is the JSON form of a UserOperation accepted by bundler RPC methods.
// All numeric fields are lower-case 0x-prefixed hex strings. Optional fields
// are absent from the encoding, never null.
type Wire struct {
	Sender                        string `json:"sender"`
	Nonce                         string `json:"nonce"`
	InitCode                      string `json:"initCode,omitempty"`
	Factory                       string `json:"factory,omitempty"`
	FactoryData                   string `json:"factoryData,omitempty"`
	CallData                      string `json:"callData"`
	CallGasLimit                  string `json:"callGasLimit"`
	VerificationGasLimit          string `json:"verificationGasLimit"`
	PreVerificationGas            string `json:"preVerificationGas"`
	MaxFeePerGas                  string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          string `json:"maxPriorityFeePerGas"`
	PaymasterAndData              string `json:"paymasterAndData,omitempty"`
	Paymaster                     string `json:"paymaster,omitempty"`
	PaymasterData                 string `json:"paymasterData,omitempty"`
	PaymasterVerificationGasLimit string `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       string `json:"paymasterPostOpGasLimit,omitempty"`
	Signature                     string `json:"signature"`
}

// HexBig encodes a big integer as a lower-case 0x-prefixed hex string. A nil
// value encodes as 0x0.
func HexBig(n *big.Int) string {
	return "0x" + bigOrZero(n).Text(16)
}

// ParseHexBig decodes a 0x-prefixed hex quantity.
func ParseHexBig(s string) (*big.Int, error) {
	if !strings.HasPrefix(s, "0x") {
		return nil, opkit.NewError(opkit.ErrBadHex, "missing 0x prefix in quantity "+s)
	}
	n, ok := new(big.Int).SetString(s[2:], 16)
	if !ok {
		return nil, opkit.NewError(opkit.ErrBadHex, "bad quantity "+s)
	}
	return n, nil
}

// ToWire converts the UserOperation to its version-correct JSON form.
func (op *UserOperation) ToWire() (*Wire, error) {
	w := &Wire{
		Sender:               op.Sender.String(),
		Nonce:                HexBig(op.Nonce),
		CallData:             op.CallData.String(),
		CallGasLimit:         HexBig(op.CallGasLimit),
		VerificationGasLimit: HexBig(op.VerificationGasLimit),
		PreVerificationGas:   HexBig(op.PreVerificationGas),
		MaxFeePerGas:         HexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: HexBig(op.MaxPriorityFeePerGas),
		Signature:            op.Signature.String(),
	}
	switch op.Version {
	case V0_6:
		// v0.6 always carries initCode and paymasterAndData, 0x when empty.
		w.InitCode = op.InitCode.String()
		w.PaymasterAndData = op.PaymasterAndData.String()
	case V0_7:
		if op.Factory != nil {
			w.Factory = op.Factory.String()
			w.FactoryData = op.FactoryData.String()
		}
		if op.Paymaster != nil {
			w.Paymaster = op.Paymaster.String()
			w.PaymasterData = op.PaymasterData.String()
			w.PaymasterVerificationGasLimit = HexBig(op.PaymasterVerificationGasLimit)
			w.PaymasterPostOpGasLimit = HexBig(op.PaymasterPostOpGasLimit)
		}
	default:
		return nil, ErrUnknownVersion
	}
	return w, nil
}

// Version infers the wire format version from field presence. v0.6 always
// serializes initCode and paymasterAndData, even when empty.
func (w *Wire) Version() Version {
	if w.InitCode != "" || w.PaymasterAndData != "" {
		return V0_6
	}
	return V0_7
}

// UserOperation decodes the wire form back into the model. The version is
// inferred with (*Wire).Version.
func (w *Wire) UserOperation() (*UserOperation, error) {
	ver := w.Version()
	sender, err := opkit.ParseAddress(w.Sender)
	if err != nil {
		return nil, fmt.Errorf("bad sender: %w", err)
	}
	callData, err := opkit.ParseBytes(w.CallData)
	if err != nil {
		return nil, fmt.Errorf("bad callData: %w", err)
	}
	op, err := New(ver, sender, callData)
	if err != nil {
		return nil, err
	}

	parseBig := func(s string, dest **big.Int) {
		if err != nil || s == "" {
			return
		}
		var n *big.Int
		n, err = ParseHexBig(s)
		if err == nil {
			*dest = n
		}
	}
	parseBytes := func(s string, dest *opkit.Bytes) {
		if err != nil || s == "" {
			return
		}
		var b opkit.Bytes
		b, err = opkit.ParseBytes(s)
		if err == nil {
			*dest = b
		}
	}
	parseAddr := func(s string, dest **opkit.Address) {
		if err != nil || s == "" {
			return
		}
		var a opkit.Address
		a, err = opkit.ParseAddress(s)
		if err == nil {
			*dest = &a
		}
	}

	parseBig(w.Nonce, &op.Nonce)
	parseBig(w.CallGasLimit, &op.CallGasLimit)
	parseBig(w.VerificationGasLimit, &op.VerificationGasLimit)
	parseBig(w.PreVerificationGas, &op.PreVerificationGas)
	parseBig(w.MaxFeePerGas, &op.MaxFeePerGas)
	parseBig(w.MaxPriorityFeePerGas, &op.MaxPriorityFeePerGas)
	parseBytes(w.Signature, &op.Signature)

	switch ver {
	case V0_6:
		parseBytes(w.InitCode, &op.InitCode)
		parseBytes(w.PaymasterAndData, &op.PaymasterAndData)
	case V0_7:
		parseAddr(w.Factory, &op.Factory)
		parseBytes(w.FactoryData, &op.FactoryData)
		parseAddr(w.Paymaster, &op.Paymaster)
		parseBytes(w.PaymasterData, &op.PaymasterData)
		parseBig(w.PaymasterVerificationGasLimit, &op.PaymasterVerificationGasLimit)
		parseBig(w.PaymasterPostOpGasLimit, &op.PaymasterPostOpGasLimit)
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

// ParseWire decodes a JSON user operation, inferring the version from field
// presence.
func ParseWire(raw []byte) (*UserOperation, error) {
	w := new(Wire)
	if err := json.Unmarshal(raw, w); err != nil {
		return nil, fmt.Errorf("user operation unmarshal error: %w", err)
	}
	return w.UserOperation()
}
