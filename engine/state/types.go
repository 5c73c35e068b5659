// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package state

import (
	"encoding/json"

	"opkit.org/opkit"
)

// Entry point version keys in a Network's entry point registry.
const (
	VersionV0_6 = "v0.6"
	VersionV0_7 = "v0.7"
)

// Network describes a chain and the infrastructure endpoints and contracts
// the engine uses on it.
type Network struct {
	ID         string `json:"id"`
	ChainID    uint64 `json:"chainId"`
	NodeURL    string `json:"nodeUrl"`
	BundlerURL string `json:"bundlerUrl"`
	// EntryPoints maps version keys to entry point contract addresses.
	EntryPoints map[string]opkit.Address `json:"entryPointByVersion"`
	// Factories maps account types to factory contract addresses.
	Factories map[string]opkit.Address `json:"accountFactoryByType"`
	// ActiveAccount is the account selected on this network.
	ActiveAccount string `json:"activeAccountId,omitempty"`
}

// Account is the persisted form of a smart account, bound to a chain.
type Account struct {
	ID      string        `json:"id"`
	ChainID uint64        `json:"chainId"`
	Address opkit.Address `json:"address"`
	Type    string        `json:"type"`
	// Dump is the account layer's persistable form.
	Dump json.RawMessage `json:"dump,omitempty"`
}

// Paymaster is a persisted sponsorship configuration.
type Paymaster struct {
	ID        string        `json:"id"`
	NetworkID string        `json:"networkId"`
	Address   opkit.Address `json:"address"`
	Type      string        `json:"type"`
}

// RequestKind discriminates transaction requests from typed-data signing
// requests.
type RequestKind string

const (
	KindTransaction RequestKind = "transaction"
	KindEip712      RequestKind = "eip712"
)

// RequestStatus is a live request's pipeline stage.
type RequestStatus string

const (
	StatusBuilding              RequestStatus = "building"
	StatusPriceEstimated        RequestStatus = "priceEstimated"
	StatusGasEstimated          RequestStatus = "gasEstimated"
	StatusPriceFinal            RequestStatus = "priceFinal"
	StatusAwaitingAuthorization RequestStatus = "awaitingAuthorization"
	StatusSigned                RequestStatus = "signed"
	StatusSubmitted             RequestStatus = "submitted"
	StatusAwaitingFinality      RequestStatus = "awaitingFinality"
)

// LogStatus is a terminal outcome recorded in a RequestLog.
type LogStatus string

const (
	LogRejected  LogStatus = "rejected"
	LogSent      LogStatus = "sent"
	LogFailed    LogStatus = "failed"
	LogSucceeded LogStatus = "succeeded"
	LogReverted  LogStatus = "reverted"
	// LogResolved is the success outcome of a typed-data signing request.
	LogResolved LogStatus = "resolved"
)

// TxIntent is the caller's desired transaction. Numeric fields are 0x hex
// quantities, matching the wallet RPC wire form. GasLimit and MaxFeePerGas
// are optional overrides that win over estimation.
type TxIntent struct {
	To           opkit.Address `json:"to"`
	Value        string        `json:"value,omitempty"`
	Data         opkit.Bytes   `json:"data,omitempty"`
	GasLimit     string        `json:"gasLimit,omitempty"`
	MaxFeePerGas string        `json:"maxFeePerGas,omitempty"`
}

// Request is a transient in-flight request. It lives until resolved, at
// which point it is replaced by exactly one RequestLog.
type Request struct {
	ID         string        `json:"id"`
	Kind       RequestKind   `json:"kind"`
	AccountID  string        `json:"accountId"`
	NetworkID  string        `json:"networkId"`
	Status     RequestStatus `json:"status"`
	Intent     *TxIntent     `json:"intent,omitempty"`
	UserOpHash string        `json:"userOpHash,omitempty"`
	CreatedAt  int64         `json:"createdAt"`
}

// RequestLog is the immutable terminal record of a request.
type RequestLog struct {
	ID        string      `json:"id"`
	Kind      RequestKind `json:"kind"`
	AccountID string      `json:"accountId"`
	NetworkID string      `json:"networkId"`
	Status    LogStatus   `json:"status"`
	TxHash    string      `json:"txHash,omitempty"`
	Error     string      `json:"error,omitempty"`
	Stamp     int64       `json:"stamp"`
}

// State is the typed view of the aggregate state document.
type State struct {
	NetworkActive string                 `json:"networkActive,omitempty"`
	Networks      map[string]*Network    `json:"network,omitempty"`
	Accounts      map[string]*Account    `json:"account,omitempty"`
	Paymasters    map[string]*Paymaster  `json:"paymaster,omitempty"`
	Requests      map[string]*Request    `json:"request,omitempty"`
	RequestLogs   map[string]*RequestLog `json:"requestLog,omitempty"`
}
