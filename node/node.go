// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package node provides a thin typed client for an Ethereum execution node.
// It covers the read-only surface the engine needs: contract view calls for
// address derivation, code and receipt lookups, and fee state for pricing
// user operations.
package node

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"opkit.org/opkit"
)

// Client is a read-mostly Ethereum node client.
type Client struct {
	ec  *ethclient.Client
	log opkit.Logger
}

// Connect dials the node RPC endpoint.
func Connect(ctx context.Context, url string, logger opkit.Logger) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("error dialing node at %s: %w", url, err)
	}
	return &Client{
		ec:  ethclient.NewClient(rpcClient),
		log: logger,
	}, nil
}

// Close shuts down the underlying RPC client.
func (c *Client) Close() {
	c.ec.Close()
}

// ChainID returns the node's chain ID.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.ec.ChainID(ctx)
}

// CodeAt returns the runtime bytecode at addr for the latest block. An empty
// result means no contract is deployed there.
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return c.ec.CodeAt(ctx, addr, nil)
}

// CallContract executes a read-only contract call against the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.ec.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: data,
	}, nil)
}

// Balance returns the native-asset balance of addr at the latest block.
func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.ec.BalanceAt(ctx, addr, nil)
}

// TransactionReceipt returns the receipt of a mined transaction, or an error
// if the transaction is unknown or still pending.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.ec.TransactionReceipt(ctx, txHash)
}

// FeeData is the node's current fee state.
type FeeData struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// FeeData returns current fee figures for the next block. On EIP-1559
// networks the max fee is derived from the latest base fee and the node's
// suggested tip. Legacy networks fall back to eth_gasPrice for all three
// figures.
func (c *Client) FeeData(ctx context.Context) (*FeeData, error) {
	gasPrice, err := c.ec.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("error fetching gas price: %w", err)
	}

	hdr, err := c.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching best header: %w", err)
	}
	if hdr.BaseFee == nil {
		// Pre-London network.
		return &FeeData{
			GasPrice:             gasPrice,
			MaxFeePerGas:         gasPrice,
			MaxPriorityFeePerGas: gasPrice,
		}, nil
	}

	tip, err := c.ec.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("error fetching tip cap: %w", err)
	}
	return &FeeData{
		GasPrice:             gasPrice,
		MaxFeePerGas:         maxFeeRate(hdr.BaseFee, tip),
		MaxPriorityFeePerGas: tip,
	}, nil
}

// maxFeeRate is double the base fee plus the tip, following the common
// headroom convention so the operation stays valid across base fee swings.
func maxFeeRate(baseFee, tip *big.Int) *big.Int {
	fee := new(big.Int).Mul(baseFee, big.NewInt(2))
	return fee.Add(fee, tip)
}
