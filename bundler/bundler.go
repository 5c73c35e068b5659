// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package bundler implements a JSON-RPC protocol client for an ERC-4337
// UserOperation bundler.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"opkit.org/opkit"
	"opkit.org/opkit/userop"
	"opkit.org/opkit/wait"
)

const (
	// ErrUnsupportedEntryPoint is returned when an operation targets an entry
	// point the bundler does not serve. Unsupported entry points fail fast
	// and are never retried.
	ErrUnsupportedEntryPoint = opkit.ErrorKind("entry point not supported by bundler")
	// ErrEstimationReverted is returned when the bundler's simulation of the
	// operation reverted during gas estimation.
	ErrEstimationReverted = opkit.ErrorKind("gas estimation reverted")
	// ErrWaitExpired is returned when a user operation was not observed
	// on-chain before the wait expiration.
	ErrWaitExpired = opkit.ErrorKind("timed out waiting for user operation inclusion")

	// estimationRevertCode is the JSON-RPC error code bundlers use for a
	// validation/execution revert during eth_estimateUserOperationGas.
	estimationRevertCode = -32521

	// gasBufferNum/gasBufferDen add a 10% safety margin to gas limit
	// estimates to absorb drift between quote time and inclusion time.
	gasBufferNum = 110
	gasBufferDen = 100

	// PollInterval is how often an in-flight operation is re-checked while
	// waiting for finality. The wait queue used with WaitForUserOp should
	// tick at this interval.
	PollInterval = time.Second
)

// Client is a JSON-RPC client for an ERC-4337 bundler. When Manual mode is
// set, every submission is followed by a debug bundle trigger, for dev
// networks whose bundler does not auto-mine bundles.
type Client struct {
	rpcClient *rpc.Client
	log       opkit.Logger
	manual    bool
	supported map[common.Address]struct{}
}

// Config is the bundler client configuration.
type Config struct {
	// URL is the bundler RPC endpoint.
	URL string
	// Manual enables manual bundling mode: after each submission the client
	// issues debug_bundler_sendBundleNow.
	Manual bool
	Logger opkit.Logger
}

// NewClient connects to the bundler and loads its supported entry points.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("error dialing bundler at %s: %w", cfg.URL, err)
	}
	c := &Client{
		rpcClient: rpcClient,
		log:       cfg.Logger,
		manual:    cfg.Manual,
	}
	entryPoints, err := c.SupportedEntryPoints(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("error fetching supported entry points: %w", err)
	}
	c.supported = entryPoints
	return c, nil
}

// Close shuts down the underlying RPC client.
func (c *Client) Close() {
	c.rpcClient.Close()
}

// SupportedEntryPoints returns the entry points served by the bundler.
func (c *Client) SupportedEntryPoints(ctx context.Context) (map[common.Address]struct{}, error) {
	var res []string
	if err := c.rpcClient.CallContext(ctx, &res, "eth_supportedEntryPoints"); err != nil {
		return nil, err
	}
	entryPoints := make(map[common.Address]struct{}, len(res))
	for _, v := range res {
		entryPoints[common.HexToAddress(v)] = struct{}{}
	}
	return entryPoints, nil
}

// EntryPointSupported reports whether the bundler serves the entry point, as
// of the last SupportedEntryPoints fetch.
func (c *Client) EntryPointSupported(entryPoint common.Address) bool {
	_, ok := c.supported[entryPoint]
	return ok
}

// ChainID returns the bundler's chain ID.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var res string
	if err := c.rpcClient.CallContext(ctx, &res, "eth_chainId"); err != nil {
		return nil, err
	}
	return userop.ParseHexBig(res)
}

// MaxPriorityFeePerGas returns the bundler's suggested priority fee, via the
// rundler_maxPriorityFeePerGas method.
func (c *Client) MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	var res string
	if err := c.rpcClient.CallContext(ctx, &res, "rundler_maxPriorityFeePerGas"); err != nil {
		return nil, err
	}
	return userop.ParseHexBig(res)
}

// estimateGasResult holds raw gas estimation results for a user operation.
// Each value is a 0x-prefixed hex string.
type estimateGasResult struct {
	PreVerificationGas            string `json:"preVerificationGas"`
	VerificationGasLimit          string `json:"verificationGasLimit"`
	CallGasLimit                  string `json:"callGasLimit"`
	PaymasterVerificationGasLimit string `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       string `json:"paymasterPostOpGasLimit,omitempty"`
}

// addGasBuffer applies the 110/100 safety margin.
func addGasBuffer(gas *big.Int) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(gas, big.NewInt(gasBufferNum)), big.NewInt(gasBufferDen))
}

// EstimateGas estimates the gas limits for a user operation via
// eth_estimateUserOperationGas. A 10% safety margin is added to
// verificationGasLimit, callGasLimit and paymasterVerificationGasLimit;
// preVerificationGas is the raw bundler figure. A bundler-side simulation
// revert is translated to ErrEstimationReverted.
func (c *Client) EstimateGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*userop.GasLimits, error) {
	if !c.EntryPointSupported(entryPoint) {
		return nil, opkit.NewError(ErrUnsupportedEntryPoint, entryPoint.Hex())
	}
	wire, err := op.ToWire()
	if err != nil {
		return nil, err
	}
	var res estimateGasResult
	if err := c.rpcClient.CallContext(ctx, &res, "eth_estimateUserOperationGas", wire, entryPoint); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == estimationRevertCode {
			return nil, opkit.NewError(ErrEstimationReverted, rpcErr.Error())
		}
		return nil, err
	}

	limits := new(userop.GasLimits)
	parse := func(s string, buffered bool, dest **big.Int) {
		if err != nil || s == "" {
			return
		}
		var n *big.Int
		n, err = userop.ParseHexBig(s)
		if err != nil {
			return
		}
		if buffered {
			n = addGasBuffer(n)
		}
		*dest = n
	}
	parse(res.PreVerificationGas, false, &limits.PreVerificationGas)
	parse(res.VerificationGasLimit, true, &limits.VerificationGasLimit)
	parse(res.CallGasLimit, true, &limits.CallGasLimit)
	parse(res.PaymasterVerificationGasLimit, true, &limits.PaymasterVerificationGasLimit)
	parse(res.PaymasterPostOpGasLimit, false, &limits.PaymasterPostOpGasLimit)
	if err != nil {
		return nil, fmt.Errorf("error parsing gas estimate: %w", err)
	}
	return limits, nil
}

// SendUserOperation submits the signed operation to the bundler and returns
// the user operation hash. In manual mode a bundle is triggered immediately
// after submission.
func (c *Client) SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	if !c.EntryPointSupported(entryPoint) {
		return common.Hash{}, opkit.NewError(ErrUnsupportedEntryPoint, entryPoint.Hex())
	}
	wire, err := op.ToWire()
	if err != nil {
		return common.Hash{}, err
	}
	var res string
	if err := c.rpcClient.CallContext(ctx, &res, "eth_sendUserOperation", wire, entryPoint); err != nil {
		return common.Hash{}, err
	}
	if c.manual {
		var bundleRes interface{}
		if err := c.rpcClient.CallContext(ctx, &bundleRes, "debug_bundler_sendBundleNow"); err != nil {
			c.log.Errorf("manual bundle trigger failed: %v", err)
		}
	}
	return common.HexToHash(res), nil
}

// UserOpResult is the result of an eth_getUserOperationByHash query. A nil
// result means the bundler does not know the operation yet.
type UserOpResult struct {
	UserOperation   *userop.Wire `json:"userOperation"`
	EntryPoint      string       `json:"entryPoint"`
	BlockNumber     string       `json:"blockNumber"`
	BlockHash       *common.Hash `json:"blockHash"`
	TransactionHash *common.Hash `json:"transactionHash"`
}

// UserOperationByHash looks up an operation by its hash. The result is nil
// while the bundler has not yet included the operation in a bundle.
func (c *Client) UserOperationByHash(ctx context.Context, userOpHash common.Hash) (*UserOpResult, error) {
	var res *UserOpResult
	if err := c.rpcClient.CallContext(ctx, &res, "eth_getUserOperationByHash", userOpHash); err != nil {
		return nil, err
	}
	return res, nil
}

// UserOpReceipt is the decoded result of a user operation receipt query.
type UserOpReceipt struct {
	Nonce         *big.Int
	ActualGasCost *big.Int
	Success       bool
	Receipt       *types.Receipt
}

// UserOperationReceipt returns the receipt of a user operation, or nil if the
// operation has not yet been included in a block.
func (c *Client) UserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*UserOpReceipt, error) {
	var res *struct {
		Nonce         string         `json:"nonce"`
		ActualGasCost string         `json:"actualGasCost"`
		Success       bool           `json:"success"`
		Receipt       *types.Receipt `json:"receipt"`
	}
	if err := c.rpcClient.CallContext(ctx, &res, "eth_getUserOperationReceipt", userOpHash); err != nil {
		return nil, err
	}
	if res == nil || res.Receipt == nil {
		return nil, nil
	}
	actualGasCost, err := userop.ParseHexBig(res.ActualGasCost)
	if err != nil {
		return nil, fmt.Errorf("failed to parse actual gas cost: %w", err)
	}
	nonce, err := userop.ParseHexBig(res.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to parse receipt nonce: %w", err)
	}
	return &UserOpReceipt{
		Nonce:         nonce,
		ActualGasCost: actualGasCost,
		Success:       res.Success,
		Receipt:       res.Receipt,
	}, nil
}

// WaitResult is the terminal result of WaitForUserOp.
type WaitResult struct {
	TxHash common.Hash
	Err    error
}

// WaitForUserOp polls eth_getUserOperationByHash on the provided queue until
// the operation is observed in a transaction, the expiration passes, or the
// context is canceled. The result is delivered exactly once on the returned
// channel. An operation dropped by the bundler surfaces as ErrWaitExpired
// rather than an unbounded wait.
func (c *Client) WaitForUserOp(ctx context.Context, q *wait.TickerQueue, userOpHash common.Hash, expiration time.Time) <-chan WaitResult {
	resultC := make(chan WaitResult, 1)
	q.Wait(&wait.Waiter{
		Expiration: expiration,
		TryFunc: func() wait.TryDirective {
			if ctx.Err() != nil {
				resultC <- WaitResult{Err: ctx.Err()}
				return wait.DontTryAgain
			}
			res, err := c.UserOperationByHash(ctx, userOpHash)
			if err != nil {
				c.log.Debugf("error polling user operation %s: %v", userOpHash, err)
				return wait.TryAgain
			}
			if res == nil || res.TransactionHash == nil {
				return wait.TryAgain
			}
			resultC <- WaitResult{TxHash: *res.TransactionHash}
			return wait.DontTryAgain
		},
		ExpireFunc: func() {
			resultC <- WaitResult{Err: opkit.NewError(ErrWaitExpired, userOpHash.Hex())}
		},
	})
	return resultC
}
