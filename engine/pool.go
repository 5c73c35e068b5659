// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"opkit.org/opkit"
	"opkit.org/opkit/account"
	"opkit.org/opkit/engine/state"
	"opkit.org/opkit/userop"
)

// ErrExecutionReverted means the operation was included on-chain but its
// execution reverted.
const ErrExecutionReverted = opkit.ErrorKind("user operation reverted")

// Gas fee margin applied to node fee data, 120 / 100.
var feeBufferNum, feeBufferDen = big.NewInt(120), big.NewInt(100)

type txResult struct {
	txHash common.Hash
	err    error
}

func newRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("no randomness source: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// parseQuantity decodes an optional 0x hex quantity. An empty string is a
// nil value, not an error.
func parseQuantity(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return hexutil.DecodeBig(s)
}

func feeWithBuffer(n *big.Int) *big.Int {
	buffered := new(big.Int).Mul(n, feeBufferNum)
	return buffered.Div(buffered, feeBufferDen)
}

// deriveVersion selects the user operation format for an entry point. An
// entry point registered under the network's v0.6 key gets the monolithic
// v0.6 format, anything else the unpacked v0.7 format.
func deriveVersion(net *state.Network, entryPoint common.Address) userop.Version {
	if ep, found := net.EntryPoints[state.VersionV0_6]; found && ep.Address == entryPoint {
		return userop.V0_6
	}
	return userop.V0_7
}

// Send runs a transaction intent through the full pipeline: build the user
// operation, price it, estimate gas, attach sponsorship, authorize, sign,
// and submit to the bundler. It returns the request ID as soon as the
// bundler accepts the operation; inclusion is tracked in the background and
// observable via Wait or the state document. A rejection by the authorizer
// or a failed signing ceremony resolves the request as rejected; any other
// failure resolves it as failed.
func (e *Engine) Send(ctx context.Context, accountID, networkID string, intent *state.TxIntent) (string, error) {
	runCtx, err := e.runCtx()
	if err != nil {
		return "", err
	}
	acct, err := e.account(accountID)
	if err != nil {
		return "", err
	}
	net, err := e.actor.Network(networkID)
	if err != nil {
		return "", err
	}
	conn, err := e.connect(ctx, networkID)
	if err != nil {
		return "", err
	}
	value, err := parseQuantity(intent.Value)
	if err != nil {
		return "", fmt.Errorf("bad value quantity %q: %w", intent.Value, err)
	}
	gasOverride, err := parseQuantity(intent.GasLimit)
	if err != nil {
		return "", fmt.Errorf("bad gas limit quantity %q: %w", intent.GasLimit, err)
	}
	feeOverride, err := parseQuantity(intent.MaxFeePerGas)
	if err != nil {
		return "", fmt.Errorf("bad max fee quantity %q: %w", intent.MaxFeePerGas, err)
	}

	reqID := newRequestID()
	err = e.actor.CreateRequest(&state.Request{
		ID:        reqID,
		Kind:      state.KindTransaction,
		AccountID: accountID,
		NetworkID: networkID,
		Intent:    intent,
	})
	if err != nil {
		return "", err
	}
	e.notify(&Note{
		Topic:   TopicRequest,
		Subject: "Transaction requested",
		Details: fmt.Sprintf("request %s for account %s", reqID, accountID),
	})

	// fail resolves the request with a terminal log entry and returns the
	// causing error.
	fail := func(status state.LogStatus, err error) (string, error) {
		if resolveErr := e.actor.ResolveRequest(reqID, status, "", err.Error()); resolveErr != nil {
			e.log.Errorf("error resolving request %s: %v", reqID, resolveErr)
		}
		e.notify(&Note{
			Topic:   TopicRequest,
			Subject: "Transaction " + string(status),
			Details: fmt.Sprintf("request %s: %v", reqID, err),
		})
		return "", err
	}

	entryPoint := acct.EntryPoint()
	ver := deriveVersion(net, entryPoint)

	// The nonce lock is held from the nonce read through submission so a
	// second send from the same account cannot claim the same nonce.
	nonceMtx := e.nonceLock(accountID)
	nonceMtx.Lock()
	defer nonceMtx.Unlock()

	exec, err := acct.BuildExecution(ctx, &account.Call{
		To:    intent.To,
		Value: value,
		Data:  intent.Data,
	})
	if err != nil {
		return fail(state.LogFailed, fmt.Errorf("error building execution: %w", err))
	}
	op, err := userop.Wrap(ver, &userop.Intent{
		Sender:      acct.Address(),
		CallData:    exec.CallData,
		Factory:     exec.Factory,
		FactoryData: exec.FactoryData,
	})
	if err != nil {
		return fail(state.LogFailed, err)
	}
	nonce, err := acct.Nonce(ctx)
	if err != nil {
		return fail(state.LogFailed, fmt.Errorf("error reading nonce: %w", err))
	}
	op.SetNonce(nonce)

	pm := e.paymaster(networkID)
	blob, err := pm.PaymasterAndData(ctx, op, true)
	if err != nil {
		return fail(state.LogFailed, fmt.Errorf("error getting sponsorship: %w", err))
	}
	if len(blob) > 0 {
		if err := op.SetPaymasterAndData(blob); err != nil {
			return fail(state.LogFailed, err)
		}
	}

	maxFee, tip, err := e.gasFees(ctx, conn, feeOverride)
	if err != nil {
		return fail(state.LogFailed, fmt.Errorf("error pricing operation: %w", err))
	}
	op.SetGasFees(maxFee, tip)
	e.setStatus(reqID, state.StatusPriceEstimated)

	if !conn.bundler.EntryPointSupported(entryPoint) {
		return fail(state.LogFailed, fmt.Errorf("entry point %s not supported by bundler for network %s",
			entryPoint, networkID))
	}

	op.SetSignature(acct.DummySignature())
	limits, err := conn.bundler.EstimateGas(ctx, op, entryPoint)
	if err != nil {
		return fail(state.LogFailed, fmt.Errorf("error estimating gas: %w", err))
	}
	if gasOverride != nil {
		limits.CallGasLimit = gasOverride
	}
	op.SetGasLimits(limits)
	e.setStatus(reqID, state.StatusGasEstimated)

	blob, err = pm.PaymasterAndData(ctx, op, false)
	if err != nil {
		return fail(state.LogFailed, fmt.Errorf("error getting final sponsorship: %w", err))
	}
	if len(blob) > 0 {
		if err := op.SetPaymasterAndData(blob); err != nil {
			return fail(state.LogFailed, err)
		}
	}
	e.setStatus(reqID, state.StatusPriceFinal)

	e.setStatus(reqID, state.StatusAwaitingAuthorization)
	decision, err := e.auth.Authorize(ctx, op)
	if err != nil {
		return fail(state.LogRejected, fmt.Errorf("authorization error: %w", err))
	}
	if decision != Approved {
		return fail(state.LogRejected, ErrAuthorizationRejected)
	}

	opHash, err := op.Hash(entryPoint, new(big.Int).SetUint64(net.ChainID))
	if err != nil {
		return fail(state.LogFailed, err)
	}
	sig, err := acct.Sign(ctx, opHash[:])
	if err != nil {
		// A failed or canceled signing ceremony is a rejection, not a
		// pipeline failure.
		return fail(state.LogRejected, fmt.Errorf("signing error: %w", err))
	}
	op.SetSignature(sig)
	e.setStatus(reqID, state.StatusSigned)

	userOpHash, err := conn.bundler.SendUserOperation(ctx, op, entryPoint)
	if err != nil {
		return fail(state.LogFailed, fmt.Errorf("error submitting operation: %w", err))
	}
	if err := e.actor.SetRequestUserOpHash(reqID, userOpHash.Hex()); err != nil {
		e.log.Errorf("error recording user op hash for request %s: %v", reqID, err)
	}
	e.setStatus(reqID, state.StatusSubmitted)
	e.notify(&Note{
		Topic:   TopicRequest,
		Subject: "Transaction submitted",
		Details: fmt.Sprintf("request %s submitted as %s", reqID, userOpHash),
	})

	resultC := make(chan *txResult, 1)
	e.resMtx.Lock()
	e.results[reqID] = resultC
	e.resMtx.Unlock()
	go e.trackFinality(runCtx, conn, reqID, userOpHash, resultC)

	return reqID, nil
}

func (e *Engine) setStatus(reqID string, status state.RequestStatus) {
	if err := e.actor.SetRequestStatus(reqID, status); err != nil {
		e.log.Errorf("error setting request %s status %s: %v", reqID, status, err)
	}
}

// gasFees derives the operation's fee fields. An explicit override wins for
// the max fee. Otherwise node fee data with a 20% buffer is used, falling
// back to the bundler's fee estimator when the node cannot price.
func (e *Engine) gasFees(ctx context.Context, conn *netConn, override *big.Int) (maxFee, tip *big.Int, err error) {
	feeData, err := conn.node.FeeData(ctx)
	if err == nil {
		tip = feeWithBuffer(feeData.MaxPriorityFeePerGas)
		maxFee = override
		if maxFee == nil {
			maxFee = feeWithBuffer(feeData.MaxFeePerGas)
		}
	} else {
		e.log.Warnf("node fee data unavailable, using bundler estimator: %v", err)
		tip, err = conn.bundler.MaxPriorityFeePerGas(ctx)
		if err != nil {
			return nil, nil, err
		}
		tip = feeWithBuffer(tip)
		maxFee = override
		if maxFee == nil {
			maxFee = tip
		}
	}
	if tip.Cmp(maxFee) > 0 {
		tip = maxFee
	}
	return maxFee, tip, nil
}

// trackFinality polls the bundler for inclusion, resolves the request with
// its terminal outcome, and delivers the result to any waiter.
func (e *Engine) trackFinality(ctx context.Context, conn *netConn, reqID string, userOpHash common.Hash, resultC chan<- *txResult) {
	e.setStatus(reqID, state.StatusAwaitingFinality)

	res := <-conn.bundler.WaitForUserOp(ctx, e.waitQ, userOpHash, time.Now().Add(e.finality))
	tr := &txResult{}
	var logStatus state.LogStatus
	var errMsg string
	if res.Err != nil {
		logStatus, errMsg = state.LogFailed, res.Err.Error()
		tr.err = res.Err
	} else {
		tr.txHash = res.TxHash
		// The operation is on-chain. The receipt says whether its
		// execution succeeded. A missing receipt leaves the outcome at
		// sent.
		logStatus = state.LogSent
		receipt, err := conn.bundler.UserOperationReceipt(ctx, userOpHash)
		if err != nil || receipt == nil {
			e.log.Warnf("no receipt for user operation %s: %v", userOpHash, err)
		} else if receipt.Success {
			logStatus = state.LogSucceeded
		} else {
			logStatus = state.LogReverted
			errMsg = ErrExecutionReverted.Error()
			tr.err = opkit.NewError(ErrExecutionReverted, userOpHash.Hex())
		}
	}

	txHash := ""
	if tr.txHash != (common.Hash{}) {
		txHash = tr.txHash.Hex()
	}
	if err := e.actor.ResolveRequest(reqID, logStatus, txHash, errMsg); err != nil {
		e.log.Errorf("error resolving request %s: %v", reqID, err)
	}
	e.notify(&Note{
		Topic:   TopicRequest,
		Subject: "Transaction " + string(logStatus),
		Details: fmt.Sprintf("request %s: tx %s", reqID, txHash),
	})

	resultC <- tr

	// A result nobody claims is dropped after a grace period so that
	// abandoned requests do not accumulate entries.
	time.AfterFunc(e.resRetention, func() {
		e.resMtx.Lock()
		delete(e.results, reqID)
		e.resMtx.Unlock()
	})
}

// Wait blocks until the request's operation reaches a terminal outcome and
// returns the transaction hash it landed in. Each request can be waited
// exactly once. Waiting on an unknown or already consumed request ID is an
// error.
func (e *Engine) Wait(ctx context.Context, requestID string) (common.Hash, error) {
	e.resMtx.Lock()
	resultC, found := e.results[requestID]
	delete(e.results, requestID)
	e.resMtx.Unlock()
	if !found {
		return common.Hash{}, opkit.NewError(state.ErrUnknownRequest, requestID)
	}
	select {
	case res := <-resultC:
		return res.txHash, res.err
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}
}

// SendActive is Send against the active network and its active account.
func (e *Engine) SendActive(ctx context.Context, intent *state.TxIntent) (string, error) {
	net, err := e.actor.ActiveNetwork()
	if err != nil {
		return "", err
	}
	if net.ActiveAccount == "" {
		return "", opkit.NewError(state.ErrUnknownAccount, "no active account on network "+net.ID)
	}
	return e.Send(ctx, net.ActiveAccount, net.ID, intent)
}

// EstimateGas prices an intent's execution gas on the active network
// without submitting anything. The returned value is the operation's call
// gas limit, bundler margin included.
func (e *Engine) EstimateGas(ctx context.Context, intent *state.TxIntent) (*big.Int, error) {
	net, err := e.actor.ActiveNetwork()
	if err != nil {
		return nil, err
	}
	if net.ActiveAccount == "" {
		return nil, opkit.NewError(state.ErrUnknownAccount, "no active account on network "+net.ID)
	}
	acct, err := e.account(net.ActiveAccount)
	if err != nil {
		return nil, err
	}
	conn, err := e.connect(ctx, net.ID)
	if err != nil {
		return nil, err
	}
	value, err := parseQuantity(intent.Value)
	if err != nil {
		return nil, fmt.Errorf("bad value quantity %q: %w", intent.Value, err)
	}

	exec, err := acct.BuildExecution(ctx, &account.Call{
		To:    intent.To,
		Value: value,
		Data:  intent.Data,
	})
	if err != nil {
		return nil, err
	}
	entryPoint := acct.EntryPoint()
	op, err := userop.Wrap(deriveVersion(net, entryPoint), &userop.Intent{
		Sender:      acct.Address(),
		CallData:    exec.CallData,
		Factory:     exec.Factory,
		FactoryData: exec.FactoryData,
	})
	if err != nil {
		return nil, err
	}
	nonce, err := acct.Nonce(ctx)
	if err != nil {
		return nil, err
	}
	op.SetNonce(nonce)
	maxFee, tip, err := e.gasFees(ctx, conn, nil)
	if err != nil {
		return nil, err
	}
	op.SetGasFees(maxFee, tip)
	op.SetSignature(acct.DummySignature())

	limits, err := conn.bundler.EstimateGas(ctx, op, entryPoint)
	if err != nil {
		return nil, err
	}
	return limits.CallGasLimit, nil
}

// ForwardUserOperation submits a caller-built user operation to the active
// network's bundler.
func (e *Engine) ForwardUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	net, err := e.actor.ActiveNetwork()
	if err != nil {
		return common.Hash{}, err
	}
	conn, err := e.connect(ctx, net.ID)
	if err != nil {
		return common.Hash{}, err
	}
	return conn.bundler.SendUserOperation(ctx, op, entryPoint)
}

// ForwardEstimateGas estimates gas for a caller-built user operation on the
// active network's bundler.
func (e *Engine) ForwardEstimateGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*userop.GasLimits, error) {
	net, err := e.actor.ActiveNetwork()
	if err != nil {
		return nil, err
	}
	conn, err := e.connect(ctx, net.ID)
	if err != nil {
		return nil, err
	}
	return conn.bundler.EstimateGas(ctx, op, entryPoint)
}
