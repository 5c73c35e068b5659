package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"opkit.org/opkit"
	"opkit.org/opkit/userop"
	"opkit.org/opkit/wait"
)

var (
	tEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	tSender     = opkit.NewAddress(common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"))
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// tBundlerServer is a scripted JSON-RPC bundler.
type tBundlerServer struct {
	*httptest.Server
	mtx      sync.Mutex
	calls    map[string]int
	handlers map[string]func(params []json.RawMessage) (interface{}, *rpcError)
}

func newTBundlerServer() *tBundlerServer {
	s := &tBundlerServer{
		calls:    make(map[string]int),
		handlers: make(map[string]func(params []json.RawMessage) (interface{}, *rpcError)),
	}
	s.handle("eth_supportedEntryPoints", func([]json.RawMessage) (interface{}, *rpcError) {
		return []string{tEntryPoint.Hex()}, nil
	})
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mtx.Lock()
		s.calls[req.Method]++
		handler := s.handlers[req.Method]
		s.mtx.Unlock()

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if handler == nil {
			resp["error"] = &rpcError{Code: -32601, Message: "method not found: " + req.Method}
		} else if result, rpcErr := handler(req.Params); rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
	return s
}

func (s *tBundlerServer) handle(method string, f func(params []json.RawMessage) (interface{}, *rpcError)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.handlers[method] = f
}

func (s *tBundlerServer) callCount(method string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.calls[method]
}

func tNewClient(t *testing.T, s *tBundlerServer, manual bool) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), &Config{
		URL:    s.URL,
		Manual: manual,
		Logger: opkit.StdOutLogger("TEST", opkit.Disabled.Level(), false),
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func tOp(t *testing.T) *userop.UserOperation {
	t.Helper()
	op, err := userop.New(userop.V0_6, tSender, opkit.Bytes{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return op
}

func TestEstimateGasBuffer(t *testing.T) {
	s := newTBundlerServer()
	defer s.Close()
	s.handle("eth_estimateUserOperationGas", func([]json.RawMessage) (interface{}, *rpcError) {
		return &estimateGasResult{
			PreVerificationGas:            "0x64", // 100
			VerificationGasLimit:          "0x64",
			CallGasLimit:                  "0x64",
			PaymasterVerificationGasLimit: "0x64",
		}, nil
	})
	c := tNewClient(t, s, false)

	// The buffer math is a pure function. Two sequential estimates from the
	// same raw figures must agree.
	for i := 0; i < 2; i++ {
		limits, err := c.EstimateGas(context.Background(), tOp(t), tEntryPoint)
		if err != nil {
			t.Fatalf("EstimateGas error: %v", err)
		}
		if limits.PreVerificationGas.Cmp(big.NewInt(100)) != 0 {
			t.Fatalf("preVerificationGas buffered: %s", limits.PreVerificationGas)
		}
		for name, n := range map[string]*big.Int{
			"verificationGasLimit":          limits.VerificationGasLimit,
			"callGasLimit":                  limits.CallGasLimit,
			"paymasterVerificationGasLimit": limits.PaymasterVerificationGasLimit,
		} {
			if n.Cmp(big.NewInt(110)) != 0 {
				t.Fatalf("attempt %d: %s = %s, expected 110", i, name, n)
			}
		}
	}
}

func TestEstimateGasUnsupportedEntryPoint(t *testing.T) {
	s := newTBundlerServer()
	defer s.Close()
	c := tNewClient(t, s, false)

	_, err := c.EstimateGas(context.Background(), tOp(t), common.Address{0x01})
	if !errors.Is(err, ErrUnsupportedEntryPoint) {
		t.Fatalf("expected ErrUnsupportedEntryPoint, got %v", err)
	}
	if s.callCount("eth_estimateUserOperationGas") != 0 {
		t.Fatal("estimate sent for unsupported entry point")
	}
}

func TestEstimationReverted(t *testing.T) {
	s := newTBundlerServer()
	defer s.Close()
	s.handle("eth_estimateUserOperationGas", func([]json.RawMessage) (interface{}, *rpcError) {
		return nil, &rpcError{Code: estimationRevertCode, Message: "AA23 reverted"}
	})
	c := tNewClient(t, s, false)

	_, err := c.EstimateGas(context.Background(), tOp(t), tEntryPoint)
	if !errors.Is(err, ErrEstimationReverted) {
		t.Fatalf("expected ErrEstimationReverted, got %v", err)
	}
}

func TestSendUserOperation(t *testing.T) {
	opHash := common.Hash{0xab}
	for _, manual := range []bool{false, true} {
		s := newTBundlerServer()
		s.handle("eth_sendUserOperation", func([]json.RawMessage) (interface{}, *rpcError) {
			return opHash.Hex(), nil
		})
		s.handle("debug_bundler_sendBundleNow", func([]json.RawMessage) (interface{}, *rpcError) {
			return "ok", nil
		})
		c := tNewClient(t, s, manual)

		h, err := c.SendUserOperation(context.Background(), tOp(t), tEntryPoint)
		if err != nil {
			t.Fatalf("manual=%v: SendUserOperation error: %v", manual, err)
		}
		if h != opHash {
			t.Fatalf("manual=%v: wrong hash %s", manual, h)
		}
		expBundleCalls := 0
		if manual {
			expBundleCalls = 1
		}
		if n := s.callCount("debug_bundler_sendBundleNow"); n != expBundleCalls {
			t.Fatalf("manual=%v: %d bundle triggers, expected %d", manual, n, expBundleCalls)
		}
		s.Close()
	}
}

func TestWaitForUserOp(t *testing.T) {
	s := newTBundlerServer()
	defer s.Close()

	opHash := common.Hash{0x01}
	txHash := common.Hash{0x02}
	var polls int
	var pollMtx sync.Mutex
	s.handle("eth_getUserOperationByHash", func([]json.RawMessage) (interface{}, *rpcError) {
		pollMtx.Lock()
		defer pollMtx.Unlock()
		polls++
		if polls < 3 {
			return nil, nil
		}
		return &UserOpResult{TransactionHash: &txHash}, nil
	})
	c := tNewClient(t, s, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := wait.NewTickerQueue(5 * time.Millisecond)
	go q.Run(ctx)

	res := <-c.WaitForUserOp(ctx, q, opHash, time.Now().Add(10*time.Second))
	if res.Err != nil {
		t.Fatalf("WaitForUserOp error: %v", res.Err)
	}
	if res.TxHash != txHash {
		t.Fatalf("wrong tx hash %s", res.TxHash)
	}
}

func TestWaitForUserOpExpiry(t *testing.T) {
	s := newTBundlerServer()
	defer s.Close()
	s.handle("eth_getUserOperationByHash", func([]json.RawMessage) (interface{}, *rpcError) {
		return nil, nil
	})
	c := tNewClient(t, s, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := wait.NewTickerQueue(5 * time.Millisecond)
	go q.Run(ctx)

	res := <-c.WaitForUserOp(ctx, q, common.Hash{0x01}, time.Now().Add(25*time.Millisecond))
	if !errors.Is(res.Err, ErrWaitExpired) {
		t.Fatalf("expected ErrWaitExpired, got %v", res.Err)
	}
}

func TestUserOperationReceipt(t *testing.T) {
	s := newTBundlerServer()
	defer s.Close()
	s.handle("eth_getUserOperationReceipt", func([]json.RawMessage) (interface{}, *rpcError) {
		return map[string]interface{}{
			"nonce":         "0x5",
			"actualGasCost": "0x2710",
			"success":       true,
			"receipt": map[string]interface{}{
				"status":            "0x1",
				"cumulativeGasUsed": "0x0",
				"logsBloom":         "0x" + common.Bytes2Hex(make([]byte, 256)),
				"logs":              []interface{}{},
				"gasUsed":           "0x0",
				"transactionHash":   common.Hash{0x09}.Hex(),
			},
		}, nil
	})
	c := tNewClient(t, s, false)

	receipt, err := c.UserOperationReceipt(context.Background(), common.Hash{0x01})
	if err != nil {
		t.Fatalf("UserOperationReceipt error: %v", err)
	}
	if receipt == nil {
		t.Fatal("nil receipt")
	}
	if receipt.Nonce.Int64() != 5 || receipt.ActualGasCost.Int64() != 10000 || !receipt.Success {
		t.Fatalf("bad receipt decode: %+v", receipt)
	}

	// Pending op: null receipt.
	s.handle("eth_getUserOperationReceipt", func([]json.RawMessage) (interface{}, *rpcError) {
		return nil, nil
	})
	receipt, err = c.UserOperationReceipt(context.Background(), common.Hash{0x01})
	if err != nil {
		t.Fatalf("pending receipt error: %v", err)
	}
	if receipt != nil {
		t.Fatal("expected nil receipt for pending op")
	}
}
