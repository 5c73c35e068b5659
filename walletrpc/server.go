// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package walletrpc serves the engine to web content over an
// EIP-1193-flavored JSON-RPC 2.0 surface. Requests are HTTP POSTs to the
// root path. A websocket endpoint at /ws streams state snapshots and
// engine notifications.
package walletrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"opkit.org/opkit"
	"opkit.org/opkit/account"
	"opkit.org/opkit/engine"
	"opkit.org/opkit/engine/state"
	"opkit.org/opkit/userop"
)

const rpcTimeoutSeconds = 300 // transaction sends block on inclusion

// JSON-RPC 2.0 error codes. 4001 is the EIP-1193 user rejection code.
const (
	codeParse        = -32700
	codeInvalidReq   = -32600
	codeNoMethod     = -32601
	codeInvalidParam = -32602
	codeInternal     = -32603
	codeUserRejected = 4001
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Server is the wallet RPC server.
type Server struct {
	eng  *engine.Engine
	srv  *http.Server
	addr string
	log  opkit.Logger

	mtx     sync.Mutex
	clients map[int32]*wsClient
	nextID  int32
}

// Config is the server configuration.
type Config struct {
	Engine *engine.Engine
	// Addr is the TCP listen address.
	Addr   string
	Logger opkit.Logger
}

// New constructs a Server and registers its routes.
func New(cfg *Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("no engine")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = opkit.Disabled
	}

	mux := chi.NewRouter()
	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  rpcTimeoutSeconds * time.Second,
		WriteTimeout: rpcTimeoutSeconds * time.Second,
	}

	s := &Server{
		eng:     cfg.Engine,
		srv:     httpServer,
		addr:    cfg.Addr,
		log:     logger,
		clients: make(map[int32]*wsClient),
	}

	mux.Use(middleware.Recoverer)
	mux.Get("/ws", s.handleWS)
	mux.With(middleware.AllowContentType("application/json")).Post("/", s.handleRPC)

	return s, nil
}

// Run starts the server and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.log.Errorf("can't listen on %s, wallet rpc quitting: %v", s.addr, err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := s.srv.Shutdown(context.Background()); err != nil {
			s.log.Errorf("problem shutting down wallet rpc: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readNotifications(ctx)
	}()

	s.log.Infof("wallet rpc listening on http://%s", s.addr)
	err = s.srv.Serve(listener)
	if !errors.Is(err, http.ErrServerClosed) {
		s.log.Warnf("unexpected (http.Server).Serve error: %v", err)
	}
	s.log.Infof("wallet rpc off")

	// Shutdown does not deal with hijacked websocket connections.
	s.mtx.Lock()
	for _, cl := range s.clients {
		cl.disconnect()
	}
	s.mtx.Unlock()

	wg.Wait()
}

// handleRPC dispatches a JSON-RPC 2.0 request.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, &rpcResponse{JSONRPC: "2.0", Error: &rpcError{codeParse, "parse error"}})
		return
	}
	if req.Method == "" {
		writeResponse(w, &rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{codeInvalidReq, "no method"}})
		return
	}

	result, rpcErr := s.dispatch(r.Context(), &req)
	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		s.log.Debugf("rpc %s error: %d %s", req.Method, rpcErr.Code, rpcErr.Message)
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, req *rpcRequest) (interface{}, *rpcError) {
	switch req.Method {
	case "eth_accounts", "eth_requestAccounts":
		return s.handleAccounts()
	case "eth_chainId":
		return s.handleChainID()
	case "eth_sendTransaction":
		return s.handleSendTransaction(ctx, req.Params)
	case "eth_estimateGas":
		return s.handleEstimateGas(ctx, req.Params)
	case "eth_sendUserOperation":
		return s.handleSendUserOperation(ctx, req.Params)
	case "eth_estimateUserOperationGas":
		return s.handleEstimateUserOperationGas(ctx, req.Params)
	case "custom_estimateGasPrice":
		return s.handleEstimateGasPrice(ctx)
	}
	return nil, &rpcError{codeNoMethod, fmt.Sprintf("unknown method %q", req.Method)}
}

// engineError maps engine failures to protocol error objects. User
// rejections get the EIP-1193 code so dapps can distinguish a "no" from a
// failure.
func engineError(err error) *rpcError {
	switch {
	case errors.Is(err, engine.ErrAuthorizationRejected),
		errors.Is(err, account.ErrSignCanceled):
		return &rpcError{codeUserRejected, err.Error()}
	case errors.Is(err, state.ErrUnknownNetwork),
		errors.Is(err, state.ErrUnknownAccount),
		errors.Is(err, engine.ErrAccountNotLoaded),
		errors.Is(err, engine.ErrBadForm):
		return &rpcError{codeInvalidParam, err.Error()}
	}
	return &rpcError{codeInternal, err.Error()}
}

func (s *Server) handleAccounts() (interface{}, *rpcError) {
	addrs, err := s.eng.Accounts()
	if err != nil {
		return nil, engineError(err)
	}
	return addrs, nil
}

func (s *Server) handleChainID() (interface{}, *rpcError) {
	chainID, err := s.eng.ActiveChainID()
	if err != nil {
		return nil, engineError(err)
	}
	return hexutil.EncodeUint64(chainID), nil
}

func parseIntent(params []json.RawMessage) (*state.TxIntent, *rpcError) {
	if len(params) < 1 {
		return nil, &rpcError{codeInvalidParam, "missing transaction object"}
	}
	intent := new(state.TxIntent)
	if err := json.Unmarshal(params[0], intent); err != nil {
		return nil, &rpcError{codeInvalidParam, "bad transaction object: " + err.Error()}
	}
	return intent, nil
}

// handleSendTransaction runs the full pipeline and blocks until the
// operation lands, returning the hash of the transaction that included it,
// matching what callers of eth_sendTransaction expect.
func (s *Server) handleSendTransaction(ctx context.Context, params []json.RawMessage) (interface{}, *rpcError) {
	intent, rpcErr := parseIntent(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	reqID, err := s.eng.SendActive(ctx, intent)
	if err != nil {
		return nil, engineError(err)
	}
	txHash, err := s.eng.Wait(ctx, reqID)
	if err != nil {
		return nil, engineError(err)
	}
	return txHash.Hex(), nil
}

func (s *Server) handleEstimateGas(ctx context.Context, params []json.RawMessage) (interface{}, *rpcError) {
	intent, rpcErr := parseIntent(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	gas, err := s.eng.EstimateGas(ctx, intent)
	if err != nil {
		return nil, engineError(err)
	}
	return userop.HexBig(gas), nil
}

func parseOpParams(params []json.RawMessage) (*userop.UserOperation, opkit.Address, *rpcError) {
	if len(params) < 2 {
		return nil, opkit.Address{}, &rpcError{codeInvalidParam, "need user operation and entry point"}
	}
	op, err := userop.ParseWire(params[0])
	if err != nil {
		return nil, opkit.Address{}, &rpcError{codeInvalidParam, "bad user operation: " + err.Error()}
	}
	var entryPoint opkit.Address
	if err := json.Unmarshal(params[1], &entryPoint); err != nil {
		return nil, opkit.Address{}, &rpcError{codeInvalidParam, "bad entry point: " + err.Error()}
	}
	return op, entryPoint, nil
}

func (s *Server) handleSendUserOperation(ctx context.Context, params []json.RawMessage) (interface{}, *rpcError) {
	op, entryPoint, rpcErr := parseOpParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	userOpHash, err := s.eng.ForwardUserOperation(ctx, op, entryPoint.Address)
	if err != nil {
		return nil, engineError(err)
	}
	return userOpHash.Hex(), nil
}

func (s *Server) handleEstimateUserOperationGas(ctx context.Context, params []json.RawMessage) (interface{}, *rpcError) {
	op, entryPoint, rpcErr := parseOpParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	limits, err := s.eng.ForwardEstimateGas(ctx, op, entryPoint.Address)
	if err != nil {
		return nil, engineError(err)
	}
	res := map[string]string{
		"callGasLimit":         userop.HexBig(limits.CallGasLimit),
		"verificationGasLimit": userop.HexBig(limits.VerificationGasLimit),
		"preVerificationGas":   userop.HexBig(limits.PreVerificationGas),
	}
	if limits.PaymasterVerificationGasLimit != nil {
		res["paymasterVerificationGasLimit"] = userop.HexBig(limits.PaymasterVerificationGasLimit)
	}
	return res, nil
}

func (s *Server) handleEstimateGasPrice(ctx context.Context) (interface{}, *rpcError) {
	feeData, err := s.eng.EstimateGasPrice(ctx)
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]string{
		"gasPrice":             userop.HexBig(feeData.GasPrice),
		"maxFeePerGas":         userop.HexBig(feeData.MaxFeePerGas),
		"maxPriorityFeePerGas": userop.HexBig(feeData.MaxPriorityFeePerGas),
	}, nil
}
