// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package walletrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"opkit.org/opkit"
	"opkit.org/opkit/account"
	"opkit.org/opkit/engine"
	"opkit.org/opkit/engine/state"
)

var (
	tLogger  = opkit.StdOutLogger("TEST", opkit.Disabled.Level(), false)
	tAddr    = opkit.NewAddress(common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678"))
	tChainID = uint64(31337)
)

func tNewServer(t *testing.T) (*Server, *state.Actor) {
	t.Helper()
	store, err := state.NewStore(&state.Config{Logger: tLogger})
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	actor := state.NewActor(store, tLogger)

	eng, err := engine.New(&engine.Config{Actor: actor, Logger: tLogger})
	if err != nil {
		t.Fatalf("engine.New error: %v", err)
	}
	s, err := New(&Config{Engine: eng, Addr: "127.0.0.1:0", Logger: tLogger})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return s, actor
}

func tSeedState(t *testing.T, actor *state.Actor) {
	t.Helper()
	err := actor.CreateNetwork(&state.Network{ID: "testnet", ChainID: tChainID})
	if err != nil {
		t.Fatalf("CreateNetwork error: %v", err)
	}
	err = actor.CreateAccount(&state.Account{
		ID:      tAddr.String(),
		ChainID: tChainID,
		Address: tAddr,
		Type:    account.TypeSimple,
	})
	if err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	if err := actor.SwitchNetwork("testnet"); err != nil {
		t.Fatalf("SwitchNetwork error: %v", err)
	}
}

func tCall(t *testing.T, s *Server, body string) *rpcResponse {
	t.Helper()
	r := httptest.NewRequest("POST", "/", bytes.NewReader([]byte(body)))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handleRPC(w, r)
	resp := new(rpcResponse)
	if err := json.NewDecoder(w.Result().Body).Decode(resp); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	return resp
}

func tCallMethod(t *testing.T, s *Server, method string, params ...string) *rpcResponse {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":%q,"params":[%s]}`,
		method, joinParams(params))
	return tCall(t, s, body)
}

func joinParams(params []string) string {
	out := ""
	for i, p := range params {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func TestChainID(t *testing.T) {
	s, actor := tNewServer(t)
	tSeedState(t, actor)

	resp := tCallMethod(t, s, "eth_chainId")
	if resp.Error != nil {
		t.Fatalf("eth_chainId error: %+v", resp.Error)
	}
	if resp.Result != "0x7a69" {
		t.Fatalf("wrong chain ID %v", resp.Result)
	}
}

func TestAccounts(t *testing.T) {
	s, actor := tNewServer(t)
	tSeedState(t, actor)

	for _, method := range []string{"eth_accounts", "eth_requestAccounts"} {
		resp := tCallMethod(t, s, method)
		if resp.Error != nil {
			t.Fatalf("%s error: %+v", method, resp.Error)
		}
		addrs, ok := resp.Result.([]interface{})
		if !ok || len(addrs) != 1 {
			t.Fatalf("%s: wrong result %v", method, resp.Result)
		}
		if addrs[0] != tAddr.String() {
			t.Fatalf("%s: wrong address %v", method, addrs[0])
		}
	}
}

func TestNoActiveNetwork(t *testing.T) {
	s, _ := tNewServer(t)

	resp := tCallMethod(t, s, "eth_chainId")
	if resp.Error == nil {
		t.Fatal("expected error with no active network")
	}
	if resp.Error.Code != codeInvalidParam {
		t.Fatalf("wrong error code %d", resp.Error.Code)
	}
}

func TestBadRequests(t *testing.T) {
	s, actor := tNewServer(t)
	tSeedState(t, actor)

	tests := []struct {
		name, body string
		wantCode   int
	}{{
		name:     "parse error",
		body:     `{"jsonrpc":`,
		wantCode: codeParse,
	}, {
		name:     "no method",
		body:     `{"jsonrpc":"2.0","id":1}`,
		wantCode: codeInvalidReq,
	}, {
		name:     "unknown method",
		body:     `{"jsonrpc":"2.0","id":1,"method":"eth_signTypedData_v9"}`,
		wantCode: codeNoMethod,
	}, {
		name:     "send without params",
		body:     `{"jsonrpc":"2.0","id":1,"method":"eth_sendTransaction"}`,
		wantCode: codeInvalidParam,
	}, {
		name:     "send with junk params",
		body:     `{"jsonrpc":"2.0","id":1,"method":"eth_sendTransaction","params":[5]}`,
		wantCode: codeInvalidParam,
	}, {
		name:     "user op without entry point",
		body:     `{"jsonrpc":"2.0","id":1,"method":"eth_sendUserOperation","params":[{}]}`,
		wantCode: codeInvalidParam,
	}}

	for _, test := range tests {
		resp := tCall(t, s, test.body)
		if resp.Error == nil {
			t.Fatalf("%s: expected an error", test.name)
		}
		if resp.Error.Code != test.wantCode {
			t.Fatalf("%s: wrong code %d, wanted %d", test.name, resp.Error.Code, test.wantCode)
		}
	}
}

func TestEngineErrorMapping(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
	}{
		{engine.ErrAuthorizationRejected, codeUserRejected},
		{opkit.NewError(account.ErrSignCanceled, "nope"), codeUserRejected},
		{state.ErrUnknownAccount, codeInvalidParam},
		{engine.ErrAccountNotLoaded, codeInvalidParam},
		{fmt.Errorf("bundler exploded"), codeInternal},
	}
	for _, test := range tests {
		if code := engineError(test.err).Code; code != test.wantCode {
			t.Fatalf("error %v mapped to %d, wanted %d", test.err, code, test.wantCode)
		}
	}
}
