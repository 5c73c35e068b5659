// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"opkit.org/opkit"
)

var (
	tFactoryAddr = common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
	tEntryPoint  = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	tOwnerAddr   = common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
	tAcctAddr    = common.HexToAddress("0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC")
)

type tNode struct {
	callRes []byte
	callErr error
	code    []byte
	codeErr error
	calls   [][]byte
}

func (n *tNode) CallContract(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	n.calls = append(n.calls, data)
	return n.callRes, n.callErr
}

func (n *tNode) CodeAt(_ context.Context, addr common.Address) ([]byte, error) {
	return n.code, n.codeErr
}

type tOwner struct {
	sig     opkit.Bytes
	sigErr  error
	dummy   opkit.Bytes
	signed  [][]byte
}

func (o *tOwner) Sign(_ context.Context, challenge []byte) (opkit.Bytes, error) {
	o.signed = append(o.signed, challenge)
	return o.sig, o.sigErr
}

func (o *tOwner) DummySignature() opkit.Bytes {
	return o.dummy
}

func paddedAddr(addr common.Address) []byte {
	return append(make([]byte, 12), addr.Bytes()...)
}

func TestFactoryDeterminism(t *testing.T) {
	node := &tNode{callRes: paddedAddr(tAcctAddr)}
	f1, err := NewSimpleAccountFactory(node, tFactoryAddr, tOwnerAddr, big.NewInt(1))
	if err != nil {
		t.Fatalf("NewSimpleAccountFactory error: %v", err)
	}
	f2, _ := NewSimpleAccountFactory(node, tFactoryAddr, tOwnerAddr, big.NewInt(1))
	if !bytes.Equal(f1.FactoryData(), f2.FactoryData()) {
		t.Fatal("identical factory inputs produced different call data")
	}
	f3, _ := NewSimpleAccountFactory(node, tFactoryAddr, tOwnerAddr, big.NewInt(2))
	if bytes.Equal(f1.FactoryData(), f3.FactoryData()) {
		t.Fatal("different salt produced identical call data")
	}

	addr1, err := f1.Address(context.Background())
	if err != nil {
		t.Fatalf("Address error: %v", err)
	}
	addr2, _ := f1.Address(context.Background())
	if addr1 != addr2 || addr1.Address != tAcctAddr {
		t.Fatalf("address derivation not stable: %s / %s", addr1, addr2)
	}
	// Both queries must have sent identical call data.
	if !bytes.Equal(node.calls[0], node.calls[1]) {
		t.Fatal("getAddress call data drifted between calls")
	}

	if !bytes.Equal(f1.InitCode()[:20], tFactoryAddr.Bytes()) {
		t.Fatal("initCode does not start with the factory address")
	}
	if !bytes.Equal(f1.InitCode()[20:], f1.FactoryData()) {
		t.Fatal("initCode does not end with the createAccount call data")
	}
}

func TestBuildExecution(t *testing.T) {
	node := &tNode{} // no code: undeployed
	factory, _ := NewSimpleAccountFactory(node, tFactoryAddr, tOwnerAddr, nil)
	acct, err := NewSimpleAccount(context.Background(), &Config{
		Address:    opkit.NewAddress(tAcctAddr),
		EntryPoint: tEntryPoint,
		Factory:    factory,
		Node:       node,
		Owner:      &tOwner{},
	})
	if err != nil {
		t.Fatalf("NewSimpleAccount error: %v", err)
	}

	call := &Call{
		To:    opkit.NewAddress(tOwnerAddr),
		Value: big.NewInt(5),
		Data:  opkit.Bytes{0x01, 0x02},
	}
	exec, err := acct.BuildExecution(context.Background(), call)
	if err != nil {
		t.Fatalf("BuildExecution error: %v", err)
	}
	if !bytes.Equal(exec.CallData[:selectorLen], executeSelector) {
		t.Fatal("call data does not start with the execute selector")
	}
	out, err := executeArgs.Unpack(exec.CallData[selectorLen:])
	if err != nil {
		t.Fatalf("error unpacking execute call data: %v", err)
	}
	if out[0].(common.Address) != tOwnerAddr || out[1].(*big.Int).Int64() != 5 || !bytes.Equal(out[2].([]byte), call.Data) {
		t.Fatalf("execute arguments mangled: %+v", out)
	}
	if exec.Factory == nil || exec.Factory.Address != tFactoryAddr {
		t.Fatal("undeployed account execution missing factory")
	}
	if !bytes.Equal(exec.FactoryData, factory.FactoryData()) {
		t.Fatal("wrong factory data")
	}

	// Deployed account: no deployment fields.
	node.code = []byte{0x60}
	exec, err = acct.BuildExecution(context.Background(), call)
	if err != nil {
		t.Fatalf("BuildExecution (deployed) error: %v", err)
	}
	if exec.Factory != nil || exec.FactoryData != nil {
		t.Fatal("deployed account execution carries deployment fields")
	}
}

func TestNonce(t *testing.T) {
	node := &tNode{callRes: common.BigToHash(big.NewInt(7)).Bytes()}
	acct, _ := NewSimpleAccount(context.Background(), &Config{
		Address:    opkit.NewAddress(tAcctAddr),
		EntryPoint: tEntryPoint,
		Node:       node,
		Owner:      &tOwner{},
	})
	nonce, err := acct.Nonce(context.Background())
	if err != nil {
		t.Fatalf("Nonce error: %v", err)
	}
	if nonce.Int64() != 7 {
		t.Fatalf("nonce = %s, expected 7", nonce)
	}
	if !bytes.Equal(node.calls[0][:selectorLen], getNonceSelector) {
		t.Fatal("wrong getNonce selector")
	}

	node.callRes = []byte{0x01}
	if _, err := acct.Nonce(context.Background()); !errors.Is(err, ErrBadCallResult) {
		t.Fatalf("expected ErrBadCallResult for short result, got %v", err)
	}
}

func TestDumpRoundTrip(t *testing.T) {
	node := &tNode{}
	owner := &tOwner{}
	factory, _ := NewSimpleAccountFactory(node, tFactoryAddr, tOwnerAddr, big.NewInt(3))
	acct, err := NewSimpleAccount(context.Background(), &Config{
		Address:    opkit.NewAddress(tAcctAddr),
		EntryPoint: tEntryPoint,
		Factory:    factory,
		Node:       node,
		Owner:      owner,
	})
	if err != nil {
		t.Fatalf("NewSimpleAccount error: %v", err)
	}

	dump := acct.Dump()
	if dump.Factory == nil {
		t.Fatal("undeployed account dump elided the factory")
	}
	b, err := json.Marshal(dump)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var reDump Dump
	if err := json.Unmarshal(b, &reDump); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	restored, err := WrapAccount(&reDump, &Deps{Node: node, Owner: owner})
	if err != nil {
		t.Fatalf("WrapAccount error: %v", err)
	}
	if !reflect.DeepEqual(restored.Dump(), dump) {
		t.Fatalf("dump round trip mismatch: %+v != %+v", restored.Dump(), dump)
	}
	simple, ok := restored.(*SimpleAccount)
	if !ok {
		t.Fatalf("restored wrong type %T", restored)
	}
	if !bytes.Equal(simple.factory.queryData, factory.queryData) {
		t.Fatal("getAddress query data not rebuilt correctly")
	}

	// Deployed accounts dump without a factory.
	node.code = []byte{0x60}
	if _, err := acct.Deployed(context.Background()); err != nil {
		t.Fatalf("Deployed error: %v", err)
	}
	if acct.Dump().Factory != nil {
		t.Fatal("deployed account dump still carries the factory")
	}
}

func TestWrapAccountErrors(t *testing.T) {
	deps := &Deps{Node: &tNode{}, Owner: &tOwner{}}
	if _, err := WrapAccount(&Dump{Type: "weird", Address: opkit.NewAddress(tAcctAddr)}, deps); err == nil {
		t.Fatal("no error for unknown account type")
	}
	if _, err := WrapAccount(&Dump{Type: TypeSimple}, deps); err == nil {
		t.Fatal("no error for missing address")
	}
}
