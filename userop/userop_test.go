package userop

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"opkit.org/opkit"
)

var (
	tSender     = opkit.NewAddress(common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"))
	tFactory    = opkit.NewAddress(common.HexToAddress("0x1111111111111111111111111111111111111111"))
	tPaymaster  = opkit.NewAddress(common.HexToAddress("0x2222222222222222222222222222222222222222"))
	tEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	tChainID    = big.NewInt(1337)
)

func testOp(t *testing.T, ver Version) *UserOperation {
	t.Helper()
	op, err := New(ver, tSender, opkit.Bytes{0x01, 0x02})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return op
}

func TestNewValidation(t *testing.T) {
	if _, err := New(V0_6, opkit.Address{}, opkit.Bytes{}); err == nil {
		t.Fatal("no error for zero sender")
	}
	if _, err := New(V0_7, tSender, nil); err == nil {
		t.Fatal("no error for nil call data")
	}
	if _, err := New(Version(99), tSender, opkit.Bytes{}); err == nil {
		t.Fatal("no error for unknown version")
	}
	op := testOp(t, V0_6)
	if op.GasEstimated() {
		t.Fatal("fresh op claims gas estimated")
	}
	if op.Final() {
		t.Fatal("fresh op claims final")
	}
}

func TestWrap(t *testing.T) {
	intent := &Intent{
		Sender:      tSender,
		CallData:    opkit.Bytes{0x01},
		Factory:     &tFactory,
		FactoryData: opkit.Bytes{0xaa, 0xbb},
	}

	op, err := Wrap(V0_6, intent)
	if err != nil {
		t.Fatalf("Wrap v0.6 error: %v", err)
	}
	wantInitCode := append(append(opkit.Bytes{}, tFactory.Bytes()...), 0xaa, 0xbb)
	if !op.InitCode.Equal(wantInitCode) {
		t.Fatalf("wrong v0.6 init code %s", op.InitCode)
	}

	op, err = Wrap(V0_7, intent)
	if err != nil {
		t.Fatalf("Wrap v0.7 error: %v", err)
	}
	if op.Factory == nil || *op.Factory != tFactory {
		t.Fatalf("wrong v0.7 factory %v", op.Factory)
	}
	if !op.FactoryData.Equal(intent.FactoryData) {
		t.Fatalf("wrong v0.7 factory data %s", op.FactoryData)
	}

	// No factory means no deployment fields.
	op, err = Wrap(V0_7, &Intent{Sender: tSender, CallData: opkit.Bytes{0x01}})
	if err != nil {
		t.Fatalf("Wrap without factory error: %v", err)
	}
	if op.Factory != nil || len(op.InitCode) != 0 {
		t.Fatal("deployment fields set without a factory")
	}
}

func TestHashDeterminism(t *testing.T) {
	for _, ver := range []Version{V0_6, V0_7} {
		op := testOp(t, ver)
		op.SetNonce(big.NewInt(5))
		op.SetGasFees(big.NewInt(2e9), big.NewInt(1e9))
		op.SetGasLimits(&GasLimits{
			CallGasLimit:         big.NewInt(100_000),
			VerificationGasLimit: big.NewInt(70_000),
			PreVerificationGas:   big.NewInt(21_000),
		})

		h1, err := op.Hash(tEntryPoint, tChainID)
		if err != nil {
			t.Fatalf("%s: Hash error: %v", ver, err)
		}
		h2, err := op.Hash(tEntryPoint, tChainID)
		if err != nil {
			t.Fatalf("%s: second Hash error: %v", ver, err)
		}
		if h1 != h2 {
			t.Fatalf("%s: hash not deterministic: %s != %s", ver, h1, h2)
		}

		// The hash must bind every input.
		op.SetNonce(big.NewInt(6))
		h3, _ := op.Hash(tEntryPoint, tChainID)
		if h3 == h1 {
			t.Fatalf("%s: hash unchanged after nonce change", ver)
		}
		op.SetNonce(big.NewInt(5))
		h4, _ := op.Hash(tEntryPoint, big.NewInt(1))
		if h4 == h1 {
			t.Fatalf("%s: hash unchanged after chain change", ver)
		}
		h5, _ := op.Hash(common.Address{0x01}, tChainID)
		if h5 == h1 {
			t.Fatalf("%s: hash unchanged after entry point change", ver)
		}
	}
}

func TestHashUnknownVersion(t *testing.T) {
	op := testOp(t, V0_6)
	op.Version = Version(42)
	if _, err := op.Hash(tEntryPoint, tChainID); err == nil {
		t.Fatal("no error hashing unknown version")
	}
}

func TestWireRoundTrip(t *testing.T) {
	type tweak func(op *UserOperation)
	tests := []struct {
		name  string
		ver   Version
		tweak tweak
	}{
		{name: "v0.6 plain", ver: V0_6, tweak: func(op *UserOperation) {}},
		{name: "v0.6 with initCode", ver: V0_6, tweak: func(op *UserOperation) {
			op.SetInitCode(tFactory, opkit.Bytes{0xde, 0xad})
		}},
		{name: "v0.6 sponsored", ver: V0_6, tweak: func(op *UserOperation) {
			op.SetPaymasterAndData(append(opkit.Bytes{}, append(tPaymaster.Bytes(), 0x01, 0x02)...))
		}},
		{name: "v0.7 plain", ver: V0_7, tweak: func(op *UserOperation) {}},
		{name: "v0.7 with factory", ver: V0_7, tweak: func(op *UserOperation) {
			op.SetInitCode(tFactory, opkit.Bytes{0xbe, 0xef})
		}},
		{name: "v0.7 sponsored", ver: V0_7, tweak: func(op *UserOperation) {
			op.SetPaymaster(tPaymaster, opkit.Bytes{0x03}, big.NewInt(50_000), big.NewInt(10_000))
		}},
	}

	for _, test := range tests {
		op := testOp(t, test.ver)
		op.SetNonce(big.NewInt(7))
		op.SetGasFees(big.NewInt(3e9), big.NewInt(1e9))
		op.SetGasLimits(&GasLimits{
			CallGasLimit:         big.NewInt(90_000),
			VerificationGasLimit: big.NewInt(60_000),
			PreVerificationGas:   big.NewInt(21_000),
		})
		op.SetSignature(opkit.Bytes{0xff, 0xee})
		test.tweak(op)

		wire, err := op.ToWire()
		if err != nil {
			t.Fatalf("%s: ToWire error: %v", test.name, err)
		}
		raw, err := json.Marshal(wire)
		if err != nil {
			t.Fatalf("%s: marshal error: %v", test.name, err)
		}
		reOp, err := ParseWire(raw)
		if err != nil {
			t.Fatalf("%s: ParseWire error: %v", test.name, err)
		}
		if reOp.Version != test.ver {
			t.Fatalf("%s: version inferred as %s, expected %s", test.name, reOp.Version, test.ver)
		}

		// Hashing covers every consensus field, so hash equality is
		// round-trip equality.
		h1, err := op.Hash(tEntryPoint, tChainID)
		if err != nil {
			t.Fatalf("%s: hash error: %v", test.name, err)
		}
		h2, err := reOp.Hash(tEntryPoint, tChainID)
		if err != nil {
			t.Fatalf("%s: re-hash error: %v", test.name, err)
		}
		if h1 != h2 {
			t.Fatalf("%s: round trip changed the operation", test.name)
		}
		if !reOp.Signature.Equal(op.Signature) {
			t.Fatalf("%s: round trip changed the signature", test.name)
		}
	}
}

func TestCalculateGasFee(t *testing.T) {
	// All-zero gas fields price at zero.
	op := testOp(t, V0_6)
	if fee := op.CalculateGasFee(); fee.Sign() != 0 {
		t.Fatalf("zeroed v0.6 op fee = %s, expected 0", fee)
	}

	op.SetGasFees(big.NewInt(10), big.NewInt(1))
	op.SetGasLimits(&GasLimits{
		CallGasLimit:         big.NewInt(100),
		VerificationGasLimit: big.NewInt(50),
		PreVerificationGas:   big.NewInt(25),
	})
	// (100 + 50 + 25) * 10
	if fee := op.CalculateGasFee(); fee.Cmp(big.NewInt(1750)) != 0 {
		t.Fatalf("unsponsored v0.6 fee = %s, expected 1750", fee)
	}
	// Sponsorship triples the verification charge: (100 + 150 + 25) * 10.
	op.SetPaymasterAndData(append(opkit.Bytes{}, tPaymaster.Bytes()...))
	if fee := op.CalculateGasFee(); fee.Cmp(big.NewInt(2750)) != 0 {
		t.Fatalf("sponsored v0.6 fee = %s, expected 2750", fee)
	}

	op7 := testOp(t, V0_7)
	op7.SetGasFees(big.NewInt(10), big.NewInt(1))
	op7.SetGasLimits(&GasLimits{
		CallGasLimit:                  big.NewInt(100),
		VerificationGasLimit:          big.NewInt(50),
		PreVerificationGas:            big.NewInt(25),
		PaymasterVerificationGasLimit: big.NewInt(30),
		PaymasterPostOpGasLimit:       big.NewInt(20),
	})
	// (50 + 100 + 30 + 20 + 25) * 10
	if fee := op7.CalculateGasFee(); fee.Cmp(big.NewInt(2250)) != 0 {
		t.Fatalf("v0.7 fee = %s, expected 2250", fee)
	}
}

func TestSetPaymasterAndDataV7(t *testing.T) {
	op := testOp(t, V0_7)

	// Shorter than an address means no paymaster.
	op.SetPaymaster(tPaymaster, opkit.Bytes{0x01}, big.NewInt(1), big.NewInt(1))
	if err := op.SetPaymasterAndData(opkit.Bytes{0x01, 0x02}); err != nil {
		t.Fatalf("SetPaymasterAndData error: %v", err)
	}
	if op.Paymaster != nil || op.PaymasterData != nil {
		t.Fatal("short blob did not clear paymaster fields")
	}

	// 20 bytes of address plus opaque tail.
	blob := append(opkit.Bytes{}, tPaymaster.Bytes()...)
	blob = append(blob, 0xaa, 0xbb)
	if err := op.SetPaymasterAndData(blob); err != nil {
		t.Fatalf("SetPaymasterAndData error: %v", err)
	}
	if op.Paymaster == nil || *op.Paymaster != tPaymaster {
		t.Fatalf("paymaster address not split from blob")
	}
	if !op.PaymasterData.Equal(opkit.Bytes{0xaa, 0xbb}) {
		t.Fatalf("paymaster data = %s", op.PaymasterData)
	}
}

func TestStatusPredicates(t *testing.T) {
	op := testOp(t, V0_7)
	op.SetGasFees(big.NewInt(2), big.NewInt(1))
	if op.GasEstimated() {
		t.Fatal("op with no gas limits claims estimated")
	}
	op.SetGasLimits(&GasLimits{
		CallGasLimit:         big.NewInt(1),
		VerificationGasLimit: big.NewInt(1),
		PreVerificationGas:   big.NewInt(1),
	})
	if !op.GasEstimated() {
		t.Fatal("op with all gas fields set not estimated")
	}
	if op.Final() {
		t.Fatal("unsigned op claims final")
	}
	op.SetSignature(opkit.Bytes{0x01})
	if !op.Final() {
		t.Fatal("signed op not final")
	}
}
