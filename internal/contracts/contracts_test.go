package contracts

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	registryAddr = common.HexToAddress("0x00000000000000000000000000000000000dd111")
	vaultAddr    = common.HexToAddress("0x00000000000000000000000000000000000aa001")
)

func newDMAP(t *testing.T) *DMAP {
	t.Helper()
	d, err := NewDMAP(registryAddr)
	if err != nil {
		t.Fatalf("NewDMAP: %v", err)
	}
	return d
}

func TestSignalRegisteredTopicMatchesSignature(t *testing.T) {
	d := newDMAP(t)
	if d.SignalRegisteredTopic() != SignalRegisteredSignature() {
		t.Fatalf("topic %s != signature %s",
			d.SignalRegisteredTopic().Hex(), SignalRegisteredSignature().Hex())
	}
}

func TestParseSignalRegistered(t *testing.T) {
	d := newDMAP(t)
	want := common.HexToHash("0xbeef")

	got, err := d.ParseSignalRegistered([]common.Hash{d.SignalRegisteredTopic(), want})
	if err != nil {
		t.Fatalf("ParseSignalRegistered: %v", err)
	}
	if got != want {
		t.Fatalf("hash %s, want %s", got.Hex(), want.Hex())
	}

	if _, err := d.ParseSignalRegistered([]common.Hash{d.SignalRegisteredTopic()}); err == nil {
		t.Fatal("missing hash topic accepted")
	}
	if _, err := d.ParseSignalRegistered([]common.Hash{common.HexToHash("0x01"), want}); err == nil {
		t.Fatal("foreign topic0 accepted")
	}
}

func TestRegisterSignalSelector(t *testing.T) {
	d := newDMAP(t)
	data, err := d.PackRegisterSignal("CLASSIC_ARBITRAGE::WETH-USDC", big.NewInt(3))
	if err != nil {
		t.Fatalf("PackRegisterSignal: %v", err)
	}
	if !bytes.Equal(data[:4], d.RegisterSignalSelector()) {
		t.Fatal("packed calldata does not start with the registerSignal selector")
	}
}

func TestIsEmitSignalCall(t *testing.T) {
	d := newDMAP(t)
	data, err := d.abi.Pack("emitSignal", "desc", big.NewInt(1))
	if err != nil {
		t.Fatalf("pack emitSignal: %v", err)
	}
	if !d.IsEmitSignalCall(data) {
		t.Fatal("emitSignal calldata not recognized")
	}

	reg, err := d.PackRegisterSignal("desc", big.NewInt(1))
	if err != nil {
		t.Fatalf("PackRegisterSignal: %v", err)
	}
	if d.IsEmitSignalCall(reg) {
		t.Fatal("registerSignal calldata misclassified as emitSignal")
	}
	if d.IsEmitSignalCall([]byte{0x01}) {
		t.Fatal("short calldata accepted")
	}
}

func TestUnpackGetSignal(t *testing.T) {
	d := newDMAP(t)
	emitter := common.HexToAddress("0xe1")
	ret, err := d.abi.Methods["getSignal"].Outputs.Pack(emitter, big.NewInt(3), big.NewInt(1_700_000_000))
	if err != nil {
		t.Fatalf("pack return: %v", err)
	}

	info, err := d.UnpackGetSignal(ret)
	if err != nil {
		t.Fatalf("UnpackGetSignal: %v", err)
	}
	if info.Emitter != emitter || info.CategoryID.Int64() != 3 || info.Timestamp.Int64() != 1_700_000_000 {
		t.Fatalf("decoded %+v", info)
	}
}

func TestAttestationDigest(t *testing.T) {
	hash := common.HexToHash("0xbeef")
	frontrunner := common.HexToAddress("0xb0b")
	yield := big.NewInt(1234)

	// abi.encode(bytes32, address, uint256) is three left-padded words.
	var buf []byte
	buf = append(buf, hash.Bytes()...)
	buf = append(buf, common.LeftPadBytes(frontrunner.Bytes(), 32)...)
	buf = append(buf, common.BigToHash(yield).Bytes()...)
	want := crypto.Keccak256(buf)

	got := AttestationDigest(hash, frontrunner, yield)
	if !bytes.Equal(got, want) {
		t.Fatal("digest mismatch")
	}
	if len(got) != 32 {
		t.Fatalf("digest length %d", len(got))
	}

	// Any input change moves the digest.
	if bytes.Equal(got, AttestationDigest(hash, frontrunner, big.NewInt(1235))) {
		t.Fatal("digest insensitive to yield")
	}
}

func TestVaultPackAttestYield(t *testing.T) {
	v, err := NewVault(vaultAddr)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	if v.Address() != vaultAddr {
		t.Fatalf("vault address %s", v.Address().Hex())
	}

	sig := make([]byte, 65)
	data, err := v.PackAttestYield(common.HexToHash("0xbeef"), common.HexToAddress("0xb0b"), big.NewInt(99), sig)
	if err != nil {
		t.Fatalf("PackAttestYield: %v", err)
	}
	if !bytes.Equal(data[:4], v.abi.Methods["attestYield"].ID) {
		t.Fatal("attestYield selector mismatch")
	}
}

func TestVaultAuthorizedTrappersRoundTrip(t *testing.T) {
	v, err := NewVault(vaultAddr)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	if _, err := v.PackAuthorizedTrappers(common.HexToAddress("0x7177")); err != nil {
		t.Fatalf("PackAuthorizedTrappers: %v", err)
	}

	ret, err := v.abi.Methods["authorizedTrappers"].Outputs.Pack(true)
	if err != nil {
		t.Fatalf("pack return: %v", err)
	}
	ok, err := v.UnpackAuthorizedTrappers(ret)
	if err != nil {
		t.Fatalf("UnpackAuthorizedTrappers: %v", err)
	}
	if !ok {
		t.Fatal("decoded false, want true")
	}
}

func TestERC20Packing(t *testing.T) {
	e, err := NewERC20()
	if err != nil {
		t.Fatalf("NewERC20: %v", err)
	}

	if _, err := e.PackTransfer(common.HexToAddress("0x3131"), big.NewInt(1)); err != nil {
		t.Fatalf("PackTransfer: %v", err)
	}
	if _, err := e.PackApprove(common.HexToAddress("0x3131"), big.NewInt(1)); err != nil {
		t.Fatalf("PackApprove: %v", err)
	}

	if _, err := e.PackBalanceOf(common.HexToAddress("0x3131")); err != nil {
		t.Fatalf("PackBalanceOf: %v", err)
	}
	ret, err := e.abi.Methods["balanceOf"].Outputs.Pack(big.NewInt(4242))
	if err != nil {
		t.Fatalf("pack return: %v", err)
	}
	bal, err := e.UnpackBalanceOf(ret)
	if err != nil {
		t.Fatalf("UnpackBalanceOf: %v", err)
	}
	if bal.Int64() != 4242 {
		t.Fatalf("balance %d", bal.Int64())
	}
}
