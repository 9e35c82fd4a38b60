package wallet

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// The address is derived from the key, so it doubles as a parse check.
const testAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func TestFromHex(t *testing.T) {
	w, err := FromHex(testKey, 8453)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddr), w.Address())
	assert.Equal(t, int64(8453), w.ChainID().Int64())

	// 0x prefix and surrounding whitespace are tolerated.
	prefixed, err := FromHex("  0x"+testKey+" ", 8453)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), prefixed.Address())

	_, err = FromHex("not-a-key", 8453)
	assert.Error(t, err)
}

func TestSignTx(t *testing.T) {
	w, err := FromHex(testKey, 8453)
	require.NoError(t, err)

	to := common.HexToAddress("0x00000000000000000000000000000000000dd111")
	tx, err := w.SignTx(&types.DynamicFeeTx{
		Nonce:     7,
		To:        &to,
		Value:     big.NewInt(0),
		Gas:       300_000,
		GasFeeCap: big.NewInt(2_000_000_000),
		GasTipCap: big.NewInt(50_000_000),
	})
	require.NoError(t, err)

	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, int64(8453), tx.ChainId().Int64())

	sender, err := types.Sender(types.NewLondonSigner(big.NewInt(8453)), tx)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), sender)
}

func TestSignMessageRecovers(t *testing.T) {
	w, err := FromHex(testKey, 8453)
	require.NoError(t, err)

	digest := crypto.Keccak256([]byte("attestation payload"))
	sig, err := w.SignMessage(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	// Recover over the EIP-191 prefixed hash with a normalized recovery id.
	prefixed := crypto.Keccak256(
		[]byte("\x19Ethereum Signed Message:\n32"),
		digest,
	)
	norm := make([]byte, 65)
	copy(norm, sig)
	norm[64] -= 27
	pub, err := crypto.SigToPub(prefixed, norm)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), crypto.PubkeyToAddress(*pub))
}
