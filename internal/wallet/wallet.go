// Package wallet holds the signing identities used by the pipeline: the
// primary wallet (emissions, bait, attestations) and the mirror wallet
// (capture bundles). The two must never share a key.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet is one secp256k1 signing identity.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

// FromHex loads a wallet from a hex-encoded private key.
func FromHex(hexKey string, chainID int64) (*Wallet, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	id := big.NewInt(chainID)
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: id,
		signer:  types.NewLondonSigner(id),
	}, nil
}

// Address returns the wallet address.
func (w *Wallet) Address() common.Address { return w.address }

// ChainID returns the chain the wallet signs for.
func (w *Wallet) ChainID() *big.Int { return new(big.Int).Set(w.chainID) }

// SignTx signs a dynamic-fee transaction.
func (w *Wallet) SignTx(txData *types.DynamicFeeTx) (*types.Transaction, error) {
	txData.ChainID = w.chainID
	tx, err := types.SignNewTx(w.key, w.signer, txData)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

// SignMessage produces an EIP-191 "Ethereum Signed Message" signature over
// the given digest, with the recovery id adjusted to 27/28.
func (w *Wallet) SignMessage(digest []byte) ([]byte, error) {
	prefixed := crypto.Keccak256(
		[]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(digest))),
		digest,
	)
	sig, err := crypto.Sign(prefixed, w.key)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
