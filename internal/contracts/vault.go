package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const vaultABIJSON = `[
	{"type":"function","name":"attestYield","stateMutability":"nonpayable","inputs":[{"name":"signalHash","type":"bytes32"},{"name":"frontrunner","type":"address"},{"name":"yieldAmount","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"authorizedTrappers","stateMutability":"view","inputs":[{"name":"trapper","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"authorizeTrapper","stateMutability":"nonpayable","inputs":[{"name":"trapper","type":"address"}],"outputs":[]}
]`

// Vault is the yield vault binding.
type Vault struct {
	addr common.Address
	abi  abi.ABI
}

// NewVault binds the vault at addr.
func NewVault(addr common.Address) (*Vault, error) {
	parsed, err := abi.JSON(strings.NewReader(vaultABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse vault abi: %w", err)
	}
	return &Vault{addr: addr, abi: parsed}, nil
}

// Address returns the vault address.
func (v *Vault) Address() common.Address { return v.addr }

// PackAttestYield encodes an attestYield call.
func (v *Vault) PackAttestYield(signalHash common.Hash, frontrunner common.Address, yieldAmount *big.Int, signature []byte) ([]byte, error) {
	data, err := v.abi.Pack("attestYield", signalHash, frontrunner, yieldAmount, signature)
	if err != nil {
		return nil, fmt.Errorf("pack attestYield: %w", err)
	}
	return data, nil
}

// PackAuthorizedTrappers encodes an authorizedTrappers view call.
func (v *Vault) PackAuthorizedTrappers(trapper common.Address) ([]byte, error) {
	data, err := v.abi.Pack("authorizedTrappers", trapper)
	if err != nil {
		return nil, fmt.Errorf("pack authorizedTrappers: %w", err)
	}
	return data, nil
}

// UnpackAuthorizedTrappers decodes an authorizedTrappers result.
func (v *Vault) UnpackAuthorizedTrappers(data []byte) (bool, error) {
	out, err := v.abi.Unpack("authorizedTrappers", data)
	if err != nil {
		return false, fmt.Errorf("unpack authorizedTrappers: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("authorizedTrappers returned %d values, want 1", len(out))
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, fmt.Errorf("authorizedTrappers result has unexpected type")
	}
	return ok, nil
}

// PackAuthorizeTrapper encodes a self-authorization call.
func (v *Vault) PackAuthorizeTrapper(trapper common.Address) ([]byte, error) {
	data, err := v.abi.Pack("authorizeTrapper", trapper)
	if err != nil {
		return nil, fmt.Errorf("pack authorizeTrapper: %w", err)
	}
	return data, nil
}

// AttestationDigest computes keccak256(abi.encode(signalHash, frontrunner,
// yieldAmount)), the message the vault verifies under an EIP-191 signature.
func AttestationDigest(signalHash common.Hash, frontrunner common.Address, yieldAmount *big.Int) []byte {
	var buf []byte
	buf = append(buf, signalHash.Bytes()...)
	buf = append(buf, common.LeftPadBytes(frontrunner.Bytes(), 32)...)
	buf = append(buf, common.BigToHash(yieldAmount).Bytes()...)
	return crypto.Keccak256(buf)
}
