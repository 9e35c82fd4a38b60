package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// ERC20 packs the minimal token surface the amplifier touches.
type ERC20 struct {
	abi abi.ABI
}

// NewERC20 parses the token ABI once; the same instance serves every token.
func NewERC20() (*ERC20, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &ERC20{abi: parsed}, nil
}

// PackBalanceOf encodes a balanceOf call.
func (e *ERC20) PackBalanceOf(owner common.Address) ([]byte, error) {
	data, err := e.abi.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	return data, nil
}

// UnpackBalanceOf decodes a balanceOf result.
func (e *ERC20) UnpackBalanceOf(data []byte) (*big.Int, error) {
	out, err := e.abi.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf returned %d values, want 1", len(out))
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf result has unexpected type")
	}
	return bal, nil
}

// PackTransfer encodes a transfer call.
func (e *ERC20) PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := e.abi.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	return data, nil
}

// PackApprove encodes an approve call.
func (e *ERC20) PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := e.abi.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("pack approve: %w", err)
	}
	return data, nil
}
