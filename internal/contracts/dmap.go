// Package contracts binds the two on-chain collaborators the pipeline
// consumes: the DMAP signal registry and the SignalVault. Only calldata
// packing, event parsing and the attestation digest live here; submission
// goes through the rpc client.
package contracts

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const dmapABIJSON = `[
	{"type":"function","name":"registerSignal","stateMutability":"nonpayable","inputs":[{"name":"description","type":"string"},{"name":"categoryId","type":"uint256"}],"outputs":[{"name":"hash","type":"bytes32"}]},
	{"type":"function","name":"emitSignal","stateMutability":"nonpayable","inputs":[{"name":"description","type":"string"},{"name":"categoryId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getSignal","stateMutability":"view","inputs":[{"name":"hash","type":"bytes32"}],"outputs":[{"name":"emitter","type":"address"},{"name":"categoryId","type":"uint256"},{"name":"timestamp","type":"uint256"}]},
	{"type":"event","name":"SignalRegistered","inputs":[{"name":"hash","type":"bytes32","indexed":true}],"anonymous":false}
]`

// DMAP is the signal registry binding.
type DMAP struct {
	addr common.Address
	abi  abi.ABI
}

// NewDMAP binds the registry at addr.
func NewDMAP(addr common.Address) (*DMAP, error) {
	parsed, err := abi.JSON(strings.NewReader(dmapABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse dmap abi: %w", err)
	}
	return &DMAP{addr: addr, abi: parsed}, nil
}

// Address returns the registry address.
func (d *DMAP) Address() common.Address { return d.addr }

// PackRegisterSignal encodes a registerSignal call.
func (d *DMAP) PackRegisterSignal(description string, categoryID *big.Int) ([]byte, error) {
	data, err := d.abi.Pack("registerSignal", description, categoryID)
	if err != nil {
		return nil, fmt.Errorf("pack registerSignal: %w", err)
	}
	return data, nil
}

// PackGetSignal encodes a getSignal call.
func (d *DMAP) PackGetSignal(hash common.Hash) ([]byte, error) {
	data, err := d.abi.Pack("getSignal", hash)
	if err != nil {
		return nil, fmt.Errorf("pack getSignal: %w", err)
	}
	return data, nil
}

// SignalInfo is the decoded getSignal result.
type SignalInfo struct {
	Emitter    common.Address
	CategoryID *big.Int
	Timestamp  *big.Int
}

// UnpackGetSignal decodes a getSignal result.
func (d *DMAP) UnpackGetSignal(data []byte) (*SignalInfo, error) {
	out, err := d.abi.Unpack("getSignal", data)
	if err != nil {
		return nil, fmt.Errorf("unpack getSignal: %w", err)
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("getSignal returned %d values, want 3", len(out))
	}
	info := &SignalInfo{}
	var ok bool
	if info.Emitter, ok = out[0].(common.Address); !ok {
		return nil, fmt.Errorf("getSignal emitter has unexpected type")
	}
	if info.CategoryID, ok = out[1].(*big.Int); !ok {
		return nil, fmt.Errorf("getSignal categoryId has unexpected type")
	}
	if info.Timestamp, ok = out[2].(*big.Int); !ok {
		return nil, fmt.Errorf("getSignal timestamp has unexpected type")
	}
	return info, nil
}

// SignalRegisteredTopic returns the topic0 of the SignalRegistered event.
func (d *DMAP) SignalRegisteredTopic() common.Hash {
	return d.abi.Events["SignalRegistered"].ID
}

// ParseSignalRegistered extracts the signal hash from an event's topics.
func (d *DMAP) ParseSignalRegistered(topics []common.Hash) (common.Hash, error) {
	if len(topics) != 2 || topics[0] != d.SignalRegisteredTopic() {
		return common.Hash{}, fmt.Errorf("not a SignalRegistered log")
	}
	return topics[1], nil
}

// IsEmitSignalCall reports whether calldata targets emitSignal. The
// amplifier uses this to validate signals routed through the vault.
func (d *DMAP) IsEmitSignalCall(input []byte) bool {
	if len(input) < 4 {
		return false
	}
	return bytes.Equal(input[:4], d.abi.Methods["emitSignal"].ID)
}

// RegisterSignalSelector returns the 4-byte registerSignal selector.
func (d *DMAP) RegisterSignalSelector() []byte {
	return d.abi.Methods["registerSignal"].ID
}

// SignalRegisteredSignature is kept for log filters built without a binding.
func SignalRegisteredSignature() common.Hash {
	return crypto.Keccak256Hash([]byte("SignalRegistered(bytes32)"))
}
