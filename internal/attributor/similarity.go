package attributor

import (
	"bytes"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/resofield/jamnet/internal/config"
	"github.com/resofield/jamnet/internal/record"
	"github.com/resofield/jamnet/internal/rpc"
)

// phiAnchors are the value alignments probed during coarse classification.
var phiAnchors = []float64{config.Phi, config.PhiInv, config.PhiSq, config.SqrtPhi}

const phiTolerance = 1e-3

// CoarsePattern is what can be read off a candidate transaction without
// decoding its calldata: an action class, the whitelisted tokens referenced
// by the calldata in order of appearance, and a value-alignment flag.
type CoarsePattern struct {
	Action     string
	Tokens     []string
	PhiAligned bool
}

// Coarsify classifies one transaction against the router and token
// whitelists.
func Coarsify(tx *rpc.Transaction, routers map[common.Address]bool, tokens map[common.Address]string) CoarsePattern {
	cp := CoarsePattern{}
	if tx == nil {
		return cp
	}
	if tx.To != nil && routers[*tx.To] {
		cp.Action = "SWAP"
	}
	cp.Tokens = tokenPath(tx.Input, tokens)
	if tx.Value != nil {
		cp.PhiAligned = phiAligned(tx.Value.ToInt())
	}
	return cp
}

// tokenPath scans calldata for 32-byte words whose low 20 bytes are a
// whitelisted token, preserving order of first appearance.
func tokenPath(input []byte, tokens map[common.Address]string) []string {
	if len(input) < 4+32 {
		return nil
	}
	var path []string
	seen := map[string]bool{}
	body := input[4:]
	for off := 0; off+32 <= len(body); off += 32 {
		word := body[off : off+32]
		if !bytes.Equal(word[:12], make([]byte, 12)) {
			continue
		}
		addr := common.BytesToAddress(word[12:])
		sym, ok := tokens[addr]
		if !ok || seen[sym] {
			continue
		}
		seen[sym] = true
		path = append(path, sym)
	}
	return path
}

// phiAligned reports whether the value, read in ETH, sits within tolerance
// of one of the phi anchors.
func phiAligned(wei *big.Int) bool {
	if wei == nil || wei.Sign() == 0 {
		return false
	}
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	for _, anchor := range phiAnchors {
		if math.Abs(eth-anchor) <= phiTolerance {
			return true
		}
	}
	return false
}

// Similarity scores a coarse transaction pattern against a record. Two
// weighted factors, token path and action, plus a flat phi bonus, normalized
// by the factor count. The result is clamped to [0, 1].
func Similarity(rec *record.SignalRecord, cp CoarsePattern) float64 {
	amp, ok := rec.StepFor(record.ActorAmplifier)
	if !ok {
		return 0
	}

	factors := 2.0
	score := pathScore(amp, cp.Tokens)

	if cp.Action != "" && strings.Contains(amp.Action, cp.Action) {
		score += 1
	}
	if cp.PhiAligned {
		score += 0.2
	}

	sim := score / factors
	if sim > 1 {
		sim = 1
	}
	if sim < 0 {
		sim = 0
	}
	return sim
}

// pathScore grades the token overlap: exact ordered pair scores 1, both
// tokens out of order 0.5, a single shared token 0.25.
func pathScore(amp record.Step, tokens []string) float64 {
	idxFrom, idxTo := -1, -1
	for i, t := range tokens {
		if t == amp.From && idxFrom < 0 {
			idxFrom = i
		}
		if t == amp.To && idxTo < 0 {
			idxTo = i
		}
	}
	switch {
	case idxFrom >= 0 && idxTo >= 0 && idxFrom < idxTo:
		return 1
	case idxFrom >= 0 && idxTo >= 0:
		return 0.5
	case idxFrom >= 0 || idxTo >= 0:
		return 0.25
	default:
		return 0
	}
}

// yieldEstimate is the attribution yield proxy: the bot's gas spend scaled
// by floor(phi*100)/100.
func yieldEstimate(gasUsed uint64, effGasPrice *big.Int) *big.Int {
	if effGasPrice == nil {
		return big.NewInt(0)
	}
	spend := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), effGasPrice)
	factor := int64(math.Floor(config.Phi * 100)) // 161
	spend.Mul(spend, big.NewInt(factor))
	return spend.Div(spend, big.NewInt(100))
}
