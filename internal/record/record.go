// Package record defines the signal record, the unit of value the pipeline
// emits, amplifies and attributes, and its content-addressed on-disk store.
package record

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Actors for pattern steps.
const (
	ActorAmplifier = "AMPLIFIER"
	ActorMirror    = "MIRROR"
)

// Step is one leg of a pattern: actor swaps From into To.
type Step struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Action string `json:"action"`
	Actor  string `json:"actor"`
}

// Meta carries the audit gate and cosmetic tags.
type Meta struct {
	AuditPass   bool     `json:"auditPass"`
	BaitHooks   []string `json:"baitHooks,omitempty"`
	IntentClass string   `json:"intentClass,omitempty"`
}

// Topology counts cross-chain echo outcomes.
type Topology struct {
	Primary int `json:"primary"`
	Alt     int `json:"alt"`
	Failed  int `json:"failed"`
}

// SignalRecord is one content-addressed signal. Hash is deterministic over
// the pre-hash content; the stamps set after emission (amplification,
// attestation, on-chain identities, echo topology) are excluded from it.
type SignalRecord struct {
	Hash         string  `json:"hash,omitempty"`
	Pattern      string  `json:"pattern"`
	Steps        []Step  `json:"steps"`
	ParentHash   string  `json:"parentHash,omitempty"`
	CascadeDepth int     `json:"cascadeDepth"`
	Resonance    float64 `json:"resonance"`
	Description  string  `json:"description"`
	Category     uint64  `json:"category"`
	// CreatedAt and the later stamps are unix milliseconds.
	CreatedAt          int64  `json:"createdAt"`
	AmplificationAt    int64  `json:"amplificationAt,omitempty"`
	AmplificationBlock uint64 `json:"amplificationBlock,omitempty"`
	AttestedAt         int64  `json:"attestedAt,omitempty"`
	OnchainTx          string `json:"onchainTx,omitempty"`
	OnchainHash        string `json:"onchainHash,omitempty"`
	// OnchainDescription is set when broadcast retries regenerated the
	// payload; Hash always covers the original Description.
	OnchainDescription string   `json:"onchainDescription,omitempty"`
	Meta               Meta     `json:"meta"`
	RecursiveTopology  Topology `json:"recursiveTopology"`
}

// StepFor returns the step executed by the given actor.
func (r *SignalRecord) StepFor(actor string) (Step, bool) {
	for _, s := range r.Steps {
		if s.Actor == actor {
			return s, true
		}
	}
	return Step{}, false
}

// IsReversePattern reports whether the amplifier and mirror steps form a
// reversible swap: amplifier.to == mirror.from and mirror.to ==
// amplifier.from.
func (r *SignalRecord) IsReversePattern() bool {
	amp, okA := r.StepFor(ActorAmplifier)
	mir, okM := r.StepFor(ActorMirror)
	if !okA || !okM {
		return false
	}
	return amp.To == mir.From && mir.To == amp.From
}

// ComputeHash derives the record's content hash: keccak-256 over the
// canonical JSON of the pre-hash content. Re-hashing a stored record must
// reproduce its hash.
func ComputeHash(r *SignalRecord) (string, error) {
	canon, err := Canonicalize(r)
	if err != nil {
		return "", err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(canon)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// Canonicalize serializes the pre-hash content of a record. Struct-driven
// encoding fixes the field order, so the output is a fixed point under
// re-serialization.
func Canonicalize(r *SignalRecord) ([]byte, error) {
	pre := *r
	pre.Hash = ""
	pre.AmplificationAt = 0
	pre.AmplificationBlock = 0
	pre.AttestedAt = 0
	pre.OnchainTx = ""
	pre.OnchainHash = ""
	pre.OnchainDescription = ""
	pre.RecursiveTopology = Topology{}

	data, err := json.Marshal(&pre)
	if err != nil {
		return nil, fmt.Errorf("canonicalize record: %w", err)
	}
	return data, nil
}

// Validate enforces the structural invariants every stored record satisfies.
func (r *SignalRecord) Validate() error {
	if r.Pattern == "" {
		return fmt.Errorf("record has no pattern")
	}
	if r.CascadeDepth < 1 {
		return fmt.Errorf("cascade depth %d below 1", r.CascadeDepth)
	}
	if r.ParentHash != "" && r.CascadeDepth <= 1 {
		return fmt.Errorf("record with parent must have depth > 1")
	}
	if len(r.Steps) != 2 {
		return fmt.Errorf("record has %d steps, want 2", len(r.Steps))
	}
	return nil
}
