package quantum

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"QuantaLedger/internal/effect"
	"QuantaLedger/internal/ledger"
)

// GenesisHashSeed anchors the hash chain before the first quantum.
const GenesisHashSeed = "QuantaLedger:genesis:v1"

// NodeSignature is one node's signature over a quantum hash.
type NodeSignature struct {
	Node      ledger.PublicKey `json:"node"`
	Signature []byte           `json:"signature"`
}

// Quantum is one sequenced unit of the ledger: the request that caused it,
// the effects it produced, and the chained hash the constellation signs.
// Apexes are dense — quantum N+1 always follows quantum N.
type Quantum struct {
	Apex        uint64          `json:"apex"`
	TimestampUs int64           `json:"timestamp_us"`
	Envelope    *Envelope       `json:"envelope"`
	Effects     []effect.Effect `json:"-"`
	Hash        [32]byte        `json:"hash"`
	Signatures  []NodeSignature `json:"signatures"`
}

// ContentBytes returns the canonical bytes covered by the quantum hash:
// apex, timestamp, the signed envelope, every effect, and the digest of the
// ledger state the effects touched. A replaying auditor that produces a
// different effect list or a different resulting state produces different
// bytes, so one hash comparison detects both kinds of divergence.
func (q *Quantum) ContentBytes(stateDigest []byte) []byte {
	b := make([]byte, 0, 512)
	b = appendUint64(b, q.Apex)
	b = appendInt64(b, q.TimestampUs)
	b = append(b, q.Envelope.SigningBytes()...)
	b = appendUint64(b, uint64(len(q.Envelope.Signature)))
	b = append(b, q.Envelope.Signature...)
	b = appendUint64(b, uint64(len(q.Effects)))
	for _, e := range q.Effects {
		b = appendEffect(b, e)
	}
	return append(b, stateDigest...)
}

// SignHash signs the quantum hash with a node key.
func (q *Quantum) SignHash(priv ed25519.PrivateKey) []byte {
	return ed25519.Sign(priv, q.Hash[:])
}

// VerifyNodeSignature checks one node's signature over the quantum hash.
func (q *Quantum) VerifyNodeSignature(node ledger.PublicKey, sig []byte) bool {
	return len(sig) == ed25519.SignatureSize &&
		ed25519.Verify(ed25519.PublicKey(node[:]), q.Hash[:], sig)
}

// AffectedAccounts returns the deduplicated set of accounts the quantum's
// effects touch, in effect order. State digests are computed over this set.
func (q *Quantum) AffectedAccounts() []ledger.PublicKey {
	seen := make(map[ledger.PublicKey]struct{}, 2)
	var keys []ledger.PublicKey
	for _, e := range q.Effects {
		k := e.Account()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

type quantumJSON struct {
	Apex        uint64          `json:"apex"`
	TimestampUs int64           `json:"timestamp_us"`
	Envelope    *Envelope       `json:"envelope"`
	Effects     json.RawMessage `json:"effects"`
	Hash        []byte          `json:"hash"`
	Signatures  []NodeSignature `json:"signatures"`
}

func (q *Quantum) MarshalJSON() ([]byte, error) {
	effects, err := effect.MarshalList(q.Effects)
	if err != nil {
		return nil, err
	}
	return json.Marshal(quantumJSON{
		Apex:        q.Apex,
		TimestampUs: q.TimestampUs,
		Envelope:    q.Envelope,
		Effects:     effects,
		Hash:        q.Hash[:],
		Signatures:  q.Signatures,
	})
}

func (q *Quantum) UnmarshalJSON(data []byte) error {
	var raw quantumJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	effects, err := effect.UnmarshalList(raw.Effects)
	if err != nil {
		return err
	}
	if len(raw.Hash) != len(q.Hash) {
		return fmt.Errorf("quantum %d: hash is %d bytes", raw.Apex, len(raw.Hash))
	}

	q.Apex = raw.Apex
	q.TimestampUs = raw.TimestampUs
	q.Envelope = raw.Envelope
	q.Effects = effects
	copy(q.Hash[:], raw.Hash)
	q.Signatures = raw.Signatures
	return nil
}

// Hasher maintains the quantum hash chain:
// hash[N] = SHA-256(hash[N-1] || apex || content).
type Hasher struct {
	prevHash [32]byte
}

func NewHasher() *Hasher {
	return &Hasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash chains the next hash and advances the tip.
func (h *Hasher) ComputeHash(apex uint64, content []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var apexBuf [8]byte
	binary.LittleEndian.PutUint64(apexBuf[:], apex)
	hasher.Write(apexBuf[:])

	hasher.Write(content)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// Rewind restores the chain tip after a rejected quantum.
func (h *Hasher) Rewind(prev [32]byte) {
	h.prevHash = prev
}

// PrevHash returns the current chain tip.
func (h *Hasher) PrevHash() [32]byte {
	return h.prevHash
}
