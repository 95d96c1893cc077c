package consensus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"QuantaLedger/internal/ledger"
	"QuantaLedger/internal/observability"
	"QuantaLedger/internal/quantum"
)

// FinalityFunc is invoked exactly once per quantum, when it collects a
// majority of auditor signatures. It receives every signature gathered so
// far, alpha's included.
type FinalityFunc func(q *quantum.Quantum, signatures []quantum.NodeSignature)

type pendingQuantum struct {
	q     *quantum.Quantum
	sigs  map[ledger.PublicKey][]byte
	final bool
}

// MajorityTracker accumulates auditor attestations per quantum and fires
// the finality callback once strictly more than half of the auditors have
// signed. Duplicate and late attestations are absorbed silently; finality
// fires exactly once.
type MajorityTracker struct {
	mu       sync.Mutex
	settings ledger.Settings
	auditors map[ledger.PublicKey]struct{}
	pending  map[uint64]*pendingQuantum
	onFinal  FinalityFunc
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func NewMajorityTracker(settings ledger.Settings, onFinal FinalityFunc, logger zerolog.Logger, metrics *observability.Metrics) *MajorityTracker {
	t := &MajorityTracker{
		pending: make(map[uint64]*pendingQuantum),
		onFinal: onFinal,
		log:     logger.With().Str("component", "majority").Logger(),
		metrics: metrics,
	}
	t.setSettings(settings)
	return t
}

// UpdateSettings swaps the auditor set, for example after a committed
// settings update. Pending quanta keep their collected signatures; the new
// majority bound applies from the next attestation on.
func (t *MajorityTracker) UpdateSettings(settings ledger.Settings) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setSettings(settings)
}

func (t *MajorityTracker) setSettings(settings ledger.Settings) {
	t.settings = settings
	t.auditors = make(map[ledger.PublicKey]struct{}, len(settings.Auditors))
	for _, a := range settings.Auditors {
		t.auditors[a] = struct{}{}
	}
}

// Track registers a freshly produced quantum, seeding it with the
// signatures it already carries (the alpha's own).
func (t *MajorityTracker) Track(q *quantum.Quantum) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[q.Apex]; ok {
		return
	}
	pq := &pendingQuantum{q: q, sigs: make(map[ledger.PublicKey][]byte, len(t.auditors)+1)}
	for _, s := range q.Signatures {
		pq.sigs[s.Node] = s.Signature
	}
	t.pending[q.Apex] = pq
	if t.metrics != nil {
		t.metrics.QuantaPending.Set(float64(len(t.pending)))
	}
}

// AddAttestation records one auditor's signature. The signature is verified
// against the tracked quantum hash; attestations from unknown nodes or over
// a different hash are rejected.
func (t *MajorityTracker) AddAttestation(att quantum.Attestation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pq, ok := t.pending[att.Apex]
	if !ok {
		// Either already finalized and pruned, or never tracked. Late
		// signatures carry no information.
		return nil
	}
	if _, ok := t.auditors[att.Node]; !ok {
		return fmt.Errorf("attestation for apex %d from non-auditor %s", att.Apex, att.Node)
	}
	if !pq.q.VerifyNodeSignature(att.Node, att.Signature) {
		return fmt.Errorf("invalid attestation for apex %d from %s", att.Apex, att.Node)
	}
	if _, dup := pq.sigs[att.Node]; dup {
		return nil
	}
	pq.sigs[att.Node] = att.Signature

	if !pq.final && t.auditorCount(pq) >= t.settings.Majority() {
		pq.final = true
		sigs := t.collect(pq)
		pq.q.Signatures = sigs
		t.log.Debug().Uint64("apex", att.Apex).Int("signatures", len(sigs)).Msg("quantum finalized")
		if t.metrics != nil {
			t.metrics.QuantaFinalized.Inc()
		}
		if t.onFinal != nil {
			t.onFinal(pq.q, sigs)
		}
	}
	return nil
}

// auditorCount counts signatures from current auditors only; the alpha's
// own signature never counts toward the majority.
func (t *MajorityTracker) auditorCount(pq *pendingQuantum) int {
	n := 0
	for node := range pq.sigs {
		if _, ok := t.auditors[node]; ok {
			n++
		}
	}
	return n
}

func (t *MajorityTracker) collect(pq *pendingQuantum) []quantum.NodeSignature {
	sigs := make([]quantum.NodeSignature, 0, len(pq.sigs))
	// Alpha first, then auditors in settings order, so the collected list
	// is deterministic.
	if sig, ok := pq.sigs[t.settings.Alpha]; ok {
		sigs = append(sigs, quantum.NodeSignature{Node: t.settings.Alpha, Signature: sig})
	}
	for _, a := range t.settings.Auditors {
		if sig, ok := pq.sigs[a]; ok {
			sigs = append(sigs, quantum.NodeSignature{Node: a, Signature: sig})
		}
	}
	return sigs
}

// IsFinal reports whether the quantum at apex has reached majority.
func (t *MajorityTracker) IsFinal(apex uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pq, ok := t.pending[apex]
	return ok && pq.final
}

// PruneBelow drops finalized quanta at or below apex. Unfinalized quanta
// are kept — dropping them would lose collected signatures.
func (t *MajorityTracker) PruneBelow(apex uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for a, pq := range t.pending {
		if a <= apex && pq.final {
			delete(t.pending, a)
		}
	}
	if t.metrics != nil {
		t.metrics.QuantaPending.Set(float64(len(t.pending)))
	}
}

// PendingCount returns the number of quanta awaiting majority.
func (t *MajorityTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, pq := range t.pending {
		if !pq.final {
			n++
		}
	}
	return n
}
