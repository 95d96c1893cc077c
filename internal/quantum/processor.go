package quantum

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"QuantaLedger/internal/effect"
	"QuantaLedger/internal/ledger"
	"QuantaLedger/internal/observability"
	"QuantaLedger/internal/orderbook"
)

// Role is the node's place in the constellation.
type Role int

const (
	RoleAlpha Role = iota
	RoleAuditor
)

func (r Role) String() string {
	if r == RoleAlpha {
		return "alpha"
	}
	return "auditor"
}

// Gate reports whether the node currently admits work and records a fatal
// fault. Implemented by the consensus node state manager. Halted is the
// terminal check: a chasing node still replays quanta, a failed or stopped
// one applies nothing further.
type Gate interface {
	AcceptingRequests() bool
	Halted() bool
	Fail(reason string)
}

// Output is one processed quantum handed to the persistence worker.
type Output struct {
	Quantum *Quantum
	Digest  []byte
}

// Result is the client-facing outcome of a request, delivered over the
// notification channel.
type Result struct {
	RequestID uuid.UUID
	Account   ledger.PublicKey
	Apex      uint64
	OrderID   uint64
	Rejected  bool
	Reason    string
}

// Attestation is an auditor's signature over a quantum it verified, sent
// back to the alpha for majority accounting.
type Attestation struct {
	Apex      uint64
	Node      ledger.PublicKey
	Signature []byte
}

// Auditor quanta arriving ahead of the next apex are buffered up to this
// many entries; beyond it the node is too far behind for buffering and the
// catch-up sync takes over.
const maxPendingQuanta = 1024

// withdrawalNamespace derives deterministic withdrawal ids from the apex so
// every node in the constellation produces the same id.
var withdrawalNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Engine is the single-writer sequencing core. All quantum production and
// replay runs under one mutex: apex assignment, effect commit, and hash
// chaining are a single critical section, which is what makes apexes dense
// and the hash chain linear.
type Engine struct {
	role       Role
	st         *ledger.State
	hasher     *Hasher
	apex       uint64
	signingKey ed25519.PrivateKey
	nodeKey    ledger.PublicKey

	gate    Gate
	metrics *observability.Metrics
	log     zerolog.Logger
	nowUs   func() int64

	persistChan chan<- Output
	resultChan  chan<- Result

	// Out-of-order quanta observed by an auditor, keyed by apex.
	pending map[uint64]*Quantum

	mu sync.Mutex
}

// EngineConfig carries everything the engine needs at construction.
type EngineConfig struct {
	Role       Role
	State      *ledger.State
	SigningKey ed25519.PrivateKey
	NodeKey    ledger.PublicKey
	StartApex  uint64
	Hasher     *Hasher
	Gate       Gate
	Metrics    *observability.Metrics
	Logger     zerolog.Logger

	// PersistChan receives every processed quantum with a blocking send:
	// the core stalls until the persistence worker drains, so no quantum
	// is lost. ResultChan is non-blocking with silent drop.
	PersistChan chan<- Output
	ResultChan  chan<- Result

	// NowUs overrides the timestamp source in tests.
	NowUs func() int64
}

func NewEngine(cfg EngineConfig) *Engine {
	h := cfg.Hasher
	if h == nil {
		h = NewHasher()
	}
	nowUs := cfg.NowUs
	if nowUs == nil {
		nowUs = func() int64 { return time.Now().UnixMicro() }
	}
	return &Engine{
		role:        cfg.Role,
		st:          cfg.State,
		hasher:      h,
		apex:        cfg.StartApex,
		signingKey:  cfg.SigningKey,
		nodeKey:     cfg.NodeKey,
		gate:        cfg.Gate,
		metrics:     cfg.Metrics,
		log:         cfg.Logger.With().Str("component", "engine").Logger(),
		nowUs:       nowUs,
		persistChan: cfg.PersistChan,
		resultChan:  cfg.ResultChan,
		pending:     make(map[uint64]*Quantum),
	}
}

// Apex returns the apex of the last processed quantum.
func (p *Engine) Apex() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.apex
}

// State exposes the ledger for read paths. Callers outside the engine may
// only touch it while processing is quiesced.
func (p *Engine) State() *ledger.State { return p.st }

// WithLocked runs fn with the engine quiesced, handing it the ledger, the
// current apex, and the hash chain tip. Used for snapshotting.
func (p *Engine) WithLocked(fn func(st *ledger.State, apex uint64, hashTip [32]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.st, p.apex, p.hasher.PrevHash())
}

// SubmitRequest runs the alpha path: validate, assign the next apex,
// produce and commit effects, chain the hash, sign, and emit. The returned
// quantum is ready for broadcast to the auditors.
func (p *Engine) SubmitRequest(env *Envelope) (*Quantum, error) {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.role != RoleAlpha {
		return nil, ErrNotAlpha
	}
	if p.gate != nil && !p.gate.AcceptingRequests() {
		return nil, ErrNotAccepting
	}

	acct, err := p.admit(env, true)
	if err != nil {
		p.reject(env, err)
		return nil, err
	}

	q, digest, err := p.sequence(env, acct)
	if err != nil {
		p.reject(env, err)
		return nil, err
	}

	q.Signatures = append(q.Signatures, NodeSignature{
		Node:      p.nodeKey,
		Signature: q.SignHash(p.signingKey),
	})

	p.emit(q, digest)

	if p.metrics != nil {
		p.metrics.QuantaProcessed.WithLabelValues(env.Kind.String()).Inc()
		p.metrics.QuantumDuration.WithLabelValues(env.Kind.String()).Observe(time.Since(start).Seconds())
		p.metrics.CurrentApex.Set(float64(p.apex))
	}
	return q, nil
}

// ObserveQuantum runs the auditor path: re-derive the effects from the
// embedded request and compare the resulting hash against the one the alpha
// announced. Quanta arriving out of order are buffered and drained once the
// gap closes. The returned attestations cover every quantum actually
// applied by this call.
func (p *Engine) ObserveQuantum(q *Quantum) ([]Attestation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.role != RoleAuditor {
		return nil, fmt.Errorf("observe on %s node", p.role)
	}
	if p.gate != nil && p.gate.Halted() {
		return nil, ErrNotAccepting
	}

	if q.Apex <= p.apex {
		// Already applied; re-attest so a retransmitting alpha still
		// collects the signature.
		return []Attestation{p.attest(q)}, nil
	}
	if q.Apex > p.apex+1 {
		if len(p.pending) >= maxPendingQuanta {
			p.log.Warn().Uint64("apex", q.Apex).Uint64("have", p.apex).
				Msg("pending buffer full, dropping quantum")
			return nil, nil
		}
		p.pending[q.Apex] = q
		return nil, nil
	}

	var attestations []Attestation
	for next := q; next != nil; {
		if err := p.replayQuantum(next); err != nil {
			return attestations, err
		}
		attestations = append(attestations, p.attest(next))
		delete(p.pending, next.Apex)
		next = p.pending[p.apex+1]
	}
	return attestations, nil
}

// Replay applies a stored quantum during recovery or catch-up sync. It
// follows the same derive-and-compare path as live observation, so a
// corrupt or foreign quantum log is detected rather than applied.
func (p *Engine) Replay(q *Quantum) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.gate != nil && p.gate.Halted() {
		return ErrNotAccepting
	}
	if q.Apex != p.apex+1 {
		return fmt.Errorf("replay apex %d, expected %d", q.Apex, p.apex+1)
	}
	return p.replayQuantum(q)
}

// replayQuantum re-derives q's effects against local state and verifies the
// chained hash. Called with the engine locked and q.Apex == p.apex+1.
func (p *Engine) replayQuantum(q *Quantum) error {
	acct, err := p.admit(q.Envelope, false)
	if err != nil {
		p.failDivergence(q, fmt.Sprintf("admit: %v", err))
		return fmt.Errorf("%w: quantum %d: %v", ErrDivergence, q.Apex, err)
	}

	prev := p.hasher.PrevHash()
	cont := effect.NewContainer(p.st)
	derived := &Quantum{Apex: q.Apex, TimestampUs: q.TimestampUs, Envelope: q.Envelope}

	if err := p.buildEffects(cont, q.Envelope, acct, q.Apex); err != nil {
		if rerr := cont.Revert(); rerr != nil {
			p.fatal(fmt.Sprintf("revert after failed replay of %d: %v", q.Apex, rerr))
			return rerr
		}
		p.failDivergence(q, fmt.Sprintf("derive: %v", err))
		return fmt.Errorf("%w: quantum %d: %v", ErrDivergence, q.Apex, err)
	}
	derived.Effects = cont.Effects()

	digest := p.st.DigestAccounts(derived.AffectedAccounts())
	derived.Hash = p.hasher.ComputeHash(q.Apex, derived.ContentBytes(digest))

	if derived.Hash != q.Hash {
		if rerr := cont.Revert(); rerr != nil {
			p.fatal(fmt.Sprintf("revert after divergence at %d: %v", q.Apex, rerr))
			return rerr
		}
		p.hasher.Rewind(prev)
		p.failDivergence(q, "hash mismatch")
		return fmt.Errorf("%w: quantum %d hash mismatch", ErrDivergence, q.Apex)
	}

	derived.Signatures = q.Signatures
	p.apex = q.Apex
	p.emit(derived, digest)

	if p.metrics != nil {
		p.metrics.QuantaProcessed.WithLabelValues(q.Envelope.Kind.String()).Inc()
		p.metrics.CurrentApex.Set(float64(p.apex))
	}
	return nil
}

func (p *Engine) attest(q *Quantum) Attestation {
	return Attestation{
		Apex:      q.Apex,
		Node:      p.nodeKey,
		Signature: ed25519.Sign(p.signingKey, q.Hash[:]),
	}
}

// admit checks everything that rejects a request without touching state:
// signature, account existence, nonce. Rate limiting is alpha-side
// admission control only — it depends on the local clock, so a replaying
// auditor must skip it or diverge.
func (p *Engine) admit(env *Envelope, rateLimit bool) (*ledger.Account, error) {
	if env.Request == nil || env.Request.RequestKind() != env.Kind {
		return nil, fmt.Errorf("%w: malformed envelope", ErrRejected)
	}
	if !env.VerifySignature() {
		return nil, fmt.Errorf("%w: bad signature", ErrRejected)
	}
	acct := p.st.GetAccount(env.Account)
	if acct == nil {
		return nil, fmt.Errorf("%w: unknown account %s", ErrRejected, env.Account)
	}
	if env.Nonce <= acct.Nonce {
		return nil, fmt.Errorf("%w: nonce %d replayed, account at %d", ErrRejected, env.Nonce, acct.Nonce)
	}
	if rateLimit {
		if err := acct.IncRequestCount(p.nowUs() / 1000); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}
	return acct, nil
}

// sequence assigns the next apex and materializes the quantum. On any
// failure the committed effects are reverted and the apex is not consumed.
func (p *Engine) sequence(env *Envelope, acct *ledger.Account) (*Quantum, []byte, error) {
	apex := p.apex + 1
	cont := effect.NewContainer(p.st)

	if err := p.buildEffects(cont, env, acct, apex); err != nil {
		if rerr := cont.Revert(); rerr != nil {
			p.fatal(fmt.Sprintf("revert after rejected request at apex %d: %v", apex, rerr))
			return nil, nil, rerr
		}
		return nil, nil, err
	}

	q := &Quantum{
		Apex:        apex,
		TimestampUs: p.nowUs(),
		Envelope:    env,
		Effects:     cont.Effects(),
	}
	digest := p.st.DigestAccounts(q.AffectedAccounts())
	q.Hash = p.hasher.ComputeHash(apex, q.ContentBytes(digest))
	p.apex = apex
	return q, digest, nil
}

// emit hands the quantum to persistence (blocking) and the client result
// stream (non-blocking, drop on full).
func (p *Engine) emit(q *Quantum, digest []byte) {
	if p.persistChan != nil {
		p.persistChan <- Output{Quantum: q, Digest: digest}
	}
	p.notify(Result{
		RequestID: q.Envelope.RequestID,
		Account:   q.Envelope.Account,
		Apex:      q.Apex,
		OrderID:   placedOrderID(q.Effects),
	})
}

func (p *Engine) notify(r Result) {
	if p.resultChan == nil {
		return
	}
	select {
	case p.resultChan <- r:
	default:
		// Dropped — result consumers rebuild from the quantum log.
	}
}

func (p *Engine) reject(env *Envelope, err error) {
	p.log.Debug().Str("kind", env.Kind.String()).Str("account", env.Account.String()).
		Err(err).Msg("request rejected")
	if p.metrics != nil {
		p.metrics.RequestsRejected.WithLabelValues(env.Kind.String()).Inc()
	}
	p.notify(Result{
		RequestID: env.RequestID,
		Account:   env.Account,
		Rejected:  true,
		Reason:    err.Error(),
	})
}

func (p *Engine) failDivergence(q *Quantum, reason string) {
	p.log.Error().Uint64("apex", q.Apex).Str("reason", reason).Msg("divergence detected")
	if p.metrics != nil {
		p.metrics.Divergences.Inc()
	}
	if p.gate != nil {
		p.gate.Fail(fmt.Sprintf("divergence at apex %d: %s", q.Apex, reason))
	}
}

func (p *Engine) fatal(reason string) {
	p.log.Error().Str("reason", reason).Msg("engine fault")
	if p.gate != nil {
		p.gate.Fail(reason)
	}
}

// buildEffects translates the request into committed effects. Every path
// commits a NonceUpdate first so a rejected request never burns a nonce
// (the container reverts it with everything else).
func (p *Engine) buildEffects(cont *effect.Container, env *Envelope, acct *ledger.Account, apex uint64) error {
	base := effect.Base{AccountKey: env.Account, ApexID: apex}
	if err := cont.Commit(&effect.NonceUpdate{
		Base:     base,
		OldNonce: acct.Nonce,
		NewNonce: env.Nonce,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	switch r := env.Request.(type) {
	case *OrderPlaceRequest:
		return p.placeOrder(cont, base, r, apex)
	case *OrderCancelRequest:
		return p.cancelOrder(cont, base, acct, r)
	case *PaymentRequest:
		return p.payment(cont, base, acct, r, apex)
	case *WithdrawalRequest:
		return p.withdrawal(cont, base, acct, r, apex)
	case *AccountCreateRequest:
		return p.accountCreate(cont, env.Account, r, apex)
	case *SettingsUpdateRequest:
		return p.settingsUpdate(cont, env.Account, r, apex)
	default:
		return fmt.Errorf("%w: unknown request kind %d", ErrRejected, env.Kind)
	}
}

func validAsset(asset ledger.Asset) bool {
	_, ok := ledger.GetAssetName(asset)
	return ok
}

// placeOrder locks the submitter's funds, matches against the opposite side
// at maker prices, and rests the remainder. Matching is strictly price-time:
// the book's best order is always the next maker.
func (p *Engine) placeOrder(cont *effect.Container, base effect.Base, r *OrderPlaceRequest, apex uint64) error {
	if r.Amount <= 0 {
		return fmt.Errorf("%w: non-positive amount", ErrRejected)
	}
	if !(r.Price > 0) || r.Price > float64(1<<53) {
		return fmt.Errorf("%w: invalid price %v", ErrRejected, r.Price)
	}
	if r.Side != orderbook.SideBid && r.Side != orderbook.SideAsk {
		return fmt.Errorf("%w: invalid side", ErrRejected)
	}
	if r.Asset == ledger.AssetBase || !validAsset(r.Asset) {
		return fmt.Errorf("%w: invalid market asset %d", ErrRejected, r.Asset)
	}

	// Bids reserve quote currency at the limit price, asks reserve the
	// asset itself.
	lockAsset := ledger.Asset(ledger.AssetBase)
	lockAmount := orderbook.QuoteFor(r.Amount, r.Price)
	if r.Side == orderbook.SideAsk {
		lockAsset = r.Asset
		lockAmount = r.Amount
	}
	if lockAmount <= 0 {
		return fmt.Errorf("%w: order value rounds to zero", ErrRejected)
	}
	if err := cont.Commit(&effect.LockLiabilities{Base: base, Asset: lockAsset, Amount: lockAmount}); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	book := p.st.Book(r.Asset)
	remaining := r.Amount
	remainingLock := lockAmount

	for remaining > 0 {
		maker, ok := book.Best(r.Side.Opposite())
		if !ok || !orderbook.Crosses(r.Side, r.Price, maker.Price) {
			break
		}
		if maker.Owner == base.AccountKey {
			return fmt.Errorf("%w: order crosses own resting order %d", ErrRejected, maker.ID)
		}

		match := min(remaining, maker.Amount)
		quote := orderbook.QuoteFor(match, maker.Price)

		// A bid's reservation is rounded once at placement, but fills round
		// per match, so their sum can exceed it. The quote leg is capped at
		// what the fill releases from the buyer's reservation, which keeps
		// liabilities <= amount on every path.
		var makerRelease, takerRelease int64
		if r.Side == orderbook.SideBid {
			makerRelease = match
			takerRelease = min(orderbook.QuoteFor(match, r.Price), remainingLock)
			quote = min(quote, takerRelease)
		} else {
			makerRelease = min(quote, maker.QuoteAmount)
			quote = makerRelease
			takerRelease = match
		}

		fullFill := match == maker.Amount
		if err := cont.Commit(&effect.Trade{
			Base:         base,
			Maker:        maker.Owner,
			MakerOrderID: maker.ID,
			TakerSide:    r.Side,
			Asset:        r.Asset,
			Price:        maker.Price,
			Amount:       match,
			QuoteAmount:  quote,
			MakerRelease: makerRelease,
			TakerRelease: takerRelease,
		}); err != nil {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
		if p.metrics != nil {
			p.metrics.TradesExecuted.Inc()
		}

		remaining -= match
		if r.Side == orderbook.SideBid {
			remainingLock -= takerRelease
		} else {
			remainingLock -= match
		}

		if fullFill {
			// The trade reduced the maker to zero remaining; take the empty
			// shell off the book and free whatever reservation rounding
			// left behind.
			drained, _ := book.Get(maker.ID)
			if err := cont.Commit(&effect.OrderRemoved{
				Base:  effect.Base{AccountKey: maker.Owner, ApexID: apex},
				Order: drained,
			}); err != nil {
				return fmt.Errorf("%w: %v", ErrRejected, err)
			}
		}
	}

	if remaining > 0 {
		order := orderbook.Order{
			ID:     orderbook.EncodeOrderID(uint8(r.Asset), r.Side, r.Price, apex),
			Owner:  base.AccountKey,
			Price:  r.Price,
			Amount: remaining,
		}
		if r.Side == orderbook.SideBid {
			order.QuoteAmount = remainingLock
		}
		return commitRejectable(cont, &effect.OrderPlaced{Base: base, Order: order})
	}
	if r.Side == orderbook.SideBid && remainingLock > 0 {
		// Fully filled below the limit price; the unspent part of the
		// reservation goes back.
		return commitRejectable(cont, &effect.UnlockLiabilities{
			Base: base, Asset: ledger.AssetBase, Amount: remainingLock,
		})
	}
	return nil
}

func (p *Engine) cancelOrder(cont *effect.Container, base effect.Base, acct *ledger.Account, r *OrderCancelRequest) error {
	if _, owned := acct.Orders[r.OrderID]; !owned {
		return fmt.Errorf("%w: order %d not found", ErrRejected, r.OrderID)
	}
	book := p.st.Book(ledger.Asset(orderbook.DecodeAsset(r.OrderID)))
	order, ok := book.Get(r.OrderID)
	if !ok {
		return fmt.Errorf("%w: order %d not on book", ErrRejected, r.OrderID)
	}
	return commitRejectable(cont, &effect.OrderRemoved{Base: base, Order: order})
}

// payment moves unlocked funds; the first payment to an unknown key creates
// the destination account.
func (p *Engine) payment(cont *effect.Container, base effect.Base, acct *ledger.Account, r *PaymentRequest, apex uint64) error {
	if r.Amount <= 0 {
		return fmt.Errorf("%w: non-positive amount", ErrRejected)
	}
	if !validAsset(r.Asset) {
		return fmt.Errorf("%w: unknown asset %d", ErrRejected, r.Asset)
	}
	if r.To == base.AccountKey {
		return fmt.Errorf("%w: payment to self", ErrRejected)
	}
	bal := acct.Balance(r.Asset)
	if bal == nil || bal.Available() < r.Amount {
		return fmt.Errorf("%w: %v", ErrRejected, ledger.ErrInsufficientBalance)
	}

	if p.st.GetAccount(r.To) == nil {
		if err := cont.Commit(&effect.AccountCreate{
			Base:       effect.Base{AccountKey: r.To, ApexID: apex},
			RateLimits: ledger.DefaultRequestRateLimits(),
		}); err != nil {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}
	if err := cont.Commit(&effect.BalanceUpdate{Base: base, Asset: r.Asset, Delta: -r.Amount}); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return commitRejectable(cont, &effect.BalanceUpdate{
		Base:  effect.Base{AccountKey: r.To, ApexID: apex},
		Asset: r.Asset,
		Delta: r.Amount,
	})
}

func (p *Engine) withdrawal(cont *effect.Container, base effect.Base, acct *ledger.Account, r *WithdrawalRequest, apex uint64) error {
	if r.Amount <= 0 {
		return fmt.Errorf("%w: non-positive amount", ErrRejected)
	}
	if !validAsset(r.Asset) {
		return fmt.Errorf("%w: unknown asset %d", ErrRejected, r.Asset)
	}
	if r.Destination == "" {
		return fmt.Errorf("%w: empty destination", ErrRejected)
	}
	bal := acct.Balance(r.Asset)
	if bal == nil || bal.Available() < r.Amount {
		return fmt.Errorf("%w: %v", ErrRejected, ledger.ErrInsufficientBalance)
	}

	var apexBuf [8]byte
	binary.LittleEndian.PutUint64(apexBuf[:], apex)
	return commitRejectable(cont, &effect.WithdrawalCreate{
		Base:         base,
		WithdrawalID: uuid.NewSHA1(withdrawalNamespace, apexBuf[:]),
		Asset:        r.Asset,
		Amount:       r.Amount,
		Destination:  r.Destination,
	})
}

func (p *Engine) accountCreate(cont *effect.Container, submitter ledger.PublicKey, r *AccountCreateRequest, apex uint64) error {
	if submitter != p.st.Settings.Alpha {
		return fmt.Errorf("%w: account creation is restricted to the alpha", ErrRejected)
	}
	limits := r.RateLimits
	if limits == (ledger.RequestRateLimits{}) {
		limits = ledger.DefaultRequestRateLimits()
	}
	return commitRejectable(cont, &effect.AccountCreate{
		Base:       effect.Base{AccountKey: r.NewAccount, ApexID: apex},
		RateLimits: limits,
	})
}

func (p *Engine) settingsUpdate(cont *effect.Container, submitter ledger.PublicKey, r *SettingsUpdateRequest, apex uint64) error {
	if submitter != p.st.Settings.Alpha {
		return fmt.Errorf("%w: settings updates are restricted to the alpha", ErrRejected)
	}
	if r.Settings.Alpha == (ledger.PublicKey{}) {
		return fmt.Errorf("%w: settings without an alpha", ErrRejected)
	}
	return commitRejectable(cont, &effect.SettingsUpdate{
		Base: effect.Base{AccountKey: submitter, ApexID: apex},
		Old:  p.st.Settings,
		New:  r.Settings,
	})
}

func commitRejectable(cont *effect.Container, e effect.Effect) error {
	if err := cont.Commit(e); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

func placedOrderID(effects []effect.Effect) uint64 {
	for _, e := range effects {
		if placed, ok := e.(*effect.OrderPlaced); ok {
			return placed.Order.ID
		}
	}
	return 0
}
