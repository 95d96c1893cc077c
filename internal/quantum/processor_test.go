package quantum_test

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"QuantaLedger/internal/effect"
	"QuantaLedger/internal/ledger"
	"QuantaLedger/internal/orderbook"
	"QuantaLedger/internal/quantum"
	"QuantaLedger/internal/testutil"
)

// fakeGate records failures without a full node state machine.
type fakeGate struct {
	accepting bool
	failed    string
}

func (g *fakeGate) AcceptingRequests() bool { return g.accepting }
func (g *fakeGate) Halted() bool { return g.failed != "" }
func (g *fakeGate) Fail(reason string) {
	if g.failed == "" {
		g.failed = reason
	}
}

func newEngine(st *ledger.State, role quantum.Role, kp testutil.Keypair, gate quantum.Gate) *quantum.Engine {
	return quantum.NewEngine(quantum.EngineConfig{
		Role:       role,
		State:      st,
		SigningKey: kp.Priv,
		NodeKey:    kp.Pub,
		Gate:       gate,
		Logger:     zerolog.Nop(),
		NowUs:      func() int64 { return 1_725_000_000_000_000 },
	})
}

// a standard fixture: one alpha, two auditors, two funded client accounts.
func fixture(t *testing.T) (*quantum.Engine, []testutil.Keypair, []testutil.Keypair) {
	t.Helper()
	settings, nodes := testutil.TestSettings(2)
	clients := []testutil.Keypair{testutil.NewKeypair(10), testutil.NewKeypair(11)}
	st := testutil.FundedState(t, settings, append([]testutil.Keypair{nodes[0]}, clients...),
		map[ledger.Asset]int64{ledger.AssetBase: 10_000, 2: 1_000})
	return newEngine(st, quantum.RoleAlpha, nodes[0], &fakeGate{accepting: true}), nodes, clients
}

// ============================================================================
// Test: admission
// ============================================================================

func TestSubmitRequest_BadSignatureRejected(t *testing.T) {
	eng, _, clients := fixture(t)

	env := testutil.SignedEnvelope(clients[0], 1, &quantum.PaymentRequest{
		To: clients[1].Pub, Asset: ledger.AssetBase, Amount: 100,
	})
	env.Nonce = 2 // invalidates the signature

	if _, err := eng.SubmitRequest(env); !errors.Is(err, quantum.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if eng.Apex() != 0 {
		t.Errorf("apex = %d, rejection must not consume an apex", eng.Apex())
	}
}

func TestSubmitRequest_ReplayedNonceRejected(t *testing.T) {
	eng, _, clients := fixture(t)
	env := testutil.SignedEnvelope(clients[0], 1, &quantum.PaymentRequest{
		To: clients[1].Pub, Asset: ledger.AssetBase, Amount: 100,
	})
	if _, err := eng.SubmitRequest(env); err != nil {
		t.Fatal(err)
	}

	replay := testutil.SignedEnvelope(clients[0], 1, &quantum.PaymentRequest{
		To: clients[1].Pub, Asset: ledger.AssetBase, Amount: 100,
	})
	if _, err := eng.SubmitRequest(replay); !errors.Is(err, quantum.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected for replayed nonce", err)
	}
	if eng.Apex() != 1 {
		t.Errorf("apex = %d, want 1", eng.Apex())
	}
}

func TestSubmitRequest_NonceGapAccepted(t *testing.T) {
	eng, _, clients := fixture(t)

	// Any nonce above the account's is fresh; clients may skip values.
	env := testutil.SignedEnvelope(clients[0], 5, &quantum.PaymentRequest{
		To: clients[1].Pub, Asset: ledger.AssetBase, Amount: 100,
	})
	if _, err := eng.SubmitRequest(env); err != nil {
		t.Fatalf("gapped nonce: %v", err)
	}
	if got := eng.State().GetAccount(clients[0].Pub).Nonce; got != 5 {
		t.Errorf("account nonce = %d, want 5", got)
	}

	stale := testutil.SignedEnvelope(clients[0], 3, &quantum.PaymentRequest{
		To: clients[1].Pub, Asset: ledger.AssetBase, Amount: 100,
	})
	if _, err := eng.SubmitRequest(stale); !errors.Is(err, quantum.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected below account nonce", err)
	}
}

func TestSubmitRequest_UnknownAccountRejected(t *testing.T) {
	eng, _, _ := fixture(t)
	stranger := testutil.NewKeypair(99)
	env := testutil.SignedEnvelope(stranger, 1, &quantum.OrderCancelRequest{OrderID: 1})
	if _, err := eng.SubmitRequest(env); !errors.Is(err, quantum.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestSubmitRequest_GateClosed(t *testing.T) {
	settings, nodes := testutil.TestSettings(1)
	st := testutil.FundedState(t, settings, nodes[:1], nil)
	eng := newEngine(st, quantum.RoleAlpha, nodes[0], &fakeGate{accepting: false})

	env := testutil.SignedEnvelope(nodes[0], 1, &quantum.OrderCancelRequest{OrderID: 1})
	if _, err := eng.SubmitRequest(env); !errors.Is(err, quantum.ErrNotAccepting) {
		t.Fatalf("err = %v, want ErrNotAccepting", err)
	}
}

func TestSubmitRequest_RejectionDoesNotBurnNonce(t *testing.T) {
	eng, _, clients := fixture(t)

	// Insufficient funds: the nonce update commits first and is reverted
	// with the rejection, so the same nonce works on retry.
	env := testutil.SignedEnvelope(clients[0], 1, &quantum.PaymentRequest{
		To: clients[1].Pub, Asset: ledger.AssetBase, Amount: 1_000_000,
	})
	if _, err := eng.SubmitRequest(env); !errors.Is(err, quantum.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}

	retry := testutil.SignedEnvelope(clients[0], 1, &quantum.PaymentRequest{
		To: clients[1].Pub, Asset: ledger.AssetBase, Amount: 100,
	})
	if _, err := eng.SubmitRequest(retry); err != nil {
		t.Fatalf("retry with same nonce: %v", err)
	}
	if eng.Apex() != 1 {
		t.Errorf("apex = %d, want 1", eng.Apex())
	}
}

func TestSubmitRequest_RateLimited(t *testing.T) {
	settings, nodes := testutil.TestSettings(1)
	settings.RateLimits = ledger.RequestRateLimits{PerMinute: 1, PerHour: 100}
	client := testutil.NewKeypair(10)
	st := testutil.FundedState(t, settings, []testutil.Keypair{nodes[0], client},
		map[ledger.Asset]int64{ledger.AssetBase: 10_000})
	eng := newEngine(st, quantum.RoleAlpha, nodes[0], &fakeGate{accepting: true})

	first := testutil.SignedEnvelope(client, 1, &quantum.PaymentRequest{
		To: nodes[0].Pub, Asset: ledger.AssetBase, Amount: 1,
	})
	if _, err := eng.SubmitRequest(first); err != nil {
		t.Fatalf("first: %v", err)
	}
	second := testutil.SignedEnvelope(client, 2, &quantum.PaymentRequest{
		To: nodes[0].Pub, Asset: ledger.AssetBase, Amount: 1,
	})
	if _, err := eng.SubmitRequest(second); !errors.Is(err, quantum.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected from rate limit", err)
	}
}

func TestSubmitRequest_ConcurrentApexesDense(t *testing.T) {
	const n = 32
	settings, nodes := testutil.TestSettings(1)
	accounts := []testutil.Keypair{nodes[0]}
	clients := make([]testutil.Keypair, n)
	for i := range clients {
		clients[i] = testutil.NewKeypair(byte(20 + i))
		accounts = append(accounts, clients[i])
	}
	st := testutil.FundedState(t, settings, accounts,
		map[ledger.Asset]int64{ledger.AssetBase: 1_000})
	eng := newEngine(st, quantum.RoleAlpha, nodes[0], &fakeGate{accepting: true})

	apexes := make(chan uint64, n)
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c testutil.Keypair) {
			defer wg.Done()
			env := testutil.SignedEnvelope(c, 1, &quantum.PaymentRequest{
				To: nodes[0].Pub, Asset: ledger.AssetBase, Amount: 1,
			})
			q, err := eng.SubmitRequest(env)
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			apexes <- q.Apex
		}(c)
	}
	wg.Wait()
	close(apexes)

	got := make([]uint64, 0, n)
	for a := range apexes {
		got = append(got, a)
	}
	if len(got) != n {
		t.Fatalf("accepted %d of %d requests", len(got), n)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, a := range got {
		if a != uint64(i+1) {
			t.Fatalf("apexes have gaps or repeats: position %d holds %d", i, a)
		}
	}
}

// ============================================================================
// Test: payments and withdrawals
// ============================================================================

func TestPayment_MovesFunds(t *testing.T) {
	eng, _, clients := fixture(t)

	env := testutil.SignedEnvelope(clients[0], 1, &quantum.PaymentRequest{
		To: clients[1].Pub, Asset: 2, Amount: 250,
	})
	q, err := eng.SubmitRequest(env)
	if err != nil {
		t.Fatal(err)
	}
	if q.Apex != 1 {
		t.Errorf("apex = %d, want 1", q.Apex)
	}

	st := eng.State()
	if got := st.GetAccount(clients[0].Pub).Balance(2).Amount; got != 750 {
		t.Errorf("sender = %d, want 750", got)
	}
	if got := st.GetAccount(clients[1].Pub).Balance(2).Amount; got != 1250 {
		t.Errorf("recipient = %d, want 1250", got)
	}
}

func TestPayment_ToSelfRejected(t *testing.T) {
	eng, _, clients := fixture(t)
	env := testutil.SignedEnvelope(clients[0], 1, &quantum.PaymentRequest{
		To: clients[0].Pub, Asset: 2, Amount: 10,
	})
	if _, err := eng.SubmitRequest(env); !errors.Is(err, quantum.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestPayment_CreatesRecipientAccount(t *testing.T) {
	eng, _, clients := fixture(t)
	newcomer := testutil.NewKeypair(50)

	env := testutil.SignedEnvelope(clients[0], 1, &quantum.PaymentRequest{
		To: newcomer.Pub, Asset: ledger.AssetBase, Amount: 500,
	})
	q, err := eng.SubmitRequest(env)
	if err != nil {
		t.Fatal(err)
	}

	acct := eng.State().GetAccount(newcomer.Pub)
	if acct == nil {
		t.Fatal("recipient account not created")
	}
	if acct.RateLimits != ledger.DefaultRequestRateLimits() {
		t.Errorf("rate limits = %+v, want defaults", acct.RateLimits)
	}
	if got := acct.Balance(ledger.AssetBase).Amount; got != 500 {
		t.Errorf("recipient balance = %d, want 500", got)
	}
	if _, ok := q.Effects[1].(*effect.AccountCreate); !ok {
		t.Errorf("effects[1] = %T, want AccountCreate", q.Effects[1])
	}
}

func TestWithdrawal_DeterministicID(t *testing.T) {
	run := func() *effect.WithdrawalCreate {
		eng, _, clients := fixture(t)
		env := testutil.SignedEnvelope(clients[0], 1, &quantum.WithdrawalRequest{
			Asset: 2, Amount: 100, Destination: "bc1q-example",
		})
		q, err := eng.SubmitRequest(env)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range q.Effects {
			if w, ok := e.(*effect.WithdrawalCreate); ok {
				return w
			}
		}
		t.Fatal("no withdrawal effect")
		return nil
	}

	a, b := run(), run()
	if a.WithdrawalID != b.WithdrawalID {
		t.Errorf("withdrawal ids differ across nodes: %s vs %s", a.WithdrawalID, b.WithdrawalID)
	}
}

func TestWithdrawal_LocksFunds(t *testing.T) {
	eng, _, clients := fixture(t)
	env := testutil.SignedEnvelope(clients[0], 1, &quantum.WithdrawalRequest{
		Asset: 2, Amount: 400, Destination: "0xdeadbeef",
	})
	if _, err := eng.SubmitRequest(env); err != nil {
		t.Fatal(err)
	}
	b := eng.State().GetAccount(clients[0].Pub).Balance(2)
	if b.Liabilities != 400 || b.Available() != 600 {
		t.Errorf("balance = %+v, want 400 locked of 1000", b)
	}
}

// ============================================================================
// Test: orders and matching
// ============================================================================

func place(t *testing.T, eng *quantum.Engine, kp testutil.Keypair, nonce uint64,
	side orderbook.Side, price float64, amount int64) *quantum.Quantum {
	t.Helper()
	env := testutil.SignedEnvelope(kp, nonce, &quantum.OrderPlaceRequest{
		Asset: 2, Side: side, Price: price, Amount: amount,
	})
	q, err := eng.SubmitRequest(env)
	if err != nil {
		t.Fatalf("place %s %d @ %v: %v", side, amount, price, err)
	}
	return q
}

func TestPlaceOrder_RestsAndLocks(t *testing.T) {
	eng, _, clients := fixture(t)

	q := place(t, eng, clients[0], 1, orderbook.SideBid, 2.0, 100)

	var placed *effect.OrderPlaced
	for _, e := range q.Effects {
		if p, ok := e.(*effect.OrderPlaced); ok {
			placed = p
		}
	}
	if placed == nil {
		t.Fatal("no OrderPlaced effect")
	}
	if placed.Order.Amount != 100 || placed.Order.QuoteAmount != 200 {
		t.Errorf("resting order = %+v, want amount 100 quote 200", placed.Order)
	}

	b := eng.State().GetAccount(clients[0].Pub).Balance(ledger.AssetBase)
	if b.Liabilities != 200 {
		t.Errorf("quote liabilities = %d, want 200", b.Liabilities)
	}
	if _, ok := eng.State().Book(2).Get(placed.Order.ID); !ok {
		t.Error("order not on book")
	}
}

func TestPlaceOrder_PartialFillAgainstRestingAsk(t *testing.T) {
	eng, _, clients := fixture(t)

	// Resting sell 300 @ 1.9, then an incoming buy 500 @ 2.0: one trade of
	// 300 at the maker's price, the remainder rests with the unspent lock.
	place(t, eng, clients[1], 1, orderbook.SideAsk, 1.9, 300)
	q := place(t, eng, clients[0], 1, orderbook.SideBid, 2.0, 500)

	kinds := make([]effect.Kind, len(q.Effects))
	for i, e := range q.Effects {
		kinds[i] = e.Kind()
	}
	want := []effect.Kind{
		effect.KindNonceUpdate,
		effect.KindLockLiabilities,
		effect.KindTrade,
		effect.KindOrderRemoved,
		effect.KindOrderPlaced,
	}
	for i := range want {
		if i >= len(kinds) || kinds[i] != want[i] {
			t.Fatalf("effect kinds = %v, want %v", kinds, want)
		}
	}

	tr := q.Effects[2].(*effect.Trade)
	if tr.Amount != 300 || tr.Price != 1.9 || tr.QuoteAmount != 570 {
		t.Errorf("trade = %+v, want 300 @ 1.9 for 570", tr)
	}
	if tr.MakerRelease != 300 || tr.TakerRelease != 600 {
		t.Errorf("releases = %d/%d, want 300/600", tr.MakerRelease, tr.TakerRelease)
	}

	rest := q.Effects[4].(*effect.OrderPlaced).Order
	if rest.Amount != 200 || rest.QuoteAmount != 400 {
		t.Errorf("resting remainder = %+v, want amount 200 quote 400", rest)
	}

	st := eng.State()
	buyer := st.GetAccount(clients[0].Pub)
	seller := st.GetAccount(clients[1].Pub)

	if got := buyer.Balance(ledger.AssetBase).Amount; got != 9_430 {
		t.Errorf("buyer quote = %d, want 9430", got)
	}
	if got := buyer.Balance(ledger.AssetBase).Liabilities; got != 400 {
		t.Errorf("buyer quote liabilities = %d, want 400", got)
	}
	if got := buyer.Balance(2).Amount; got != 1_300 {
		t.Errorf("buyer asset = %d, want 1300", got)
	}
	if got := seller.Balance(2).Amount; got != 700 {
		t.Errorf("seller asset = %d, want 700", got)
	}
	if got := seller.Balance(2).Liabilities; got != 0 {
		t.Errorf("seller liabilities = %d, want 0", got)
	}
	if got := seller.Balance(ledger.AssetBase).Amount; got != 10_570 {
		t.Errorf("seller quote = %d, want 10570", got)
	}
}

func TestPlaceOrder_FullFillUnlocksRoundingRemainder(t *testing.T) {
	eng, _, clients := fixture(t)

	// Two resting asks at 1.0 against a bid of 5 @ 1.1: the bid locks
	// round(5.5) = 6 quote units but per-fill releases only sum to 5, so the
	// last unit of the reservation comes back explicitly.
	place(t, eng, clients[1], 1, orderbook.SideAsk, 1.0, 3)
	place(t, eng, clients[1], 2, orderbook.SideAsk, 1.0, 2)
	q := place(t, eng, clients[0], 1, orderbook.SideBid, 1.1, 5)

	last := q.Effects[len(q.Effects)-1]
	unlock, ok := last.(*effect.UnlockLiabilities)
	if !ok {
		t.Fatalf("last effect = %T, want UnlockLiabilities", last)
	}
	if unlock.Amount != 1 {
		t.Errorf("unlock = %d, want 1", unlock.Amount)
	}
	b := eng.State().GetAccount(clients[0].Pub).Balance(ledger.AssetBase)
	if b.Liabilities != 0 {
		t.Errorf("liabilities = %d, want 0", b.Liabilities)
	}
}

func TestPlaceOrder_PerFillRoundingStaysWithinReservation(t *testing.T) {
	settings, nodes := testutil.TestSettings(1)
	maker := testutil.NewKeypair(10)
	seller := testutil.NewKeypair(11)
	st := testutil.FundedState(t, settings, []testutil.Keypair{nodes[0], maker, seller},
		map[ledger.Asset]int64{ledger.AssetBase: 4, 2: 10})
	eng := newEngine(st, quantum.RoleAlpha, nodes[0], &fakeGate{accepting: true})

	// Each bid reserves round(3 * 0.5) = 2 quote units, spending the whole
	// base balance across the two orders.
	for nonce := uint64(1); nonce <= 2; nonce++ {
		env := testutil.SignedEnvelope(maker, nonce, &quantum.OrderPlaceRequest{
			Asset: 2, Side: orderbook.SideBid, Price: 0.5, Amount: 3,
		})
		if _, err := eng.SubmitRequest(env); err != nil {
			t.Fatalf("bid %d: %v", nonce, err)
		}
	}

	// Three 1-unit fills each round to a quote of 1 against a reservation
	// of 2; the final fill's quote leg is capped by what the reservation
	// still holds.
	for nonce := uint64(1); nonce <= 3; nonce++ {
		env := testutil.SignedEnvelope(seller, nonce, &quantum.OrderPlaceRequest{
			Asset: 2, Side: orderbook.SideAsk, Price: 0.5, Amount: 1,
		})
		if _, err := eng.SubmitRequest(env); err != nil {
			t.Fatalf("ask %d: %v", nonce, err)
		}
	}

	mb := st.GetAccount(maker.Pub).Balance(ledger.AssetBase)
	if mb.Liabilities > mb.Amount {
		t.Fatalf("maker base liabilities %d exceed amount %d", mb.Liabilities, mb.Amount)
	}
	if mb.Amount != 2 || mb.Liabilities != 2 {
		t.Errorf("maker base = {amount %d, liabilities %d}, want {2, 2}", mb.Amount, mb.Liabilities)
	}
	if got := st.GetAccount(maker.Pub).Balance(2).Amount; got != 13 {
		t.Errorf("maker asset balance = %d, want 13", got)
	}
	if got := st.GetAccount(seller.Pub).Balance(ledger.AssetBase).Amount; got != 6 {
		t.Errorf("seller quote proceeds = %d, want 6", got)
	}
}

func TestPlaceOrder_SelfCrossRejected(t *testing.T) {
	eng, _, clients := fixture(t)

	place(t, eng, clients[0], 1, orderbook.SideAsk, 1.9, 100)
	env := testutil.SignedEnvelope(clients[0], 2, &quantum.OrderPlaceRequest{
		Asset: 2, Side: orderbook.SideBid, Price: 2.0, Amount: 100,
	})
	_, err := eng.SubmitRequest(env)
	if !errors.Is(err, quantum.ErrRejected) || !strings.Contains(err.Error(), "own resting order") {
		t.Fatalf("err = %v, want self-cross rejection", err)
	}
	// The resting ask is untouched.
	if got := eng.State().GetAccount(clients[0].Pub).Balance(2).Liabilities; got != 100 {
		t.Errorf("liabilities = %d, want 100", got)
	}
}

func TestPlaceOrder_ZeroValueRejected(t *testing.T) {
	eng, _, clients := fixture(t)
	env := testutil.SignedEnvelope(clients[0], 1, &quantum.OrderPlaceRequest{
		Asset: 2, Side: orderbook.SideBid, Price: 0.001, Amount: 1,
	})
	_, err := eng.SubmitRequest(env)
	if !errors.Is(err, quantum.ErrRejected) || !strings.Contains(err.Error(), "rounds to zero") {
		t.Fatalf("err = %v, want rounds-to-zero rejection", err)
	}
}

func TestPlaceOrder_BaseMarketRejected(t *testing.T) {
	eng, _, clients := fixture(t)
	env := testutil.SignedEnvelope(clients[0], 1, &quantum.OrderPlaceRequest{
		Asset: ledger.AssetBase, Side: orderbook.SideBid, Price: 1, Amount: 1,
	})
	if _, err := eng.SubmitRequest(env); !errors.Is(err, quantum.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestCancelOrder_ReleasesLock(t *testing.T) {
	eng, _, clients := fixture(t)

	q := place(t, eng, clients[0], 1, orderbook.SideBid, 2.0, 100)
	var id uint64
	for _, e := range q.Effects {
		if p, ok := e.(*effect.OrderPlaced); ok {
			id = p.Order.ID
		}
	}

	env := testutil.SignedEnvelope(clients[0], 2, &quantum.OrderCancelRequest{OrderID: id})
	if _, err := eng.SubmitRequest(env); err != nil {
		t.Fatal(err)
	}

	if got := eng.State().GetAccount(clients[0].Pub).Balance(ledger.AssetBase).Liabilities; got != 0 {
		t.Errorf("liabilities = %d, want 0", got)
	}
	if _, ok := eng.State().Book(2).Get(id); ok {
		t.Error("order still on book")
	}
}

func TestCancelOrder_ForeignOrderRejected(t *testing.T) {
	eng, _, clients := fixture(t)
	q := place(t, eng, clients[0], 1, orderbook.SideBid, 2.0, 100)
	var id uint64
	for _, e := range q.Effects {
		if p, ok := e.(*effect.OrderPlaced); ok {
			id = p.Order.ID
		}
	}

	env := testutil.SignedEnvelope(clients[1], 1, &quantum.OrderCancelRequest{OrderID: id})
	if _, err := eng.SubmitRequest(env); !errors.Is(err, quantum.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

// ============================================================================
// Test: constellation administration
// ============================================================================

func TestAccountCreate_AlphaOnly(t *testing.T) {
	eng, nodes, clients := fixture(t)
	newcomer := testutil.NewKeypair(60)

	env := testutil.SignedEnvelope(clients[0], 1, &quantum.AccountCreateRequest{NewAccount: newcomer.Pub})
	if _, err := eng.SubmitRequest(env); !errors.Is(err, quantum.ErrRejected) {
		t.Fatalf("non-alpha create err = %v, want ErrRejected", err)
	}

	env = testutil.SignedEnvelope(nodes[0], 1, &quantum.AccountCreateRequest{NewAccount: newcomer.Pub})
	if _, err := eng.SubmitRequest(env); err != nil {
		t.Fatalf("alpha create: %v", err)
	}
	acct := eng.State().GetAccount(newcomer.Pub)
	if acct == nil {
		t.Fatal("account not created")
	}
	if acct.RateLimits != ledger.DefaultRequestRateLimits() {
		t.Errorf("zero-value limits should fall back to defaults, got %+v", acct.RateLimits)
	}
}

func TestSettingsUpdate_AlphaOnly(t *testing.T) {
	eng, nodes, clients := fixture(t)

	updated := eng.State().Settings
	updated.RateLimits = ledger.RequestRateLimits{PerMinute: 5, PerHour: 50}

	env := testutil.SignedEnvelope(clients[0], 1, &quantum.SettingsUpdateRequest{Settings: updated})
	if _, err := eng.SubmitRequest(env); !errors.Is(err, quantum.ErrRejected) {
		t.Fatalf("non-alpha settings err = %v, want ErrRejected", err)
	}

	env = testutil.SignedEnvelope(nodes[0], 1, &quantum.SettingsUpdateRequest{Settings: updated})
	if _, err := eng.SubmitRequest(env); err != nil {
		t.Fatal(err)
	}
	if got := eng.State().Settings.RateLimits.PerMinute; got != 5 {
		t.Errorf("settings not applied, per-minute = %d", got)
	}
}

// ============================================================================
// Test: auditor observation
// ============================================================================

// auditorFixture builds an alpha and an auditor over identically funded
// states.
func auditorFixture(t *testing.T) (alpha, auditor *quantum.Engine, gate *fakeGate, clients []testutil.Keypair) {
	t.Helper()
	settings, nodes := testutil.TestSettings(2)
	clients = []testutil.Keypair{testutil.NewKeypair(10), testutil.NewKeypair(11)}
	balances := map[ledger.Asset]int64{ledger.AssetBase: 10_000, 2: 1_000}
	accounts := append([]testutil.Keypair{nodes[0]}, clients...)

	alphaState := testutil.FundedState(t, settings, accounts, balances)
	auditState := testutil.FundedState(t, settings, accounts, balances)

	gate = &fakeGate{accepting: true}
	alpha = newEngine(alphaState, quantum.RoleAlpha, nodes[0], &fakeGate{accepting: true})
	auditor = newEngine(auditState, quantum.RoleAuditor, nodes[1], gate)
	return alpha, auditor, gate, clients
}

func TestObserveQuantum_AgreesWithAlpha(t *testing.T) {
	alpha, auditor, gate, clients := auditorFixture(t)

	env := testutil.SignedEnvelope(clients[0], 1, &quantum.PaymentRequest{
		To: clients[1].Pub, Asset: 2, Amount: 250,
	})
	q, err := alpha.SubmitRequest(env)
	if err != nil {
		t.Fatal(err)
	}

	atts, err := auditor.ObserveQuantum(q)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if len(atts) != 1 {
		t.Fatalf("attestations = %d, want 1", len(atts))
	}
	if atts[0].Apex != q.Apex {
		t.Errorf("attestation apex = %d, want %d", atts[0].Apex, q.Apex)
	}
	if !q.VerifyNodeSignature(atts[0].Node, atts[0].Signature) {
		t.Error("attestation signature does not verify")
	}
	if auditor.Apex() != 1 {
		t.Errorf("auditor apex = %d, want 1", auditor.Apex())
	}
	if gate.failed != "" {
		t.Errorf("gate failed: %s", gate.failed)
	}

	// Auditor state converged with the alpha.
	if got := auditor.State().GetAccount(clients[1].Pub).Balance(2).Amount; got != 1_250 {
		t.Errorf("auditor recipient balance = %d, want 1250", got)
	}
}

func TestObserveQuantum_ReAttestsAppliedQuantum(t *testing.T) {
	alpha, auditor, _, clients := auditorFixture(t)

	env := testutil.SignedEnvelope(clients[0], 1, &quantum.PaymentRequest{
		To: clients[1].Pub, Asset: 2, Amount: 10,
	})
	q, err := alpha.SubmitRequest(env)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := auditor.ObserveQuantum(q); err != nil {
		t.Fatal(err)
	}

	atts, err := auditor.ObserveQuantum(q)
	if err != nil {
		t.Fatalf("re-observe: %v", err)
	}
	if len(atts) != 1 {
		t.Fatalf("re-attestations = %d, want 1", len(atts))
	}
	if auditor.Apex() != 1 {
		t.Errorf("apex = %d, re-observation must not re-apply", auditor.Apex())
	}
}

func TestObserveQuantum_BuffersOutOfOrder(t *testing.T) {
	alpha, auditor, _, clients := auditorFixture(t)

	var quanta []*quantum.Quantum
	for nonce := uint64(1); nonce <= 3; nonce++ {
		env := testutil.SignedEnvelope(clients[0], nonce, &quantum.PaymentRequest{
			To: clients[1].Pub, Asset: 2, Amount: 10,
		})
		q, err := alpha.SubmitRequest(env)
		if err != nil {
			t.Fatal(err)
		}
		quanta = append(quanta, q)
	}

	for _, q := range []*quantum.Quantum{quanta[2], quanta[1]} {
		atts, err := auditor.ObserveQuantum(q)
		if err != nil {
			t.Fatal(err)
		}
		if len(atts) != 0 {
			t.Fatalf("out-of-order quantum attested early")
		}
	}

	atts, err := auditor.ObserveQuantum(quanta[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 3 {
		t.Fatalf("attestations = %d, want 3 after gap closes", len(atts))
	}
	for i, a := range atts {
		if a.Apex != uint64(i+1) {
			t.Errorf("attestation %d apex = %d, want %d", i, a.Apex, i+1)
		}
	}
	if auditor.Apex() != 3 {
		t.Errorf("auditor apex = %d, want 3", auditor.Apex())
	}
}

func TestObserveQuantum_DivergenceFailsNode(t *testing.T) {
	alpha, auditor, gate, clients := auditorFixture(t)

	env := testutil.SignedEnvelope(clients[0], 1, &quantum.PaymentRequest{
		To: clients[1].Pub, Asset: 2, Amount: 10,
	})
	q, err := alpha.SubmitRequest(env)
	if err != nil {
		t.Fatal(err)
	}
	q.Hash[0] ^= 0xFF

	if _, err := auditor.ObserveQuantum(q); !errors.Is(err, quantum.ErrDivergence) {
		t.Fatalf("err = %v, want ErrDivergence", err)
	}
	if gate.failed == "" {
		t.Error("divergence must fail the node gate")
	}
	if auditor.Apex() != 0 {
		t.Errorf("apex = %d, diverged quantum must not advance", auditor.Apex())
	}
	// State rolled back: the payment never happened locally.
	if got := auditor.State().GetAccount(clients[1].Pub).Balance(2).Amount; got != 1_000 {
		t.Errorf("recipient balance = %d, want untouched 1000", got)
	}
}

func TestObserveQuantum_HaltedNodeRefusesQuanta(t *testing.T) {
	alpha, auditor, gate, clients := auditorFixture(t)

	env := testutil.SignedEnvelope(clients[0], 1, &quantum.PaymentRequest{
		To: clients[1].Pub, Asset: 2, Amount: 10,
	})
	q, err := alpha.SubmitRequest(env)
	if err != nil {
		t.Fatal(err)
	}

	bad := *q
	bad.Hash[0] ^= 0xFF
	if _, err := auditor.ObserveQuantum(&bad); !errors.Is(err, quantum.ErrDivergence) {
		t.Fatalf("err = %v, want ErrDivergence", err)
	}
	if gate.failed == "" {
		t.Fatal("divergence must fail the node gate")
	}

	// Once failed, even the genuine quantum is refused on both paths.
	if _, err := auditor.ObserveQuantum(q); !errors.Is(err, quantum.ErrNotAccepting) {
		t.Fatalf("observe after failure: err = %v, want ErrNotAccepting", err)
	}
	if err := auditor.Replay(q); !errors.Is(err, quantum.ErrNotAccepting) {
		t.Fatalf("replay after failure: err = %v, want ErrNotAccepting", err)
	}
	if auditor.Apex() != 0 {
		t.Errorf("apex = %d, halted node must not advance", auditor.Apex())
	}
}

func TestObserveQuantum_WrongRole(t *testing.T) {
	eng, _, clients := fixture(t)
	env := testutil.SignedEnvelope(clients[0], 1, &quantum.PaymentRequest{
		To: clients[1].Pub, Asset: 2, Amount: 10,
	})
	q, err := eng.SubmitRequest(env)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.ObserveQuantum(q); err == nil {
		t.Error("alpha must not observe quanta")
	}
}

// ============================================================================
// Test: replay
// ============================================================================

func TestReplay_RebuildsIdenticalState(t *testing.T) {
	alpha, _, _, clients := auditorFixture(t)

	var quanta []*quantum.Quantum
	reqs := []quantum.Request{
		&quantum.OrderPlaceRequest{Asset: 2, Side: orderbook.SideAsk, Price: 1.9, Amount: 300},
		&quantum.PaymentRequest{To: clients[0].Pub, Asset: ledger.AssetBase, Amount: 42},
	}
	for i, r := range reqs {
		env := testutil.SignedEnvelope(clients[1], uint64(i+1), r)
		q, err := alpha.SubmitRequest(env)
		if err != nil {
			t.Fatal(err)
		}
		quanta = append(quanta, q)
	}
	bid := testutil.SignedEnvelope(clients[0], 1, &quantum.OrderPlaceRequest{
		Asset: 2, Side: orderbook.SideBid, Price: 2.0, Amount: 500,
	})
	q, err := alpha.SubmitRequest(bid)
	if err != nil {
		t.Fatal(err)
	}
	quanta = append(quanta, q)

	// A cold node replays the log from genesis.
	settings, nodes := testutil.TestSettings(2)
	accounts := append([]testutil.Keypair{nodes[0]}, clients...)
	coldState := testutil.FundedState(t, settings, accounts,
		map[ledger.Asset]int64{ledger.AssetBase: 10_000, 2: 1_000})
	cold := newEngine(coldState, quantum.RoleAuditor, nodes[1], &fakeGate{accepting: true})

	for _, q := range quanta {
		if err := cold.Replay(q); err != nil {
			t.Fatalf("replay %d: %v", q.Apex, err)
		}
	}

	keys := []ledger.PublicKey{clients[0].Pub, clients[1].Pub}
	if string(cold.State().DigestAccounts(keys)) != string(alpha.State().DigestAccounts(keys)) {
		t.Error("replayed state digest differs from the alpha's")
	}
}

func TestReplay_GapRejected(t *testing.T) {
	alpha, auditor, _, clients := auditorFixture(t)

	for nonce := uint64(1); nonce <= 2; nonce++ {
		env := testutil.SignedEnvelope(clients[0], nonce, &quantum.PaymentRequest{
			To: clients[1].Pub, Asset: 2, Amount: 1,
		})
		if _, err := alpha.SubmitRequest(env); err != nil {
			t.Fatal(err)
		}
	}
	env := testutil.SignedEnvelope(clients[0], 3, &quantum.PaymentRequest{
		To: clients[1].Pub, Asset: 2, Amount: 1,
	})
	q3, err := alpha.SubmitRequest(env)
	if err != nil {
		t.Fatal(err)
	}

	if err := auditor.Replay(q3); err == nil {
		t.Error("replaying apex 3 onto apex 0 should fail")
	}
}
