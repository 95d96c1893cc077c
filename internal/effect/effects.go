package effect

import (
	"fmt"

	"github.com/google/uuid"

	"QuantaLedger/internal/ledger"
	"QuantaLedger/internal/orderbook"
)

// AccountCreate adds a new account to the directory. An account is
// destroyed only by the symmetric revert of this effect.
type AccountCreate struct {
	Base
	RateLimits ledger.RequestRateLimits `json:"rate_limits"`
}

func (e *AccountCreate) Kind() Kind { return KindAccountCreate }

func (e *AccountCreate) Apply(st *ledger.State) error {
	_, err := st.CreateAccount(e.AccountKey, e.RateLimits)
	return err
}

func (e *AccountCreate) Revert(st *ledger.State) error {
	st.RemoveAccount(e.AccountKey)
	return nil
}

// NonceUpdate advances the account's replay guard. OldNonce is recorded so
// the revert restores it exactly.
type NonceUpdate struct {
	Base
	OldNonce uint64 `json:"old_nonce"`
	NewNonce uint64 `json:"new_nonce"`
}

func (e *NonceUpdate) Kind() Kind { return KindNonceUpdate }

func (e *NonceUpdate) Apply(st *ledger.State) error {
	a := st.GetAccount(e.AccountKey)
	if a == nil {
		return ledger.ErrAccountNotFound
	}
	if a.Nonce != e.OldNonce {
		return fmt.Errorf("nonce mismatch for %s: have %d, effect expects %d",
			e.AccountKey, a.Nonce, e.OldNonce)
	}
	a.Nonce = e.NewNonce
	return nil
}

func (e *NonceUpdate) Revert(st *ledger.State) error {
	a := st.GetAccount(e.AccountKey)
	if a == nil {
		return ledger.ErrAccountNotFound
	}
	a.Nonce = e.OldNonce
	return nil
}

// BalanceUpdate credits or debits one asset balance. The unexported created
// flag remembers whether Apply brought the balance entry into existence —
// it lives only for the commit/revert window on the committing node.
type BalanceUpdate struct {
	Base
	Asset ledger.Asset `json:"asset"`
	Delta int64        `json:"delta"`

	created bool
}

func (e *BalanceUpdate) Kind() Kind { return KindBalanceUpdate }

func (e *BalanceUpdate) Apply(st *ledger.State) error {
	a := st.GetAccount(e.AccountKey)
	if a == nil {
		return ledger.ErrAccountNotFound
	}
	created, err := a.UpdateBalance(e.Asset, e.Delta)
	if err != nil {
		return err
	}
	e.created = created
	return nil
}

func (e *BalanceUpdate) Revert(st *ledger.State) error {
	a := st.GetAccount(e.AccountKey)
	if a == nil {
		return ledger.ErrAccountNotFound
	}
	return a.RevertBalanceUpdate(e.Asset, e.Delta, e.created)
}

// LockLiabilities reserves funds against an open order or pending
// withdrawal.
type LockLiabilities struct {
	Base
	Asset  ledger.Asset `json:"asset"`
	Amount int64        `json:"amount"`
}

func (e *LockLiabilities) Kind() Kind { return KindLockLiabilities }

func (e *LockLiabilities) Apply(st *ledger.State) error {
	a := st.GetAccount(e.AccountKey)
	if a == nil {
		return ledger.ErrAccountNotFound
	}
	return a.LockLiabilities(e.Asset, e.Amount)
}

func (e *LockLiabilities) Revert(st *ledger.State) error {
	a := st.GetAccount(e.AccountKey)
	if a == nil {
		return ledger.ErrAccountNotFound
	}
	return a.UnlockLiabilities(e.Asset, e.Amount)
}

// UnlockLiabilities releases part of a reservation without spending it.
type UnlockLiabilities struct {
	Base
	Asset  ledger.Asset `json:"asset"`
	Amount int64        `json:"amount"`
}

func (e *UnlockLiabilities) Kind() Kind { return KindUnlockLiabilities }

func (e *UnlockLiabilities) Apply(st *ledger.State) error {
	a := st.GetAccount(e.AccountKey)
	if a == nil {
		return ledger.ErrAccountNotFound
	}
	return a.UnlockLiabilities(e.Asset, e.Amount)
}

func (e *UnlockLiabilities) Revert(st *ledger.State) error {
	a := st.GetAccount(e.AccountKey)
	if a == nil {
		return ledger.ErrAccountNotFound
	}
	return a.LockLiabilities(e.Asset, e.Amount)
}

// OrderPlaced rests an order on the book. The full order is embedded so a
// replaying auditor (or a revert) needs no external lookup. The reservation
// backing the order was committed by an earlier LockLiabilities in the same
// quantum; placement itself moves no funds.
type OrderPlaced struct {
	Base
	Order orderbook.Order `json:"order"`
}

func (e *OrderPlaced) Kind() Kind { return KindOrderPlaced }

func (e *OrderPlaced) Apply(st *ledger.State) error {
	a := st.GetAccount(e.AccountKey)
	if a == nil {
		return ledger.ErrAccountNotFound
	}
	book := st.Book(ledger.Asset(e.Order.Asset()))
	if err := book.Insert(e.Order); err != nil {
		return err
	}
	a.Orders[e.Order.ID] = struct{}{}
	return nil
}

func (e *OrderPlaced) Revert(st *ledger.State) error {
	a := st.GetAccount(e.AccountKey)
	if a == nil {
		return ledger.ErrAccountNotFound
	}
	book := st.Book(ledger.Asset(e.Order.Asset()))
	if _, err := book.Remove(e.Order.ID); err != nil {
		return err
	}
	delete(a.Orders, e.Order.ID)
	return nil
}

// OrderRemoved takes an order off the book — by cancellation or because a
// match fully filled it — and releases whatever reservation it still held.
// Order is the snapshot at removal time, enough to reverse the removal.
type OrderRemoved struct {
	Base
	Order orderbook.Order `json:"order"`
}

func (e *OrderRemoved) Kind() Kind { return KindOrderRemoved }

// lockRemaining returns the asset and amount still reserved for the order:
// bids hold quote currency, asks hold the traded asset.
func (e *OrderRemoved) lockRemaining() (ledger.Asset, int64) {
	if e.Order.Side() == orderbook.SideBid {
		return ledger.AssetBase, e.Order.QuoteAmount
	}
	return ledger.Asset(e.Order.Asset()), e.Order.Amount
}

func (e *OrderRemoved) Apply(st *ledger.State) error {
	a := st.GetAccount(e.AccountKey)
	if a == nil {
		return ledger.ErrAccountNotFound
	}
	book := st.Book(ledger.Asset(e.Order.Asset()))
	removed, err := book.Remove(e.Order.ID)
	if err != nil {
		return err
	}
	if removed != e.Order {
		// Restoring before failing keeps Apply all-or-nothing.
		book.Insert(removed)
		return fmt.Errorf("order %d: removal snapshot mismatch", e.Order.ID)
	}
	delete(a.Orders, e.Order.ID)
	if asset, remaining := e.lockRemaining(); remaining > 0 {
		return a.UnlockLiabilities(asset, remaining)
	}
	return nil
}

func (e *OrderRemoved) Revert(st *ledger.State) error {
	a := st.GetAccount(e.AccountKey)
	if a == nil {
		return ledger.ErrAccountNotFound
	}
	if asset, remaining := e.lockRemaining(); remaining > 0 {
		if err := a.LockLiabilities(asset, remaining); err != nil {
			return err
		}
	}
	book := st.Book(ledger.Asset(e.Order.Asset()))
	if err := book.Insert(e.Order); err != nil {
		return err
	}
	a.Orders[e.Order.ID] = struct{}{}
	return nil
}

// Trade settles one match between an incoming taker and a resting maker at
// the maker's price. Amount is base units, QuoteAmount the quote units that
// change hands, MakerRelease/TakerRelease the reservations consumed on each
// side (a bid's reservation was taken at its own limit price, so the taker
// side of a bid releases more than it spends and the difference stays
// free).
type Trade struct {
	Base // account is the taker

	Maker        ledger.PublicKey `json:"maker"`
	MakerOrderID uint64           `json:"maker_order_id"`
	TakerSide    orderbook.Side   `json:"taker_side"`
	Asset        ledger.Asset     `json:"trade_asset"`
	Price        float64          `json:"price"`
	Amount       int64            `json:"amount"`
	QuoteAmount  int64            `json:"quote_amount"`
	MakerRelease int64            `json:"maker_release"`
	TakerRelease int64            `json:"taker_release"`

	buyerAssetCreated  bool
	sellerQuoteCreated bool
}

func (e *Trade) Kind() Kind { return KindTrade }

// buyerSeller resolves which party receives the asset and which the quote.
func (e *Trade) buyerSeller() (buyer, seller ledger.PublicKey, buyerRelease, sellerRelease int64) {
	if e.TakerSide == orderbook.SideBid {
		return e.AccountKey, e.Maker, e.TakerRelease, e.MakerRelease
	}
	return e.Maker, e.AccountKey, e.MakerRelease, e.TakerRelease
}

func (e *Trade) Apply(st *ledger.State) error {
	buyerKey, sellerKey, buyerRelease, sellerRelease := e.buyerSeller()
	buyer := st.GetAccount(buyerKey)
	seller := st.GetAccount(sellerKey)
	if buyer == nil || seller == nil {
		return ledger.ErrAccountNotFound
	}

	// Pre-check both debit legs so the mutation below cannot fail halfway.
	// The available checks also guard the ledger invariant: a leg that
	// spends more than it releases must be backed by unlocked funds.
	if bb := buyer.Balance(ledger.AssetBase); bb == nil ||
		bb.Liabilities < buyerRelease || bb.Amount < e.QuoteAmount ||
		bb.Amount-bb.Liabilities < e.QuoteAmount-buyerRelease {
		return fmt.Errorf("trade %d: buyer quote funds inconsistent", e.ApexID)
	}
	if sb := seller.Balance(e.Asset); sb == nil ||
		sb.Liabilities < sellerRelease || sb.Amount < e.Amount ||
		sb.Amount-sb.Liabilities < e.Amount-sellerRelease {
		return fmt.Errorf("trade %d: seller asset funds inconsistent", e.ApexID)
	}

	// Buyer spends reserved quote, seller spends the reserved asset.
	buyer.UnlockLiabilities(ledger.AssetBase, buyerRelease)
	buyer.UpdateBalance(ledger.AssetBase, -e.QuoteAmount)
	seller.UnlockLiabilities(e.Asset, sellerRelease)
	seller.UpdateBalance(e.Asset, -e.Amount)

	created, _ := buyer.UpdateBalance(e.Asset, e.Amount)
	e.buyerAssetCreated = created
	created, _ = seller.UpdateBalance(ledger.AssetBase, e.QuoteAmount)
	e.sellerQuoteCreated = created

	// Decrement the resting maker; full fills are removed by a separate
	// OrderRemoved effect.
	book := st.Book(e.Asset)
	makerQuoteReduce := int64(0)
	if e.TakerSide == orderbook.SideAsk {
		makerQuoteReduce = e.MakerRelease
	}
	return book.Reduce(e.MakerOrderID, e.Amount, makerQuoteReduce)
}

func (e *Trade) Revert(st *ledger.State) error {
	buyerKey, sellerKey, buyerRelease, sellerRelease := e.buyerSeller()
	buyer := st.GetAccount(buyerKey)
	seller := st.GetAccount(sellerKey)
	if buyer == nil || seller == nil {
		return ledger.ErrAccountNotFound
	}

	book := st.Book(e.Asset)
	makerQuoteReduce := int64(0)
	if e.TakerSide == orderbook.SideAsk {
		makerQuoteReduce = e.MakerRelease
	}
	if err := book.Restore(e.MakerOrderID, e.Amount, makerQuoteReduce); err != nil {
		return err
	}

	if err := seller.RevertBalanceUpdate(ledger.AssetBase, e.QuoteAmount, e.sellerQuoteCreated); err != nil {
		return err
	}
	if err := buyer.RevertBalanceUpdate(e.Asset, e.Amount, e.buyerAssetCreated); err != nil {
		return err
	}

	seller.UpdateBalance(e.Asset, e.Amount)
	seller.LockLiabilities(e.Asset, sellerRelease)
	buyer.UpdateBalance(ledger.AssetBase, e.QuoteAmount)
	buyer.LockLiabilities(ledger.AssetBase, buyerRelease)
	return nil
}

// WithdrawalCreate reserves funds for an off-ledger withdrawal. The
// external settlement that later consumes or refunds the reservation is
// driven by provider cursors outside this engine.
type WithdrawalCreate struct {
	Base
	WithdrawalID uuid.UUID    `json:"withdrawal_id"`
	Asset        ledger.Asset `json:"asset"`
	Amount       int64        `json:"amount"`
	Destination  string       `json:"destination"`
}

func (e *WithdrawalCreate) Kind() Kind { return KindWithdrawalCreate }

func (e *WithdrawalCreate) Apply(st *ledger.State) error {
	a := st.GetAccount(e.AccountKey)
	if a == nil {
		return ledger.ErrAccountNotFound
	}
	return a.LockLiabilities(e.Asset, e.Amount)
}

func (e *WithdrawalCreate) Revert(st *ledger.State) error {
	a := st.GetAccount(e.AccountKey)
	if a == nil {
		return ledger.ErrAccountNotFound
	}
	return a.UnlockLiabilities(e.Asset, e.Amount)
}

// CursorUpdate moves a named ledger cursor (for example a payment
// provider's last-settled reference).
type CursorUpdate struct {
	Base
	Name     string `json:"name"`
	OldValue uint64 `json:"old_value"`
	NewValue uint64 `json:"new_value"`

	existed bool
}

func (e *CursorUpdate) Kind() Kind { return KindCursorUpdate }

func (e *CursorUpdate) Apply(st *ledger.State) error {
	_, e.existed = st.Cursors[e.Name]
	st.Cursors[e.Name] = e.NewValue
	return nil
}

func (e *CursorUpdate) Revert(st *ledger.State) error {
	if e.existed {
		st.Cursors[e.Name] = e.OldValue
	} else {
		delete(st.Cursors, e.Name)
	}
	return nil
}

// SettingsUpdate replaces the constellation settings wholesale.
type SettingsUpdate struct {
	Base
	Old ledger.Settings `json:"old"`
	New ledger.Settings `json:"new"`
}

func (e *SettingsUpdate) Kind() Kind { return KindSettingsUpdate }

func (e *SettingsUpdate) Apply(st *ledger.State) error {
	st.Settings = e.New
	return nil
}

func (e *SettingsUpdate) Revert(st *ledger.State) error {
	st.Settings = e.Old
	return nil
}
