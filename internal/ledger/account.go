package ledger

import (
	"encoding/hex"
	"fmt"
	"sort"
)

// PublicKey is an ed25519 public key, the identity of both accounts and
// nodes.
type PublicKey [32]byte

func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// MarshalText encodes the key as hex so JSON snapshots and effect payloads
// stay readable.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(pk[:])), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != len(pk) {
		return fmt.Errorf("public key must be %d bytes, got %d", len(pk), len(b))
	}
	copy(pk[:], b)
	return nil
}

// Asset identifies a settled asset. Asset 0 is the base (quote) currency
// every market trades against.
type Asset uint8

const AssetBase Asset = 0

var (
	assetToID = map[string]Asset{
		"QUANTA": 0,
		"USDC":   1,
		"BTC":    2,
		"ETH":    3,
	}
	idToAsset = map[Asset]string{
		0: "QUANTA",
		1: "USDC",
		2: "BTC",
		3: "ETH",
	}
)

func GetAssetID(asset string) (Asset, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id Asset) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// Balance holds one asset's funds for an account, in integer minor units.
// Liabilities is the portion reserved by open orders and pending
// withdrawals; it can never exceed Amount, and Amount can never go negative.
type Balance struct {
	Asset       Asset
	Amount      int64
	Liabilities int64
}

// Available returns the unreserved portion of the balance.
func (b Balance) Available() int64 {
	return b.Amount - b.Liabilities
}

// Account is one ledger account. Balances stay sorted by asset so state
// digests and snapshots are deterministic. Orders holds the ids of the
// account's live orders. The rate-limit counters carry their own lock (see
// ratelimit.go); everything else is mutated only inside the single-writer
// quantum critical section.
type Account struct {
	PubKey   PublicKey
	Nonce    uint64
	Balances []Balance
	Orders   map[uint64]struct{}

	RateLimits RequestRateLimits
	counter    requestCounter
}

func NewAccount(pk PublicKey, limits RequestRateLimits) *Account {
	return &Account{
		PubKey:     pk,
		Orders:     make(map[uint64]struct{}),
		RateLimits: limits,
	}
}

// Balance returns the account's balance for an asset, or nil when the
// account has never held it.
func (a *Account) Balance(asset Asset) *Balance {
	i := sort.Search(len(a.Balances), func(i int) bool {
		return a.Balances[i].Asset >= asset
	})
	if i < len(a.Balances) && a.Balances[i].Asset == asset {
		return &a.Balances[i]
	}
	return nil
}

// createBalance inserts a zero balance for an asset, keeping the slice
// sorted. It must not already exist.
func (a *Account) createBalance(asset Asset) *Balance {
	i := sort.Search(len(a.Balances), func(i int) bool {
		return a.Balances[i].Asset >= asset
	})
	a.Balances = append(a.Balances, Balance{})
	copy(a.Balances[i+1:], a.Balances[i:])
	a.Balances[i] = Balance{Asset: asset}
	return &a.Balances[i]
}

// dropBalance removes an asset's balance entry. Only the revert of the
// effect that created it may call this, when the entry is back to zero.
func (a *Account) dropBalance(asset Asset) {
	i := sort.Search(len(a.Balances), func(i int) bool {
		return a.Balances[i].Asset >= asset
	})
	if i < len(a.Balances) && a.Balances[i].Asset == asset {
		a.Balances = append(a.Balances[:i], a.Balances[i+1:]...)
	}
}

// UpdateBalance applies a signed delta to an asset balance. The entry is
// created on first credit; created reports that so the symmetric revert can
// drop it again. A delta that would push Amount negative is rejected before
// any mutation.
func (a *Account) UpdateBalance(asset Asset, delta int64) (created bool, err error) {
	b := a.Balance(asset)
	if b == nil {
		if delta < 0 {
			return false, ErrInsufficientBalance
		}
		b = a.createBalance(asset)
		created = true
	}
	if b.Amount+delta < 0 {
		if created {
			a.dropBalance(asset)
		}
		return false, ErrInsufficientBalance
	}
	b.Amount += delta
	return created, nil
}

// RevertBalanceUpdate undoes a previous UpdateBalance. When the update
// created the balance entry, the revert drops it again so the account
// snapshot is restored exactly.
func (a *Account) RevertBalanceUpdate(asset Asset, delta int64, created bool) error {
	if _, err := a.UpdateBalance(asset, -delta); err != nil {
		return err
	}
	if created {
		a.dropBalance(asset)
	}
	return nil
}

// LockLiabilities reserves funds against an open order or pending
// withdrawal. The reservation must fit inside the credited amount.
func (a *Account) LockLiabilities(asset Asset, amount int64) error {
	b := a.Balance(asset)
	if b == nil {
		return ErrInsufficientBalance
	}
	if b.Liabilities+amount > b.Amount {
		return ErrInsufficientBalance
	}
	b.Liabilities += amount
	return nil
}

// UnlockLiabilities releases a previous reservation.
func (a *Account) UnlockLiabilities(asset Asset, amount int64) error {
	b := a.Balance(asset)
	if b == nil || b.Liabilities-amount < 0 {
		return ErrInvalidUnlock
	}
	b.Liabilities -= amount
	return nil
}
