package ledger

import (
	"encoding/binary"
	"sort"

	"QuantaLedger/internal/orderbook"
)

// Settings is the constellation configuration sequenced into the ledger at
// init and updated only through committed effects.
type Settings struct {
	Alpha      PublicKey
	Auditors   []PublicKey
	RateLimits RequestRateLimits // defaults for new accounts
}

// Majority is the number of distinct auditor signatures (plus the leader's
// own) required to finalize a quantum: strictly more than half.
func (s Settings) Majority() int {
	return len(s.Auditors)/2 + 1
}

// State is the in-memory ledger: the account directory, one order book per
// market, the constellation settings, and named ledger cursors. It is the
// only shared mutable resource besides the books it owns, and it is mutated
// exclusively through committed effects inside the single-writer quantum
// critical section.
type State struct {
	accounts map[PublicKey]*Account
	books    map[Asset]*orderbook.Book
	Settings Settings
	Cursors  map[string]uint64
}

func NewState(settings Settings) *State {
	return &State{
		accounts: make(map[PublicKey]*Account),
		books:    make(map[Asset]*orderbook.Book),
		Settings: settings,
		Cursors:  make(map[string]uint64),
	}
}

// GetAccount returns an account by public key, or nil.
func (s *State) GetAccount(pk PublicKey) *Account {
	return s.accounts[pk]
}

// CreateAccount adds a new account. Only the AccountCreate effect calls
// this.
func (s *State) CreateAccount(pk PublicKey, limits RequestRateLimits) (*Account, error) {
	if _, exists := s.accounts[pk]; exists {
		return nil, ErrAccountExists
	}
	a := NewAccount(pk, limits)
	s.accounts[pk] = a
	return a, nil
}

// RemoveAccount deletes an account. Only the symmetric revert of
// AccountCreate calls this.
func (s *State) RemoveAccount(pk PublicKey) {
	delete(s.accounts, pk)
}

// AccountCount returns the number of accounts.
func (s *State) AccountCount() int {
	return len(s.accounts)
}

// Accounts returns all accounts sorted by public key, for snapshots.
func (s *State) Accounts() []*Account {
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return lessKey(out[i].PubKey, out[j].PubKey)
	})
	return out
}

// Book returns the order book for a market, creating it on first use.
func (s *State) Book(asset Asset) *orderbook.Book {
	b, ok := s.books[asset]
	if !ok {
		b = orderbook.NewBook(uint8(asset))
		s.books[asset] = b
	}
	return b
}

// Books returns all non-empty books sorted by asset, for snapshots.
func (s *State) Books() []*orderbook.Book {
	assets := make([]Asset, 0, len(s.books))
	for a := range s.books {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })
	out := make([]*orderbook.Book, 0, len(assets))
	for _, a := range assets {
		out = append(out, s.books[a])
	}
	return out
}

// DigestAccounts builds canonical bytes over the given accounts: public
// key, nonce, each balance, and each live order with its remaining amounts.
// Two nodes holding identical state produce identical digests, so hashing
// this is how an auditor detects divergence from the leader.
func (s *State) DigestAccounts(keys []PublicKey) []byte {
	sorted := make([]PublicKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return lessKey(sorted[i], sorted[j]) })

	digest := make([]byte, 0, len(sorted)*96)
	var prev PublicKey
	for i, pk := range sorted {
		if i > 0 && pk == prev {
			continue
		}
		prev = pk

		digest = append(digest, pk[:]...)
		a := s.accounts[pk]
		if a == nil {
			// Account destroyed by revert or never created; a zero marker
			// keeps the digest aligned.
			digest = appendUint64(digest, 0)
			continue
		}

		digest = appendUint64(digest, a.Nonce)
		for _, b := range a.Balances {
			digest = append(digest, byte(b.Asset))
			digest = appendUint64(digest, uint64(b.Amount))
			digest = appendUint64(digest, uint64(b.Liabilities))
		}

		orderIDs := make([]uint64, 0, len(a.Orders))
		for id := range a.Orders {
			orderIDs = append(orderIDs, id)
		}
		sort.Slice(orderIDs, func(i, j int) bool { return orderIDs[i] < orderIDs[j] })
		for _, id := range orderIDs {
			digest = appendUint64(digest, id)
			book := s.books[Asset(orderbook.DecodeAsset(id))]
			if book == nil {
				continue
			}
			if o, ok := book.Get(id); ok {
				digest = appendUint64(digest, uint64(o.Amount))
				digest = appendUint64(digest, uint64(o.QuoteAmount))
			}
		}
	}
	return digest
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func lessKey(a, b PublicKey) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
