// Package effect defines the replayable unit of state change. Every ledger
// mutation is a typed effect with symmetric Apply and Revert; effects, not
// the requests that triggered them, are what auditors replay to reconstruct
// state deterministically.
package effect

import (
	"QuantaLedger/internal/ledger"
)

// Kind discriminates the closed set of effect types.
type Kind int32

const (
	KindUnknown Kind = iota
	KindAccountCreate
	KindNonceUpdate
	KindBalanceUpdate
	KindLockLiabilities
	KindUnlockLiabilities
	KindOrderPlaced
	KindOrderRemoved
	KindTrade
	KindWithdrawalCreate
	KindCursorUpdate
	KindSettingsUpdate
)

func (k Kind) String() string {
	switch k {
	case KindAccountCreate:
		return "AccountCreate"
	case KindNonceUpdate:
		return "NonceUpdate"
	case KindBalanceUpdate:
		return "BalanceUpdate"
	case KindLockLiabilities:
		return "LockLiabilities"
	case KindUnlockLiabilities:
		return "UnlockLiabilities"
	case KindOrderPlaced:
		return "OrderPlaced"
	case KindOrderRemoved:
		return "OrderRemoved"
	case KindTrade:
		return "Trade"
	case KindWithdrawalCreate:
		return "WithdrawalCreate"
	case KindCursorUpdate:
		return "CursorUpdate"
	case KindSettingsUpdate:
		return "SettingsUpdate"
	default:
		return "Unknown"
	}
}

// Effect is one immutable record of a state transition. Apply and Revert
// must be exact inverses: reverting a committed effect restores the ledger
// byte-for-byte. Revert is only ever called on the node that committed the
// effect, in reverse commit order, before the quantum is finalized.
type Effect interface {
	Kind() Kind
	Account() ledger.PublicKey
	Apex() uint64
	Apply(st *ledger.State) error
	Revert(st *ledger.State) error
}

// Base carries the fields every effect shares: the owning account and the
// apex of the quantum it belongs to.
type Base struct {
	AccountKey ledger.PublicKey `json:"account"`
	ApexID     uint64           `json:"apex"`
}

func (b Base) Account() ledger.PublicKey { return b.AccountKey }
func (b Base) Apex() uint64              { return b.ApexID }
