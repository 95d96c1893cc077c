package quantum

import (
	"encoding/binary"
	"math"

	"QuantaLedger/internal/effect"
	"QuantaLedger/internal/ledger"
	"QuantaLedger/internal/orderbook"
)

// Canonical binary encoding used for request signing and quantum hashing.
// Every node must produce identical bytes for identical content, so the
// encoding is a fixed little-endian field walk with no map iteration and
// no floating-point formatting.

func appendUint64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func appendInt64(b []byte, v int64) []byte {
	return appendUint64(b, uint64(v))
}

func appendFloat64(b []byte, v float64) []byte {
	return appendUint64(b, math.Float64bits(v))
}

func appendString(b []byte, s string) []byte {
	b = appendUint64(b, uint64(len(s)))
	return append(b, s...)
}

func appendRateLimits(b []byte, rl ledger.RequestRateLimits) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(rl.PerMinute))
	return binary.LittleEndian.AppendUint32(b, uint32(rl.PerHour))
}

func appendSettings(b []byte, s ledger.Settings) []byte {
	b = append(b, s.Alpha[:]...)
	b = appendUint64(b, uint64(len(s.Auditors)))
	for _, a := range s.Auditors {
		b = append(b, a[:]...)
	}
	return appendRateLimits(b, s.RateLimits)
}

// SigningBytes returns the canonical bytes the account signs. The signature
// itself is excluded.
func (env *Envelope) SigningBytes() []byte {
	b := make([]byte, 0, 128)
	b = append(b, env.RequestID[:]...)
	b = append(b, env.Account[:]...)
	b = appendUint64(b, env.Nonce)
	b = binary.LittleEndian.AppendUint32(b, uint32(env.Kind))
	return appendRequest(b, env.Request)
}

func appendRequest(b []byte, req Request) []byte {
	switch r := req.(type) {
	case *OrderPlaceRequest:
		b = append(b, byte(r.Asset), byte(r.Side))
		b = appendFloat64(b, r.Price)
		b = appendInt64(b, r.Amount)
	case *OrderCancelRequest:
		b = appendUint64(b, r.OrderID)
	case *PaymentRequest:
		b = append(b, r.To[:]...)
		b = append(b, byte(r.Asset))
		b = appendInt64(b, r.Amount)
	case *WithdrawalRequest:
		b = append(b, byte(r.Asset))
		b = appendInt64(b, r.Amount)
		b = appendString(b, r.Destination)
	case *AccountCreateRequest:
		b = append(b, r.NewAccount[:]...)
		b = appendRateLimits(b, r.RateLimits)
	case *SettingsUpdateRequest:
		b = appendSettings(b, r.Settings)
	}
	return b
}

func appendOrder(b []byte, o orderbook.Order) []byte {
	b = appendUint64(b, o.ID)
	b = append(b, o.Owner[:]...)
	b = appendFloat64(b, o.Price)
	b = appendInt64(b, o.Amount)
	return appendInt64(b, o.QuoteAmount)
}

func appendEffect(b []byte, e effect.Effect) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(e.Kind()))
	acct := e.Account()
	b = append(b, acct[:]...)
	b = appendUint64(b, e.Apex())

	switch ef := e.(type) {
	case *effect.AccountCreate:
		b = appendRateLimits(b, ef.RateLimits)
	case *effect.NonceUpdate:
		b = appendUint64(b, ef.OldNonce)
		b = appendUint64(b, ef.NewNonce)
	case *effect.BalanceUpdate:
		b = append(b, byte(ef.Asset))
		b = appendInt64(b, ef.Delta)
	case *effect.LockLiabilities:
		b = append(b, byte(ef.Asset))
		b = appendInt64(b, ef.Amount)
	case *effect.UnlockLiabilities:
		b = append(b, byte(ef.Asset))
		b = appendInt64(b, ef.Amount)
	case *effect.OrderPlaced:
		b = appendOrder(b, ef.Order)
	case *effect.OrderRemoved:
		b = appendOrder(b, ef.Order)
	case *effect.Trade:
		b = append(b, ef.Maker[:]...)
		b = appendUint64(b, ef.MakerOrderID)
		b = append(b, byte(ef.TakerSide), byte(ef.Asset))
		b = appendFloat64(b, ef.Price)
		b = appendInt64(b, ef.Amount)
		b = appendInt64(b, ef.QuoteAmount)
		b = appendInt64(b, ef.MakerRelease)
		b = appendInt64(b, ef.TakerRelease)
	case *effect.WithdrawalCreate:
		b = append(b, ef.WithdrawalID[:]...)
		b = append(b, byte(ef.Asset))
		b = appendInt64(b, ef.Amount)
		b = appendString(b, ef.Destination)
	case *effect.CursorUpdate:
		b = appendString(b, ef.Name)
		b = appendUint64(b, ef.OldValue)
		b = appendUint64(b, ef.NewValue)
	case *effect.SettingsUpdate:
		b = appendSettings(b, ef.Old)
		b = appendSettings(b, ef.New)
	}
	return b
}
