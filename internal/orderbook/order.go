package orderbook

import (
	"math"
)

// Side is the book side an order rests on.
type Side uint8

const (
	SideAsk Side = 0
	SideBid Side = 1
)

func (s Side) String() string {
	if s == SideBid {
		return "bid"
	}
	return "ask"
}

// Opposite returns the side an incoming order matches against.
func (s Side) Opposite() Side {
	return s ^ 1
}

// Order is one resting order. Amount is the remaining base amount in minor
// units. QuoteAmount is the remaining reserved quote for bid orders (bids
// lock quote currency, asks lock the base asset). Price is used for
// comparison and per-match quote computation only — it is never accumulated
// into balances.
type Order struct {
	ID          uint64
	Owner       [32]byte
	Price       float64
	Amount      int64
	QuoteAmount int64
}

// Asset extracts the market asset from the order id.
func (o Order) Asset() uint8 { return DecodeAsset(o.ID) }

// Side extracts the book side from the order id.
func (o Order) Side() Side { return DecodeSide(o.ID) }

// Order id layout (64 bits, most significant first):
//
//	[63..32] price as IEEE-754 float32 bits; bid orders store the bitwise
//	         complement so that ascending raw ids sort bids best-first
//	[31]     side (0 = ask, 1 = bid)
//	[30..23] market asset id
//	[22..0]  monotonic tie-breaker (low bits of the placing apex)
//
// Positive IEEE-754 floats compare the same as their bit patterns, so
// sorting a side chain by raw id yields price-time priority directly:
// asks ascend by price, bids descend, and equal prices stay FIFO via the
// tie-breaker. The id alone is enough to reconstruct (asset, side, price).
const (
	sideBit   = 31
	assetBits = 8
	tieBits   = 23
	tieMask   = (1 << tieBits) - 1
)

// EncodeOrderID packs asset, side, price and tie-breaker into an order id.
// price must be > 0; the tie-breaker wraps after 2^23 placements, which is
// far beyond the number of live orders a single market can hold.
func EncodeOrderID(asset uint8, side Side, price float64, tie uint64) uint64 {
	priceBits := math.Float32bits(float32(price))
	if side == SideBid {
		priceBits = ^priceBits
	}
	id := uint64(priceBits) << 32
	id |= uint64(side) << sideBit
	id |= uint64(asset) << tieBits
	id |= tie & tieMask
	return id
}

// DecodeSide extracts the side from an order id.
func DecodeSide(id uint64) Side {
	return Side((id >> sideBit) & 1)
}

// DecodeAsset extracts the market asset from an order id.
func DecodeAsset(id uint64) uint8 {
	return uint8((id >> tieBits) & 0xFF)
}

// DecodePrice extracts the order price from an order id.
func DecodePrice(id uint64) float64 {
	priceBits := uint32(id >> 32)
	if DecodeSide(id) == SideBid {
		priceBits = ^priceBits
	}
	return float64(math.Float32frombits(priceBits))
}

// QuoteFor converts a base amount to quote units at the given price,
// rounding half away from zero. All matching paths use this single
// conversion so replays derive identical quote amounts.
func QuoteFor(amount int64, price float64) int64 {
	return int64(math.Round(float64(amount) * price))
}

// Crosses reports whether a taker at takerPrice is willing to trade against
// a resting order at makerPrice.
func Crosses(takerSide Side, takerPrice, makerPrice float64) bool {
	if takerSide == SideBid {
		return takerPrice >= makerPrice
	}
	return takerPrice <= makerPrice
}
