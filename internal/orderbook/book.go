package orderbook

import (
	"fmt"
)

// handle indexes an order slot in the book arena. Negative means none.
type handle = int32

const noHandle handle = -1

// slot is one arena cell. Orders are chained per side in ascending raw-id
// order through next/prev handles, so the ordering structure is integer
// links over a flat slice rather than pointers into the order structs.
type slot struct {
	order Order
	next  handle
	prev  handle
}

// sideChain is one side of the book. head is always the best-priced order
// (lowest raw id on either side, see the id layout in order.go).
type sideChain struct {
	head handle
	tail handle
	size int
}

// Book is the order book for a single market (asset vs. base currency).
// Not thread-safe — mutated only through committed effects inside the
// single-writer quantum critical section.
type Book struct {
	asset uint8
	arena []slot
	free  []handle
	index map[uint64]handle
	sides [2]sideChain
}

// NewBook creates an empty book for one market.
func NewBook(asset uint8) *Book {
	return &Book{
		asset: asset,
		index: make(map[uint64]handle),
		sides: [2]sideChain{
			{head: noHandle, tail: noHandle},
			{head: noHandle, tail: noHandle},
		},
	}
}

// Asset returns the market asset this book trades.
func (b *Book) Asset() uint8 { return b.asset }

// Size returns the number of resting orders on a side.
func (b *Book) Size(side Side) int { return b.sides[side].size }

// Best returns a copy of the best-priced order on a side, or false when the
// side is empty.
func (b *Book) Best(side Side) (Order, bool) {
	h := b.sides[side].head
	if h == noHandle {
		return Order{}, false
	}
	return b.arena[h].order, true
}

// Get returns a copy of a resting order by id.
func (b *Book) Get(id uint64) (Order, bool) {
	h, ok := b.index[id]
	if !ok {
		return Order{}, false
	}
	return b.arena[h].order, true
}

// Insert places an order into its side chain at the position its raw id
// dictates. Duplicate ids are rejected.
func (b *Book) Insert(o Order) error {
	if _, exists := b.index[o.ID]; exists {
		return fmt.Errorf("order %d already in book", o.ID)
	}
	if o.Amount <= 0 {
		return fmt.Errorf("order %d has non-positive amount: %d", o.ID, o.Amount)
	}

	h := b.alloc(o)
	side := &b.sides[o.Side()]

	// Walk backward from the tail: an order placed now carries the highest
	// tie-breaker at its price, so its position is near the tail of its
	// price band.
	at := side.tail
	for at != noHandle && b.arena[at].order.ID > o.ID {
		at = b.arena[at].prev
	}

	if at == noHandle {
		// New head
		b.arena[h].next = side.head
		b.arena[h].prev = noHandle
		if side.head != noHandle {
			b.arena[side.head].prev = h
		}
		side.head = h
		if side.tail == noHandle {
			side.tail = h
		}
	} else {
		b.arena[h].prev = at
		b.arena[h].next = b.arena[at].next
		if b.arena[at].next != noHandle {
			b.arena[b.arena[at].next].prev = h
		} else {
			side.tail = h
		}
		b.arena[at].next = h
	}

	side.size++
	b.index[o.ID] = h
	return nil
}

// Remove unlinks an order and returns its final state.
func (b *Book) Remove(id uint64) (Order, error) {
	h, ok := b.index[id]
	if !ok {
		return Order{}, fmt.Errorf("order %d not in book", id)
	}

	o := b.arena[h].order
	side := &b.sides[o.Side()]

	if b.arena[h].prev != noHandle {
		b.arena[b.arena[h].prev].next = b.arena[h].next
	} else {
		side.head = b.arena[h].next
	}
	if b.arena[h].next != noHandle {
		b.arena[b.arena[h].next].prev = b.arena[h].prev
	} else {
		side.tail = b.arena[h].prev
	}

	side.size--
	delete(b.index, id)
	b.release(h)
	return o, nil
}

// Reduce decrements a resting order's remaining amounts after a match.
// The caller removes the order separately once it is fully filled.
func (b *Book) Reduce(id uint64, amount, quote int64) error {
	h, ok := b.index[id]
	if !ok {
		return fmt.Errorf("order %d not in book", id)
	}
	o := &b.arena[h].order
	if amount > o.Amount {
		return fmt.Errorf("order %d: reduce %d exceeds remaining %d", id, amount, o.Amount)
	}
	o.Amount -= amount
	o.QuoteAmount -= quote
	if o.QuoteAmount < 0 {
		o.QuoteAmount = 0
	}
	return nil
}

// Restore is the inverse of Reduce, used when a trade is reverted.
func (b *Book) Restore(id uint64, amount, quote int64) error {
	h, ok := b.index[id]
	if !ok {
		return fmt.Errorf("order %d not in book", id)
	}
	o := &b.arena[h].order
	o.Amount += amount
	o.QuoteAmount += quote
	return nil
}

// Orders returns all resting orders in side order (best first, asks then
// bids), for snapshots and state digests.
func (b *Book) Orders() []Order {
	out := make([]Order, 0, b.sides[SideAsk].size+b.sides[SideBid].size)
	for _, side := range []Side{SideAsk, SideBid} {
		for h := b.sides[side].head; h != noHandle; h = b.arena[h].next {
			out = append(out, b.arena[h].order)
		}
	}
	return out
}

func (b *Book) alloc(o Order) handle {
	if n := len(b.free); n > 0 {
		h := b.free[n-1]
		b.free = b.free[:n-1]
		b.arena[h] = slot{order: o, next: noHandle, prev: noHandle}
		return h
	}
	b.arena = append(b.arena, slot{order: o, next: noHandle, prev: noHandle})
	return handle(len(b.arena) - 1)
}

func (b *Book) release(h handle) {
	b.arena[h] = slot{next: noHandle, prev: noHandle}
	b.free = append(b.free, h)
}
