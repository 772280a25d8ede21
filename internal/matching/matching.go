// Package matching implements BiBank's central limit order book: one book
// per trading pair, price-time priority, and self-trade prevention
// (spec.md §4.6).
package matching

import (
	"container/list"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bibank-exchange/bibank/internal/obserr"
)

const (
	CodeSelfTradeNotAllowed obserr.Code = "SELF_TRADE_NOT_ALLOWED"
	CodeOrderNotFound       obserr.Code = "ORDER_NOT_FOUND"
)

// Side is the resting or incoming order's direction.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Status is an order's lifecycle state (spec.md §3's Lifecycles: Open ->
// PartiallyFilled -> (Filled | Cancelled)).
type Status string

const (
	StatusOpen            Status = "open"
	StatusPartiallyFilled  Status = "partially_filled"
	StatusFilled           Status = "filled"
	StatusCancelled        Status = "cancelled"
)

func (s Status) Active() bool { return s == StatusOpen || s == StatusPartiallyFilled }

// Order is one resting or historical order.
type Order struct {
	ID        string
	UserID    string
	Pair      string
	Side      Side
	Price     *big.Rat
	Quantity  *big.Rat
	Filled    *big.Rat
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time

	elem *list.Element // back-pointer into the FIFO list at this price level, nil once removed
}

// Remaining is quantity - filled.
func (o *Order) Remaining() *big.Rat {
	return new(big.Rat).Sub(o.Quantity, o.Filled)
}

// Fill is one maker/taker crossing produced by Match.
type Fill struct {
	MakerOrderID string
	TakerOrderID string
	MakerUserID  string
	TakerUserID  string
	Price        *big.Rat
	Quantity     *big.Rat
}

type priceLevel struct {
	price   *big.Rat
	orders  *list.List // FIFO of *Order
}

// Book is one trading pair's order book.
type Book struct {
	Pair string

	mu        sync.Mutex
	bidLevels map[string]*priceLevel // key = price.RatString()
	askLevels map[string]*priceLevel
	index     map[string]*Order // order_id -> order, for O(1) cancel lookup
}

// NewBook creates an empty book for a trading pair.
func NewBook(pair string) *Book {
	return &Book{
		Pair:      pair,
		bidLevels: map[string]*priceLevel{},
		askLevels: map[string]*priceLevel{},
		index:     map[string]*Order{},
	}
}

func levelsFor(b *Book, side Side) map[string]*priceLevel {
	if side == Buy {
		return b.bidLevels
	}
	return b.askLevels
}

// opposite returns the side an incoming order of `side` crosses against.
func opposite(side Side) Side {
	if side == Buy {
		return Sell
	}
	return Buy
}

// bestPrices returns the price levels sorted highest price first (best-first
// for bids); callers re-sort ask levels lowest first with sortAsksAscending.
func bestPrices(levels map[string]*priceLevel) []*priceLevel {
	out := make([]*priceLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].price.Cmp(out[j].price) > 0 })
	return out
}

func sortAsksAscending(levels []*priceLevel) {
	sort.Slice(levels, func(i, j int) bool { return levels[i].price.Cmp(levels[j].price) < 0 })
}

// crosses reports whether a taker order at `takerSide`/`takerPrice` crosses
// a resting order at `price` on the opposite book (spec.md §4.6: buy.price
// >= ask.price, sell.price <= bid.price).
func crosses(takerSide Side, takerPrice, price *big.Rat) bool {
	if takerSide == Buy {
		return takerPrice.Cmp(price) >= 0
	}
	return takerPrice.Cmp(price) <= 0
}

// Place inserts a new order and attempts to match it immediately. It
// returns the resulting fills (possibly empty) and the order as stored
// (with Filled/Status updated), or an error if self-trade prevention
// triggers — in which case the book is left unchanged and no order is
// inserted.
func (b *Book) Place(userID string, side Side, price, quantity *big.Rat) (*Order, []Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	taker := &Order{
		ID:        uuid.NewString(),
		UserID:    userID,
		Pair:      b.Pair,
		Side:      side,
		Price:     new(big.Rat).Set(price),
		Quantity:  new(big.Rat).Set(quantity),
		Filled:    new(big.Rat),
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	oppLevels := levelsFor(b, opposite(side))
	fills, err := b.match(taker, oppLevels)
	if err != nil {
		return nil, nil, err
	}

	if taker.Remaining().Sign() > 0 && taker.Status.Active() {
		b.insertResting(taker, side)
	}
	return taker, fills, nil
}

// plannedFill is one step of a dry-run walk over the opposite book, before
// anything is mutated.
type plannedFill struct {
	lvl   *priceLevel
	elem  *list.Element
	maker *Order
	qty   *big.Rat
}

// match walks the opposite side's price levels while the crossing
// condition holds. It first plans the entire sequence of fills without
// mutating anything; if any eligible maker along the way shares the
// taker's user_id, the whole match is aborted with SelfTradeNotAllowed and
// both books are left byte-for-byte unchanged (spec.md §4.6). Only once a
// self-trade-free plan is known is it applied.
func (b *Book) match(taker *Order, oppLevels map[string]*priceLevel) ([]Fill, error) {
	levels := bestPrices(oppLevels)
	if taker.Side == Buy {
		sortAsksAscending(levels)
	}

	remaining := new(big.Rat).Set(taker.Remaining())
	var plan []plannedFill

	for _, lvl := range levels {
		if remaining.Sign() == 0 {
			break
		}
		for elem := lvl.orders.Front(); elem != nil; elem = elem.Next() {
			if remaining.Sign() == 0 {
				break
			}
			maker := elem.Value.(*Order)
			if !crosses(taker.Side, taker.Price, lvl.price) {
				break
			}
			if maker.UserID == taker.UserID {
				return nil, obserr.New(CodeSelfTradeNotAllowed, fmt.Sprintf(
					"order from user %s would self-trade against resting order %s", taker.UserID, maker.ID))
			}

			already := new(big.Rat)
			for _, p := range plan {
				if p.maker == maker {
					already = new(big.Rat).Add(already, p.qty)
				}
			}
			makerRemaining := new(big.Rat).Sub(maker.Remaining(), already)
			if makerRemaining.Sign() <= 0 {
				continue
			}

			qty := new(big.Rat).Set(remaining)
			if makerRemaining.Cmp(qty) < 0 {
				qty = new(big.Rat).Set(makerRemaining)
			}
			plan = append(plan, plannedFill{lvl: lvl, elem: elem, maker: maker, qty: qty})
			remaining = new(big.Rat).Sub(remaining, qty)
		}
	}

	return b.applyPlan(taker, oppLevels, plan), nil
}

func (b *Book) applyPlan(taker *Order, oppLevels map[string]*priceLevel, plan []plannedFill) []Fill {
	fills := make([]Fill, 0, len(plan))
	now := time.Now().UTC()
	touchedLevels := map[*priceLevel]bool{}

	for _, step := range plan {
		maker := step.maker
		taker.Filled = new(big.Rat).Add(taker.Filled, step.qty)
		maker.Filled = new(big.Rat).Add(maker.Filled, step.qty)
		taker.UpdatedAt = now
		maker.UpdatedAt = now

		if maker.Remaining().Sign() == 0 {
			maker.Status = StatusFilled
			step.lvl.orders.Remove(step.elem)
			maker.elem = nil
			delete(b.index, maker.ID)
		} else {
			maker.Status = StatusPartiallyFilled
		}
		touchedLevels[step.lvl] = true

		fills = append(fills, Fill{
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			MakerUserID:  maker.UserID,
			TakerUserID:  taker.UserID,
			Price:        new(big.Rat).Set(step.lvl.price),
			Quantity:     new(big.Rat).Set(step.qty),
		})
	}

	if taker.Remaining().Sign() == 0 {
		taker.Status = StatusFilled
	} else if taker.Filled.Sign() > 0 {
		taker.Status = StatusPartiallyFilled
	}

	for lvl := range touchedLevels {
		if lvl.orders.Len() == 0 {
			delete(oppLevels, lvl.price.RatString())
		}
	}
	return fills
}

func (b *Book) insertResting(o *Order, side Side) {
	levels := levelsFor(b, side)
	key := o.Price.RatString()
	lvl, ok := levels[key]
	if !ok {
		lvl = &priceLevel{price: new(big.Rat).Set(o.Price), orders: list.New()}
		levels[key] = lvl
	}
	o.elem = lvl.orders.PushBack(o)
	b.index[o.ID] = o
}

// Cancel removes a resting order and returns it (with Status set to
// Cancelled). Returns a CodedError with CodeOrderNotFound if the order is
// not resting.
func (b *Book) Cancel(orderID string) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.index[orderID]
	if !ok {
		return nil, obserr.New(CodeOrderNotFound, fmt.Sprintf("order %s is not resting", orderID))
	}
	levels := levelsFor(b, o.Side)
	key := o.Price.RatString()
	if lvl, ok := levels[key]; ok && o.elem != nil {
		lvl.orders.Remove(o.elem)
		o.elem = nil
		if lvl.orders.Len() == 0 {
			delete(levels, key)
		}
	}
	delete(b.index, orderID)
	o.Status = StatusCancelled
	o.UpdatedAt = time.Now().UTC()
	return o, nil
}

// DepthLevel is one (price, total_quantity) row of a depth query.
type DepthLevel struct {
	Price    *big.Rat
	Quantity *big.Rat
}

// Depth returns the top n levels per side (spec.md §4.6's Depth query).
func (b *Book) Depth(n int) (bids, asks []DepthLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bidLvls := bestPrices(b.bidLevels)
	askLvls := bestPrices(b.askLevels)
	sortAsksAscending(askLvls)

	bids = depthRows(bidLvls, n)
	asks = depthRows(askLvls, n)
	return bids, asks
}

func depthRows(levels []*priceLevel, n int) []DepthLevel {
	out := make([]DepthLevel, 0, n)
	for i, lvl := range levels {
		if i >= n {
			break
		}
		total := new(big.Rat)
		for e := lvl.orders.Front(); e != nil; e = e.Next() {
			o := e.Value.(*Order)
			total = new(big.Rat).Add(total, o.Remaining())
		}
		out = append(out, DepthLevel{Price: new(big.Rat).Set(lvl.price), Quantity: total})
	}
	return out
}

// OrderCount reports the number of resting orders across both sides,
// for invariant checks (spec.md §8: "order_count == 0" after a full
// place+cancel round trip).
func (b *Book) OrderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.index)
}
