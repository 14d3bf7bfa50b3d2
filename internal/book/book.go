package book

import (
	"sort"

	"coinx.com/internal/market"
)

type priceLevel struct {
	price    int64
	head     *lvNode
	tail     *lvNode
	count    int
	totalQty int64 // Σ remaining of resting orders
}

// 双向链表节点，同价位 FIFO。
type lvNode struct {
	prev  *lvNode
	next  *lvNode
	order *market.Order
	lv    *priceLevel
	side  market.Side
}

func (l *priceLevel) pushBack(n *lvNode) {
	n.prev, n.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.count++
	l.totalQty += n.order.Remaining()
}

func (l *priceLevel) remove(n *lvNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.count--
	l.totalQty -= n.order.Remaining()
}

func (l *priceLevel) empty() bool { return l.count == 0 }

// Book is one symbol's two-sided limit order book. price -> level maps
// with cached best prices, plus an orderID -> node index so cancel is
// O(1). All mutation happens on the symbol's single matcher goroutine;
// no locking here.
type Book struct {
	symbol  string
	asks    map[int64]*priceLevel
	bids    map[int64]*priceLevel
	byID    map[int64]*lvNode
	bestAsk int64
	bestBid int64
	hasAsk  bool
	hasBid  bool
}

func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		asks:   make(map[int64]*priceLevel, 1024),
		bids:   make(map[int64]*priceLevel, 1024),
		byID:   make(map[int64]*lvNode, 1024),
	}
}

func (b *Book) Symbol() string { return b.symbol }

func (b *Book) sideMap(s market.Side) map[int64]*priceLevel {
	if s == market.Sell {
		return b.asks
	}
	return b.bids
}

// Add rests order at its limit price,队尾追加保证时间优先.
// Duplicate ids and empty remainders are ignored.
func (b *Book) Add(order *market.Order) {
	if order == nil || order.Remaining() <= 0 {
		return
	}
	if _, exists := b.byID[order.ID]; exists {
		return
	}

	levels := b.sideMap(order.Side)
	lv := levels[order.Price]
	if lv == nil {
		lv = &priceLevel{price: order.Price}
		levels[order.Price] = lv
	}
	n := &lvNode{order: order, lv: lv, side: order.Side}
	lv.pushBack(n)
	b.byID[order.ID] = n

	if order.Side == market.Sell {
		if !b.hasAsk || order.Price < b.bestAsk {
			b.bestAsk = order.Price
			b.hasAsk = true
		}
	} else {
		if !b.hasBid || order.Price > b.bestBid {
			b.bestBid = order.Price
			b.hasBid = true
		}
	}
}

// Remove takes an order off the book. Returns the order and true when
// it was resting.
func (b *Book) Remove(orderID int64) (*market.Order, bool) {
	n := b.byID[orderID]
	if n == nil {
		return nil, false
	}

	lv := n.lv
	lv.remove(n)
	delete(b.byID, orderID)

	if lv.empty() {
		b.dropLevel(n.side, lv)
	}
	return n.order, true
}

// Get returns the resting order for id without removing it.
func (b *Book) Get(orderID int64) (*market.Order, bool) {
	n := b.byID[orderID]
	if n == nil {
		return nil, false
	}
	return n.order, true
}

func (b *Book) dropLevel(side market.Side, lv *priceLevel) {
	if side == market.Sell {
		delete(b.asks, lv.price)
		if b.hasAsk && lv.price == b.bestAsk {
			b.recomputeBestAsk()
		}
	} else {
		delete(b.bids, lv.price)
		if b.hasBid && lv.price == b.bestBid {
			b.recomputeBestBid()
		}
	}
}

func (b *Book) BestAsk() (int64, bool) {
	if !b.hasAsk {
		return 0, false
	}
	return b.bestAsk, true
}

func (b *Book) BestBid() (int64, bool) {
	if !b.hasBid {
		return 0, false
	}
	return b.bestBid, true
}

// Best returns the front price of the given side.
func (b *Book) Best(s market.Side) (int64, bool) {
	if s == market.Sell {
		return b.BestAsk()
	}
	return b.BestBid()
}

// Head returns the earliest resting order at (side, price), nil if the
// level does not exist.
func (b *Book) Head(s market.Side, price int64) *market.Order {
	lv := b.sideMap(s)[price]
	if lv == nil || lv.head == nil {
		return nil
	}
	return lv.head.order
}

// Reduce books a fill of qty against a resting order, keeping the
// level aggregate in sync and popping the order when it fills. The
// order's Filled must already include qty when this is called.
// Returns false if the order is not on the book.
func (b *Book) Reduce(orderID int64, qty int64) bool {
	n := b.byID[orderID]
	if n == nil {
		return false
	}
	n.lv.totalQty -= qty
	if n.order.Remaining() == 0 {
		lv := n.lv
		lv.remove(n)
		// remove 已按当前 remaining(=0) 调整过 totalQty
		delete(b.byID, orderID)
		if lv.empty() {
			b.dropLevel(n.side, lv)
		}
	}
	return true
}

// LevelAt reports the aggregate at (side, price). A vanished level
// reads as zeros, which is exactly what depth diffs want.
func (b *Book) LevelAt(s market.Side, price int64) market.LevelView {
	lv := b.sideMap(s)[price]
	if lv == nil {
		return market.LevelView{Price: price}
	}
	return market.LevelView{Price: price, TotalQuantity: lv.totalQty, OrderCount: lv.count}
}

// Depth returns the best n levels of one side, buy side descending,
// sell side ascending. n <= 0 means all levels.
func (b *Book) Depth(s market.Side, n int) []market.LevelView {
	levels := b.sideMap(s)
	prices := make([]int64, 0, len(levels))
	for p := range levels {
		prices = append(prices, p)
	}
	if s == market.Buy {
		sort.Slice(prices, func(i, j int) bool { return prices[i] > prices[j] })
	} else {
		sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	}
	if n > 0 && len(prices) > n {
		prices = prices[:n]
	}
	out := make([]market.LevelView, 0, len(prices))
	for _, p := range prices {
		lv := levels[p]
		out = append(out, market.LevelView{Price: p, TotalQuantity: lv.totalQty, OrderCount: lv.count})
	}
	return out
}

// Snapshot captures both sides to depth n. Sequence and timestamp are
// stamped by the caller that owns the symbol's event stream.
func (b *Book) Snapshot(depth int) market.BookSnapshot {
	return market.BookSnapshot{
		Symbol: b.symbol,
		Bids:   b.Depth(market.Buy, depth),
		Asks:   b.Depth(market.Sell, depth),
	}
}

// Orders returns every resting order, FIFO within level, best level
// first.
func (b *Book) Orders(s market.Side) []*market.Order {
	levels := b.sideMap(s)
	prices := make([]int64, 0, len(levels))
	for p := range levels {
		prices = append(prices, p)
	}
	if s == market.Buy {
		sort.Slice(prices, func(i, j int) bool { return prices[i] > prices[j] })
	} else {
		sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	}
	var out []*market.Order
	for _, p := range prices {
		for n := levels[p].head; n != nil; n = n.next {
			out = append(out, n.order)
		}
	}
	return out
}

func (b *Book) Size() int { return len(b.byID) }

func (b *Book) recomputeBestAsk() {
	var best int64
	first := true
	for p, lv := range b.asks {
		if lv == nil || lv.empty() {
			continue
		}
		if first || p < best {
			best = p
			first = false
		}
	}
	if first {
		b.hasAsk = false
		b.bestAsk = 0
		return
	}
	b.hasAsk = true
	b.bestAsk = best
}

func (b *Book) recomputeBestBid() {
	var best int64
	first := true
	for p, lv := range b.bids {
		if lv == nil || lv.empty() {
			continue
		}
		if first || p > best {
			best = p
			first = false
		}
	}
	if first {
		b.hasBid = false
		b.bestBid = 0
		return
	}
	b.hasBid = true
	b.bestBid = best
}
