package engine

import (
	"time"

	"coinx.com/internal/book"
	"coinx.com/internal/bus"
	"coinx.com/internal/market"
	"coinx.com/internal/store"
)

type levelRef struct {
	side  market.Side
	price int64
}

// txn accumulates everything one command does: the change-set bound
// for the store and the events bound for the bus. Sequence numbers are
// claimed from seq as events are appended; a discarded txn leaves the
// actor's counter untouched.
type txn struct {
	symbol string
	seq    int64

	events   []bus.Event
	orderIDs []int64
	orders   map[int64]*market.Order
	bookOps  []store.BookOp
	touched  []levelRef
	seen     map[levelRef]struct{}
	trades   []market.Trade
}

func newTxn(symbol string, seq int64) *txn {
	return &txn{
		symbol: symbol,
		seq:    seq,
		orders: make(map[int64]*market.Order, 4),
		seen:   make(map[levelRef]struct{}, 4),
	}
}

func (tx *txn) nextSeq() int64 {
	tx.seq++
	return tx.seq
}

func (tx *txn) putOrder(o *market.Order) {
	if _, ok := tx.orders[o.ID]; !ok {
		tx.orderIDs = append(tx.orderIDs, o.ID)
	}
	tx.orders[o.ID] = o
}

func (tx *txn) touch(side market.Side, price int64) {
	ref := levelRef{side: side, price: price}
	if _, ok := tx.seen[ref]; ok {
		return
	}
	tx.seen[ref] = struct{}{}
	tx.touched = append(tx.touched, ref)
}

func (tx *txn) bookInsert(o *market.Order) {
	tx.bookOps = append(tx.bookOps, store.BookOp{
		Kind: store.BookInsert, Side: o.Side, Price: o.Price, OrderID: o.ID, Seq: o.Sequence,
	})
	tx.touch(o.Side, o.Price)
}

func (tx *txn) bookRemove(o *market.Order) {
	tx.bookOps = append(tx.bookOps, store.BookOp{
		Kind: store.BookRemove, Side: o.Side, Price: o.Price, OrderID: o.ID, Seq: o.Sequence,
	})
	tx.touch(o.Side, o.Price)
}

func (tx *txn) eventOrder(o *market.Order, now time.Time) {
	w := o.Wire()
	tx.events = append(tx.events, bus.Event{
		Type:      bus.TypeOrderUpdate,
		Symbol:    tx.symbol,
		Sequence:  tx.nextSeq(),
		Timestamp: now.UnixMilli(),
		Order:     &w,
	})
}

func (tx *txn) eventTrade(t market.Trade) {
	w := t.Wire()
	tx.events = append(tx.events, bus.Event{
		Type:      bus.TypeTradeExecution,
		Symbol:    tx.symbol,
		Sequence:  tx.nextSeq(),
		Timestamp: t.ExecutedAt.UnixMilli(),
		Trade:     &w,
	})
}

// eventBook snapshots every touched level post-command into one
// book_change event. Vanished levels report zero aggregates.
func (tx *txn) eventBook(b *book.Book, now time.Time) {
	if len(tx.touched) == 0 {
		return
	}
	var bids, asks []market.LevelWire
	for _, ref := range tx.touched {
		lv := b.LevelAt(ref.side, ref.price)
		if ref.side == market.Buy {
			bids = append(bids, lv.Wire())
		} else {
			asks = append(asks, lv.Wire())
		}
	}
	tx.events = append(tx.events, bus.Event{
		Type:      bus.TypeBookChange,
		Symbol:    tx.symbol,
		Sequence:  tx.nextSeq(),
		Timestamp: now.UnixMilli(),
		Bids:      bids,
		Asks:      asks,
	})
}

func (tx *txn) changeset(b *book.Book) *store.ChangeSet {
	cs := &store.ChangeSet{Symbol: tx.symbol, Sequence: tx.seq}
	for _, id := range tx.orderIDs {
		cs.Orders = append(cs.Orders, *tx.orders[id])
	}
	cs.BookOps = tx.bookOps
	for _, ref := range tx.touched {
		lv := b.LevelAt(ref.side, ref.price)
		cs.Levels = append(cs.Levels, store.LevelTotal{
			Side: ref.side, Price: ref.price,
			TotalQuantity: lv.TotalQuantity, OrderCount: lv.OrderCount,
		})
	}
	cs.Trades = tx.trades
	return cs
}
