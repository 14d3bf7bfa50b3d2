package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"coinx.com/internal/book"
	"coinx.com/internal/bus"
	"coinx.com/internal/market"
	"coinx.com/internal/store"
	"coinx.com/pkg/fixed"
	"coinx.com/pkg/logger"
	"coinx.com/pkg/metrics"
)

type cmdKind uint8

const (
	cmdSubmit cmdKind = iota
	cmdCancel
	cmdSnapshot
)

type command struct {
	kind    cmdKind
	ctx     context.Context
	order   *market.Order // submit
	orderID int64         // cancel
	userID  int64
	depth   int // snapshot
	reply   chan result
}

type result struct {
	order    market.Order
	trades   []market.Trade
	snapshot market.BookSnapshot
	err      error
}

type ActorConfig struct {
	MailboxSize  int
	ApplyRetries int
}

// SymbolActor is one symbol's single writer. All book and stop-table
// mutation happens on its goroutine; callers talk to it through the
// mailbox and get replies on per-command channels.
type SymbolActor struct {
	symbol string
	cfg    ActorConfig

	in chan command

	book  *book.Book
	stops *stopTable

	st     store.Store
	broker bus.Broker

	seq      int64 // event sequence, committed
	orderSeq int64 // arrival sequence
	lastPx   int64 // last trade price
	hasLast  bool
	halted   bool

	log *zap.Logger
}

func NewSymbolActor(symbol string, cfg ActorConfig, st store.Store, broker bus.Broker) *SymbolActor {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 4096
	}
	if cfg.ApplyRetries <= 0 {
		cfg.ApplyRetries = 5
	}
	return &SymbolActor{
		symbol: symbol,
		cfg:    cfg,
		in:     make(chan command, cfg.MailboxSize),
		book:   book.New(symbol),
		stops:  newStopTable(),
		st:     st,
		broker: broker,
		log:    logger.Sym(symbol),
	}
}

// Load rebuilds the in-memory book, stop table and counters from the
// store. Called before Run and again after a failed apply so memory
// never drifts from what actually committed.
func (a *SymbolActor) Load(ctx context.Context) error {
	st, err := a.st.LoadSymbol(ctx, a.symbol)
	if err != nil {
		return fmt.Errorf("load %s: %w", a.symbol, err)
	}

	a.book = book.New(a.symbol)
	a.stops = newStopTable()
	a.seq = st.Sequence
	a.orderSeq = 0
	for i := range st.Orders {
		o := st.Orders[i]
		if o.Sequence > a.orderSeq {
			a.orderSeq = o.Sequence
		}
		p := &o
		switch p.Type {
		case market.Stop:
			a.stops.add(p)
		case market.Market:
			// 市价单剩余量不挂簿，重建时同样跳过
		default:
			a.book.Add(p)
		}
	}

	trades, err := a.st.RecentTrades(ctx, a.symbol, 1)
	if err != nil {
		return fmt.Errorf("load %s last trade: %w", a.symbol, err)
	}
	if len(trades) > 0 {
		a.lastPx = trades[0].Price
		a.hasLast = true
	}
	return nil
}

// TryEnqueue is non-blocking: a full mailbox bounces the command back
// to the caller instead of stalling the adapter.
func (a *SymbolActor) TryEnqueue(cmd command) error {
	select {
	case a.in <- cmd:
		return nil
	default:
		metrics.MailboxFull.WithLabelValues(a.symbol).Inc()
		return ErrEngineBusy
	}
}

func (a *SymbolActor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// 收尾：把已接收的命令跑完再退出
			for {
				select {
				case cmd := <-a.in:
					a.process(cmd)
				default:
					return
				}
			}
		case cmd := <-a.in:
			a.process(cmd)
		}
	}
}

func (a *SymbolActor) process(cmd command) {
	var r result
	switch cmd.kind {
	case cmdSnapshot:
		r = a.handleSnapshot(cmd.depth)
	case cmdSubmit:
		if a.halted {
			r = result{err: ErrHalted}
		} else {
			r = a.handleSubmit(cmd.ctx, cmd.order)
		}
	case cmdCancel:
		if a.halted {
			r = result{err: ErrHalted}
		} else {
			r = a.handleCancel(cmd.ctx, cmd.orderID, cmd.userID)
		}
	}
	cmd.reply <- r
}

func (a *SymbolActor) handleSnapshot(depth int) result {
	snap := a.book.Snapshot(depth)
	snap.Sequence = a.seq
	snap.Timestamp = time.Now()
	return result{snapshot: snap}
}

func (a *SymbolActor) handleSubmit(ctx context.Context, o *market.Order) result {
	bg := context.Background()

	id, err := a.st.NextOrderID(bg)
	if err != nil {
		a.log.Error("allocate order id", zap.Error(err))
		return result{err: ErrEngineUnavailable}
	}
	now := time.Now()
	a.orderSeq++
	o.ID = id
	o.Sequence = a.orderSeq
	o.Status = market.Pending
	o.CreatedAt = now
	o.UpdatedAt = now

	tx := newTxn(a.symbol, a.seq)

	if o.Type == market.Stop && !(a.hasLast && crossed(o, a.lastPx)) {
		// 未触发，入止损表等待
		a.stops.add(o)
		tx.putOrder(o)
		tx.eventOrder(o, now)
	} else {
		if o.Type == market.Stop {
			o.Type = market.Market
		}
		if err := a.matchIncoming(tx, o, now); err != nil {
			a.recoverUncommitted(ctx)
			return result{err: err}
		}
		if err := a.runTriggers(tx, now); err != nil {
			a.recoverUncommitted(ctx)
			return result{err: err}
		}
	}

	if err := a.checkInvariants(); err != nil {
		a.halt(ctx, err)
		return result{err: ErrHalted}
	}

	// 失败时 commit 内部已从 store 重建内存，计数器一并还原
	if err := a.commit(ctx, tx, now); err != nil {
		return result{err: err}
	}

	metrics.OrdersSubmitted.WithLabelValues(a.symbol, string(o.Side), string(o.Type)).Inc()
	if o.Status == market.Rejected {
		metrics.OrdersRejected.WithLabelValues(a.symbol, "no_liquidity").Inc()
	}

	r := result{order: *o}
	for _, t := range tx.trades {
		if t.TakerOrderID == o.ID {
			r.trades = append(r.trades, t)
		}
	}
	return r
}

// matchIncoming walks the opposite side best-first, head-first within
// a level. Mutates the book and the orders directly; the txn records
// what changed for the store and the bus.
func (a *SymbolActor) matchIncoming(tx *txn, taker *market.Order, now time.Time) error {
	opp := taker.Side.Opposite()

	for taker.Remaining() > 0 {
		bestPx, ok := a.book.Best(opp)
		if !ok {
			break
		}
		if taker.Type == market.Limit {
			if taker.Side == market.Buy && bestPx > taker.Price {
				break
			}
			if taker.Side == market.Sell && bestPx < taker.Price {
				break
			}
		}

		maker := a.book.Head(opp, bestPx)
		if maker == nil {
			return fmt.Errorf("best price %d has no level", bestPx)
		}

		q := fixed.Min(taker.Remaining(), maker.Remaining())
		tradeID, err := a.st.NextTradeID(context.Background(), a.symbol)
		if err != nil {
			a.log.Error("allocate trade id", zap.Error(err))
			return ErrEngineUnavailable
		}

		trade := market.Trade{
			ID:           tradeID,
			Symbol:       a.symbol,
			Price:        bestPx, // 成交价永远是 maker 的挂单价
			Quantity:     q,
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			ExecutedAt:   now,
		}
		if taker.Side == market.Buy {
			trade.BuyOrderID, trade.SellOrderID = taker.ID, maker.ID
		} else {
			trade.BuyOrderID, trade.SellOrderID = maker.ID, taker.ID
		}

		maker.Fill(q, now)
		a.book.Reduce(maker.ID, q)
		taker.Fill(q, now)

		tx.touch(opp, bestPx)
		if maker.Status == market.Filled {
			tx.bookRemove(maker)
		}
		tx.trades = append(tx.trades, trade)
		tx.putOrder(maker)
		tx.eventTrade(trade)
		tx.eventOrder(maker, now)
		metrics.TradesExecuted.WithLabelValues(a.symbol).Inc()

		a.lastPx = bestPx
		a.hasLast = true
	}

	a.finalizeTaker(tx, taker, now)
	return nil
}

func (a *SymbolActor) finalizeTaker(tx *txn, o *market.Order, now time.Time) {
	switch {
	case o.Remaining() == 0:
		// Fill 已置 Filled
	case o.Type == market.Limit:
		a.book.Add(o)
		tx.bookInsert(o)
	default:
		// 市价单吃不完不挂簿
		if o.Filled == 0 {
			o.Status = market.Rejected
			o.UpdatedAt = now
		}
	}
	tx.putOrder(o)
	tx.eventOrder(o, now)
}

// runTriggers drains the stop table to a fixed point. The budget is
// the table size when the command began, so a cascade cannot loop
// forever on stops it created itself.
func (a *SymbolActor) runTriggers(tx *txn, now time.Time) error {
	if !a.hasLast {
		return nil
	}
	budget := a.stops.size()
	for budget > 0 {
		trig := a.stops.triggered(a.lastPx)
		if len(trig) == 0 {
			return nil
		}
		for _, s := range trig {
			if budget == 0 {
				a.stops.add(s)
				continue
			}
			budget--
			s.Type = market.Market
			s.UpdatedAt = now
			if err := a.matchIncoming(tx, s, now); err != nil {
				return err
			}
			if s.Status == market.Rejected {
				metrics.OrdersRejected.WithLabelValues(a.symbol, "no_liquidity").Inc()
			}
		}
	}
	return nil
}

func (a *SymbolActor) handleCancel(ctx context.Context, orderID, userID int64) result {
	now := time.Now()

	if o, ok := a.book.Get(orderID); ok {
		if o.UserID != userID {
			return result{err: ErrNotOwned}
		}
		tx := newTxn(a.symbol, a.seq)
		a.book.Remove(orderID)
		o.Status = market.Cancelled
		o.UpdatedAt = now
		tx.bookRemove(o)
		tx.putOrder(o)
		tx.eventOrder(o, now)
		if err := a.commit(ctx, tx, now); err != nil {
			return result{err: err}
		}
		return result{order: *o}
	}

	if o, ok := a.stops.get(orderID); ok {
		if o.UserID != userID {
			return result{err: ErrNotOwned}
		}
		tx := newTxn(a.symbol, a.seq)
		a.stops.remove(orderID)
		o.Status = market.Cancelled
		o.UpdatedAt = now
		tx.putOrder(o)
		tx.eventOrder(o, now)
		if err := a.commit(ctx, tx, now); err != nil {
			return result{err: err}
		}
		return result{order: *o}
	}

	o, err := a.st.GetOrder(context.Background(), orderID)
	if err == store.ErrNotFound {
		return result{err: ErrNotFound}
	}
	if err != nil {
		logger.Error(ctx, "lookup order for cancel", zap.Int64("order_id", orderID), zap.Error(err))
		return result{err: ErrEngineUnavailable}
	}
	if o.Symbol != a.symbol || o.UserID != userID {
		if o.UserID != userID {
			return result{err: ErrNotOwned}
		}
		return result{err: ErrNotFound}
	}
	// 存在但不在簿上：不会再变化
	return result{err: ErrAlreadyTerminal}
}

// commit applies the txn's change-set with capped exponential backoff,
// then publishes its events. Only a successful apply advances the
// actor's sequence; a failed one reloads memory from the store so the
// mutations this command already made are thrown away.
func (a *SymbolActor) commit(ctx context.Context, tx *txn, now time.Time) error {
	tx.eventBook(a.book, now)
	cs := tx.changeset(a.book)
	if cs.Empty() {
		return nil
	}

	bg := context.Background()
	backoff := 10 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= a.cfg.ApplyRetries; attempt++ {
		if attempt > 0 {
			metrics.ApplyRetries.WithLabelValues(a.symbol).Inc()
			time.Sleep(backoff)
			backoff *= 2
			if backoff > 500*time.Millisecond {
				backoff = 500 * time.Millisecond
			}
		}
		if lastErr = a.st.Apply(bg, cs); lastErr == nil {
			break
		}
		a.log.Warn("apply changeset failed",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	if lastErr != nil {
		a.log.Error("apply retries exhausted, resyncing", zap.Error(lastErr))
		if err := a.Load(bg); err != nil {
			a.halt(ctx, fmt.Errorf("resync after failed apply: %w", err))
		}
		return ErrEngineUnavailable
	}

	a.seq = tx.seq
	a.publish(ctx, tx.events)
	return nil
}

func (a *SymbolActor) publish(ctx context.Context, events []bus.Event) {
	bg := context.Background()
	for i := range events {
		ev := &events[i]
		payload, err := ev.Marshal()
		if err != nil {
			a.log.Error("encode event", zap.Error(err))
			continue
		}
		if err := a.broker.Publish(bg, ev.Topic(), payload); err != nil {
			a.log.Warn("publish event",
				zap.String("topic", ev.Topic()),
				zap.Error(err),
			)
			continue
		}
		metrics.EventsPublished.WithLabelValues(a.symbol, ev.Type).Inc()
	}
}

// recoverUncommitted reloads from the store after a command died
// mid-flight with the in-memory book already mutated.
func (a *SymbolActor) recoverUncommitted(ctx context.Context) {
	if err := a.Load(context.Background()); err != nil {
		a.halt(ctx, fmt.Errorf("resync after aborted command: %w", err))
	}
}

func (a *SymbolActor) checkInvariants() error {
	bb, okb := a.book.BestBid()
	ba, oka := a.book.BestAsk()
	if okb && oka && bb >= ba {
		return fmt.Errorf("crossed book: bid %d >= ask %d", bb, ba)
	}
	return nil
}

// halt stops the symbol permanently. Correctness over availability:
// an inconsistent book must not keep trading.
func (a *SymbolActor) halt(ctx context.Context, cause error) {
	a.halted = true
	a.log.Error("symbol halted", zap.Error(cause))
}
