package engine

import (
	"context"
	"sync"

	"coinx.com/internal/bus"
	"coinx.com/internal/market"
	"coinx.com/internal/store"
	"coinx.com/pkg/safe"
)

type Config struct {
	Symbols      []string
	MailboxSize  int
	ApplyRetries int
}

// Engine owns one actor per configured symbol and routes commands to
// them. Symbols are fixed at startup; anything else is
// ErrUnknownSymbol.
type Engine struct {
	cfg    Config
	st     store.Store
	broker bus.Broker

	mu     sync.RWMutex
	actors map[string]*SymbolActor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, st store.Store, broker bus.Broker) *Engine {
	return &Engine{
		cfg:    cfg,
		st:     st,
		broker: broker,
		actors: make(map[string]*SymbolActor, len(cfg.Symbols)),
	}
}

// Start loads every symbol's committed state and spins up its matcher.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	acfg := ActorConfig{MailboxSize: e.cfg.MailboxSize, ApplyRetries: e.cfg.ApplyRetries}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sym := range e.cfg.Symbols {
		a := NewSymbolActor(sym, acfg, e.st, e.broker)
		if err := a.Load(ctx); err != nil {
			cancel()
			return err
		}
		e.actors[sym] = a
		e.wg.Add(1)
		safe.Go("engine.matcher", func() {
			defer e.wg.Done()
			a.Run(runCtx)
		})
	}
	return nil
}

// Stop drains the per-symbol mailboxes and waits for the matchers.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) actor(symbol string) (*SymbolActor, error) {
	e.mu.RLock()
	a := e.actors[symbol]
	e.mu.RUnlock()
	if a == nil {
		return nil, ErrUnknownSymbol
	}
	return a, nil
}

func (e *Engine) Symbols() []string { return e.cfg.Symbols }

type SubmitRequest struct {
	UserID    int64
	Symbol    string
	Side      market.Side
	Type      market.OrderType
	Quantity  int64
	Price     int64
	StopPrice int64
}

type SubmitResult struct {
	Order  market.Order
	Trades []market.Trade
}

func validateSubmit(req *SubmitRequest) error {
	if !req.Side.Valid() {
		return validationf("bad side %q", req.Side)
	}
	if !req.Type.Valid() {
		return validationf("bad order type %q", req.Type)
	}
	if req.Quantity <= 0 {
		return validationf("quantity must be positive")
	}
	switch req.Type {
	case market.Limit:
		if req.Price <= 0 {
			return validationf("limit order requires a price")
		}
	case market.Market:
		if req.Price != 0 {
			return validationf("market order carries no price")
		}
	case market.Stop:
		if req.StopPrice <= 0 {
			return validationf("stop order requires a trigger price")
		}
		if req.Price != 0 {
			return validationf("stop order carries no limit price")
		}
	}
	return nil
}

// SubmitOrder validates, routes to the symbol's matcher and waits for
// the outcome. A cancelled caller context abandons the wait but the
// accepted command still runs to completion.
func (e *Engine) SubmitOrder(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}
	a, err := e.actor(req.Symbol)
	if err != nil {
		return nil, err
	}

	o := &market.Order{
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		StopPrice: req.StopPrice,
	}
	cmd := command{kind: cmdSubmit, ctx: ctx, order: o, reply: make(chan result, 1)}
	if err := a.TryEnqueue(cmd); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-cmd.reply:
		if r.err != nil {
			return nil, r.err
		}
		return &SubmitResult{Order: r.order, Trades: r.trades}, nil
	}
}

// CancelOrder routes by the order's symbol, which costs one store read
// because the wire contract only carries the order id.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID int64) (*market.Order, error) {
	rec, err := e.st.GetOrder(ctx, orderID)
	if err == store.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ErrEngineUnavailable
	}
	a, err := e.actor(rec.Symbol)
	if err != nil {
		return nil, err
	}

	cmd := command{kind: cmdCancel, ctx: ctx, orderID: orderID, userID: userID, reply: make(chan result, 1)}
	if err := a.TryEnqueue(cmd); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-cmd.reply:
		if r.err != nil {
			return nil, r.err
		}
		o := r.order
		return &o, nil
	}
}

// Snapshot serializes through the matcher so the returned sequence is
// exactly consistent with the event stream.
func (e *Engine) Snapshot(ctx context.Context, symbol string, depth int) (*market.BookSnapshot, error) {
	a, err := e.actor(symbol)
	if err != nil {
		return nil, err
	}
	cmd := command{kind: cmdSnapshot, ctx: ctx, depth: depth, reply: make(chan result, 1)}
	if err := a.TryEnqueue(cmd); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-cmd.reply:
		if r.err != nil {
			return nil, r.err
		}
		snap := r.snapshot
		return &snap, nil
	}
}

func (e *Engine) RecentTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	if _, err := e.actor(symbol); err != nil {
		return nil, err
	}
	return e.st.RecentTrades(ctx, symbol, limit)
}

func (e *Engine) GetOrder(ctx context.Context, orderID int64) (*market.Order, error) {
	o, err := e.st.GetOrder(ctx, orderID)
	if err == store.ErrNotFound {
		return nil, ErrNotFound
	}
	return o, err
}

func (e *Engine) UserOrders(ctx context.Context, userID int64) ([]market.Order, error) {
	return e.st.UserOrders(ctx, userID)
}
