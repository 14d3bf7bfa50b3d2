package engine

import (
	"context"
	"os"
	"testing"

	"coinx.com/internal/bus"
	"coinx.com/internal/market"
	"coinx.com/internal/store"
	"coinx.com/pkg/fixed"
	"coinx.com/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("engine-test", "error")
	os.Exit(m.Run())
}

const sym = "BTC-USD"

func newTestEngine(t *testing.T) (*Engine, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	eng := New(Config{Symbols: []string{sym}}, st, bus.NewMemBroker())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(eng.Stop)
	return eng, st
}

func limitReq(userID int64, side market.Side, price, qty string) *SubmitRequest {
	return &SubmitRequest{
		UserID:   userID,
		Symbol:   sym,
		Side:     side,
		Type:     market.Limit,
		Price:    fixed.MustParse(price),
		Quantity: fixed.MustParse(qty),
	}
}

func marketReq(userID int64, side market.Side, qty string) *SubmitRequest {
	return &SubmitRequest{
		UserID:   userID,
		Symbol:   sym,
		Side:     side,
		Type:     market.Market,
		Quantity: fixed.MustParse(qty),
	}
}

func stopReq(userID int64, side market.Side, stop, qty string) *SubmitRequest {
	return &SubmitRequest{
		UserID:    userID,
		Symbol:    sym,
		Side:      side,
		Type:      market.Stop,
		StopPrice: fixed.MustParse(stop),
		Quantity:  fixed.MustParse(qty),
	}
}

func mustSubmit(t *testing.T, eng *Engine, req *SubmitRequest) *SubmitResult {
	t.Helper()
	res, err := eng.SubmitOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res
}

func TestSubmitLimitRests(t *testing.T) {
	eng, _ := newTestEngine(t)

	res := mustSubmit(t, eng, limitReq(1, market.Buy, "100", "2"))
	if res.Order.Status != market.Pending || len(res.Trades) != 0 {
		t.Fatalf("expected resting pending order, got %+v", res)
	}

	snap, err := eng.Snapshot(context.Background(), sym, 10)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Price != fixed.MustParse("100") ||
		snap.Bids[0].TotalQuantity != fixed.MustParse("2") || snap.Bids[0].OrderCount != 1 {
		t.Fatalf("unexpected bids %+v", snap.Bids)
	}
}

func TestMatchFIFOSamePrice(t *testing.T) {
	eng, _ := newTestEngine(t)

	// 两个同价卖单，先到先吃
	m1 := mustSubmit(t, eng, limitReq(1, market.Sell, "100", "2")).Order
	m2 := mustSubmit(t, eng, limitReq(2, market.Sell, "100", "2")).Order

	res := mustSubmit(t, eng, limitReq(3, market.Buy, "100", "3"))
	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[0].MakerOrderID != m1.ID || res.Trades[0].Quantity != fixed.MustParse("2") {
		t.Fatalf("first fill expected maker=%d qty=2, got %+v", m1.ID, res.Trades[0])
	}
	if res.Trades[1].MakerOrderID != m2.ID || res.Trades[1].Quantity != fixed.MustParse("1") {
		t.Fatalf("second fill expected maker=%d qty=1, got %+v", m2.ID, res.Trades[1])
	}
	if res.Order.Status != market.Filled {
		t.Fatalf("taker expected filled, got %s", res.Order.Status)
	}

	// maker 1 全成，maker 2 剩 1 挂着
	o1, err := eng.GetOrder(context.Background(), m1.ID)
	if err != nil || o1.Status != market.Filled {
		t.Fatalf("maker1 expected filled, got %+v %v", o1, err)
	}
	o2, err := eng.GetOrder(context.Background(), m2.ID)
	if err != nil || o2.Status != market.PartiallyFilled || o2.Remaining() != fixed.MustParse("1") {
		t.Fatalf("maker2 expected partially filled rem=1, got %+v %v", o2, err)
	}
}

func TestTradeAtMakerPrice(t *testing.T) {
	eng, _ := newTestEngine(t)

	mustSubmit(t, eng, limitReq(1, market.Sell, "100", "1"))
	res := mustSubmit(t, eng, limitReq(2, market.Buy, "105", "1"))
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Price != fixed.MustParse("100") {
		t.Fatalf("trade price expected 100 (maker), got %s", fixed.Format(tr.Price))
	}
	if tr.BuyOrderID != res.Order.ID || tr.TakerOrderID != res.Order.ID {
		t.Fatalf("buy/taker ids wrong: %+v", tr)
	}
}

func TestLimitPartialFillRests(t *testing.T) {
	eng, _ := newTestEngine(t)

	mustSubmit(t, eng, limitReq(1, market.Sell, "100", "1"))
	res := mustSubmit(t, eng, limitReq(2, market.Buy, "100", "3"))
	if res.Order.Status != market.PartiallyFilled || res.Order.Remaining() != fixed.MustParse("2") {
		t.Fatalf("taker expected partially filled rem=2, got %+v", res.Order)
	}

	snap, _ := eng.Snapshot(context.Background(), sym, 10)
	if len(snap.Bids) != 1 || snap.Bids[0].TotalQuantity != fixed.MustParse("2") {
		t.Fatalf("remainder should rest, bids %+v", snap.Bids)
	}
	if len(snap.Asks) != 0 {
		t.Fatalf("ask side should be empty, got %+v", snap.Asks)
	}
}

func TestLimitNoCrossRests(t *testing.T) {
	eng, _ := newTestEngine(t)

	mustSubmit(t, eng, limitReq(1, market.Sell, "101", "1"))
	res := mustSubmit(t, eng, limitReq(2, market.Buy, "100", "1"))
	if len(res.Trades) != 0 || res.Order.Status != market.Pending {
		t.Fatalf("no cross expected, got %+v", res)
	}

	snap, _ := eng.Snapshot(context.Background(), sym, 10)
	if len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Fatalf("both orders should rest: %+v", snap)
	}
}

func TestMarketOrderEmptyBookRejected(t *testing.T) {
	eng, _ := newTestEngine(t)

	res := mustSubmit(t, eng, marketReq(1, market.Buy, "1"))
	if res.Order.Status != market.Rejected || len(res.Trades) != 0 {
		t.Fatalf("expected rejected, got %+v", res)
	}
}

func TestMarketOrderPartialLiquidity(t *testing.T) {
	eng, _ := newTestEngine(t)

	mustSubmit(t, eng, limitReq(1, market.Sell, "100", "1"))
	res := mustSubmit(t, eng, marketReq(2, market.Buy, "3"))
	if res.Order.Status != market.PartiallyFilled {
		t.Fatalf("expected partially filled terminal, got %s", res.Order.Status)
	}
	if len(res.Trades) != 1 || res.Trades[0].Quantity != fixed.MustParse("1") {
		t.Fatalf("expected single fill of 1, got %+v", res.Trades)
	}

	// 市价单吃不完不挂簿
	snap, _ := eng.Snapshot(context.Background(), sym, 10)
	if len(snap.Bids) != 0 {
		t.Fatalf("market remainder must not rest, bids %+v", snap.Bids)
	}
}

func TestMarketOrderWalksLevels(t *testing.T) {
	eng, _ := newTestEngine(t)

	mustSubmit(t, eng, limitReq(1, market.Sell, "100", "1"))
	mustSubmit(t, eng, limitReq(2, market.Sell, "101", "1"))
	res := mustSubmit(t, eng, marketReq(3, market.Buy, "2"))
	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[0].Price != fixed.MustParse("100") || res.Trades[1].Price != fixed.MustParse("101") {
		t.Fatalf("expected fills at 100 then 101, got %+v", res.Trades)
	}
	if res.Order.Status != market.Filled {
		t.Fatalf("expected filled, got %s", res.Order.Status)
	}
}

func TestCancelRestingOrder(t *testing.T) {
	eng, _ := newTestEngine(t)

	o := mustSubmit(t, eng, limitReq(1, market.Buy, "100", "1")).Order
	got, err := eng.CancelOrder(context.Background(), 1, o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != market.Cancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	snap, _ := eng.Snapshot(context.Background(), sym, 10)
	if len(snap.Bids) != 0 {
		t.Fatalf("book should be empty, got %+v", snap.Bids)
	}

	// 再取消一次：已终态
	if _, err := eng.CancelOrder(context.Background(), 1, o.ID); err != ErrAlreadyTerminal {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestCancelWrongUser(t *testing.T) {
	eng, _ := newTestEngine(t)

	o := mustSubmit(t, eng, limitReq(1, market.Buy, "100", "1")).Order
	if _, err := eng.CancelOrder(context.Background(), 2, o.ID); err != ErrNotOwned {
		t.Fatalf("expected ErrNotOwned, got %v", err)
	}
	// 订单还在簿上
	snap, _ := eng.Snapshot(context.Background(), sym, 10)
	if len(snap.Bids) != 1 {
		t.Fatalf("order should still rest")
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	eng, _ := newTestEngine(t)
	if _, err := eng.CancelOrder(context.Background(), 1, 424242); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelFilledOrder(t *testing.T) {
	eng, _ := newTestEngine(t)

	maker := mustSubmit(t, eng, limitReq(1, market.Sell, "100", "1")).Order
	mustSubmit(t, eng, limitReq(2, market.Buy, "100", "1"))
	if _, err := eng.CancelOrder(context.Background(), 1, maker.ID); err != ErrAlreadyTerminal {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestStopOrderRestsUntilTriggered(t *testing.T) {
	eng, st := newTestEngine(t)

	mustSubmit(t, eng, limitReq(1, market.Buy, "95", "1"))
	mustSubmit(t, eng, limitReq(2, market.Buy, "90", "1"))

	// 没有成交价，止损单入表等待
	stop := mustSubmit(t, eng, stopReq(3, market.Sell, "95", "1"))
	if stop.Order.Status != market.Pending || len(stop.Trades) != 0 {
		t.Fatalf("stop should wait, got %+v", stop)
	}
	snap, _ := eng.Snapshot(context.Background(), sym, 10)
	if len(snap.Asks) != 0 {
		t.Fatalf("stop must not appear in the book, asks %+v", snap.Asks)
	}

	// 成交 @95 触发止损，止损转市价吃掉 90 的买单
	trig := mustSubmit(t, eng, limitReq(4, market.Sell, "95", "1"))
	if len(trig.Trades) != 1 {
		t.Fatalf("trigger submit should report its own fill only, got %+v", trig.Trades)
	}

	all, err := st.RecentTrades(context.Background(), sym, 10)
	if err != nil {
		t.Fatalf("recent trades: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 trades total, got %d", len(all))
	}
	// 最新一笔是止损单成交 @90
	if all[0].Price != fixed.MustParse("90") || all[0].SellOrderID != stop.Order.ID {
		t.Fatalf("stop fill expected @90 by order %d, got %+v", stop.Order.ID, all[0])
	}

	so, err := eng.GetOrder(context.Background(), stop.Order.ID)
	if err != nil || so.Status != market.Filled {
		t.Fatalf("stop expected filled, got %+v %v", so, err)
	}
}

func TestStopOrderImmediateTrigger(t *testing.T) {
	eng, _ := newTestEngine(t)

	// 先造一笔成交，lastPx=100
	mustSubmit(t, eng, limitReq(1, market.Sell, "100", "1"))
	mustSubmit(t, eng, limitReq(2, market.Buy, "100", "1"))

	mustSubmit(t, eng, limitReq(1, market.Sell, "101", "1"))

	// 买方止损触发价 99 <= last，立即按市价执行
	res := mustSubmit(t, eng, stopReq(3, market.Buy, "99", "1"))
	if len(res.Trades) != 1 || res.Trades[0].Price != fixed.MustParse("101") {
		t.Fatalf("stop should fire immediately @101, got %+v", res.Trades)
	}
	if res.Order.Status != market.Filled {
		t.Fatalf("expected filled, got %s", res.Order.Status)
	}
}

func TestCancelWaitingStop(t *testing.T) {
	eng, _ := newTestEngine(t)

	stop := mustSubmit(t, eng, stopReq(1, market.Sell, "95", "1")).Order
	got, err := eng.CancelOrder(context.Background(), 1, stop.ID)
	if err != nil || got.Status != market.Cancelled {
		t.Fatalf("cancel stop: %+v %v", got, err)
	}
}

func TestValidationErrors(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []*SubmitRequest{
		{UserID: 1, Symbol: sym, Side: "sideways", Type: market.Limit, Price: 1, Quantity: 1},
		{UserID: 1, Symbol: sym, Side: market.Buy, Type: "weird", Quantity: 1},
		{UserID: 1, Symbol: sym, Side: market.Buy, Type: market.Limit, Price: 100, Quantity: 0},
		{UserID: 1, Symbol: sym, Side: market.Buy, Type: market.Limit, Quantity: 1},                   // limit 没价格
		{UserID: 1, Symbol: sym, Side: market.Buy, Type: market.Market, Price: 100, Quantity: 1},      // 市价带价格
		{UserID: 1, Symbol: sym, Side: market.Buy, Type: market.Stop, Quantity: 1},                    // 止损没触发价
		{UserID: 1, Symbol: sym, Side: market.Buy, Type: market.Stop, StopPrice: 1, Price: 1, Quantity: 1},
	}
	for i, req := range cases {
		_, err := eng.SubmitOrder(ctx, req)
		if _, ok := err.(*ValidationError); !ok {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestUnknownSymbol(t *testing.T) {
	eng, _ := newTestEngine(t)

	if _, err := eng.SubmitOrder(context.Background(), &SubmitRequest{
		UserID: 1, Symbol: "DOGE-USD", Side: market.Buy, Type: market.Market, Quantity: 1,
	}); err != ErrUnknownSymbol {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
	if _, err := eng.Snapshot(context.Background(), "DOGE-USD", 10); err != ErrUnknownSymbol {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestApplyRetrySucceeds(t *testing.T) {
	eng, st := newTestEngine(t)

	st.FailApplies = 2
	res := mustSubmit(t, eng, limitReq(1, market.Buy, "100", "1"))
	if res.Order.Status != market.Pending {
		t.Fatalf("submit should survive transient store failures, got %+v", res)
	}
	o, err := eng.GetOrder(context.Background(), res.Order.ID)
	if err != nil || o.Status != market.Pending {
		t.Fatalf("order should be committed, got %+v %v", o, err)
	}
}

func TestApplyExhaustedResyncs(t *testing.T) {
	eng, st := newTestEngine(t)

	before := mustSubmit(t, eng, limitReq(1, market.Buy, "90", "1"))
	if before.Order.Status != market.Pending {
		t.Fatalf("setup failed")
	}

	st.FailApplies = 100
	_, err := eng.SubmitOrder(context.Background(), limitReq(2, market.Buy, "100", "1"))
	if err != ErrEngineUnavailable {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
	st.FailApplies = 0

	// 内存从 store 重建：失败的单子不存在，之前的还在
	snap, err := eng.Snapshot(context.Background(), sym, 10)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Price != fixed.MustParse("90") {
		t.Fatalf("book should roll back to committed state, bids %+v", snap.Bids)
	}
}

func TestQuantityConservation(t *testing.T) {
	eng, st := newTestEngine(t)

	mustSubmit(t, eng, limitReq(1, market.Sell, "100", "5"))
	mustSubmit(t, eng, limitReq(2, market.Sell, "101", "3"))
	mustSubmit(t, eng, limitReq(3, market.Buy, "101", "6"))
	mustSubmit(t, eng, marketReq(4, market.Sell, "1"))

	users := []int64{1, 2, 3, 4}
	for _, uid := range users {
		got, err := eng.UserOrders(context.Background(), uid)
		if err != nil {
			t.Fatalf("user orders: %v", err)
		}
		for _, o := range got {
			executed := int64(0)
			trades, _ := st.RecentTrades(context.Background(), sym, 100)
			for _, tr := range trades {
				if tr.BuyOrderID == o.ID || tr.SellOrderID == o.ID {
					executed += tr.Quantity
				}
			}
			if o.Filled != executed {
				t.Fatalf("order %d filled=%d but trades sum to %d", o.ID, o.Filled, executed)
			}
			if o.Filled+o.Remaining() != o.Quantity {
				t.Fatalf("order %d quantity not conserved", o.ID)
			}
		}
	}
}

func TestSnapshotSequenceAdvances(t *testing.T) {
	eng, _ := newTestEngine(t)

	s0, _ := eng.Snapshot(context.Background(), sym, 10)
	mustSubmit(t, eng, limitReq(1, market.Buy, "100", "1"))
	s1, _ := eng.Snapshot(context.Background(), sym, 10)
	if s1.Sequence <= s0.Sequence {
		t.Fatalf("sequence should advance: %d -> %d", s0.Sequence, s1.Sequence)
	}
}
