package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"

	"coinx.com/internal/market"
)

// PebbleStore keeps the same logical layout as the redis backend in an
// embedded LSM, for single-node runs with no external services.
//
//	o/{id}                 order record (JSON)
//	u/{uid}/{id}           user index
//	s/{sym}/{id}           symbol index
//	b/{sym}/{side}/{price}/{seq}  level list entry, key order = price ascending, then arrival
//	m/{sym}/{side}/{price} level aggregate (JSON)
//	t/{sym}/{id}           trade log entry (JSON)
//	q/{sym}                committed event sequence
//	c/order, c/trade/{sym} id counters
//
// Numeric key segments are zero-padded so byte order equals numeric
// order.
type PebbleStore struct {
	db *pebble.DB

	// counters are read-modify-write, single process owns the dir
	cmu sync.Mutex
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func pad(n int64) string { return fmt.Sprintf("%020d", n) }

func pOrderKey(id int64) []byte { return []byte("o/" + pad(id)) }

func pUserKey(uid, id int64) []byte {
	return []byte("u/" + pad(uid) + "/" + pad(id))
}

func pSymbolKey(sym string, id int64) []byte {
	return []byte("s/" + sym + "/" + pad(id))
}

func pBookKey(sym string, side market.Side, price, seq int64) []byte {
	return []byte("b/" + sym + "/" + string(side) + "/" + pad(price) + "/" + pad(seq))
}

func pLevelKey(sym string, side market.Side, price int64) []byte {
	return []byte("m/" + sym + "/" + string(side) + "/" + pad(price))
}

func pTradeKey(sym string, id int64) []byte { return []byte("t/" + sym + "/" + pad(id)) }

func pSeqKey(sym string) []byte { return []byte("q/" + sym) }

type pebbleLevelMeta struct {
	TotalQuantity int64 `json:"total_quantity"`
	OrderCount    int   `json:"order_count"`
}

func (s *PebbleStore) Apply(ctx context.Context, cs *ChangeSet) error {
	b := s.db.NewBatch()
	defer b.Close()

	for i := range cs.Orders {
		o := &cs.Orders[i]
		raw, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode order: %w", err)
		}
		if err := b.Set(pOrderKey(o.ID), raw, nil); err != nil {
			return err
		}
		if err := b.Set(pUserKey(o.UserID, o.ID), nil, nil); err != nil {
			return err
		}
		if err := b.Set(pSymbolKey(o.Symbol, o.ID), nil, nil); err != nil {
			return err
		}
	}

	for _, op := range cs.BookOps {
		key := pBookKey(cs.Symbol, op.Side, op.Price, op.Seq)
		switch op.Kind {
		case BookInsert:
			if err := b.Set(key, []byte(strconv.FormatInt(op.OrderID, 10)), nil); err != nil {
				return err
			}
		case BookRemove:
			if err := b.Delete(key, nil); err != nil {
				return err
			}
		}
	}

	for _, lv := range cs.Levels {
		key := pLevelKey(cs.Symbol, lv.Side, lv.Price)
		if lv.OrderCount == 0 {
			if err := b.Delete(key, nil); err != nil {
				return err
			}
			continue
		}
		raw, err := json.Marshal(pebbleLevelMeta{TotalQuantity: lv.TotalQuantity, OrderCount: lv.OrderCount})
		if err != nil {
			return fmt.Errorf("encode level: %w", err)
		}
		if err := b.Set(key, raw, nil); err != nil {
			return err
		}
	}

	for i := range cs.Trades {
		t := &cs.Trades[i]
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode trade: %w", err)
		}
		if err := b.Set(pTradeKey(cs.Symbol, t.ID), raw, nil); err != nil {
			return err
		}
	}

	if err := b.Set(pSeqKey(cs.Symbol), []byte(strconv.FormatInt(cs.Sequence, 10)), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("apply changeset: %w", err)
	}
	return nil
}

func (s *PebbleStore) LoadSymbol(ctx context.Context, symbol string) (*SymbolState, error) {
	st := &SymbolState{Symbol: symbol}

	if raw, closer, err := s.db.Get(pSeqKey(symbol)); err == nil {
		st.Sequence, _ = strconv.ParseInt(string(raw), 10, 64)
		_ = closer.Close()
	} else if err != pebble.ErrNotFound {
		return nil, fmt.Errorf("load sequence: %w", err)
	}

	prefix := "s/" + symbol + "/"
	it, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		id, err := strconv.ParseInt(string(it.Key()[len(prefix):]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt symbol index key %q", it.Key())
		}
		o, err := s.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		if o.Status.Terminal() {
			continue
		}
		st.Orders = append(st.Orders, *o)
	}
	sort.Slice(st.Orders, func(i, j int) bool { return st.Orders[i].Sequence < st.Orders[j].Sequence })
	return st, nil
}

func (s *PebbleStore) GetOrder(ctx context.Context, orderID int64) (*market.Order, error) {
	raw, closer, err := s.db.Get(pOrderKey(orderID))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	defer closer.Close()

	var o market.Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &o, nil
}

func (s *PebbleStore) UserOrders(ctx context.Context, userID int64) ([]market.Order, error) {
	prefix := "u/" + pad(userID) + "/"
	it, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []market.Order
	for it.Last(); it.Valid(); it.Prev() {
		id, err := strconv.ParseInt(string(it.Key()[len(prefix):]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt user index key %q", it.Key())
		}
		o, err := s.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, nil
}

func (s *PebbleStore) RecentTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	it, err := s.db.NewIter(prefixBounds("t/" + symbol + "/"))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := make([]market.Trade, 0, limit)
	for it.Last(); it.Valid() && len(out) < limit; it.Prev() {
		var t market.Trade
		if err := json.Unmarshal(it.Value(), &t); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *PebbleStore) NextOrderID(ctx context.Context) (int64, error) {
	return s.bumpCounter([]byte("c/order"))
}

func (s *PebbleStore) NextTradeID(ctx context.Context, symbol string) (int64, error) {
	return s.bumpCounter([]byte("c/trade/" + symbol))
}

func (s *PebbleStore) bumpCounter(key []byte) (int64, error) {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	var cur int64
	raw, closer, err := s.db.Get(key)
	if err == nil {
		cur, _ = strconv.ParseInt(string(raw), 10, 64)
		_ = closer.Close()
	} else if err != pebble.ErrNotFound {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	cur++
	if err := s.db.Set(key, []byte(strconv.FormatInt(cur, 10)), pebble.Sync); err != nil {
		return 0, fmt.Errorf("bump counter: %w", err)
	}
	return cur, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func prefixBounds(prefix string) *pebble.IterOptions {
	upper := []byte(prefix)
	upper = append(upper[:len(upper):len(upper)], 0xff)
	return &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	}
}
