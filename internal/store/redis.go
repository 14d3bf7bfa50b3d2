package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"coinx.com/internal/market"
	"coinx.com/pkg/fixed"
)

// Key layout:
//
//	order:{id}                 hash, full order record
//	user:{uid}:orders          set of order ids
//	symbol:{sym}:orders        set of order ids
//	{sym}:bids / {sym}:asks    zset, member = price string, score = ticks
//	{sym}:{side}:{price}       list of resting order ids, FIFO
//	{sym}:{side}:{price}:meta  hash {total_quantity, order_count}
//	trades:{sym}               stream, capped
//	seq:{sym}                  committed event sequence
//	counters:order_id          global order id
//	counters:trade_id:{sym}    per-symbol trade id
type RedisStore struct {
	rdb          *redis.Client
	tradeLogSize int64
}

// applyScript replays a generic op list in one atomic script call so a
// whole change-set commits or none of it does.
var applyScript = redis.NewScript(`
local ops = cjson.decode(ARGV[1])
for i = 1, #ops do
  local op = ops[i]
  local c = op.cmd
  if c == "hset" then
    local args = {}
    for k, v in pairs(op.fields) do
      args[#args+1] = k
      args[#args+1] = v
    end
    redis.call("HSET", op.key, unpack(args))
  elseif c == "sadd" then
    redis.call("SADD", op.key, op.member)
  elseif c == "rpush" then
    redis.call("RPUSH", op.key, op.value)
  elseif c == "lrem" then
    redis.call("LREM", op.key, 1, op.value)
  elseif c == "zadd" then
    redis.call("ZADD", op.key, op.score, op.member)
  elseif c == "zrem" then
    redis.call("ZREM", op.key, op.member)
  elseif c == "del" then
    redis.call("DEL", op.key)
  elseif c == "set" then
    redis.call("SET", op.key, op.value)
  elseif c == "xadd" then
    redis.call("XADD", op.key, "MAXLEN", "~", op.maxlen, "*", "data", op.value)
  end
end
return #ops
`)

func NewRedisStore(rdb *redis.Client, tradeLogSize int64) *RedisStore {
	if tradeLogSize <= 0 {
		tradeLogSize = 10000
	}
	return &RedisStore{rdb: rdb, tradeLogSize: tradeLogSize}
}

func orderKey(id int64) string        { return "order:" + strconv.FormatInt(id, 10) }
func userOrdersKey(uid int64) string  { return "user:" + strconv.FormatInt(uid, 10) + ":orders" }
func symbolOrdersKey(s string) string { return "symbol:" + s + ":orders" }
func seqKey(s string) string          { return "seq:" + s }
func tradesKey(s string) string       { return "trades:" + s }

func sideIndexKey(symbol string, side market.Side) string {
	if side == market.Buy {
		return symbol + ":bids"
	}
	return symbol + ":asks"
}

func levelKey(symbol string, side market.Side, price int64) string {
	return fmt.Sprintf("%s:%s:%s", symbol, side, fixed.FormatFull(price))
}

func levelMetaKey(symbol string, side market.Side, price int64) string {
	return levelKey(symbol, side, price) + ":meta"
}

type redisOp struct {
	Cmd    string            `json:"cmd"`
	Key    string            `json:"key"`
	Fields map[string]string `json:"fields,omitempty"`
	Member string            `json:"member,omitempty"`
	Value  string            `json:"value,omitempty"`
	Score  int64             `json:"score,omitempty"`
	MaxLen int64             `json:"maxlen,omitempty"`
}

func (s *RedisStore) Apply(ctx context.Context, cs *ChangeSet) error {
	ops := make([]redisOp, 0, len(cs.Orders)*3+len(cs.BookOps)+len(cs.Levels)*2+len(cs.Trades)+1)

	for i := range cs.Orders {
		o := &cs.Orders[i]
		ops = append(ops,
			redisOp{Cmd: "hset", Key: orderKey(o.ID), Fields: orderFields(o)},
			redisOp{Cmd: "sadd", Key: userOrdersKey(o.UserID), Member: strconv.FormatInt(o.ID, 10)},
			redisOp{Cmd: "sadd", Key: symbolOrdersKey(o.Symbol), Member: strconv.FormatInt(o.ID, 10)},
		)
	}

	for _, op := range cs.BookOps {
		id := strconv.FormatInt(op.OrderID, 10)
		switch op.Kind {
		case BookInsert:
			ops = append(ops, redisOp{Cmd: "rpush", Key: levelKey(cs.Symbol, op.Side, op.Price), Value: id})
		case BookRemove:
			ops = append(ops, redisOp{Cmd: "lrem", Key: levelKey(cs.Symbol, op.Side, op.Price), Value: id})
		}
	}

	for _, lv := range cs.Levels {
		member := fixed.FormatFull(lv.Price)
		if lv.OrderCount == 0 {
			ops = append(ops,
				redisOp{Cmd: "zrem", Key: sideIndexKey(cs.Symbol, lv.Side), Member: member},
				redisOp{Cmd: "del", Key: levelKey(cs.Symbol, lv.Side, lv.Price)},
				redisOp{Cmd: "del", Key: levelMetaKey(cs.Symbol, lv.Side, lv.Price)},
			)
			continue
		}
		ops = append(ops,
			redisOp{Cmd: "zadd", Key: sideIndexKey(cs.Symbol, lv.Side), Score: lv.Price, Member: member},
			redisOp{Cmd: "hset", Key: levelMetaKey(cs.Symbol, lv.Side, lv.Price), Fields: map[string]string{
				"total_quantity": strconv.FormatInt(lv.TotalQuantity, 10),
				"order_count":    strconv.Itoa(lv.OrderCount),
			}},
		)
	}

	for i := range cs.Trades {
		raw, err := json.Marshal(&cs.Trades[i])
		if err != nil {
			return fmt.Errorf("encode trade: %w", err)
		}
		ops = append(ops, redisOp{Cmd: "xadd", Key: tradesKey(cs.Symbol), Value: string(raw), MaxLen: s.tradeLogSize})
	}

	ops = append(ops, redisOp{Cmd: "set", Key: seqKey(cs.Symbol), Value: strconv.FormatInt(cs.Sequence, 10)})

	payload, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode changeset: %w", err)
	}
	if err := applyScript.Run(ctx, s.rdb, []string{}, string(payload)).Err(); err != nil {
		return fmt.Errorf("apply changeset: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadSymbol(ctx context.Context, symbol string) (*SymbolState, error) {
	st := &SymbolState{Symbol: symbol}

	seqStr, err := s.rdb.Get(ctx, seqKey(symbol)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load sequence: %w", err)
	}
	if err == nil {
		st.Sequence, _ = strconv.ParseInt(seqStr, 10, 64)
	}

	ids, err := s.rdb.SMembers(ctx, symbolOrdersKey(symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("load symbol orders: %w", err)
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, "order:"+id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load order records: %w", err)
	}
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		o, err := orderFromFields(m)
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

func (s *RedisStore) GetOrder(ctx context.Context, orderID int64) (*market.Order, error) {
	m, err := s.rdb.HGetAll(ctx, orderKey(orderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return orderFromFields(m)
}

func (s *RedisStore) UserOrders(ctx context.Context, userID int64) ([]market.Order, error) {
	ids, err := s.rdb.SMembers(ctx, userOrdersKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("user orders: %w", err)
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, "order:"+id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("user order records: %w", err)
	}
	out := make([]market.Order, 0, len(cmds))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		o, err := orderFromFields(m)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *RedisStore) RecentTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := s.rdb.XRevRangeN(ctx, tradesKey(symbol), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	out := make([]market.Trade, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var t market.Trade
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) NextOrderID(ctx context.Context) (int64, error) {
	id, err := s.rdb.Incr(ctx, "counters:order_id").Result()
	if err != nil {
		return 0, fmt.Errorf("next order id: %w", err)
	}
	return id, nil
}

func (s *RedisStore) NextTradeID(ctx context.Context, symbol string) (int64, error) {
	id, err := s.rdb.Incr(ctx, "counters:trade_id:"+symbol).Result()
	if err != nil {
		return 0, fmt.Errorf("next trade id: %w", err)
	}
	return id, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func orderFields(o *market.Order) map[string]string {
	return map[string]string{
		"id":              strconv.FormatInt(o.ID, 10),
		"user_id":         strconv.FormatInt(o.UserID, 10),
		"symbol":          o.Symbol,
		"side":            string(o.Side),
		"type":            string(o.Type),
		"quantity":        strconv.FormatInt(o.Quantity, 10),
		"filled_quantity": strconv.FormatInt(o.Filled, 10),
		"price":           strconv.FormatInt(o.Price, 10),
		"stop_price":      strconv.FormatInt(o.StopPrice, 10),
		"status":          string(o.Status),
		"sequence":        strconv.FormatInt(o.Sequence, 10),
		"created_at":      strconv.FormatInt(o.CreatedAt.UnixMilli(), 10),
		"updated_at":      strconv.FormatInt(o.UpdatedAt.UnixMilli(), 10),
	}
}

func orderFromFields(m map[string]string) (*market.Order, error) {
	geti := func(k string) int64 {
		v, _ := strconv.ParseInt(m[k], 10, 64)
		return v
	}
	o := &market.Order{
		ID:        geti("id"),
		UserID:    geti("user_id"),
		Symbol:    m["symbol"],
		Side:      market.Side(m["side"]),
		Type:      market.OrderType(m["type"]),
		Quantity:  geti("quantity"),
		Filled:    geti("filled_quantity"),
		Price:     geti("price"),
		StopPrice: geti("stop_price"),
		Status:    market.OrderStatus(m["status"]),
		Sequence:  geti("sequence"),
		CreatedAt: time.UnixMilli(geti("created_at")),
		UpdatedAt: time.UnixMilli(geti("updated_at")),
	}
	if o.ID == 0 {
		return nil, fmt.Errorf("corrupt order record: %v", m)
	}
	return o, nil
}
