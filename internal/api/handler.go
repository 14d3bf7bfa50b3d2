package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"coinx.com/internal/engine"
	"coinx.com/internal/gateway"
	"coinx.com/internal/market"
	"coinx.com/pkg/common"
	"coinx.com/pkg/fixed"
	"coinx.com/pkg/xerr"
)

type Handler struct {
	engine *engine.Engine
	hub    *gateway.Hub
}

func NewHandler(eng *engine.Engine, hub *gateway.Hub) *Handler {
	return &Handler{engine: eng, hub: hub}
}

// 下单请求，数量和价格走十进制字符串，内部才是 tick
type SubmitOrderReq struct {
	UserID    int64  `json:"user_id" binding:"required"`
	Symbol    string `json:"symbol" binding:"required"`
	Side      string `json:"side" binding:"required"`
	Type      string `json:"type" binding:"required"`
	Quantity  string `json:"quantity" binding:"required"`
	Price     string `json:"price"`
	StopPrice string `json:"stop_price"`
}

type SubmitOrderResp struct {
	Order  market.OrderWire  `json:"order"`
	Trades []market.TradeWire `json:"trades"`
}

func (h *Handler) SubmitOrder(c *gin.Context) {
	var req SubmitOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, err.Error())
		return
	}

	sub := &engine.SubmitRequest{
		UserID: req.UserID,
		Symbol: req.Symbol,
		Side:   market.Side(req.Side),
		Type:   market.OrderType(req.Type),
	}
	var err error
	if sub.Quantity, err = fixed.Parse(req.Quantity); err != nil {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "bad quantity: "+req.Quantity)
		return
	}
	if req.Price != "" {
		if sub.Price, err = fixed.Parse(req.Price); err != nil {
			common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "bad price: "+req.Price)
			return
		}
	}
	if req.StopPrice != "" {
		if sub.StopPrice, err = fixed.Parse(req.StopPrice); err != nil {
			common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "bad stop_price: "+req.StopPrice)
			return
		}
	}

	res, err := h.engine.SubmitOrder(c.Request.Context(), sub)
	if err != nil {
		common.FailFromError(c, mapEngineErr(err))
		return
	}
	resp := SubmitOrderResp{Order: res.Order.Wire(), Trades: make([]market.TradeWire, 0, len(res.Trades))}
	for _, t := range res.Trades {
		resp.Trades = append(resp.Trades, t.Wire())
	}
	common.Success(c, resp)
}

func (h *Handler) CancelOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	userID, ok := queryID(c, "user_id")
	if !ok {
		return
	}
	o, err := h.engine.CancelOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		common.FailFromError(c, mapEngineErr(err))
		return
	}
	common.Success(c, o.Wire())
}

func (h *Handler) GetOrderBook(c *gin.Context) {
	symbol := c.Param("symbol")
	depth := intQuery(c, "depth", 50)
	snap, err := h.engine.Snapshot(c.Request.Context(), symbol, depth)
	if err != nil {
		common.FailFromError(c, mapEngineErr(err))
		return
	}
	common.Success(c, snap.Wire())
}

func (h *Handler) GetRecentTrades(c *gin.Context) {
	symbol := c.Param("symbol")
	limit := intQuery(c, "limit", 100)
	trades, err := h.engine.RecentTrades(c.Request.Context(), symbol, limit)
	if err != nil {
		common.FailFromError(c, mapEngineErr(err))
		return
	}
	out := make([]market.TradeWire, 0, len(trades))
	for _, t := range trades {
		out = append(out, t.Wire())
	}
	common.Success(c, out)
}

func (h *Handler) GetOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	o, err := h.engine.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		common.FailFromError(c, mapEngineErr(err))
		return
	}
	common.Success(c, o.Wire())
}

func (h *Handler) GetUserOrders(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	orders, err := h.engine.UserOrders(c.Request.Context(), userID)
	if err != nil {
		common.FailFromError(c, mapEngineErr(err))
		return
	}
	out := make([]market.OrderWire, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.Wire())
	}
	common.Success(c, out)
}

func (h *Handler) Health(c *gin.Context) {
	common.Success(c, gin.H{
		"status":  "ok",
		"symbols": h.engine.Symbols(),
	})
}

func (h *Handler) Stats(c *gin.Context) {
	common.Success(c, h.hub.Stats())
}

func (h *Handler) ServeWS(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "bad "+name)
		return 0, false
	}
	return id, true
}

func queryID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil || id <= 0 {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, name+" required")
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// mapEngineErr translates engine sentinels into wire codes so the
// adapter is the only place that knows both vocabularies.
func mapEngineErr(err error) error {
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return xerr.New(xerr.RequestParamsError, ve.Reason)
	}
	switch {
	case errors.Is(err, engine.ErrUnknownSymbol):
		return xerr.New(xerr.RecordNotFound, "unknown symbol")
	case errors.Is(err, engine.ErrNotFound):
		return xerr.NewErrCode(xerr.RecordNotFound)
	case errors.Is(err, engine.ErrNotOwned):
		return xerr.NewErrCode(xerr.NotOwned)
	case errors.Is(err, engine.ErrAlreadyTerminal):
		return xerr.New(xerr.Conflict, "order already terminal")
	case errors.Is(err, engine.ErrEngineBusy):
		return xerr.New(xerr.TooManyRequests, "engine busy, retry later")
	case errors.Is(err, engine.ErrEngineUnavailable), errors.Is(err, engine.ErrHalted):
		return xerr.NewErrCode(xerr.EngineUnavailable)
	default:
		return err
	}
}
