// Package exchange implements the Binance USDⓈ-M futures REST client.
//
// Every request passes the general token bucket; order placement also
// passes the orders bucket. Authenticated endpoints carry an HMAC-SHA256
// signature over the sorted query string (sign.go) and the API key header.
// Transient transport errors are retried with exponential backoff; HTTP
// errors are surfaced as *APIError and never retried. Order state is
// persisted through the store on every acknowledgement and status poll.
//
// In dry-run mode mutating calls are simulated: orders are synthesized as
// immediately filled and persisted, and account reads return a fixed
// 10 000 USD account so sizing code paths stay exercised.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"ensemble-trader/internal/clock"
	"ensemble-trader/internal/config"
	"ensemble-trader/internal/store"
	"ensemble-trader/pkg/types"
)

const dryRunFallbackPrice = 50000.0

// APIError is a non-retriable exchange rejection (HTTP >= 400 with a body).
type APIError struct {
	HTTPStatus int
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// OrderRequest describes one order to place.
type OrderRequest struct {
	Side       types.Side
	Quantity   float64
	Type       types.OrderType
	Price      float64 // required for LIMIT
	StopLoss   float64 // optional protective stop
	TakeProfit float64 // optional protective take-profit
	ReduceOnly bool
}

// symbolFilters holds the exchange's precision rules for the traded symbol.
type symbolFilters struct {
	stepSize decimal.Decimal // LOT_SIZE: quantity granularity
	tickSize decimal.Decimal // PRICE_FILTER: price granularity
}

// Client is the futures REST client. It owns the order store.
type Client struct {
	http    *resty.Client
	rl      *RateLimiter
	orders  *store.Store
	clk     clock.Clock
	logger  *slog.Logger
	symbol  string
	apiKey  string
	secret  string
	dryRun  bool
	filters symbolFilters

	leverage   int
	marginMode string
}

// NewClient creates a futures client backed by the given order store.
func NewClient(cfg *config.Config, orders *store.Store, clk clock.Clock, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Binance.BaseURL(cfg.Testnet)).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(30 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only transport errors and timeouts; HTTP errors are final.
			return err != nil
		}).
		SetHeader("X-MBX-APIKEY", cfg.Binance.ApiKey)

	return &Client{
		http:       httpClient,
		rl:         NewRateLimiter(cfg.Binance.RateLimitPerMinute, cfg.Binance.RateLimitBuffer, cfg.Binance.RateLimitOrders10s),
		orders:     orders,
		clk:        clk,
		logger:     logger.With("component", "exchange"),
		symbol:     cfg.Trading.Symbol,
		apiKey:     cfg.Binance.ApiKey,
		secret:     cfg.Binance.ApiSecret,
		dryRun:     cfg.DryRun,
		leverage:   cfg.Trading.Leverage,
		marginMode: cfg.Trading.MarginMode,
	}
}

// Initialize verifies connectivity, loads symbol filters, and configures
// leverage and margin mode. In dry-run mode no network calls are made and
// default filters are installed.
func (c *Client) Initialize(ctx context.Context) error {
	if c.dryRun {
		c.filters = symbolFilters{
			stepSize: decimal.RequireFromString("0.001"),
			tickSize: decimal.RequireFromString("0.10"),
		}
		c.logger.Info("exchange client in dry-run mode", "symbol", c.symbol)
		return nil
	}

	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if err := c.loadSymbolFilters(ctx); err != nil {
		return err
	}
	if err := c.setLeverage(ctx); err != nil {
		c.logger.Warn("failed to set leverage", "error", err)
	}
	if err := c.setMarginMode(ctx); err != nil {
		// Fails when the mode is already set; not actionable.
		c.logger.Debug("margin mode unchanged", "error", err)
	}
	c.logger.Info("exchange client initialized",
		"symbol", c.symbol,
		"step_size", c.filters.stepSize,
		"tick_size", c.filters.tickSize,
	)
	return nil
}

// Close releases the order store.
func (c *Client) Close() error {
	return c.orders.Close()
}

// Orders exposes the order store for status reads.
func (c *Client) Orders() *store.Store {
	return c.orders
}

// Ping tests API connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, "GET", "/fapi/v1/ping", nil, false, nil)
}

func (c *Client) loadSymbolFilters(ctx context.Context) error {
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.request(ctx, "GET", "/fapi/v1/exchangeInfo", nil, false, &info); err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != c.symbol {
			continue
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				step, err := decimal.NewFromString(f.StepSize)
				if err != nil {
					return fmt.Errorf("parse stepSize %q: %w", f.StepSize, err)
				}
				c.filters.stepSize = step
			case "PRICE_FILTER":
				tick, err := decimal.NewFromString(f.TickSize)
				if err != nil {
					return fmt.Errorf("parse tickSize %q: %w", f.TickSize, err)
				}
				c.filters.tickSize = tick
			}
		}
		if c.filters.stepSize.IsZero() || c.filters.tickSize.IsZero() {
			return fmt.Errorf("symbol %s missing LOT_SIZE or PRICE_FILTER", c.symbol)
		}
		return nil
	}
	return fmt.Errorf("symbol %s not found in exchange info", c.symbol)
}

func (c *Client) setLeverage(ctx context.Context) error {
	return c.request(ctx, "POST", "/fapi/v1/leverage", map[string]string{
		"symbol":   c.symbol,
		"leverage": strconv.Itoa(c.leverage),
	}, true, nil)
}

func (c *Client) setMarginMode(ctx context.Context) error {
	return c.request(ctx, "POST", "/fapi/v1/marginType", map[string]string{
		"symbol":     c.symbol,
		"marginType": c.marginMode,
	}, true, nil)
}

// AccountBalance returns equity, available margin, and unrealized PnL.
func (c *Client) AccountBalance(ctx context.Context) (types.AccountBalance, error) {
	if c.dryRun {
		return types.AccountBalance{TotalEquity: 10000.0, AvailableMargin: 10000.0}, nil
	}

	var acct struct {
		TotalWalletBalance    string `json:"totalWalletBalance"`
		AvailableBalance      string `json:"availableBalance"`
		TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
	}
	if err := c.request(ctx, "GET", "/fapi/v2/account", nil, true, &acct); err != nil {
		return types.AccountBalance{}, err
	}
	return types.AccountBalance{
		TotalEquity:     parseFloat(acct.TotalWalletBalance),
		AvailableMargin: parseFloat(acct.AvailableBalance),
		UnrealizedPnL:   parseFloat(acct.TotalUnrealizedProfit),
	}, nil
}

// CurrentPrice returns the latest mark price for the configured symbol.
func (c *Client) CurrentPrice(ctx context.Context) (float64, error) {
	if c.dryRun {
		return dryRunFallbackPrice, nil
	}
	var ticker struct {
		Price string `json:"price"`
	}
	err := c.request(ctx, "GET", "/fapi/v1/ticker/price",
		map[string]string{"symbol": c.symbol}, false, &ticker)
	if err != nil {
		return 0, err
	}
	return parseFloat(ticker.Price), nil
}

// PlaceOrder places an order, persists the acknowledged state, then places
// protective stop-loss / take-profit children if requested. Child failures
// are logged but do not invalidate the parent.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*types.OrderState, error) {
	if err := c.rl.Orders.Wait(ctx); err != nil {
		return nil, err
	}

	req.Quantity = c.RoundQuantity(req.Quantity)
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity rounds to zero at step %s", c.filters.stepSize)
	}
	if req.Type == types.OrderTypeLimit && req.Price <= 0 {
		return nil, fmt.Errorf("price required for LIMIT orders")
	}

	if c.dryRun {
		return c.placeDryRun(ctx, req)
	}

	params := map[string]string{
		"symbol":   c.symbol,
		"side":     string(req.Side),
		"type":     string(req.Type),
		"quantity": formatQty(req.Quantity),
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if req.Type == types.OrderTypeLimit {
		params["price"] = formatQty(c.RoundPrice(req.Price))
		params["timeInForce"] = "GTC"
	}

	var ack orderAck
	if err := c.request(ctx, "POST", "/fapi/v1/order", params, true, &ack); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	state := ack.toState(c.clk.Now().UTC())
	c.saveState(ctx, state)
	c.logger.Info("order placed",
		"order_id", state.OrderID,
		"side", state.Side,
		"qty", state.Quantity,
		"type", state.Type,
	)

	if req.StopLoss > 0 {
		if id, err := c.placeProtective(ctx, state, types.OrderTypeStopMarket, req.StopLoss); err != nil {
			c.logger.Error("failed to place stop loss", "parent", state.OrderID, "error", err)
		} else {
			state.StopLossOrderID = id
			c.saveState(ctx, state)
		}
	}
	if req.TakeProfit > 0 {
		if id, err := c.placeProtective(ctx, state, types.OrderTypeTakeProfit, req.TakeProfit); err != nil {
			c.logger.Error("failed to place take profit", "parent", state.OrderID, "error", err)
		} else {
			state.TakeProfitOrderID = id
			c.saveState(ctx, state)
		}
	}

	return &state, nil
}

func (c *Client) placeDryRun(ctx context.Context, req OrderRequest) (*types.OrderState, error) {
	now := c.clk.Now().UTC()
	avg := req.Price
	if avg <= 0 {
		avg = dryRunFallbackPrice
	}
	state := types.OrderState{
		OrderID:   now.UnixMilli(),
		Symbol:    c.symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    types.OrderFilled,
		FilledQty: req.Quantity,
		AvgPrice:  avg,
		Timestamp: now,
	}
	c.saveState(ctx, state)
	c.logger.Info("[dry-run] order filled",
		"order_id", state.OrderID, "side", req.Side, "qty", req.Quantity)
	return &state, nil
}

// placeProtective places a reduce-only STOP_MARKET or TAKE_PROFIT_MARKET on
// the opposite side of the parent and persists it. Returns the child ID.
func (c *Client) placeProtective(ctx context.Context, parent types.OrderState, otype types.OrderType, stopPrice float64) (int64, error) {
	if err := c.rl.Orders.Wait(ctx); err != nil {
		return 0, err
	}

	params := map[string]string{
		"symbol":     c.symbol,
		"side":       string(parent.Side.Opposite()),
		"type":       string(otype),
		"quantity":   formatQty(parent.Quantity),
		"stopPrice":  formatQty(c.RoundPrice(stopPrice)),
		"reduceOnly": "true",
	}

	var ack orderAck
	if err := c.request(ctx, "POST", "/fapi/v1/order", params, true, &ack); err != nil {
		return 0, err
	}

	child := ack.toState(c.clk.Now().UTC())
	child.Price = parseFloat(ack.StopPrice)
	c.saveState(ctx, child)
	c.logger.Info("protective order placed",
		"order_id", child.OrderID, "type", otype, "stop_price", stopPrice)
	return child.OrderID, nil
}

// OrderStatus fetches the current status of an order and persists it. In
// dry-run mode the stored state is returned as-is.
func (c *Client) OrderStatus(ctx context.Context, orderID int64) (*types.OrderState, error) {
	if c.dryRun {
		return c.orders.LoadOrder(ctx, orderID)
	}

	var ack orderAck
	err := c.request(ctx, "GET", "/fapi/v1/order", map[string]string{
		"symbol":  c.symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}, true, &ack)
	if err != nil {
		return nil, err
	}

	state := ack.toState(c.clk.Now().UTC())
	c.saveState(ctx, state)
	// The store may hold links the exchange response lacks.
	return c.orders.LoadOrder(ctx, orderID)
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	if c.dryRun {
		c.logger.Info("[dry-run] cancel order", "order_id", orderID)
		return nil
	}
	return c.request(ctx, "DELETE", "/fapi/v1/order", map[string]string{
		"symbol":  c.symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}, true, nil)
}

// OpenOrders lists open orders on the exchange and persists each.
func (c *Client) OpenOrders(ctx context.Context) ([]types.OrderState, error) {
	if c.dryRun {
		return c.orders.OpenOrders(ctx)
	}

	var acks []orderAck
	err := c.request(ctx, "GET", "/fapi/v1/openOrders",
		map[string]string{"symbol": c.symbol}, true, &acks)
	if err != nil {
		return nil, err
	}

	now := c.clk.Now().UTC()
	states := make([]types.OrderState, 0, len(acks))
	for _, a := range acks {
		s := a.toState(now)
		c.saveState(ctx, s)
		states = append(states, s)
	}
	return states, nil
}

// RoundQuantity rounds a quantity down to the symbol's step size.
func (c *Client) RoundQuantity(q float64) float64 {
	if c.filters.stepSize.IsZero() {
		return q
	}
	d := decimal.NewFromFloat(q)
	return d.Div(c.filters.stepSize).Floor().Mul(c.filters.stepSize).InexactFloat64()
}

// RoundPrice rounds a price down to the symbol's tick size.
func (c *Client) RoundPrice(p float64) float64 {
	if c.filters.tickSize.IsZero() {
		return p
	}
	d := decimal.NewFromFloat(p)
	return d.Div(c.filters.tickSize).Floor().Mul(c.filters.tickSize).InexactFloat64()
}

// saveState persists order state, dropping integrity-violating writes with
// an error log (they indicate a stale or duplicate exchange update).
func (c *Client) saveState(ctx context.Context, s types.OrderState) {
	if err := c.orders.SaveOrder(ctx, s); err != nil {
		c.logger.Error("dropping order state write", "order_id", s.OrderID, "error", err)
	}
}

// request performs one rate-limited HTTP call. Signed requests get a
// timestamp and HMAC signature appended to the query.
func (c *Client) request(ctx context.Context, method, endpoint string, params map[string]string, signed bool, out any) error {
	if err := c.rl.General.Wait(ctx); err != nil {
		return err
	}

	r := c.http.R().SetContext(ctx)
	if signed {
		if params == nil {
			params = map[string]string{}
		}
		params["timestamp"] = strconv.FormatInt(c.clk.Now().UnixMilli(), 10)
		r.SetQueryParamsFromValues(SignedValues(params, c.secret))
	} else if len(params) > 0 {
		r.SetQueryParams(params)
	}

	resp, err := r.Execute(method, endpoint)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	if resp.StatusCode() >= 400 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode()}
		if jsonErr := json.Unmarshal(resp.Body(), apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = resp.String()
		}
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, endpoint, err)
		}
	}
	return nil
}

// orderAck is the exchange's order response shape.
type orderAck struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	OrigQty     string `json:"origQty"`
	Price       string `json:"price"`
	StopPrice   string `json:"stopPrice"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
}

func (a orderAck) toState(now time.Time) types.OrderState {
	return types.OrderState{
		OrderID:   a.OrderID,
		Symbol:    a.Symbol,
		Side:      types.Side(a.Side),
		Type:      types.OrderType(a.Type),
		Quantity:  parseFloat(a.OrigQty),
		Price:     parseFloat(a.Price),
		Status:    types.OrderStatus(a.Status),
		FilledQty: parseFloat(a.ExecutedQty),
		AvgPrice:  parseFloat(a.AvgPrice),
		Timestamp: now,
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatQty(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
