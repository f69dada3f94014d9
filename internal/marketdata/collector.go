// Package marketdata collects candles and ticker data from the futures
// market API and derives the indicator features models are fed.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"ensemble-trader/internal/config"
	"ensemble-trader/pkg/types"
)

// Collector builds market snapshots for the configured symbol. Market-data
// endpoints are unauthenticated, so it keeps its own HTTP client separate
// from the signed exchange client.
type Collector struct {
	http    *resty.Client
	symbol  string
	candles int
	logger  *slog.Logger
}

func NewCollector(cfg *config.Config, logger *slog.Logger) *Collector {
	return &Collector{
		http: resty.New().
			SetBaseURL(cfg.Binance.BaseURL(cfg.Testnet)).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(2 * time.Second).
			SetRetryMaxWaitTime(30 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil
			}),
		symbol:  cfg.Trading.Symbol,
		candles: cfg.Data.CandlesCount,
		logger:  logger.With("component", "marketdata"),
	}
}

// Initialize verifies the market-data API is reachable.
func (c *Collector) Initialize(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/fapi/v1/ping")
	if err != nil {
		return fmt.Errorf("market data ping: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("market data ping: http %d", resp.StatusCode())
	}
	c.logger.Info("market data collector ready", "symbol", c.symbol, "candles", c.candles)
	return nil
}

// Snapshot fetches candles for both timeframes plus the 24h ticker and
// book, and computes the indicator map from the 5m series.
func (c *Collector) Snapshot(ctx context.Context) (types.Snapshot, error) {
	candles5m, err := c.klines(ctx, "5m")
	if err != nil {
		return types.Snapshot{}, err
	}
	candles1h, err := c.klines(ctx, "1h")
	if err != nil {
		return types.Snapshot{}, err
	}

	var ticker struct {
		LastPrice          string `json:"lastPrice"`
		Volume             string `json:"volume"`
		PriceChangePercent string `json:"priceChangePercent"`
	}
	if err := c.get(ctx, "/fapi/v1/ticker/24hr", &ticker); err != nil {
		return types.Snapshot{}, err
	}

	var book struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := c.get(ctx, "/fapi/v1/ticker/bookTicker", &book); err != nil {
		return types.Snapshot{}, err
	}

	snap := types.Snapshot{
		Timestamp:      time.Now().UTC(),
		Symbol:         c.symbol,
		CurrentPrice:   parseFloat(ticker.LastPrice),
		Bid:            parseFloat(book.BidPrice),
		Ask:            parseFloat(book.AskPrice),
		Volume24h:      parseFloat(ticker.Volume),
		PriceChange24h: parseFloat(ticker.PriceChangePercent),
		Candles5m:      candles5m,
		Candles1h:      candles1h,
		Indicators:     ComputeIndicators(candles5m),
	}
	if snap.CurrentPrice <= 0 {
		return types.Snapshot{}, fmt.Errorf("ticker returned no price for %s", c.symbol)
	}
	return snap, nil
}

func (c *Collector) get(ctx context.Context, endpoint string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", c.symbol).
		Get(endpoint)
	if err != nil {
		return fmt.Errorf("GET %s: %w", endpoint, err)
	}
	if resp.IsError() {
		return fmt.Errorf("GET %s: http %d", endpoint, resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", endpoint, err)
	}
	return nil
}

// klines parses the exchange's positional kline arrays:
// [openTime, open, high, low, close, volume, ...] with numerics as strings.
func (c *Collector) klines(ctx context.Context, interval string) ([]types.Candle, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   c.symbol,
			"interval": interval,
			"limit":    strconv.Itoa(c.candles),
		}).
		Get("/fapi/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("klines %s: %w", interval, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("klines %s: http %d", interval, resp.StatusCode())
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("klines %s: decode: %w", interval, err)
	}

	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("klines %s: short row (%d fields)", interval, len(row))
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("klines %s: open time: %w", interval, err)
		}
		vals := make([]float64, 5)
		for i := 1; i <= 5; i++ {
			var s string
			if err := json.Unmarshal(row[i], &s); err != nil {
				return nil, fmt.Errorf("klines %s: field %d: %w", interval, i, err)
			}
			vals[i-1] = parseFloat(s)
		}
		candles = append(candles, types.Candle{
			Timestamp: openTime,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}
	return candles, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
