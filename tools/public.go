package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-exchange-server/mcpservice"
	"golang.org/x/sync/errgroup"
)

// Public returns the tools that need no credentials (except where an
// exchange only exposes the data to authenticated callers).
func (ts *Toolset) Public() []mcpservice.Tool {
	return []mcpservice.Tool{
		ts.listExchanges(),
		ts.getTicker(),
		ts.batchGetTickers(),
		ts.getOrderbook(),
		ts.getOHLCV(),
		ts.getTrades(),
		ts.getMarkets(),
		ts.getExchangeInfo(),
		ts.getLeverageTiers(),
		ts.getFundingRates(),
		ts.getPositions(),
		ts.getOpenOrders(),
		ts.getOrderHistory(),
	}
}

type listExchangesArgs struct {
	Certified bool `json:"certified,omitempty" jsonschema:"description=Filter for certified exchange integrations only"`
}

func (ts *Toolset) listExchanges() mcpservice.Tool {
	return mcpservice.NewTool[listExchangesArgs]("list_exchanges", func(ctx context.Context, r *mcpservice.ToolRequest[listExchangesArgs]) (any, error) {
		configured := ts.manager.Supported()
		ids := slices.Clone(configured)
		if r.Args().Certified {
			var (
				mu        sync.Mutex
				certified []string
			)
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(batchConcurrency)
			for _, id := range configured {
				g.Go(func() error {
					h, err := ts.manager.Acquire(gctx, id, nil)
					if err != nil {
						return err
					}
					defer h.Close()
					d, err := ts.describe(gctx, h)
					if err != nil {
						return err
					}
					if d.Certified {
						mu.Lock()
						certified = append(certified, id)
						mu.Unlock()
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}
			ids = certified
		}
		slices.Sort(ids)
		withCreds := make([]string, 0, len(configured))
		for _, id := range configured {
			if ts.manager.HasCredentials(id) {
				withCreds = append(withCreds, id)
			}
		}
		return struct {
			Count       int      `json:"count"`
			Exchanges   []string `json:"exchanges"`
			Configured  []string `json:"configured"`
			Credentials []string `json:"credentials"`
		}{len(ids), nonNil(ids), configured, withCreds}, nil
	}, ts.options("List the cryptocurrency exchanges this server is configured for", mcpservice.ClassPublic, TimeoutQuick)...)
}

type symbolArgs struct {
	Symbol string `json:"symbol" jsonschema:"description=Trading symbol (e.g. BTC/USDT or ETH/USDT)"`
	ExchangeArg
}

func (ts *Toolset) getTicker() mcpservice.Tool {
	return mcpservice.NewTool[symbolArgs]("get_ticker", func(ctx context.Context, r *mcpservice.ToolRequest[symbolArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.Acquire(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		t, err := call[ticker](ctx, h, "fetchTicker", a.Symbol)
		if err != nil {
			return nil, err
		}
		return struct {
			Exchange    string   `json:"exchange"`
			Symbol      string   `json:"symbol"`
			Timestamp   *int64   `json:"timestamp"`
			Datetime    *string  `json:"datetime"`
			Last        *float64 `json:"last"`
			Bid         *float64 `json:"bid"`
			Ask         *float64 `json:"ask"`
			High        *float64 `json:"high"`
			Low         *float64 `json:"low"`
			Open        *float64 `json:"open"`
			Close       *float64 `json:"close"`
			BaseVolume  *float64 `json:"baseVolume"`
			QuoteVolume *float64 `json:"quoteVolume"`
			Change      *float64 `json:"change"`
			Percentage  *float64 `json:"percentage"`
		}{id, a.Symbol, t.Timestamp, t.Datetime, t.Last, t.Bid, t.Ask, t.High, t.Low, t.Open, t.Close, t.BaseVolume, t.QuoteVolume, t.Change, t.Percentage}, nil
	}, ts.options("Get current ticker information for a trading pair", mcpservice.ClassPublic, TimeoutMarketData)...)
}

type batchTickersArgs struct {
	Symbols []string `json:"symbols" jsonschema:"description=Trading symbols (e.g. BTC/USDT and ETH/USDT)"`
	ExchangeArg
}

type tickerSummary struct {
	Last      *float64 `json:"last"`
	Bid       *float64 `json:"bid"`
	Ask       *float64 `json:"ask"`
	High      *float64 `json:"high"`
	Low       *float64 `json:"low"`
	Volume    *float64 `json:"volume"`
	Timestamp *int64   `json:"timestamp"`
}

func (ts *Toolset) batchGetTickers() mcpservice.Tool {
	return mcpservice.NewTool[batchTickersArgs]("batch_get_tickers", func(ctx context.Context, r *mcpservice.ToolRequest[batchTickersArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.Acquire(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		defer h.Close()

		var (
			mu     sync.Mutex
			result = make(map[string]tickerSummary, len(a.Symbols))
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(batchConcurrency)
		for _, sym := range a.Symbols {
			g.Go(func() error {
				t, err := call[ticker](gctx, h, "fetchTicker", sym)
				if err != nil {
					// Symbols the exchange cannot quote are omitted.
					if gctx.Err() != nil {
						return gctx.Err()
					}
					ts.log.DebugContext(gctx, "tools.batch_ticker.skip", slog.String("exchange", id), slog.String("symbol", sym), slog.String("err", err.Error()))
					return nil
				}
				mu.Lock()
				result[sym] = tickerSummary{t.Last, t.Bid, t.Ask, t.High, t.Low, t.BaseVolume, t.Timestamp}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return struct {
			Exchange string                   `json:"exchange"`
			Count    int                      `json:"count"`
			Tickers  map[string]tickerSummary `json:"tickers"`
		}{id, len(result), result}, nil
	}, ts.options("Get ticker information for multiple trading pairs at once", mcpservice.ClassPublic, TimeoutMarketData)...)
}

type orderbookArgs struct {
	Symbol string `json:"symbol" jsonschema:"description=Trading symbol (e.g. BTC/USDT)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Number of orders to retrieve per side,default=10"`
	ExchangeArg
}

func (ts *Toolset) getOrderbook() mcpservice.Tool {
	return mcpservice.NewTool[orderbookArgs]("get_orderbook", func(ctx context.Context, r *mcpservice.ToolRequest[orderbookArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		limit := orDefault(a.Limit, DefaultOrderbookLimit)
		h, err := ts.manager.Acquire(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		ob, err := call[orderBook](ctx, h, "fetchOrderBook", a.Symbol, limit)
		if err != nil {
			return nil, err
		}
		return struct {
			Exchange  string      `json:"exchange"`
			Symbol    string      `json:"symbol"`
			Timestamp *int64      `json:"timestamp"`
			Datetime  *string     `json:"datetime"`
			Bids      [][]float64 `json:"bids"`
			Asks      [][]float64 `json:"asks"`
			Nonce     *int64      `json:"nonce"`
		}{id, a.Symbol, ob.Timestamp, ob.Datetime, head(ob.Bids, limit), head(ob.Asks, limit), ob.Nonce}, nil
	}, ts.options("Get market order book for a trading pair", mcpservice.ClassPublic, TimeoutMarketData)...)
}

type ohlcvArgs struct {
	Symbol    string `json:"symbol" jsonschema:"description=Trading symbol (e.g. BTC/USDT)"`
	Timeframe string `json:"timeframe,omitempty" jsonschema:"description=Candle timeframe,enum=1m,enum=5m,enum=15m,enum=1h,enum=4h,enum=1d,default=1h"`
	Limit     int    `json:"limit,omitempty" jsonschema:"description=Number of candles to retrieve,default=100"`
	Since     int64  `json:"since,omitempty" jsonschema:"description=Timestamp in milliseconds to fetch from"`
	ExchangeArg
}

type candle struct {
	Timestamp int64   `json:"timestamp"`
	Datetime  string  `json:"datetime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

func (ts *Toolset) getOHLCV() mcpservice.Tool {
	return mcpservice.NewTool[ohlcvArgs]("get_ohlcv", func(ctx context.Context, r *mcpservice.ToolRequest[ohlcvArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		timeframe := a.Timeframe
		if timeframe == "" {
			timeframe = DefaultTimeframe
		}
		limit := orDefault(a.Limit, DefaultOHLCVLimit)
		h, err := ts.manager.Acquire(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		rows, err := call[[][]float64](ctx, h, "fetchOHLCV", a.Symbol, timeframe, optional(a.Since), limit)
		if err != nil {
			return nil, err
		}
		candles := make([]candle, 0, len(rows))
		for _, row := range rows {
			if len(row) < 6 {
				continue
			}
			ms := int64(row[0])
			candles = append(candles, candle{
				Timestamp: ms,
				Datetime:  time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z"),
				Open:      row[1],
				High:      row[2],
				Low:       row[3],
				Close:     row[4],
				Volume:    row[5],
			})
		}
		return struct {
			Exchange  string   `json:"exchange"`
			Symbol    string   `json:"symbol"`
			Timeframe string   `json:"timeframe"`
			Count     int      `json:"count"`
			Data      []candle `json:"data"`
		}{id, a.Symbol, timeframe, len(candles), candles}, nil
	}, ts.options("Get OHLCV candlestick data for a trading pair", mcpservice.ClassPublic, TimeoutHeavy)...)
}

type tradesArgs struct {
	Symbol string `json:"symbol" jsonschema:"description=Trading symbol (e.g. BTC/USDT)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Number of trades to retrieve,default=50"`
	Since  int64  `json:"since,omitempty" jsonschema:"description=Timestamp in milliseconds to fetch from"`
	ExchangeArg
}

func (ts *Toolset) getTrades() mcpservice.Tool {
	return mcpservice.NewTool[tradesArgs]("get_trades", func(ctx context.Context, r *mcpservice.ToolRequest[tradesArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.Acquire(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		trades, err := call[[]trade](ctx, h, "fetchTrades", a.Symbol, optional(a.Since), orDefault(a.Limit, DefaultTradesLimit))
		if err != nil {
			return nil, err
		}
		return struct {
			Exchange string  `json:"exchange"`
			Symbol   string  `json:"symbol"`
			Count    int     `json:"count"`
			Trades   []trade `json:"trades"`
		}{id, a.Symbol, len(trades), nonNil(trades)}, nil
	}, ts.options("Get recent trades for a trading pair", mcpservice.ClassPublic, TimeoutMarketData)...)
}

type marketsArgs struct {
	Search string `json:"search,omitempty" jsonschema:"description=Filter markets by symbol substring"`
	Type   string `json:"type,omitempty" jsonschema:"description=Market type filter,enum=spot,enum=future,enum=swap,enum=option"`
	ExchangeArg
}

func (ts *Toolset) getMarkets() mcpservice.Tool {
	return mcpservice.NewTool[marketsArgs]("get_markets", func(ctx context.Context, r *mcpservice.ToolRequest[marketsArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.Acquire(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		all, err := call[[]market](ctx, h, "fetchMarkets")
		if err != nil {
			return nil, err
		}
		search := strings.ToLower(a.Search)
		matched := make([]market, 0, len(all))
		for _, m := range all {
			if search != "" && !strings.Contains(strings.ToLower(m.Symbol), search) {
				continue
			}
			if a.Type != "" && m.Type != a.Type {
				continue
			}
			matched = append(matched, m)
		}
		page := head(matched, DefaultMarketsLimit)
		return struct {
			Exchange string   `json:"exchange"`
			Count    int      `json:"count"`
			Total    int      `json:"total"`
			Markets  []market `json:"markets"`
		}{id, len(page), len(matched), page}, nil
	}, ts.options("Get available markets for an exchange", mcpservice.ClassPublic, TimeoutHeavy)...)
}

// exchangeInfoCapabilities are the capability flags reported by
// get_exchange_info.
var exchangeInfoCapabilities = []string{
	"fetchTicker", "fetchTickers", "fetchOrderBook", "fetchOHLCV", "fetchTrades",
	"fetchBalance", "createOrder", "cancelOrder", "fetchOpenOrders",
	"fetchClosedOrders", "fetchMyTrades", "fetchPositions", "fetchFundingRate",
	"fetchLeverageTiers", "setLeverage", "setMarginMode",
}

type exchangeOnlyArgs struct {
	ExchangeArg
}

func (ts *Toolset) getExchangeInfo() mcpservice.Tool {
	return mcpservice.NewTool[exchangeOnlyArgs]("get_exchange_info", func(ctx context.Context, r *mcpservice.ToolRequest[exchangeOnlyArgs]) (any, error) {
		id := ts.exchangeID(r.Args().ExchangeArg)
		h, err := ts.manager.Acquire(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		d, err := ts.describe(ctx, h)
		if err != nil {
			return nil, err
		}
		has := make(map[string]any, len(exchangeInfoCapabilities))
		for _, c := range exchangeInfoCapabilities {
			has[c] = d.Has[c]
		}
		return struct {
			ID         string          `json:"id"`
			Name       string          `json:"name"`
			Countries  []string        `json:"countries"`
			Version    *string         `json:"version"`
			Certified  bool            `json:"certified"`
			Pro        bool            `json:"pro"`
			Has        map[string]any  `json:"has"`
			Timeframes json.RawMessage `json:"timeframes"`
			URLs       json.RawMessage `json:"urls"`
		}{d.ID, d.Name, d.Countries, d.Version, d.Certified, d.Pro, has, rawOrNull(d.Timeframes), rawOrNull(d.URLs)}, nil
	}, ts.options("Get exchange information and status", mcpservice.ClassPublic, TimeoutQuick)...)
}

type optionalSymbolArgs struct {
	Symbol string `json:"symbol,omitempty" jsonschema:"description=Trading symbol (optional)"`
	ExchangeArg
}

func (ts *Toolset) getLeverageTiers() mcpservice.Tool {
	return mcpservice.NewTool[symbolArgs]("get_leverage_tiers", func(ctx context.Context, r *mcpservice.ToolRequest[symbolArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.Acquire(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		if _, err := ts.require(ctx, h, "fetchLeverageTiers", "fetchLeverageTiers"); err != nil {
			return nil, err
		}
		tiers, err := call[map[string]json.RawMessage](ctx, h, "fetchLeverageTiers", []string{a.Symbol})
		if err != nil {
			return nil, err
		}
		t, ok := tiers[a.Symbol]
		if !ok {
			t = json.RawMessage(`[]`)
		}
		return struct {
			Exchange string          `json:"exchange"`
			Symbol   string          `json:"symbol"`
			Tiers    json.RawMessage `json:"tiers"`
		}{id, a.Symbol, t}, nil
	}, ts.options("Get futures leverage tiers for a symbol", mcpservice.ClassPublic, TimeoutMarketData)...)
}

func (ts *Toolset) getFundingRates() mcpservice.Tool {
	return mcpservice.NewTool[optionalSymbolArgs]("get_funding_rates", func(ctx context.Context, r *mcpservice.ToolRequest[optionalSymbolArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.Acquire(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		has, err := ts.require(ctx, h, "funding rates", "fetchFundingRate", "fetchFundingRates")
		if err != nil {
			return nil, err
		}
		var rates map[string]json.RawMessage
		switch {
		case a.Symbol != "" && has.Supports("fetchFundingRate"):
			rate, err := call[json.RawMessage](ctx, h, "fetchFundingRate", a.Symbol)
			if err != nil {
				return nil, err
			}
			rates = map[string]json.RawMessage{a.Symbol: rate}
		case a.Symbol != "":
			all, err := call[map[string]json.RawMessage](ctx, h, "fetchFundingRates")
			if err != nil {
				return nil, err
			}
			rates = map[string]json.RawMessage{a.Symbol: rawOrNull(all[a.Symbol])}
		default:
			rates, err = call[map[string]json.RawMessage](ctx, h, "fetchFundingRates")
			if err != nil {
				return nil, err
			}
		}
		return struct {
			Exchange  string                     `json:"exchange"`
			Timestamp int64                      `json:"timestamp"`
			Rates     map[string]json.RawMessage `json:"rates"`
		}{id, ts.nowMillis(), rates}, nil
	}, ts.options("Get current funding rates for perpetual futures", mcpservice.ClassPublic, TimeoutMarketData)...)
}

func (ts *Toolset) getPositions() mcpservice.Tool {
	return mcpservice.NewTool[optionalSymbolArgs]("get_positions", func(ctx context.Context, r *mcpservice.ToolRequest[optionalSymbolArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.Acquire(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		if _, err := ts.require(ctx, h, "fetchPositions (requires authentication)", "fetchPositions"); err != nil {
			return nil, err
		}
		var symbols any
		if a.Symbol != "" {
			symbols = []string{a.Symbol}
		}
		positions, err := call[[]json.RawMessage](ctx, h, "fetchPositions", symbols)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, &AuthenticationRequiredError{Exchange: id, Err: err}
		}
		return struct {
			Exchange  string            `json:"exchange"`
			Count     int               `json:"count"`
			Positions []json.RawMessage `json:"positions"`
		}{id, len(positions), nonNil(positions)}, nil
	}, ts.options("Get open positions information (public data)", mcpservice.ClassPublic, TimeoutAccount)...)
}

// AuthenticationRequiredError reports a public call the exchange only serves
// to authenticated callers.
type AuthenticationRequiredError struct {
	Exchange string
	Err      error
}

func (e *AuthenticationRequiredError) Error() string {
	return "This operation requires authentication. Please use private tools with configured API keys."
}

func (e *AuthenticationRequiredError) Unwrap() error { return e.Err }

func (e *AuthenticationRequiredError) ErrorType() string { return "AuthenticationError" }

func (ts *Toolset) getOpenOrders() mcpservice.Tool {
	return mcpservice.NewTool[optionalSymbolArgs]("get_open_orders", func(ctx context.Context, r *mcpservice.ToolRequest[optionalSymbolArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.AcquireAuthenticated(ctx, id)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		if _, err := ts.require(ctx, h, "fetchOpenOrders", "fetchOpenOrders"); err != nil {
			return nil, err
		}
		orders, err := call[[]json.RawMessage](ctx, h, "fetchOpenOrders", optional(a.Symbol))
		if err != nil {
			return nil, err
		}
		return ordersPayload(id, a.Symbol, orders), nil
	}, ts.options("Get all open orders (requires configured credentials)", mcpservice.ClassPublic, TimeoutAccount)...)
}

type orderHistoryArgs struct {
	Symbol string `json:"symbol,omitempty" jsonschema:"description=Trading symbol (optional)"`
	Since  int64  `json:"since,omitempty" jsonschema:"description=Timestamp in milliseconds"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Number of orders to retrieve,default=50"`
	ExchangeArg
}

func (ts *Toolset) getOrderHistory() mcpservice.Tool {
	return mcpservice.NewTool[orderHistoryArgs]("get_order_history", func(ctx context.Context, r *mcpservice.ToolRequest[orderHistoryArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.AcquireAuthenticated(ctx, id)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		has, err := ts.require(ctx, h, "order history", "fetchClosedOrders", "fetchOrders")
		if err != nil {
			return nil, err
		}
		method := "fetchOrders"
		if has.Supports("fetchClosedOrders") {
			method = "fetchClosedOrders"
		}
		orders, err := call[[]json.RawMessage](ctx, h, method, optional(a.Symbol), optional(a.Since), orDefault(a.Limit, DefaultOrdersLimit))
		if err != nil {
			return nil, err
		}
		return ordersPayload(id, a.Symbol, orders), nil
	}, ts.options("Get order history (requires configured credentials)", mcpservice.ClassPublic, TimeoutAccount)...)
}

type ordersResult struct {
	Exchange string            `json:"exchange"`
	Symbol   string            `json:"symbol"`
	Count    int               `json:"count"`
	Orders   []json.RawMessage `json:"orders"`
}

func ordersPayload(id, symbol string, orders []json.RawMessage) ordersResult {
	return ordersResult{Exchange: id, Symbol: orAll(symbol), Count: len(orders), Orders: nonNil(orders)}
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return nonNil(s)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func rawOrNull(r json.RawMessage) json.RawMessage {
	if len(r) == 0 {
		return json.RawMessage(`null`)
	}
	return r
}
