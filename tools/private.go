package tools

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-exchange-server/mcpservice"
)

// Private returns the credential-gated account and trading tools. Each
// invocation acquires a fresh authenticated handle and releases it on return.
func (ts *Toolset) Private() []mcpservice.Tool {
	return []mcpservice.Tool{
		ts.accountBalance(),
		ts.listAccounts(),
		ts.placeMarketOrder(),
		ts.placeLimitOrder(),
		ts.cancelOrder(),
		ts.cancelAllOrders(),
		ts.setLeverage(),
		ts.setMarginMode(),
		ts.placeFuturesMarketOrder(),
		ts.placeFuturesLimitOrder(),
		ts.transferFunds(),
	}
}

func (ts *Toolset) accountBalance() mcpservice.Tool {
	return mcpservice.NewTool[exchangeOnlyArgs]("account_balance", func(ctx context.Context, r *mcpservice.ToolRequest[exchangeOnlyArgs]) (any, error) {
		id := ts.exchangeID(r.Args().ExchangeArg)
		h, err := ts.manager.AcquireAuthenticated(ctx, id)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		balance, err := call[map[string]json.RawMessage](ctx, h, "fetchBalance")
		if err != nil {
			return nil, err
		}
		return struct {
			Exchange  string                  `json:"exchange"`
			Timestamp int64                   `json:"timestamp"`
			Balances  map[string]balanceEntry `json:"balances"`
		}{id, ts.nowMillis(), nonZeroBalances(balance)}, nil
	}, ts.options("Get account balance for all assets (aggregated)", mcpservice.ClassPrivate, TimeoutAccount)...)
}

// nonZeroBalances keeps currencies whose total is positive.
func nonZeroBalances(balance map[string]json.RawMessage) map[string]balanceEntry {
	out := make(map[string]balanceEntry)
	for currency, raw := range balance {
		if balanceReservedKeys[currency] {
			continue
		}
		var e balanceEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if e.Total != nil && *e.Total > 0 {
			out[currency] = e
		}
	}
	return out
}

func (ts *Toolset) listAccounts() mcpservice.Tool {
	return mcpservice.NewTool[exchangeOnlyArgs]("list_accounts", func(ctx context.Context, r *mcpservice.ToolRequest[exchangeOnlyArgs]) (any, error) {
		id := ts.exchangeID(r.Args().ExchangeArg)
		h, err := ts.manager.AcquireAuthenticated(ctx, id)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		has, err := ts.require(ctx, h, "account listing", "fetchAccounts", "fetchBalance")
		if err != nil {
			return nil, err
		}
		var accounts []json.RawMessage
		if has.Supports("fetchAccounts") {
			accounts, err = call[[]json.RawMessage](ctx, h, "fetchAccounts")
			if err != nil {
				return nil, err
			}
		} else {
			balance, err := call[map[string]json.RawMessage](ctx, h, "fetchBalance")
			if err != nil {
				return nil, err
			}
			accounts, err = accountsFromBalance(balance)
			if err != nil {
				return nil, err
			}
		}
		accounts = nonNil(accounts)
		return struct {
			Exchange  string            `json:"exchange"`
			Timestamp int64             `json:"timestamp"`
			Accounts  []json.RawMessage `json:"accounts"`
			Count     int               `json:"count"`
		}{id, ts.nowMillis(), accounts, len(accounts)}, nil
	}, ts.options("List all accounts or wallets (on Coinbase this shows individual wallets)", mcpservice.ClassPrivate, TimeoutAccount)...)
}

// accountsFromBalance derives an account listing from a balance response for
// exchanges without native account enumeration: the raw exchange payload if
// it is a list or object, otherwise one synthetic default account.
func accountsFromBalance(balance map[string]json.RawMessage) ([]json.RawMessage, error) {
	info := balance["info"]
	if len(info) > 0 {
		switch info[0] {
		case '[':
			var list []json.RawMessage
			if err := json.Unmarshal(info, &list); err == nil {
				return list, nil
			}
		case '{':
			return []json.RawMessage{info}, nil
		}
	}
	def, err := json.Marshal(struct {
		ID       string                     `json:"id"`
		Type     string                     `json:"type"`
		Currency *string                    `json:"currency"`
		Info     map[string]json.RawMessage `json:"info"`
	}{ID: "default", Type: "spot", Info: balance})
	if err != nil {
		return nil, err
	}
	return []json.RawMessage{def}, nil
}

type marketOrderArgs struct {
	Symbol string  `json:"symbol" jsonschema:"description=Trading symbol (e.g. BTC/USDT)"`
	Side   string  `json:"side" jsonschema:"description=Order side,enum=buy,enum=sell"`
	Amount float64 `json:"amount" jsonschema:"description=Quantity of base currency to trade. For Coinbase buy orders this is the cost to spend in quote currency."`
	ExchangeArg
}

func (ts *Toolset) placeMarketOrder() mcpservice.Tool {
	return mcpservice.NewTool[marketOrderArgs]("place_market_order", func(ctx context.Context, r *mcpservice.ToolRequest[marketOrderArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.AcquireAuthenticated(ctx, id)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		var o json.RawMessage
		if id == "coinbase" && a.Side == "buy" {
			// Coinbase market buys are sized by quote currency spent.
			o, err = call[json.RawMessage](ctx, h, "createMarketBuyOrderWithCost", a.Symbol, a.Amount)
		} else {
			o, err = call[json.RawMessage](ctx, h, "createMarketOrder", a.Symbol, a.Side, a.Amount)
		}
		if err != nil {
			return nil, err
		}
		return orderResult{Exchange: id, Order: o}, nil
	}, ts.options("Place a market order (immediate execution at current market price). For Coinbase buy orders amount is the cost to spend in quote currency.", mcpservice.ClassPrivate, TimeoutTrading)...)
}

type orderResult struct {
	Exchange string          `json:"exchange"`
	Type     string          `json:"type,omitempty"`
	Order    json.RawMessage `json:"order"`
}

type limitOrderArgs struct {
	Symbol string  `json:"symbol" jsonschema:"description=Trading symbol (e.g. BTC/USDT)"`
	Side   string  `json:"side" jsonschema:"description=Order side,enum=buy,enum=sell"`
	Amount float64 `json:"amount" jsonschema:"description=Amount to trade"`
	Price  float64 `json:"price" jsonschema:"description=Limit price"`
	ExchangeArg
}

func (ts *Toolset) placeLimitOrder() mcpservice.Tool {
	return mcpservice.NewTool[limitOrderArgs]("place_limit_order", func(ctx context.Context, r *mcpservice.ToolRequest[limitOrderArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.AcquireAuthenticated(ctx, id)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		o, err := call[json.RawMessage](ctx, h, "createLimitOrder", a.Symbol, a.Side, a.Amount, a.Price)
		if err != nil {
			return nil, err
		}
		return orderResult{Exchange: id, Order: o}, nil
	}, ts.options("Place a limit order at a specific price", mcpservice.ClassPrivate, TimeoutTrading)...)
}

type cancelOrderArgs struct {
	OrderID string `json:"orderId" jsonschema:"description=Order ID to cancel"`
	Symbol  string `json:"symbol,omitempty" jsonschema:"description=Trading symbol (required by some exchanges)"`
	ExchangeArg
}

type cancelResult struct {
	Exchange string          `json:"exchange"`
	Result   json.RawMessage `json:"result"`
}

func (ts *Toolset) cancelOrder() mcpservice.Tool {
	return mcpservice.NewTool[cancelOrderArgs]("cancel_order", func(ctx context.Context, r *mcpservice.ToolRequest[cancelOrderArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.AcquireAuthenticated(ctx, id)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		res, err := call[json.RawMessage](ctx, h, "cancelOrder", a.OrderID, optional(a.Symbol))
		if err != nil {
			return nil, err
		}
		return cancelResult{Exchange: id, Result: res}, nil
	}, ts.options("Cancel a specific order by ID", mcpservice.ClassPrivate, TimeoutTrading)...)
}

func (ts *Toolset) cancelAllOrders() mcpservice.Tool {
	return mcpservice.NewTool[optionalSymbolArgs]("cancel_all_orders", func(ctx context.Context, r *mcpservice.ToolRequest[optionalSymbolArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.AcquireAuthenticated(ctx, id)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		d, err := ts.describe(ctx, h)
		if err != nil {
			return nil, err
		}
		if d.Has.Supports("cancelAllOrders") {
			res, err := call[json.RawMessage](ctx, h, "cancelAllOrders", optional(a.Symbol))
			if err != nil {
				return nil, err
			}
			return struct {
				Exchange string          `json:"exchange"`
				Symbol   string          `json:"symbol"`
				Result   json.RawMessage `json:"result"`
			}{id, orAll(a.Symbol), res}, nil
		}

		// Without native support, cancel open orders one at a time and
		// report per-order outcomes.
		open, err := call[[]order](ctx, h, "fetchOpenOrders", optional(a.Symbol))
		if err != nil {
			return nil, err
		}
		results := make([]any, 0, len(open))
		for _, o := range open {
			res, err := call[json.RawMessage](ctx, h, "cancelOrder", o.ID, optional(o.Symbol))
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				results = append(results, struct {
					Error   string `json:"error"`
					OrderID string `json:"orderId"`
				}{err.Error(), o.ID})
				continue
			}
			results = append(results, res)
		}
		return struct {
			Exchange string `json:"exchange"`
			Symbol   string `json:"symbol"`
			Canceled int    `json:"canceled"`
			Results  []any  `json:"results"`
		}{id, orAll(a.Symbol), len(results), results}, nil
	}, ts.options("Cancel all open orders for a symbol or all symbols", mcpservice.ClassPrivate, TimeoutTrading)...)
}

type leverageArgs struct {
	Symbol   string  `json:"symbol" jsonschema:"description=Trading symbol (e.g. BTC/USDT)"`
	Leverage float64 `json:"leverage" jsonschema:"description=Leverage multiplier (e.g. 1 or 5 or 20 or 125)"`
	ExchangeArg
}

func (ts *Toolset) setLeverage() mcpservice.Tool {
	return mcpservice.NewTool[leverageArgs]("set_leverage", func(ctx context.Context, r *mcpservice.ToolRequest[leverageArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.AcquireAuthenticated(ctx, id)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		if _, err := ts.require(ctx, h, "setLeverage", "setLeverage"); err != nil {
			return nil, err
		}
		res, err := call[json.RawMessage](ctx, h, "setLeverage", a.Leverage, a.Symbol)
		if err != nil {
			return nil, err
		}
		return struct {
			Exchange string          `json:"exchange"`
			Symbol   string          `json:"symbol"`
			Leverage float64         `json:"leverage"`
			Result   json.RawMessage `json:"result"`
		}{id, a.Symbol, a.Leverage, res}, nil
	}, ts.options("Set leverage for futures trading", mcpservice.ClassPrivate, TimeoutTrading)...)
}

type marginModeArgs struct {
	Symbol     string `json:"symbol" jsonschema:"description=Trading symbol (e.g. BTC/USDT)"`
	MarginMode string `json:"marginMode" jsonschema:"description=Margin mode,enum=isolated,enum=cross"`
	ExchangeArg
}

func (ts *Toolset) setMarginMode() mcpservice.Tool {
	return mcpservice.NewTool[marginModeArgs]("set_margin_mode", func(ctx context.Context, r *mcpservice.ToolRequest[marginModeArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.AcquireAuthenticated(ctx, id)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		if _, err := ts.require(ctx, h, "setMarginMode", "setMarginMode"); err != nil {
			return nil, err
		}
		res, err := call[json.RawMessage](ctx, h, "setMarginMode", a.MarginMode, a.Symbol)
		if err != nil {
			return nil, err
		}
		return struct {
			Exchange   string          `json:"exchange"`
			Symbol     string          `json:"symbol"`
			MarginMode string          `json:"marginMode"`
			Result     json.RawMessage `json:"result"`
		}{id, a.Symbol, a.MarginMode, res}, nil
	}, ts.options("Set margin mode for futures trading (isolated or cross)", mcpservice.ClassPrivate, TimeoutTrading)...)
}

type futuresMarketOrderArgs struct {
	Symbol     string  `json:"symbol" jsonschema:"description=Trading symbol (e.g. BTC/USDT)"`
	Side       string  `json:"side" jsonschema:"description=Order side,enum=buy,enum=sell"`
	Amount     float64 `json:"amount" jsonschema:"description=Amount to trade"`
	ReduceOnly *bool   `json:"reduceOnly,omitempty" jsonschema:"description=Reduce only flag (closes position only)"`
	ExchangeArg
}

// futuresParams carries the optional order flags forwarded as the params
// argument.
type futuresParams struct {
	ReduceOnly *bool `json:"reduceOnly,omitempty"`
	PostOnly   *bool `json:"postOnly,omitempty"`
}

func (ts *Toolset) placeFuturesMarketOrder() mcpservice.Tool {
	return mcpservice.NewTool[futuresMarketOrderArgs]("place_futures_market_order", func(ctx context.Context, r *mcpservice.ToolRequest[futuresMarketOrderArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.AcquireAuthenticated(ctx, id)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		params := futuresParams{ReduceOnly: a.ReduceOnly}
		o, err := call[json.RawMessage](ctx, h, "createMarketOrder", a.Symbol, a.Side, a.Amount, params)
		if err != nil {
			return nil, err
		}
		return orderResult{Exchange: id, Type: "futures", Order: o}, nil
	}, ts.options("Place a futures market order", mcpservice.ClassPrivate, TimeoutTrading)...)
}

type futuresLimitOrderArgs struct {
	Symbol     string  `json:"symbol" jsonschema:"description=Trading symbol (e.g. BTC/USDT)"`
	Side       string  `json:"side" jsonschema:"description=Order side,enum=buy,enum=sell"`
	Amount     float64 `json:"amount" jsonschema:"description=Amount to trade"`
	Price      float64 `json:"price" jsonschema:"description=Limit price"`
	ReduceOnly *bool   `json:"reduceOnly,omitempty" jsonschema:"description=Reduce only flag (closes position only)"`
	PostOnly   *bool   `json:"postOnly,omitempty" jsonschema:"description=Post only flag (maker only)"`
	ExchangeArg
}

func (ts *Toolset) placeFuturesLimitOrder() mcpservice.Tool {
	return mcpservice.NewTool[futuresLimitOrderArgs]("place_futures_limit_order", func(ctx context.Context, r *mcpservice.ToolRequest[futuresLimitOrderArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.AcquireAuthenticated(ctx, id)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		params := futuresParams{ReduceOnly: a.ReduceOnly, PostOnly: a.PostOnly}
		o, err := call[json.RawMessage](ctx, h, "createLimitOrder", a.Symbol, a.Side, a.Amount, a.Price, params)
		if err != nil {
			return nil, err
		}
		return orderResult{Exchange: id, Type: "futures", Order: o}, nil
	}, ts.options("Place a futures limit order", mcpservice.ClassPrivate, TimeoutTrading)...)
}

type transferArgs struct {
	Currency    string  `json:"currency" jsonschema:"description=Currency to transfer (e.g. USDT)"`
	Amount      float64 `json:"amount" jsonschema:"description=Amount to transfer"`
	FromAccount string  `json:"fromAccount" jsonschema:"description=Source account,enum=spot,enum=futures,enum=margin,enum=swap"`
	ToAccount   string  `json:"toAccount" jsonschema:"description=Destination account,enum=spot,enum=futures,enum=margin,enum=swap"`
	ExchangeArg
}

func (ts *Toolset) transferFunds() mcpservice.Tool {
	return mcpservice.NewTool[transferArgs]("transfer_funds", func(ctx context.Context, r *mcpservice.ToolRequest[transferArgs]) (any, error) {
		a := r.Args()
		id := ts.exchangeID(a.ExchangeArg)
		h, err := ts.manager.AcquireAuthenticated(ctx, id)
		if err != nil {
			return nil, err
		}
		defer h.Close()
		if _, err := ts.require(ctx, h, "fund transfers", "transfer"); err != nil {
			return nil, err
		}
		res, err := call[json.RawMessage](ctx, h, "transfer", a.Currency, a.Amount, a.FromAccount, a.ToAccount)
		if err != nil {
			return nil, err
		}
		type transfer struct {
			Currency string  `json:"currency"`
			Amount   float64 `json:"amount"`
			From     string  `json:"from"`
			To       string  `json:"to"`
		}
		return struct {
			Exchange string          `json:"exchange"`
			Transfer transfer        `json:"transfer"`
			Result   json.RawMessage `json:"result"`
		}{id, transfer{a.Currency, a.Amount, a.FromAccount, a.ToAccount}, res}, nil
	}, ts.options("Transfer funds between accounts (e.g. spot to futures)", mcpservice.ClassPrivate, TimeoutTrading)...)
}
