package tools

import "encoding/json"

// Wire shapes returned by the exchange bridge. Numeric fields are pointers
// so that values the exchange does not report stay null in tool output.

type ticker struct {
	Symbol      string   `json:"symbol"`
	Timestamp   *int64   `json:"timestamp"`
	Datetime    *string  `json:"datetime"`
	High        *float64 `json:"high"`
	Low         *float64 `json:"low"`
	Bid         *float64 `json:"bid"`
	Ask         *float64 `json:"ask"`
	Open        *float64 `json:"open"`
	Close       *float64 `json:"close"`
	Last        *float64 `json:"last"`
	BaseVolume  *float64 `json:"baseVolume"`
	QuoteVolume *float64 `json:"quoteVolume"`
	Change      *float64 `json:"change"`
	Percentage  *float64 `json:"percentage"`
}

type orderBook struct {
	Bids      [][]float64 `json:"bids"`
	Asks      [][]float64 `json:"asks"`
	Timestamp *int64      `json:"timestamp"`
	Datetime  *string     `json:"datetime"`
	Nonce     *int64      `json:"nonce"`
}

type trade struct {
	ID        *string  `json:"id"`
	Timestamp *int64   `json:"timestamp"`
	Datetime  *string  `json:"datetime"`
	Symbol    string   `json:"symbol"`
	Side      *string  `json:"side"`
	Price     *float64 `json:"price"`
	Amount    *float64 `json:"amount"`
	Cost      *float64 `json:"cost"`
}

type market struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
	Active *bool  `json:"active"`
	Type   string `json:"type"`
	Spot   bool   `json:"spot"`
	Future bool   `json:"future"`
	Swap   bool   `json:"swap"`
	Option bool   `json:"option"`
}

// description is the bridge's answer to "describe": static facts about an
// exchange integration.
type description struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Countries  []string        `json:"countries"`
	Version    *string         `json:"version"`
	Certified  bool            `json:"certified"`
	Pro        bool            `json:"pro"`
	Has        capabilities    `json:"has"`
	Timeframes json.RawMessage `json:"timeframes"`
	URLs       json.RawMessage `json:"urls"`
}

// capabilities maps unified method names to true, false, or "emulated".
type capabilities map[string]any

// Supports reports whether method is available natively or emulated.
func (c capabilities) Supports(method string) bool {
	switch v := c[method].(type) {
	case bool:
		return v
	case string:
		return v != ""
	default:
		return false
	}
}

type balanceEntry struct {
	Free  *float64 `json:"free"`
	Used  *float64 `json:"used"`
	Total *float64 `json:"total"`
}

// balanceReservedKeys are the aggregate keys of a unified balance response
// that are not currencies.
var balanceReservedKeys = map[string]bool{
	"info":      true,
	"free":      true,
	"used":      true,
	"total":     true,
	"timestamp": true,
	"datetime":  true,
	"debt":      true,
}

type order struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
}
