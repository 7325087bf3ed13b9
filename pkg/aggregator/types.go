package aggregator

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
)

// ExchangeRef identifies a trading venue.
type ExchangeRef struct {
	ID   string `json:"id"`   // e.g., "binance"
	Name string `json:"name"` // e.g., "Binance"
}

// Market is a trading pair within an exchange, e.g. "BTC/USD".
type Market string

// Base returns the base asset symbol ("BTC" for "BTC/USD").
func (m Market) Base() string {
	base, _, _ := strings.Cut(string(m), "/")
	return base
}

// Quote returns the quote asset symbol, or "" when the market has no "/".
func (m Market) Quote() string {
	_, quote, _ := strings.Cut(string(m), "/")
	return quote
}

// PathToken is the URL path segment for the market: "/" becomes "-".
func (m Market) PathToken() string {
	return url.PathEscape(strings.ReplaceAll(string(m), "/", "-"))
}

// Timestamp keeps the upstream timestamp verbatim; the API sends either an
// ISO string or epoch milliseconds.
type Timestamp string

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Timestamp(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = Timestamp(n.String())
	return nil
}

// PriceQuote is the current price of one market. Price 0 means unavailable.
type PriceQuote struct {
	ExchangeID string    `json:"exchange"`
	Market     Market    `json:"market"`
	Symbol     string    `json:"symbol"` // base asset of Market
	Price      float64   `json:"price"`
	Timestamp  Timestamp `json:"timestamp"`
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is one executed transaction, in the order the API returned it.
type Trade struct {
	Timestamp Timestamp `json:"timestamp"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Cost      float64   `json:"cost"`
	Side      Side      `json:"side"`
}

// TradeList is the trades response for one market.
type TradeList struct {
	Exchange string  `json:"exchange"`
	Market   Market  `json:"market"`
	Trades   []Trade `json:"trades"`
}

// currentPriceResponse is the raw currentprice payload; Price is a pointer so
// a missing field is distinguishable from a zero price.
type currentPriceResponse struct {
	Exchange  string    `json:"exchange"`
	Market    Market    `json:"market"`
	Timestamp Timestamp `json:"timestamp"`
	Price     *float64  `json:"price"`
}

type tradesResponse struct {
	Exchange string   `json:"exchange"`
	Market   Market   `json:"market"`
	Trades   *[]Trade `json:"trades"`
}
