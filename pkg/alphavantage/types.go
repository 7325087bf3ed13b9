package alphavantage

import "github.com/shopspring/decimal"

// DefaultSymbols is the watchlist used when no symbols are configured.
var DefaultSymbols = []string{"BTC", "ETH", "BNB", "XRP", "ADA", "DOT"}

// User-facing messages for classified failures.
const (
	MsgRateLimited   = "API rate limit exceeded"
	MsgInvalidFormat = "Invalid response format"
)

// CryptoQuote is one row of the watchlist. On failure Price is 0,
// LastRefreshed is the time of the attempt and ErrorMsg says why.
type CryptoQuote struct {
	Symbol        string          `json:"symbol"`
	Price         float64         `json:"price"`
	Rate          decimal.Decimal `json:"rate"` // exact rate as sent upstream
	LastRefreshed string          `json:"lastRefreshed"`
	Error         bool            `json:"error"`
	ErrorMsg      string          `json:"errorMsg,omitempty"`
}

// exchangeRateResponse is the CURRENCY_EXCHANGE_RATE payload. Throttling is
// signalled with "Note" (older API) or "Information" (current API).
type exchangeRateResponse struct {
	Note         string        `json:"Note"`
	Information  string        `json:"Information"`
	ErrorMessage string        `json:"Error Message"`
	Rate         *realtimeRate `json:"Realtime Currency Exchange Rate"`
}

type realtimeRate struct {
	FromCode      string `json:"1. From_Currency Code"`
	FromName      string `json:"2. From_Currency Name"`
	ToCode        string `json:"3. To_Currency Code"`
	ToName        string `json:"4. To_Currency Name"`
	ExchangeRate  string `json:"5. Exchange Rate"`
	LastRefreshed string `json:"6. Last Refreshed"`
	TimeZone      string `json:"7. Time Zone"`
	BidPrice      string `json:"8. Bid Price"`
	AskPrice      string `json:"9. Ask Price"`
}
