package alphavantage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cryptoview/internal/fanout"
	"cryptoview/pkg/apierr"

	"github.com/shopspring/decimal"
)

// RESTClient queries the CURRENCY_EXCHANGE_RATE function of Alpha Vantage.
type RESTClient struct {
	baseURL    string
	apiKey     string
	toCurrency string
	httpClient *http.Client
	policy     fanout.Policy
}

// NewRESTClient builds a client. The policy paces FetchCryptos; the free API
// tier needs fanout.Sequential with a delay of about 1.5s.
func NewRESTClient(baseURL, apiKey, toCurrency string, timeout time.Duration, policy fanout.Policy) *RESTClient {
	if toCurrency == "" {
		toCurrency = "USD"
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		toCurrency: toCurrency,
		httpClient: &http.Client{Timeout: timeout},
		policy:     policy,
	}
}

// FetchCryptos fetches a quote per symbol under the client's policy and
// returns one record per symbol in input order. It never fails as a whole:
// each record carries its own error flag. An empty list means DefaultSymbols.
func (c *RESTClient) FetchCryptos(ctx context.Context, symbols []string) []CryptoQuote {
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}

	results := make([]CryptoQuote, len(symbols))
	fanout.Run(ctx, c.policy, len(symbols), func(ctx context.Context, i int) {
		results[i], _ = c.FetchRate(ctx, symbols[i])
	})
	return results
}

// FetchRate issues a single exchange-rate request for symbol. The returned
// quote is always usable; the error classifies what went wrong.
func (c *RESTClient) FetchRate(ctx context.Context, symbol string) (CryptoQuote, error) {
	op := "fetch rate " + symbol

	quote, err := c.fetchRate(ctx, op, symbol)
	if err != nil {
		return failed(symbol, err), err
	}
	return quote, nil
}

func (c *RESTClient) fetchRate(ctx context.Context, op, symbol string) (CryptoQuote, error) {
	if err := ctx.Err(); err != nil {
		return CryptoQuote{}, apierr.Transport(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(symbol), nil)
	if err != nil {
		return CryptoQuote{}, apierr.New(apierr.KindRequest, op, fmt.Errorf("creating request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CryptoQuote{}, apierr.Transport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return CryptoQuote{}, apierr.New(apierr.KindHTTPStatus, op, fmt.Errorf("HTTP error! Status: %d", resp.StatusCode))
	}

	var payload exchangeRateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return CryptoQuote{}, apierr.New(apierr.KindSchema, op, errors.New(MsgInvalidFormat))
	}

	return parseRate(op, symbol, payload)
}

// parseRate classifies the payload: throttling first, then an explicit API
// error, then shape validation.
func parseRate(op, symbol string, payload exchangeRateResponse) (CryptoQuote, error) {
	if payload.Note != "" || payload.Information != "" {
		return CryptoQuote{}, apierr.New(apierr.KindRateLimited, op, errors.New(MsgRateLimited))
	}
	if payload.ErrorMessage != "" {
		return CryptoQuote{}, apierr.New(apierr.KindUpstream, op, errors.New(payload.ErrorMessage))
	}
	if payload.Rate == nil || payload.Rate.ExchangeRate == "" {
		return CryptoQuote{}, apierr.New(apierr.KindSchema, op, errors.New(MsgInvalidFormat))
	}

	rate, err := decimal.NewFromString(strings.TrimSpace(payload.Rate.ExchangeRate))
	if err != nil {
		return CryptoQuote{}, apierr.New(apierr.KindSchema, op, errors.New(MsgInvalidFormat))
	}

	return CryptoQuote{
		Symbol:        symbol,
		Price:         rate.InexactFloat64(),
		Rate:          rate,
		LastRefreshed: payload.Rate.LastRefreshed,
	}, nil
}

func failed(symbol string, err error) CryptoQuote {
	return CryptoQuote{
		Symbol:        symbol,
		LastRefreshed: time.Now().UTC().Format(time.RFC3339),
		Error:         true,
		ErrorMsg:      apierr.Message(err),
	}
}

func (c *RESTClient) endpoint(symbol string) string {
	q := url.Values{}
	q.Set("function", "CURRENCY_EXCHANGE_RATE")
	q.Set("from_currency", symbol)
	q.Set("to_currency", c.toCurrency)
	q.Set("apikey", c.apiKey)
	return c.baseURL + "/query?" + q.Encode()
}
