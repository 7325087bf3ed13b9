package aggregator

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

	"cryptoview/pkg/apierr"
)

// RESTClient talks to the exchange aggregator API. Every Fetch method returns
// a usable value even on failure (empty list, zero-price quote, no trades)
// together with the classified error.
type RESTClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewRESTClient(baseURL, apiKey string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchExchanges lists all exchanges known to the aggregator.
func (c *RESTClient) FetchExchanges(ctx context.Context) ([]ExchangeRef, error) {
	const op = "fetch exchanges"

	var exchanges []ExchangeRef
	if err := c.getJSON(ctx, op, c.endpoint("exchanges"), &exchanges); err != nil {
		return []ExchangeRef{}, err
	}

	out := make([]ExchangeRef, 0, len(exchanges))
	for _, e := range exchanges {
		if e.ID == "" {
			continue // skip entries we cannot address
		}
		out = append(out, e)
	}
	return out, nil
}

// FetchMarkets lists the market symbols ("BASE/QUOTE") traded on an exchange.
func (c *RESTClient) FetchMarkets(ctx context.Context, exchangeID string) ([]Market, error) {
	const op = "fetch markets"

	if exchangeID == "" {
		return []Market{}, apierr.New(apierr.KindRequest, op, errors.New("empty exchange id"))
	}

	var markets []Market
	if err := c.getJSON(ctx, op, c.endpoint(url.PathEscape(exchangeID), "markets"), &markets); err != nil {
		return []Market{}, err
	}
	if markets == nil {
		markets = []Market{}
	}
	return markets, nil
}

// FetchCurrentPrice returns the latest price of a market. On failure the quote
// has Price 0 and the current time as Timestamp.
func (c *RESTClient) FetchCurrentPrice(ctx context.Context, exchangeID string, market Market) (PriceQuote, error) {
	op := fmt.Sprintf("fetch current price %s %s", exchangeID, market)

	fallback := PriceQuote{
		ExchangeID: exchangeID,
		Market:     market,
		Symbol:     market.Base(),
		Timestamp:  Timestamp(time.Now().UTC().Format(time.RFC3339)),
	}

	if exchangeID == "" || market == "" {
		return fallback, apierr.New(apierr.KindRequest, op, errors.New("empty exchange id or market"))
	}

	var raw currentPriceResponse
	endpoint := c.endpoint(url.PathEscape(exchangeID), market.PathToken(), "currentprice")
	if err := c.getJSON(ctx, op, endpoint, &raw); err != nil {
		return fallback, err
	}
	if raw.Price == nil {
		return fallback, apierr.New(apierr.KindSchema, op, errors.New("missing price"))
	}

	quote := PriceQuote{
		ExchangeID: exchangeID,
		Market:     market,
		Symbol:     market.Base(),
		Price:      *raw.Price,
		Timestamp:  raw.Timestamp,
	}
	if quote.Timestamp == "" {
		quote.Timestamp = fallback.Timestamp
	}
	return quote, nil
}

// FetchTrades returns recent trades of a market in upstream order.
func (c *RESTClient) FetchTrades(ctx context.Context, exchangeID string, market Market) (TradeList, error) {
	op := fmt.Sprintf("fetch trades %s %s", exchangeID, market)

	fallback := TradeList{Exchange: exchangeID, Market: market, Trades: []Trade{}}

	if exchangeID == "" || market == "" {
		return fallback, apierr.New(apierr.KindRequest, op, errors.New("empty exchange id or market"))
	}

	var raw tradesResponse
	endpoint := c.endpoint(url.PathEscape(exchangeID), market.PathToken(), "trades")
	if err := c.getJSON(ctx, op, endpoint, &raw); err != nil {
		return fallback, err
	}
	if raw.Trades == nil {
		return fallback, apierr.New(apierr.KindSchema, op, errors.New("missing trades"))
	}

	fallback.Trades = *raw.Trades
	return fallback, nil
}

// endpoint joins already-escaped path segments onto the base URL and appends
// the API key.
func (c *RESTClient) endpoint(segments ...string) string {
	q := url.Values{}
	q.Set("apiKey", c.apiKey)
	return c.baseURL + "/" + strings.Join(segments, "/") + "?" + q.Encode()
}

func (c *RESTClient) getJSON(ctx context.Context, op, endpoint string, out any) error {
	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return apierr.New(apierr.KindRequest, op, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apierr.Transport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apierr.New(apierr.KindHTTPStatus, op,
			fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierr.New(apierr.KindSchema, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
