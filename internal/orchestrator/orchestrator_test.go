package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cryptoview/pkg/aggregator"
	"cryptoview/pkg/apierr"

	"go.uber.org/zap/zaptest"
)

type gate struct {
	started chan struct{}
	release chan struct{}
}

// fakeSource is an in-memory aggregator. Prices missing from the map fail
// like an unreachable endpoint would.
type fakeSource struct {
	mu sync.Mutex

	exchanges    []aggregator.ExchangeRef
	exchangesErr error
	markets      map[string][]aggregator.Market
	marketsErr   map[string]error
	prices       map[string]float64
	trades       map[string][]aggregator.Trade

	gates      map[string]*gate // FetchMarkets blocks until released, ignoring ctx
	onPrice    func()           // runs inside FetchCurrentPrice before answering
	priceCalls int
	cancelled  map[string]bool // FetchMarkets saw a cancelled ctx
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		markets:    map[string][]aggregator.Market{},
		marketsErr: map[string]error{},
		prices:     map[string]float64{},
		trades:     map[string][]aggregator.Trade{},
		gates:      map[string]*gate{},
		cancelled:  map[string]bool{},
	}
}

func (f *fakeSource) gate(exchangeID string) *gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &gate{started: make(chan struct{}), release: make(chan struct{})}
	f.gates[exchangeID] = g
	return g
}

func (f *fakeSource) FetchExchanges(_ context.Context) ([]aggregator.ExchangeRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exchangesErr != nil {
		return []aggregator.ExchangeRef{}, f.exchangesErr
	}
	return append([]aggregator.ExchangeRef(nil), f.exchanges...), nil
}

func (f *fakeSource) FetchMarkets(ctx context.Context, exchangeID string) ([]aggregator.Market, error) {
	f.mu.Lock()
	g := f.gates[exchangeID]
	f.mu.Unlock()

	if g != nil {
		close(g.started)
		<-g.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		f.cancelled[exchangeID] = true
	}
	if err := f.marketsErr[exchangeID]; err != nil {
		return []aggregator.Market{}, err
	}
	return append([]aggregator.Market(nil), f.markets[exchangeID]...), nil
}

func (f *fakeSource) FetchCurrentPrice(ctx context.Context, exchangeID string, market aggregator.Market) (aggregator.PriceQuote, error) {
	f.mu.Lock()
	hook := f.onPrice
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	quote := aggregator.PriceQuote{ExchangeID: exchangeID, Market: market, Symbol: market.Base(), Timestamp: "now"}
	if err := ctx.Err(); err != nil {
		return quote, apierr.Transport("fetch current price", err)
	}
	price, ok := f.prices[exchangeID+"|"+string(market)]
	if !ok {
		return quote, apierr.New(apierr.KindHTTPStatus, "fetch current price", errors.New("http status 404"))
	}
	quote.Price = price
	return quote, nil
}

func (f *fakeSource) FetchTrades(_ context.Context, exchangeID string, market aggregator.Market) (aggregator.TradeList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := aggregator.TradeList{Exchange: exchangeID, Market: market, Trades: []aggregator.Trade{}}
	trades, ok := f.trades[exchangeID+"|"+string(market)]
	if !ok {
		return list, apierr.New(apierr.KindTransport, "fetch trades", errors.New("connection refused"))
	}
	list.Trades = trades
	return list, nil
}

func started(t *testing.T, o *Orchestrator) {
	t.Helper()
	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
}

// go test -v --run TestStartTransitions
func TestStartTransitions(t *testing.T) {
	src := newFakeSource()
	src.exchanges = []aggregator.ExchangeRef{{ID: "binance", Name: "Binance"}}

	var states []State
	o := New(src, Options{OnChange: func(v View) { states = append(states, v.State) }}, zaptest.NewLogger(t))

	if got := o.View().State; got != idle() {
		t.Fatalf("expected idle before start, got %s", got)
	}

	exchanges, err := o.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exchanges) != 1 || exchanges[0].ID != "binance" {
		t.Errorf("unexpected exchanges: %+v", exchanges)
	}

	want := []State{loading(StageExchanges), ready(StageExchanges)}
	if len(states) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], states[i])
		}
	}
}

// go test -v --run TestStartFailureRequiresRestart
func TestStartFailureRequiresRestart(t *testing.T) {
	src := newFakeSource()
	src.exchangesErr = apierr.Transport("fetch exchanges", errors.New("network is unreachable"))
	o := New(src, Options{}, zaptest.NewLogger(t))

	if _, err := o.Start(context.Background()); !errors.Is(err, apierr.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	st := o.View().State
	if st.Phase != PhaseFailed || st.Stage != StageExchanges || st.Err != "network is unreachable" {
		t.Errorf("unexpected state: %+v", st)
	}

	if _, err := o.SelectExchange(context.Background(), "binance"); !errors.Is(err, ErrRestartRequired) {
		t.Errorf("expected ErrRestartRequired, got %v", err)
	}

	src.mu.Lock()
	src.exchangesErr = nil
	src.exchanges = []aggregator.ExchangeRef{{ID: "binance"}}
	src.mu.Unlock()

	started(t, o)
	if st := o.View().State; st != ready(StageExchanges) {
		t.Errorf("expected ready after restart, got %s", st)
	}
}

// go test -v --run TestSelectBeforeStart
func TestSelectBeforeStart(t *testing.T) {
	o := New(newFakeSource(), Options{}, zaptest.NewLogger(t))

	if _, err := o.SelectExchange(context.Background(), "binance"); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
	if _, err := o.SelectMarket(context.Background(), "BTC/USD"); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

// go test -v --run TestOverviewFiltersZeroPrices
func TestOverviewFiltersZeroPrices(t *testing.T) {
	src := newFakeSource()
	src.exchanges = []aggregator.ExchangeRef{{ID: "binance"}}
	src.markets["binance"] = []aggregator.Market{"BTC/USD", "LUNA/USD", "ETH/USD"}
	src.prices["binance|BTC/USD"] = 5
	src.prices["binance|LUNA/USD"] = 0
	src.prices["binance|ETH/USD"] = 12

	o := New(src, Options{}, zaptest.NewLogger(t))
	started(t, o)

	rows, err := o.SelectExchange(context.Background(), "binance")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 overview rows, got %d: %+v", len(rows), rows)
	}
	if rows[0].Market != "BTC/USD" || rows[0].Symbol != "BTC" || rows[1].Price != 12 {
		t.Errorf("unexpected rows: %+v", rows)
	}

	v := o.View()
	if v.State != ready(StageOverview) || len(v.Markets) != 3 || len(v.Overview) != 2 {
		t.Errorf("unexpected view: %+v", v)
	}
}

// go test -v --run TestOverviewDropsFailedQuotes
func TestOverviewDropsFailedQuotes(t *testing.T) {
	src := newFakeSource()
	src.exchanges = []aggregator.ExchangeRef{{ID: "kraken"}}
	src.markets["kraken"] = []aggregator.Market{"BTC/EUR", "XRP/EUR"}
	src.prices["kraken|BTC/EUR"] = 61000

	o := New(src, Options{}, zaptest.NewLogger(t))
	started(t, o)

	rows, err := o.SelectExchange(context.Background(), "kraken")
	if err != nil {
		t.Fatalf("a failed quote must not fail the stage: %v", err)
	}
	if len(rows) != 1 || rows[0].Market != "BTC/EUR" {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

// go test -v --run TestOverviewCapsMarkets
func TestOverviewCapsMarkets(t *testing.T) {
	src := newFakeSource()
	src.exchanges = []aggregator.ExchangeRef{{ID: "big"}}
	for i := 0; i < 30; i++ {
		m := aggregator.Market(fmt.Sprintf("C%02d/USD", i))
		src.markets["big"] = append(src.markets["big"], m)
		src.prices["big|"+string(m)] = float64(i + 1)
	}

	o := New(src, Options{MaxMarkets: 20}, zaptest.NewLogger(t))
	started(t, o)

	rows, err := o.SelectExchange(context.Background(), "big")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 20 {
		t.Errorf("expected 20 rows, got %d", len(rows))
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.priceCalls != 20 {
		t.Errorf("expected 20 price requests, got %d", src.priceCalls)
	}
	if got := len(o.View().Markets); got != 30 {
		t.Errorf("expected all 30 markets listed, got %d", got)
	}
}

// go test -v --run TestStaleExchangeSelection
func TestStaleExchangeSelection(t *testing.T) {
	src := newFakeSource()
	src.exchanges = []aggregator.ExchangeRef{{ID: "slow"}, {ID: "fast"}}
	src.markets["slow"] = []aggregator.Market{"AAA/USD"}
	src.markets["fast"] = []aggregator.Market{"BBB/USD", "CCC/USD"}
	src.prices["slow|AAA/USD"] = 1
	src.prices["fast|BBB/USD"] = 2
	src.prices["fast|CCC/USD"] = 3
	g := src.gate("slow")

	o := New(src, Options{}, zaptest.NewLogger(t))
	started(t, o)

	errCh := make(chan error, 1)
	go func() {
		_, err := o.SelectExchange(context.Background(), "slow")
		errCh <- err
	}()
	<-g.started

	rows, err := o.SelectExchange(context.Background(), "fast")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows for fast, got %+v", rows)
	}

	close(g.release)
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("expected ErrSuperseded for stale selection, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stale selection never returned")
	}

	v := o.View()
	if v.SelectedExchange != "fast" || v.State != ready(StageOverview) {
		t.Errorf("unexpected selection state: %s %s", v.SelectedExchange, v.State)
	}
	if len(v.Markets) != 2 || len(v.Overview) != 2 {
		t.Fatalf("expected only fast data, got markets=%v overview=%+v", v.Markets, v.Overview)
	}
	for _, row := range v.Overview {
		if row.Exchange != "fast" {
			t.Errorf("stale row leaked into overview: %+v", row)
		}
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	if !src.cancelled["slow"] {
		t.Error("expected the superseded request context to be cancelled")
	}
}

// go test -v --run TestMarketsFailureKeepsExchanges
func TestMarketsFailureKeepsExchanges(t *testing.T) {
	src := newFakeSource()
	src.exchanges = []aggregator.ExchangeRef{{ID: "binance"}, {ID: "kraken"}}
	src.marketsErr["binance"] = apierr.New(apierr.KindHTTPStatus, "fetch markets", errors.New("http status 500"))

	o := New(src, Options{}, zaptest.NewLogger(t))
	started(t, o)

	if _, err := o.SelectExchange(context.Background(), "binance"); !errors.Is(err, apierr.ErrHTTPStatus) {
		t.Fatalf("expected http status error, got %v", err)
	}

	v := o.View()
	if v.State != failed(StageOverview, "http status 500") {
		t.Errorf("unexpected state: %s", v.State)
	}
	if len(v.Exchanges) != 2 {
		t.Errorf("exchange list must stay visible, got %+v", v.Exchanges)
	}
}

// go test -v --run TestSelectMarket
func TestSelectMarket(t *testing.T) {
	src := newFakeSource()
	src.exchanges = []aggregator.ExchangeRef{{ID: "binance"}}
	src.markets["binance"] = []aggregator.Market{"BTC/USD", "ETH/USD"}
	src.prices["binance|BTC/USD"] = 67000
	src.prices["binance|ETH/USD"] = 3500
	src.trades["binance|BTC/USD"] = []aggregator.Trade{
		{Timestamp: "1", Price: 67000, Size: 0.1, Cost: 6700, Side: aggregator.SideBuy},
		{Timestamp: "2", Price: 66990, Size: 0.2, Cost: 13398, Side: aggregator.SideSell},
	}

	o := New(src, Options{}, zaptest.NewLogger(t))
	started(t, o)

	if _, err := o.SelectMarket(context.Background(), "BTC/USD"); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady before an exchange is selected, got %v", err)
	}

	if _, err := o.SelectExchange(context.Background(), "binance"); err != nil {
		t.Fatalf("select exchange: %v", err)
	}

	trades, err := o.SelectMarket(context.Background(), "BTC/USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 2 || trades[0].Timestamp != "1" || trades[1].Side != aggregator.SideSell {
		t.Errorf("unexpected trades: %+v", trades)
	}

	v := o.View()
	if v.State != ready(StageTrades) || v.SelectedMarket != "BTC/USD" || len(v.Overview) != 2 {
		t.Errorf("unexpected view: %+v", v)
	}

	// a new exchange selection clears the trades of the old market
	if _, err := o.SelectExchange(context.Background(), "binance"); err != nil {
		t.Fatalf("reselect exchange: %v", err)
	}
	if v := o.View(); len(v.Trades) != 0 || v.SelectedMarket != "" {
		t.Errorf("expected trades cleared, got %+v", v.Trades)
	}
}

// go test -v --run TestTradesFailureKeepsOverview
func TestTradesFailureKeepsOverview(t *testing.T) {
	src := newFakeSource()
	src.exchanges = []aggregator.ExchangeRef{{ID: "binance"}}
	src.markets["binance"] = []aggregator.Market{"BTC/USD"}
	src.prices["binance|BTC/USD"] = 67000

	o := New(src, Options{}, zaptest.NewLogger(t))
	started(t, o)
	if _, err := o.SelectExchange(context.Background(), "binance"); err != nil {
		t.Fatalf("select exchange: %v", err)
	}

	if _, err := o.SelectMarket(context.Background(), "BTC/USD"); !errors.Is(err, apierr.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}

	v := o.View()
	if v.State != failed(StageTrades, "connection refused") {
		t.Errorf("unexpected state: %s", v.State)
	}
	if len(v.Overview) != 1 || len(v.Exchanges) != 1 {
		t.Errorf("prior stage data must stay visible: %+v", v)
	}
	if _, err := o.SelectMarket(context.Background(), "BTC/USD"); !errors.Is(err, ErrRestartRequired) {
		t.Errorf("expected ErrRestartRequired, got %v", err)
	}
}

// go test -v --run TestOverviewCancelledFails
func TestOverviewCancelledFails(t *testing.T) {
	src := newFakeSource()
	src.exchanges = []aggregator.ExchangeRef{{ID: "binance"}}
	src.markets["binance"] = []aggregator.Market{"BTC/USD", "ETH/USD"}
	src.prices["binance|BTC/USD"] = 5
	src.prices["binance|ETH/USD"] = 12

	o := New(src, Options{}, zaptest.NewLogger(t))
	started(t, o)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.mu.Lock()
	src.onPrice = cancel
	src.mu.Unlock()

	rows, err := o.SelectExchange(ctx, "binance")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got rows=%+v err=%v", rows, err)
	}

	v := o.View()
	if v.State != failed(StageOverview, "context canceled") {
		t.Errorf("expected failed overview, got %s", v.State)
	}
	if len(v.Overview) != 0 || len(v.Exchanges) != 1 {
		t.Errorf("unexpected view after cancelled overview: %+v", v)
	}
}

// go test -v --run TestEmptySelectionLeavesState
func TestEmptySelectionLeavesState(t *testing.T) {
	src := newFakeSource()
	src.exchanges = []aggregator.ExchangeRef{{ID: "binance"}}
	src.markets["binance"] = []aggregator.Market{"BTC/USD"}
	src.prices["binance|BTC/USD"] = 5

	o := New(src, Options{}, zaptest.NewLogger(t))
	started(t, o)

	if _, err := o.SelectExchange(context.Background(), ""); !errors.Is(err, ErrEmptySelection) {
		t.Fatalf("expected ErrEmptySelection, got %v", err)
	}
	if st := o.View().State; st != ready(StageExchanges) {
		t.Errorf("empty exchange id must not move the pipeline, got %s", st)
	}

	if _, err := o.SelectExchange(context.Background(), "binance"); err != nil {
		t.Fatalf("select exchange: %v", err)
	}
	if _, err := o.SelectMarket(context.Background(), ""); !errors.Is(err, ErrEmptySelection) {
		t.Fatalf("expected ErrEmptySelection, got %v", err)
	}
	v := o.View()
	if v.State != ready(StageOverview) || len(v.Overview) != 1 {
		t.Errorf("empty market must not move the pipeline, got %s %+v", v.State, v.Overview)
	}
}
