// Package orchestrator sequences the dependent fetch pipeline
// exchanges -> markets/prices -> trades and keeps the resulting view model.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"cryptoview/internal/fanout"
	"cryptoview/pkg/aggregator"
	"cryptoview/pkg/apierr"

	"go.uber.org/zap"
)

var (
	// ErrSuperseded is returned when a newer selection replaced the call
	// before its result could be committed. The view is left untouched.
	ErrSuperseded = errors.New("superseded by a newer request")
	// ErrRestartRequired is returned for any selection while the pipeline
	// is failed; only Start recovers.
	ErrRestartRequired = errors.New("pipeline failed, restart required")
	// ErrNotReady is returned when the stage a selection depends on has not
	// finished loading.
	ErrNotReady = errors.New("previous stage not ready")
	// ErrEmptySelection is returned for an empty exchange id or market.
	// The view is left untouched.
	ErrEmptySelection = errors.New("empty selection")
)

// Source is the remote data client the orchestrator drives.
type Source interface {
	FetchExchanges(ctx context.Context) ([]aggregator.ExchangeRef, error)
	FetchMarkets(ctx context.Context, exchangeID string) ([]aggregator.Market, error)
	FetchCurrentPrice(ctx context.Context, exchangeID string, market aggregator.Market) (aggregator.PriceQuote, error)
	FetchTrades(ctx context.Context, exchangeID string, market aggregator.Market) (aggregator.TradeList, error)
}

type Options struct {
	MaxMarkets int           // markets priced per overview
	Prices     fanout.Policy // per-market price requests
	BatchSize  int           // exchanges probed per validation batch
	Validation fanout.Policy // market probes within a batch

	// OnChange receives a copy of the view after every commit. It runs with
	// the orchestrator locked and must not call back into it.
	OnChange func(View)
}

func (o *Options) setDefaults() {
	if o.MaxMarkets <= 0 {
		o.MaxMarkets = 20
	}
	if o.Prices.Concurrency <= 0 {
		o.Prices.Concurrency = o.MaxMarkets
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
	if o.Validation.Concurrency <= 0 {
		o.Validation.Concurrency = o.BatchSize
	}
}

// Orchestrator is safe for concurrent use. Every selection bumps a per-stage
// generation and cancels the previous in-flight request of that stage; a
// result is committed only while its generation is still current.
type Orchestrator struct {
	src    Source
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	view    View
	gen     [stageCount]uint64
	cancels [stageCount]context.CancelFunc
}

func New(src Source, opts Options, logger *zap.Logger) *Orchestrator {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		src:    src,
		opts:   opts,
		logger: logger,
		view:   View{State: idle(), Validation: idle()},
	}
}

// View returns a copy of the current view model.
func (o *Orchestrator) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.view.clone()
}

// Start (re)loads the exchange list from scratch. It resets every stage and
// is the only way out of a failed state.
func (o *Orchestrator) Start(ctx context.Context) ([]aggregator.ExchangeRef, error) {
	o.mu.Lock()
	for s := StageExchanges; s < stageCount; s++ {
		o.invalidateLocked(s)
	}
	ctx, gen := o.beginLocked(ctx, StageExchanges)
	o.view = View{State: loading(StageExchanges), Validation: idle()}
	o.notifyLocked()
	o.mu.Unlock()

	exchanges, err := o.src.FetchExchanges(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(StageExchanges, gen) {
		return nil, ErrSuperseded
	}
	o.endLocked(StageExchanges)

	if err != nil {
		o.logger.Warn("failed to load exchanges", zap.Error(err))
		o.view.State = failed(StageExchanges, apierr.Message(err))
		o.notifyLocked()
		return nil, err
	}

	o.view.Exchanges = exchanges
	o.view.State = ready(StageExchanges)
	o.logger.Info("loaded exchanges", zap.Int("count", len(exchanges)))
	o.notifyLocked()
	return append([]aggregator.ExchangeRef(nil), exchanges...), nil
}

// SelectExchange loads the markets of exchangeID and prices up to MaxMarkets
// of them. Markets whose quote failed or is 0 are left out of the overview.
// Trades of a previously selected market are cleared.
func (o *Orchestrator) SelectExchange(ctx context.Context, exchangeID string) ([]OverviewRow, error) {
	if exchangeID == "" {
		return nil, ErrEmptySelection
	}

	o.mu.Lock()
	if err := o.checkSelectableLocked(StageExchanges); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.invalidateLocked(StageTrades)
	ctx, gen := o.beginLocked(ctx, StageOverview)
	o.view.SelectedExchange = exchangeID
	o.view.Markets = nil
	o.view.Overview = nil
	o.view.SelectedMarket = ""
	o.view.Trades = nil
	o.view.State = loading(StageOverview)
	o.notifyLocked()
	o.mu.Unlock()

	log := o.logger.With(zap.String("exchange", exchangeID))

	markets, err := o.src.FetchMarkets(ctx, exchangeID)
	if err != nil {
		return nil, o.failStage(StageOverview, gen, log, "failed to load markets", err)
	}

	o.mu.Lock()
	if !o.currentLocked(StageOverview, gen) {
		o.mu.Unlock()
		return nil, ErrSuperseded
	}
	o.view.Markets = markets
	o.notifyLocked()
	o.mu.Unlock()

	if len(markets) > o.opts.MaxMarkets {
		markets = markets[:o.opts.MaxMarkets]
	}
	rows := o.priceMarkets(ctx, log, exchangeID, markets)

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(StageOverview, gen) {
		return nil, ErrSuperseded
	}

	// a cancelled fan-out drops every quote; that is a failure, not an
	// exchange whose markets all priced 0. Checked before endLocked, which
	// cancels ctx itself.
	err = ctx.Err()
	o.endLocked(StageOverview)
	if err != nil {
		log.Warn("overview interrupted", zap.Error(err))
		o.view.State = failed(StageOverview, apierr.Message(err))
		o.notifyLocked()
		return nil, err
	}

	o.view.Overview = rows
	o.view.State = ready(StageOverview)
	log.Info("loaded overview", zap.Int("markets", len(markets)), zap.Int("priced", len(rows)))
	o.notifyLocked()
	return append([]OverviewRow(nil), rows...), nil
}

// priceMarkets fans out one price request per market under the Prices
// policy and keeps, in market order, the quotes that resolved to a price.
func (o *Orchestrator) priceMarkets(ctx context.Context, log *zap.Logger, exchangeID string, markets []aggregator.Market) []OverviewRow {
	type result struct {
		quote aggregator.PriceQuote
		err   error
	}
	results := make([]result, len(markets))

	fanout.Run(ctx, o.opts.Prices, len(markets), func(ctx context.Context, i int) {
		q, err := o.src.FetchCurrentPrice(ctx, exchangeID, markets[i])
		results[i] = result{quote: q, err: err}
	})

	rows := make([]OverviewRow, 0, len(results))
	for i, r := range results {
		if r.err != nil {
			log.Debug("dropping market without price", zap.String("market", string(markets[i])), zap.Error(r.err))
			continue
		}
		if r.quote.Price == 0 {
			continue
		}
		rows = append(rows, OverviewRow{
			Exchange:  exchangeID,
			Market:    markets[i],
			Symbol:    markets[i].Base(),
			Price:     r.quote.Price,
			Timestamp: r.quote.Timestamp,
		})
	}
	return rows
}

// SelectMarket loads the recent trades of market on the selected exchange.
func (o *Orchestrator) SelectMarket(ctx context.Context, market aggregator.Market) ([]aggregator.Trade, error) {
	if market == "" {
		return nil, ErrEmptySelection
	}

	o.mu.Lock()
	if err := o.checkSelectableLocked(StageOverview); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	exchangeID := o.view.SelectedExchange
	ctx, gen := o.beginLocked(ctx, StageTrades)
	o.view.SelectedMarket = market
	o.view.Trades = nil
	o.view.State = loading(StageTrades)
	o.notifyLocked()
	o.mu.Unlock()

	log := o.logger.With(zap.String("exchange", exchangeID), zap.String("market", string(market)))

	list, err := o.src.FetchTrades(ctx, exchangeID, market)
	if err != nil {
		return nil, o.failStage(StageTrades, gen, log, "failed to load trades", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(StageTrades, gen) {
		return nil, ErrSuperseded
	}
	o.endLocked(StageTrades)

	o.view.Trades = list.Trades
	o.view.State = ready(StageTrades)
	log.Info("loaded trades", zap.Int("count", len(list.Trades)))
	o.notifyLocked()
	return append([]aggregator.Trade(nil), list.Trades...), nil
}

// checkSelectableLocked verifies that the stage a selection builds on has
// data: the exchange list for SelectExchange, the overview for SelectMarket.
// A selection may replace one that is still loading.
func (o *Orchestrator) checkSelectableLocked(dependsOn Stage) error {
	st := o.view.State
	switch {
	case st.Phase == PhaseFailed:
		return ErrRestartRequired
	case st.Phase == PhaseIdle:
		return ErrNotReady
	case st.Stage < dependsOn:
		return ErrNotReady
	case st.Stage == dependsOn && st.Phase == PhaseLoading:
		return ErrNotReady
	}
	return nil
}

// failStage records a stage failure unless the request was superseded.
func (o *Orchestrator) failStage(stage Stage, gen uint64, log *zap.Logger, msg string, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(stage, gen) {
		return ErrSuperseded
	}
	o.endLocked(stage)

	log.Warn(msg, zap.Error(err))
	o.view.State = failed(stage, apierr.Message(err))
	o.notifyLocked()
	return err
}

// beginLocked starts a new generation of stage, cancelling the previous one,
// and returns the context the new requests run under.
func (o *Orchestrator) beginLocked(ctx context.Context, stage Stage) (context.Context, uint64) {
	o.invalidateLocked(stage)
	ctx, cancel := context.WithCancel(ctx)
	o.cancels[stage] = cancel
	return ctx, o.gen[stage]
}

// invalidateLocked makes any in-flight result of stage stale.
func (o *Orchestrator) invalidateLocked(stage Stage) {
	o.gen[stage]++
	if cancel := o.cancels[stage]; cancel != nil {
		cancel()
		o.cancels[stage] = nil
	}
}

func (o *Orchestrator) endLocked(stage Stage) {
	if cancel := o.cancels[stage]; cancel != nil {
		cancel()
		o.cancels[stage] = nil
	}
}

func (o *Orchestrator) currentLocked(stage Stage, gen uint64) bool {
	return o.gen[stage] == gen
}

func (o *Orchestrator) notifyLocked() {
	if o.opts.OnChange != nil {
		o.opts.OnChange(o.view.clone())
	}
}
