// Package app wires the configured clients into the fetch pipeline and
// walks it the way the UI would: exchanges, overview, trades, watchlist.
package app

import (
	"context"
	"errors"
	"fmt"

	"cryptoview/config"
	"cryptoview/internal/fanout"
	"cryptoview/internal/orchestrator"
	"cryptoview/internal/watchlist"
	"cryptoview/pkg/aggregator"
	"cryptoview/pkg/alphavantage"

	"go.uber.org/zap"
)

// Options are the per-run selections made on the command line.
type Options struct {
	Exchange string // empty picks the first (valid) exchange
	Market   string // empty picks the first priced market
	Validate bool   // run the exchange validation pass before selecting
	Watch    bool   // keep polling the watchlist until ctx is done
	SkipRate bool   // do not query the exchange-rate service
}

// Run executes one pass of the pipeline and, with Watch, keeps refreshing
// the watchlist until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) error {
	restClient := aggregator.NewRESTClient(cfg.Aggregator.BaseURL, cfg.Aggregator.APIKey, cfg.Aggregator.Timeout)

	orch := orchestrator.New(restClient, orchestrator.Options{
		MaxMarkets: cfg.Aggregator.MaxMarkets,
		Prices:     fanout.FromConfig(cfg.Aggregator.FanOut),
		BatchSize:  cfg.Validation.BatchSize,
		Validation: fanout.FromConfig(cfg.Validation.FanOut),
		OnChange: func(v orchestrator.View) {
			logger.Debug("view changed", zap.Stringer("state", v.State), zap.Stringer("validation", v.Validation))
		},
	}, logger)

	if err := browse(ctx, orch, opts, logger); err != nil {
		return err
	}

	if opts.SkipRate {
		return nil
	}

	rateClient := alphavantage.NewRESTClient(
		cfg.AlphaVantage.BaseURL,
		cfg.AlphaVantage.APIKey,
		cfg.AlphaVantage.ToCurrency,
		cfg.AlphaVantage.Timeout,
		fanout.FromConfig(cfg.AlphaVantage.FanOut),
	)
	store := watchlist.NewStore()
	refresher := watchlist.NewRefresher(rateClient, store, cfg.AlphaVantage.Symbols, cfg.AlphaVantage.RefreshInterval, logger)

	if !opts.Watch {
		refresher.RefreshOnce(ctx)
		printWatchlist(store, refresher.Status(), logger)
		return nil
	}

	done := refresher.Start(ctx)
	<-done
	printWatchlist(store, refresher.Status(), logger)
	return nil
}

func browse(ctx context.Context, orch *orchestrator.Orchestrator, opts Options, logger *zap.Logger) error {
	exchanges, err := orch.Start(ctx)
	if err != nil {
		return fmt.Errorf("load exchanges: %w", err)
	}
	if len(exchanges) == 0 {
		logger.Warn("aggregator returned no exchanges")
		return nil
	}

	candidates := exchanges
	if opts.Validate {
		valid, err := orch.ValidateExchanges(ctx)
		if err != nil {
			return fmt.Errorf("validate exchanges: %w", err)
		}
		for _, e := range valid {
			logger.Info("valid exchange", zap.String("id", e.ID), zap.String("name", e.Name))
		}
		candidates = valid
	}

	exchangeID := opts.Exchange
	if exchangeID == "" {
		if len(candidates) == 0 {
			logger.Warn("no exchange with markets found")
			return nil
		}
		exchangeID = candidates[0].ID
	}

	rows, err := orch.SelectExchange(ctx, exchangeID)
	if err != nil {
		return fmt.Errorf("load overview of %s: %w", exchangeID, err)
	}
	for _, row := range rows {
		logger.Info("price",
			zap.String("exchange", row.Exchange),
			zap.String("market", string(row.Market)),
			zap.Float64("price", row.Price),
			zap.String("timestamp", string(row.Timestamp)),
		)
	}

	market := aggregator.Market(opts.Market)
	if market == "" {
		if len(rows) == 0 {
			return nil
		}
		market = rows[0].Market
	}

	trades, err := orch.SelectMarket(ctx, market)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSuperseded) {
			return nil
		}
		return fmt.Errorf("load trades of %s %s: %w", exchangeID, market, err)
	}
	for _, tr := range trades {
		logger.Info("trade",
			zap.String("market", string(market)),
			zap.String("side", string(tr.Side)),
			zap.Float64("price", tr.Price),
			zap.Float64("size", tr.Size),
			zap.Float64("cost", tr.Cost),
			zap.String("timestamp", string(tr.Timestamp)),
		)
	}
	return nil
}

func printWatchlist(store *watchlist.Store, status watchlist.Status, logger *zap.Logger) {
	if status.AllFailed() {
		logger.Error("unable to load any watchlist quote", zap.Int("symbols", status.Total))
	}
	for _, q := range store.All() {
		if q.Error {
			logger.Warn("unable to load", zap.String("symbol", q.Symbol), zap.String("reason", q.ErrorMsg))
			continue
		}
		logger.Info("quote",
			zap.String("symbol", q.Symbol),
			zap.String("rate", q.Rate.StringFixed(2)),
			zap.String("last_refreshed", q.LastRefreshed),
		)
	}
}
