package orchestrator

import (
	"context"

	"cryptoview/internal/fanout"
	"cryptoview/pkg/aggregator"
	"cryptoview/pkg/apierr"

	"go.uber.org/zap"
)

// ValidateExchanges probes every loaded exchange for markets and publishes
// the exchanges that answered with at least one market. Exchanges are
// checked in batches of BatchSize; probes within a batch run under the
// Validation policy and View().ValidExchanges grows after each batch.
func (o *Orchestrator) ValidateExchanges(ctx context.Context) ([]aggregator.ExchangeRef, error) {
	o.mu.Lock()
	if err := o.checkSelectableLocked(StageExchanges); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	exchanges := append([]aggregator.ExchangeRef(nil), o.view.Exchanges...)
	ctx, gen := o.beginLocked(ctx, StageValidation)
	o.view.ValidExchanges = nil
	o.view.Validation = loading(StageValidation)
	o.notifyLocked()
	o.mu.Unlock()

	batches := fanout.Batches(len(exchanges), o.opts.BatchSize)
	o.logger.Info("validating exchanges", zap.Int("exchanges", len(exchanges)), zap.Int("batches", len(batches)))

	for _, b := range batches {
		batch := exchanges[b[0]:b[1]]
		ok := make([]bool, len(batch))

		fanout.Run(ctx, o.opts.Validation, len(batch), func(ctx context.Context, i int) {
			markets, err := o.src.FetchMarkets(ctx, batch[i].ID)
			if err != nil {
				o.logger.Debug("exchange failed validation", zap.String("exchange", batch[i].ID), zap.Error(err))
				return
			}
			ok[i] = len(markets) > 0
		})

		o.mu.Lock()
		if !o.currentLocked(StageValidation, gen) {
			o.mu.Unlock()
			return nil, ErrSuperseded
		}
		if err := ctx.Err(); err != nil {
			o.endLocked(StageValidation)
			o.view.Validation = failed(StageValidation, apierr.Message(err))
			o.notifyLocked()
			o.mu.Unlock()
			return nil, err
		}
		for i, e := range batch {
			if ok[i] {
				o.view.ValidExchanges = append(o.view.ValidExchanges, e)
			}
		}
		o.notifyLocked()
		o.mu.Unlock()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(StageValidation, gen) {
		return nil, ErrSuperseded
	}
	o.endLocked(StageValidation)

	o.view.Validation = ready(StageValidation)
	o.logger.Info("validated exchanges", zap.Int("valid", len(o.view.ValidExchanges)))
	o.notifyLocked()
	return append([]aggregator.ExchangeRef(nil), o.view.ValidExchanges...), nil
}
