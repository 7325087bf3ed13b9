package watchlist

import (
	"context"
	"sync"
	"time"

	"cryptoview/pkg/alphavantage"

	"go.uber.org/zap"
)

// Fetcher loads quotes for a list of symbols, one record per symbol.
type Fetcher interface {
	FetchCryptos(ctx context.Context, symbols []string) []alphavantage.CryptoQuote
}

type Phase int

const (
	PhaseIdle       Phase = iota
	PhaseLoading          // first load, nothing to show yet
	PhaseRefreshing       // reload while earlier quotes are shown
	PhaseReady
)

// Status describes the watchlist load. Failed counts symbols of the last
// refresh that could not be loaded.
type Status struct {
	Phase       Phase
	LastRefresh time.Time
	Failed      int
	Total       int
}

// AllFailed reports a whole-list failure (e.g. upstream unreachable).
func (s Status) AllFailed() bool {
	return s.Total > 0 && s.Failed == s.Total
}

// Refresher polls the fetcher on a fixed interval and keeps the store current.
type Refresher struct {
	fetcher  Fetcher
	store    *Store
	symbols  []string
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	status Status
	runMu  sync.Mutex // one refresh at a time
}

func NewRefresher(fetcher Fetcher, store *Store, symbols []string, interval time.Duration, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		fetcher:  fetcher,
		store:    store,
		symbols:  append([]string(nil), symbols...),
		interval: interval,
		logger:   logger,
	}
}

func (r *Refresher) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// RefreshOnce fetches every symbol and stores the results. If ctx is
// cancelled before the fetch returns, the store and status are left as they
// were.
func (r *Refresher) RefreshOnce(ctx context.Context) []alphavantage.CryptoQuote {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.mu.Lock()
	prev := r.status
	if r.status.LastRefresh.IsZero() {
		r.status.Phase = PhaseLoading
	} else {
		r.status.Phase = PhaseRefreshing
	}
	r.mu.Unlock()

	quotes := r.fetcher.FetchCryptos(ctx, r.symbols)

	// quotes cut short by cancellation must not replace the shown ones
	if err := ctx.Err(); err != nil {
		r.mu.Lock()
		r.status = prev
		r.mu.Unlock()
		r.logger.Debug("watchlist refresh interrupted", zap.Error(err))
		return quotes
	}
	r.store.Replace(quotes)

	failed := 0
	for _, q := range quotes {
		if q.Error {
			failed++
			r.logger.Warn("failed to load quote", zap.String("symbol", q.Symbol), zap.String("reason", q.ErrorMsg))
		}
	}

	r.mu.Lock()
	r.status = Status{Phase: PhaseReady, LastRefresh: time.Now(), Failed: failed, Total: len(quotes)}
	r.mu.Unlock()

	r.logger.Info("refreshed watchlist", zap.Int("symbols", len(quotes)), zap.Int("failed", failed))
	return quotes
}

// Start runs a refresh immediately and then every interval until ctx is done.
// The returned channel is closed once the loop has stopped.
func (r *Refresher) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		r.RefreshOnce(ctx)

		if r.interval <= 0 {
			return
		}
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// select picks randomly when both are ready
				if ctx.Err() != nil {
					return
				}
				r.RefreshOnce(ctx)
			}
		}
	}()
	return done
}
