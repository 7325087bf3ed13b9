// Package watchlist keeps the latest exchange-rate quote of each watched
// symbol and refreshes it by polling.
package watchlist

import (
	"sync"

	"cryptoview/pkg/alphavantage"
)

// Store holds one quote per symbol in watchlist order.
type Store struct {
	mu     sync.Mutex
	order  []string
	quotes map[string]alphavantage.CryptoQuote
}

func NewStore() *Store {
	return &Store{
		quotes: make(map[string]alphavantage.CryptoQuote),
	}
}

// Replace swaps in a full refresh. A symbol whose new quote failed keeps
// its last good price, with the error flag and message of the new attempt.
func (s *Store) Replace(quotes []alphavantage.CryptoQuote) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := make([]string, 0, len(quotes))
	next := make(map[string]alphavantage.CryptoQuote, len(quotes))
	for _, q := range quotes {
		if prev, ok := s.quotes[q.Symbol]; ok && q.Error && !prev.Error {
			prev.Error = true
			prev.ErrorMsg = q.ErrorMsg
			q = prev
		}
		if _, dup := next[q.Symbol]; !dup {
			order = append(order, q.Symbol)
		}
		next[q.Symbol] = q
	}
	s.order = order
	s.quotes = next
}

func (s *Store) Get(symbol string) (alphavantage.CryptoQuote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// All returns a copy of every quote in watchlist order.
func (s *Store) All() []alphavantage.CryptoQuote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]alphavantage.CryptoQuote, 0, len(s.order))
	for _, sym := range s.order {
		out = append(out, s.quotes[sym])
	}
	return out
}

// Failed counts symbols whose latest attempt failed.
func (s *Store) Failed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.quotes {
		if q.Error {
			n++
		}
	}
	return n
}
