// Package search runs remote message search with debouncing; each new
// query cancels the previous in-flight one, and superseded results are
// dropped rather than delivered out of order.
package search

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/pkg/models"
	"chatsync/pkg/remote"
)

// DefaultDebounce is the wait applied before a query hits the network.
const DefaultDebounce = 250 * time.Millisecond

// Searcher debounces and supersedes queries for one conversation.
type Searcher struct {
	remote   remote.MessageStore
	log      *zap.Logger
	debounce time.Duration

	mu     sync.Mutex
	gen    int
	cancel context.CancelFunc
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithDebounce overrides the debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(s *Searcher) { s.debounce = d }
}

// New builds a Searcher.
func New(rs remote.MessageStore, log *zap.Logger, opts ...Option) *Searcher {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Searcher{remote: rs, log: log, debounce: DefaultDebounce}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Search schedules a query; deliver receives the results unless a newer
// query supersedes this one first. Errors degrade to an empty result.
// Search results are display-only and never merged into the local store.
func (s *Searcher) Search(ctx context.Context, conv, query string, limit int, deliver func([]models.Message)) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	qctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		select {
		case <-time.After(s.debounce):
		case <-qctx.Done():
			// superseded during debounce: a non-error
			s.log.Debug("search_superseded", zap.String("conv", conv), zap.String("query", query))
			return
		}
		results, err := s.remote.SearchMessages(qctx, conv, query, limit, "")
		if err != nil {
			if qctx.Err() != nil {
				s.log.Debug("search_canceled", zap.String("conv", conv))
				return
			}
			s.log.Warn("search_failed", zap.String("conv", conv), zap.Error(err))
			results = nil
		}
		s.mu.Lock()
		stale := gen != s.gen
		s.mu.Unlock()
		if stale {
			return
		}
		deliver(results)
	}()
}

// CancelPending cancels any in-flight query.
func (s *Searcher) CancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
}
