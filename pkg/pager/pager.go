// Package pager orchestrates initial load (local-first with a background
// remote reconciliation) and backward load-more against the remote store,
// keeping a monotonic oldest-loaded cursor per conversation.
package pager

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"chatsync/pkg/metrics"
	"chatsync/pkg/models"
	"chatsync/pkg/remote"
	"chatsync/pkg/store"
)

// State is the per-conversation load state machine.
type State string

const (
	StateIdle           State = "idle"
	StateLoadingInitial State = "loadingInitial"
	StateLoadingMore    State = "loadingMore"
)

const (
	// DefaultPageSize is the remote fetch page size.
	DefaultPageSize = 25
	// DefaultRenderCap trims the first paint to the most recent N.
	DefaultRenderCap = 50
)

// Pager manages loading for one conversation. Re-entrant loads while a
// load is in flight are no-ops; a new initial load supersedes the prior
// background sync (its results are ignored).
type Pager struct {
	st     *store.Store
	remote remote.MessageStore
	conv   string
	log    *zap.Logger

	pageSize  int
	renderCap int

	mu           sync.Mutex
	state        State
	oldestID     string
	oldestTS     int64
	hasMore      bool
	hasLocalMore bool
	gen          int
	snapshot     []models.Message
}

// Option configures a Pager.
type Option func(*Pager)

// WithPageSize sets the remote page size.
func WithPageSize(n int) Option { return func(p *Pager) { p.pageSize = n } }

// WithRenderCap sets the first-paint window size.
func WithRenderCap(n int) Option { return func(p *Pager) { p.renderCap = n } }

// New builds a Pager for one conversation.
func New(st *store.Store, rs remote.MessageStore, conv string, log *zap.Logger, opts ...Option) *Pager {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pager{
		st:        st,
		remote:    rs,
		conv:      conv,
		log:       log,
		pageSize:  DefaultPageSize,
		renderCap: DefaultRenderCap,
		state:     StateIdle,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// InitialLoad reads the locally-persisted window synchronously and kicks a
// background reconciliation sync; the caller is never blocked on the
// network. Returns the first-paint window. A call while a load is already
// in flight returns the current snapshot without duplicating work.
func (p *Pager) InitialLoad(ctx context.Context) ([]models.Message, error) {
	p.mu.Lock()
	if p.state != StateIdle {
		snap := append([]models.Message(nil), p.snapshot...)
		p.mu.Unlock()
		return snap, nil
	}
	p.state = StateLoadingInitial
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	msgs, localMore, err := p.st.ListRecent(p.conv, p.renderCap)
	p.mu.Lock()
	if err != nil {
		p.state = StateIdle
		p.mu.Unlock()
		return nil, err
	}
	p.snapshot = append([]models.Message(nil), msgs...)
	p.hasLocalMore = localMore
	// until the background sync reports, load-more availability is what
	// local history says
	p.hasMore = localMore
	if len(msgs) > 0 {
		p.oldestID = msgs[0].ID
		p.oldestTS = msgs[0].CreatedAt
	}
	p.state = StateIdle
	p.mu.Unlock()

	go p.reconcile(ctx, gen)

	return append([]models.Message(nil), msgs...), nil
}

// reconcile fetches the newest remote page and merges it into the local
// store. Results are ignored when a newer load superseded this one.
func (p *Pager) reconcile(ctx context.Context, gen int) {
	fetched, err := p.remote.FetchMessages(ctx, p.conv, p.pageSize, "")
	if err != nil {
		// degrade silently; the local window stays authoritative for now
		p.log.Warn("initial_sync_failed", zap.String("conv", p.conv), zap.Error(err))
		return
	}
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		p.log.Debug("initial_sync_superseded", zap.String("conv", p.conv))
		return
	}
	p.mu.Unlock()

	p.mergePage(fetched)
	metrics.PagesFetchedTotal.Inc()

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return
	}
	p.hasMore = p.hasLocalMore || len(fetched) == p.pageSize
	if len(fetched) > 0 {
		oldest := fetched[0]
		if p.oldestID == "" || oldest.CreatedAt < p.oldestTS {
			p.oldestID = oldest.ID
			p.oldestTS = oldest.CreatedAt
		}
	}
	p.log.Info("initial_sync_done", zap.String("conv", p.conv), zap.Int("fetched", len(fetched)), zap.Bool("has_more", p.hasMore))
}

// LoadMore fetches one page of history strictly older than the oldest
// loaded message and merges it. hasMore turns false when the remote
// returns a short page. No-op while any load is in flight or when no
// cursor exists yet.
func (p *Pager) LoadMore(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateIdle || p.oldestID == "" || !p.hasMore {
		p.mu.Unlock()
		return nil
	}
	p.state = StateLoadingMore
	before := p.oldestID
	p.mu.Unlock()

	fetched, err := p.remote.FetchMessages(ctx, p.conv, p.pageSize, before)

	p.mu.Lock()
	p.state = StateIdle
	p.mu.Unlock()
	if err != nil {
		// degrade to "no error shown, empty result"
		p.log.Warn("load_more_failed", zap.String("conv", p.conv), zap.Error(err))
		return nil
	}

	p.mergePage(fetched)
	metrics.PagesFetchedTotal.Inc()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.hasMore = len(fetched) == p.pageSize
	if len(fetched) > 0 {
		oldest := fetched[0]
		// cursor only ever moves older
		if oldest.CreatedAt < p.oldestTS || p.oldestID == "" {
			p.oldestID = oldest.ID
			p.oldestTS = oldest.CreatedAt
		}
	}
	p.log.Info("load_more_done", zap.String("conv", p.conv), zap.Int("fetched", len(fetched)), zap.Bool("has_more", p.hasMore))
	return nil
}

// mergePage upserts fetched records; existing ids become idempotent
// updates, so re-fetching overlapping pages is harmless.
func (p *Pager) mergePage(fetched []models.Message) {
	for _, m := range fetched {
		if m.Status == "" {
			m.Status = models.StatusSent
		}
		if err := p.st.UpsertMessage(m); err != nil {
			p.log.Error("merge_page_upsert_failed", zap.String("id", m.ID), zap.Error(err))
		}
	}
}

// ApplyChange folds one store change-feed notification into the in-memory
// snapshot, inserting new arrivals at their sorted position rather than
// appending blindly.
func (p *Pager) ApplyChange(ch store.Change) {
	if ch.Conv != p.conv {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ch.Kind {
	case store.ChangeInsert:
		for i := range p.snapshot {
			if p.snapshot[i].ID == ch.Msg.ID {
				p.snapshot[i] = ch.Msg
				return
			}
		}
		p.snapshot = models.InsertSorted(p.snapshot, ch.Msg)
	case store.ChangeUpdate:
		for i := range p.snapshot {
			if p.snapshot[i].ID == ch.Msg.ID {
				p.snapshot[i] = ch.Msg
				return
			}
		}
		p.snapshot = models.InsertSorted(p.snapshot, ch.Msg)
	case store.ChangeDelete:
		for i := range p.snapshot {
			if p.snapshot[i].ID == ch.Msg.ID {
				p.snapshot = append(p.snapshot[:i], p.snapshot[i+1:]...)
				return
			}
		}
	}
}

// Snapshot returns a copy of the in-memory ordered window.
func (p *Pager) Snapshot() []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Message(nil), p.snapshot...)
}

// HasMore reports whether older history is believed to exist.
func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// State returns the current load state.
func (p *Pager) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OldestID returns the oldest-loaded cursor.
func (p *Pager) OldestID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.oldestID
}
