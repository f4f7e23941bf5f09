// Package app assembles the sync engine: local store, remote adapters,
// merge pipeline, outbox, pager and presence, plus the ops HTTP surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"chatsync/pkg/attach"
	"chatsync/pkg/banner"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/merge"
	"chatsync/pkg/models"
	"chatsync/pkg/outbox"
	"chatsync/pkg/pager"
	"chatsync/pkg/presence"
	"chatsync/pkg/remote"
	"chatsync/pkg/remote/httpstore"
	"chatsync/pkg/remote/wstransport"
	"chatsync/pkg/replyctx"
	"chatsync/pkg/retention"
	"chatsync/pkg/search"
	"chatsync/pkg/store"
	"chatsync/pkg/throttle"
)

// version is set via ldflags during release builds.
var version = "dev"

// App owns every engine component and their lifecycle.
type App struct {
	cfg *config.Config
	log *zap.Logger

	st        *store.Store
	attach    *attach.Store
	client    *httpstore.Client
	transport remote.EventTransport
	lim       *throttle.Limiter

	merger   *merge.Merger
	outbox   *outbox.Manager
	presence *presence.Coordinator
	replies  *replyctx.Resolver
	searcher *search.Searcher
	sweeper  *retention.Sweeper

	srv             *http.Server
	cancelRetention context.CancelFunc

	mu       sync.Mutex
	pagers   map[string]*pager.Pager
	sessions map[string]context.CancelFunc
}

// profileCache is a no-network profile source: it remembers senders seen
// in merged messages so reply snapshots can name them.
type profileCache struct {
	mu       sync.Mutex
	profiles map[string]models.Profile
}

func (p *profileCache) GetCachedProfile(userID string) (models.Profile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof, ok := p.profiles[userID]
	return prof, ok
}

func (p *profileCache) put(prof models.Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles[prof.ID] = prof
}

// badgeLog is the default badge collaborator: it only logs. Embedders
// replace it with a platform-backed implementation.
type badgeLog struct{ log *zap.Logger }

func (b *badgeLog) ClearMessagesBadge(conv string) {
	b.log.Debug("badge_cleared", zap.String("conv", conv))
}

func (b *badgeLog) RefreshAllBadges(reason string) {
	b.log.Debug("badges_refreshed", zap.String("reason", reason))
}

// New opens storage and wires every component. Nothing network-facing
// starts until Run.
func New(cfg *config.Config) (*App, error) {
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.Log

	if cfg.Session.UserID == "" {
		return nil, fmt.Errorf("app: session.user_id is required")
	}

	st, err := store.Open(cfg.Storage.DBPath, log.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("app: open store at %s: %w", cfg.Storage.DBPath, err)
	}
	at, err := attach.New(cfg.Storage.AttachDir, log.Named("attach"))
	if err != nil {
		st.Close()
		return nil, err
	}

	client := httpstore.New(cfg.Remote.BaseURL, cfg.Remote.APIKey, log.Named("httpstore"),
		httpstore.WithTimeout(cfg.Remote.Timeout.Duration()))
	transport := wstransport.New(cfg.Remote.WSURL, cfg.Remote.APIKey, log.Named("transport"),
		wstransport.WithQueueCapacity(cfg.Sync.QueueCapacity))
	lim := throttle.New()
	profiles := &profileCache{profiles: make(map[string]models.Profile)}
	badges := &badgeLog{log: log}
	user := cfg.Session.UserID

	a := &App{
		cfg:       cfg,
		log:       log,
		st:        st,
		attach:    at,
		client:    client,
		transport: transport,
		lim:       lim,
		merger:    merge.New(st, user, log.Named("merge"), merge.WithWindow(cfg.Sync.CorrelationWindow.Duration())),
		outbox: outbox.New(st, client, client, at, user, log.Named("outbox"),
			outbox.WithUnsendWindow(cfg.Sync.UnsendWindow.Duration())),
		presence: presence.New(st, client, badges, lim, user, log.Named("presence")),
		replies:  replyctx.New(st, profiles, lim, log.Named("replyctx")),
		searcher: search.New(client, log.Named("search")),
		sweeper: retention.New(st, at, cfg.Retention.MaxFailedAge.Duration(),
			log.Named("retention")),
		pagers:   make(map[string]*pager.Pager),
		sessions: make(map[string]context.CancelFunc),
	}
	return a, nil
}

// Run starts retention and the ops HTTP server, then blocks until ctx is
// canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	cancel, err := a.sweeper.Start(ctx, a.cfg.Retention.Enabled, a.cfg.Retention.Cron)
	if err != nil {
		return err
	}
	a.cancelRetention = cancel

	banner.Print(a.cfg, version)
	errCh := a.startHTTP()
	a.log.Info("app_started",
		zap.String("addr", a.cfg.Addr()),
		zap.String("user", a.cfg.Session.UserID))

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errCh:
		_ = a.shutdown()
		return err
	}
}

func (a *App) shutdown() error {
	a.mu.Lock()
	for conv, cancel := range a.sessions {
		cancel()
		delete(a.sessions, conv)
	}
	a.mu.Unlock()

	if a.cancelRetention != nil {
		a.cancelRetention()
	}
	_ = a.transport.Close()
	if a.srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		_ = a.srv.Shutdown(sctx)
	}
	err := a.st.Close()
	a.log.Info("app_stopped")
	logger.Sync()
	return err
}

// OpenConversation starts a live session for one conversation: the event
// subscription feeding the merge loop, the pager's local-first initial
// load, read receipts and reply hydration. Re-opening restarts the
// session; the old subscription is superseded.
func (a *App) OpenConversation(ctx context.Context, conv string) ([]models.Message, error) {
	a.mu.Lock()
	if cancel, ok := a.sessions[conv]; ok {
		cancel()
	}
	sctx, cancel := context.WithCancel(ctx)
	a.sessions[conv] = cancel
	p, ok := a.pagers[conv]
	if !ok {
		p = pager.New(a.st, a.client, conv, a.log.Named("pager"),
			pager.WithPageSize(a.cfg.Sync.PageSize),
			pager.WithRenderCap(a.cfg.Sync.RenderCap))
		a.pagers[conv] = p
	}
	a.mu.Unlock()

	events, err := a.transport.Subscribe(sctx, conv)
	if err != nil {
		return nil, err
	}
	go a.merger.Run(events, a.presence.HandleTyping)

	sub := a.st.Subscribe(conv, 256)
	go func() {
		defer sub.Close()
		for {
			select {
			case ch, ok := <-sub.C:
				if !ok {
					return
				}
				p.ApplyChange(ch)
				a.presence.RefreshBadges("store_change")
			case <-sctx.Done():
				return
			}
		}
	}()

	msgs, err := p.InitialLoad(sctx)
	if err != nil {
		return nil, err
	}
	if err := a.presence.MarkConversationRead(sctx, conv); err != nil {
		a.log.Warn("open_mark_read_failed", zap.String("conv", conv), zap.Error(err))
	}
	if _, err := a.replies.Hydrate(conv); err != nil {
		a.log.Warn("open_hydrate_failed", zap.String("conv", conv), zap.Error(err))
	}
	resolved, _ := a.replies.Resolve(msgs)
	return resolved, nil
}

// CloseConversation tears the session down and clears typing state.
func (a *App) CloseConversation(conv string) {
	a.mu.Lock()
	cancel, ok := a.sessions[conv]
	if ok {
		delete(a.sessions, conv)
	}
	a.mu.Unlock()
	if ok {
		cancel()
	}
	a.presence.LeaveConversation(conv)
}

// Outbox exposes the send pipeline.
func (a *App) Outbox() *outbox.Manager { return a.outbox }

// Presence exposes read/typing/badge coordination.
func (a *App) Presence() *presence.Coordinator { return a.presence }

// Searcher exposes debounced remote search.
func (a *App) Searcher() *search.Searcher { return a.searcher }

// Pager returns the pager for conv, when a session opened one.
func (a *App) Pager(conv string) (*pager.Pager, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pagers[conv]
	return p, ok
}
