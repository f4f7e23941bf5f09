// Package presence coordinates read receipts, typing signals and badge
// counts. Unread counts are always derived from message read-state; the
// last-seen heartbeat and typing signals are throttled through the shared
// keyed limiter.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/pkg/metrics"
	"chatsync/pkg/models"
	"chatsync/pkg/remote"
	"chatsync/pkg/store"
	"chatsync/pkg/throttle"
)

const (
	// TypingSendInterval rate-limits outbound typing signals.
	TypingSendInterval = 2 * time.Second
	// TypingClearAfter auto-clears a typing signal after silence.
	TypingClearAfter = 5 * time.Second
	// LastSeenInterval throttles the last-seen heartbeat, used by
	// counterpart badge logic to suppress pushes to an active viewer.
	LastSeenInterval = 60 * time.Second
	// BadgeRefreshInterval throttles full badge recomputation.
	BadgeRefreshInterval = 10 * time.Second
)

// Coordinator drives read/typing/badge bookkeeping for the current user.
type Coordinator struct {
	st     *store.Store
	remote remote.MessageStore
	badges remote.BadgeManager
	lim    *throttle.Limiter
	user   string
	log    *zap.Logger

	typingInterval time.Duration
	typingClear    time.Duration
	lastSeenEvery  time.Duration

	mu          sync.Mutex
	clearTimers map[string]*time.Timer
	peerTyping  map[string]map[string]time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIntervals overrides the typing/heartbeat intervals (tests).
func WithIntervals(typingSend, typingClear, lastSeen time.Duration) Option {
	return func(c *Coordinator) {
		c.typingInterval = typingSend
		c.typingClear = typingClear
		c.lastSeenEvery = lastSeen
	}
}

// New builds a Coordinator for the given current user.
func New(st *store.Store, rs remote.MessageStore, badges remote.BadgeManager, lim *throttle.Limiter, user string, log *zap.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		st:             st,
		remote:         rs,
		badges:         badges,
		lim:            lim,
		user:           user,
		log:            log,
		typingInterval: TypingSendInterval,
		typingClear:    TypingClearAfter,
		lastSeenEvery:  LastSeenInterval,
		clearTimers:    make(map[string]*time.Timer),
		peerTyping:     make(map[string]map[string]time.Time),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// UnreadCount derives the unread count: messages from other senders the
// current user has not read.
func (c *Coordinator) UnreadCount(conv string) (int, error) {
	msgs, err := c.st.ListMessages(conv)
	if err != nil {
		return 0, err
	}
	return models.UnreadCount(msgs, c.user), nil
}

// MarkConversationRead runs on conversation open. When unread messages
// from other participants exist it issues one remote mark-read (with the
// last-seen bit), folds the receipt into the local records and clears the
// badge. When nothing is unread the network is skipped entirely, except
// for the throttled last-seen heartbeat.
func (c *Coordinator) MarkConversationRead(ctx context.Context, conv string) error {
	msgs, err := c.st.ListMessages(conv)
	if err != nil {
		return err
	}
	var unread []models.Message
	for i := range msgs {
		if msgs[i].Sender != c.user && !msgs[i].ReadByUser(c.user) {
			unread = append(unread, msgs[i])
		}
	}

	if len(unread) == 0 {
		// heartbeat only, on the longer throttle
		if c.lim.Allow(conv, "last_seen", c.lastSeenEvery) {
			if err := c.remote.MarkAsRead(ctx, conv, c.user, true); err != nil {
				c.log.Warn("last_seen_heartbeat_failed", zap.String("conv", conv), zap.Error(err))
			}
		}
		return nil
	}

	if err := c.remote.MarkAsRead(ctx, conv, c.user, true); err != nil {
		return err
	}
	metrics.ReadReceiptsTotal.Inc()
	for _, m := range unread {
		m.MarkRead(c.user)
		if err := c.st.UpsertMessage(m); err != nil {
			c.log.Error("mark_read_local_failed", zap.String("id", m.ID), zap.Error(err))
		}
	}
	c.badges.ClearMessagesBadge(conv)
	c.log.Info("conversation_marked_read", zap.String("conv", conv), zap.Int("count", len(unread)))
	return nil
}

// TypingStarted signals typing to the remote at most once per interval and
// (re)arms the auto-clear. Call on every user keystroke; the limiter
// collapses the stream.
func (c *Coordinator) TypingStarted(ctx context.Context, conv string) {
	c.armAutoClear(conv)
	if !c.lim.Allow(conv, "typing", c.typingInterval) {
		return
	}
	if err := c.remote.SetTyping(ctx, conv, c.user, true); err != nil {
		c.log.Warn("typing_signal_failed", zap.String("conv", conv), zap.Error(err))
	}
}

func (c *Coordinator) armAutoClear(conv string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.clearTimers[conv]; ok {
		t.Reset(c.typingClear)
		return
	}
	c.clearTimers[conv] = time.AfterFunc(c.typingClear, func() {
		c.clearTyping(conv)
	})
}

func (c *Coordinator) clearTyping(conv string) {
	c.mu.Lock()
	if t, ok := c.clearTimers[conv]; ok {
		t.Stop()
		delete(c.clearTimers, conv)
	}
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.remote.SetTyping(ctx, conv, c.user, false); err != nil {
		c.log.Warn("typing_clear_failed", zap.String("conv", conv), zap.Error(err))
	}
}

// LeaveConversation clears the typing signal unconditionally and resets
// the throttle keys for the conversation.
func (c *Coordinator) LeaveConversation(conv string) {
	c.clearTyping(conv)
	c.lim.Reset(conv, "typing")
	c.mu.Lock()
	delete(c.peerTyping, conv)
	c.mu.Unlock()
}

// HandleTyping records an inbound counterpart typing signal.
func (c *Coordinator) HandleTyping(sig remote.TypingSignal) {
	if sig.UserID == c.user {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := c.peerTyping[sig.Conv]
	if peers == nil {
		peers = make(map[string]time.Time)
		c.peerTyping[sig.Conv] = peers
	}
	if sig.Typing {
		peers[sig.UserID] = time.Now()
	} else {
		delete(peers, sig.UserID)
	}
}

// PeersTyping returns counterpart user ids currently typing, applying the
// auto-clear window to stale inbound signals.
func (c *Coordinator) PeersTyping(conv string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	cutoff := time.Now().Add(-c.typingClear)
	for id, at := range c.peerTyping[conv] {
		if at.After(cutoff) {
			out = append(out, id)
		} else {
			delete(c.peerTyping[conv], id)
		}
	}
	return out
}

// RefreshBadges asks the badge collaborator to recompute, throttled so
// bursts of changes collapse into one refresh.
func (c *Coordinator) RefreshBadges(reason string) {
	if !c.lim.Allow("all", "badge_refresh", BadgeRefreshInterval) {
		return
	}
	c.badges.RefreshAllBadges(reason)
}
