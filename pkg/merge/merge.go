// Package merge applies live transport events to the local store
// idempotently. Inserts, updates and deletes each depend only on the final
// desired state plus identifier, so duplicate or out-of-order delivery is
// absorbed rather than surfaced.
package merge

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"chatsync/pkg/ids"
	"chatsync/pkg/metrics"
	"chatsync/pkg/models"
	"chatsync/pkg/remote"
	"chatsync/pkg/store"
)

// DefaultWindow is the tolerance used when correlating an optimistic
// record with its confirmed twin by content.
const DefaultWindow = 5 * time.Second

// Merger reconciles insert/update/delete events into the local store.
type Merger struct {
	st     *store.Store
	user   string
	window time.Duration
	log    *zap.Logger
}

// Option configures a Merger.
type Option func(*Merger)

// WithWindow overrides the content-correlation tolerance window.
func WithWindow(d time.Duration) Option {
	return func(m *Merger) { m.window = d }
}

// New builds a Merger for the given current user.
func New(st *store.Store, currentUser string, log *zap.Logger, opts ...Option) *Merger {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Merger{st: st, user: currentUser, window: DefaultWindow, log: log}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run consumes events until the channel closes or ctx-style stop via
// channel close. Typing events are forwarded to onTyping when non-nil.
func (g *Merger) Run(events <-chan remote.Event, onTyping func(remote.TypingSignal)) {
	for ev := range events {
		if ev.Kind == remote.EventTyping {
			if onTyping != nil && ev.Typing != nil {
				onTyping(*ev.Typing)
			}
			continue
		}
		if err := g.Apply(ev); err != nil {
			g.log.Error("merge_apply_failed", zap.String("kind", string(ev.Kind)), zap.String("id", ev.Msg.ID), zap.Error(err))
		}
	}
}

// Apply merges a single event. It never returns an error for duplicate or
// already-applied events.
func (g *Merger) Apply(ev remote.Event) error {
	metrics.MergeEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case remote.EventInsert:
		return g.applyInsert(ev.Msg)
	case remote.EventUpdate:
		return g.applyUpdate(ev.Msg)
	case remote.EventDelete:
		return g.applyDelete(ev.Msg)
	}
	g.log.Warn("merge_unknown_event", zap.String("kind", string(ev.Kind)))
	return nil
}

func (g *Merger) applyInsert(m models.Message) error {
	exists, err := g.st.HasMessage(m.ID)
	if err != nil {
		return err
	}
	if exists {
		// duplicate delivery
		metrics.MergeDuplicatesTotal.Inc()
		g.log.Debug("merge_duplicate_insert", zap.String("id", m.ID))
		return nil
	}
	// A confirmed record may be the twin of an optimistic send still in
	// flight. Match by idempotency key when the remote echoes it, else by
	// content signature within the tolerance window. Best-effort: rapid
	// duplicate sends of identical text can mismatch.
	if optID, ok := g.correlate(m); ok {
		if m.Status == "" {
			m.Status = models.StatusSent
		}
		g.log.Info("merge_confirmed_optimistic", zap.String("optimistic", optID), zap.String("confirmed", m.ID))
		return g.st.ReplaceMessage(optID, m)
	}
	return g.st.UpsertMessage(m)
}

func (g *Merger) applyUpdate(m models.Message) error {
	cur, err := g.st.GetMessage(m.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// update for a record we never had; treat as insert so the
			// final state converges regardless of arrival order
			return g.applyInsert(m)
		}
		return err
	}
	if isSelfReadEcho(cur, m, g.user) {
		metrics.MergeDuplicatesTotal.Inc()
		g.log.Debug("merge_self_read_echo_skipped", zap.String("id", m.ID))
		return nil
	}
	// keep local-only annotations off confirmed updates
	m.LocalAttachment = ""
	m.AttachKind = ""
	m.SyncError = ""
	if m.Status == "" {
		m.Status = cur.Status
	}
	return g.st.UpsertMessage(m)
}

func (g *Merger) applyDelete(m models.Message) error {
	err := g.st.DeleteMessage(m.ID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.MergeDuplicatesTotal.Inc()
		return nil
	}
	return err
}

// correlate scans the conversation's pending optimistic records for the
// twin of a confirmed incoming message.
func (g *Merger) correlate(incoming models.Message) (string, bool) {
	if ids.IsLocal(incoming.ID) {
		return "", false
	}
	msgs, err := g.st.ListMessages(incoming.Conv)
	if err != nil {
		return "", false
	}
	sig := incoming.ContentSignature()
	for i := range msgs {
		cand := &msgs[i]
		if !ids.IsLocal(cand.ID) {
			continue
		}
		if incoming.IdempotencyKey != "" && cand.IdempotencyKey == incoming.IdempotencyKey {
			return cand.ID, true
		}
		if cand.Sender != incoming.Sender {
			continue
		}
		if cand.ContentSignature() != sig {
			continue
		}
		dt := incoming.CreatedAt - cand.CreatedAt
		if dt < 0 {
			dt = -dt
		}
		if time.Duration(dt) <= g.window {
			return cand.ID, true
		}
	}
	return "", false
}

// isSelfReadEcho reports whether incoming differs from cur only in read_by,
// and the only addition to the reader set is the current user. Such events
// are the user's own receipts echoing back and would only cause redundant
// re-renders.
func isSelfReadEcho(cur, incoming models.Message, user string) bool {
	added := diffReaders(cur.ReadBy, incoming.ReadBy)
	if len(added) != 1 || added[0] != user {
		return false
	}
	// neutralize read_by and compare the rest
	a := cur.Clone()
	b := incoming.Clone()
	a.ReadBy = nil
	b.ReadBy = nil
	// local-only fields never ride transport events
	a.LocalAttachment, a.AttachKind, a.SyncError = "", "", ""
	b.LocalAttachment, b.AttachKind, b.SyncError = "", "", ""
	if b.Status == "" {
		b.Status = a.Status
	}
	return messagesEqual(a, b)
}

func diffReaders(old, next []string) []string {
	seen := make(map[string]struct{}, len(old))
	for _, id := range old {
		seen[id] = struct{}{}
	}
	var added []string
	for _, id := range next {
		if _, ok := seen[id]; !ok {
			added = append(added, id)
		}
	}
	return added
}

func messagesEqual(a, b models.Message) bool {
	if a.ID != b.ID || a.Conv != b.Conv || a.Sender != b.Sender || a.Text != b.Text {
		return false
	}
	if a.ImageURL != b.ImageURL || a.AudioURL != b.AudioURL {
		return false
	}
	if (a.Location == nil) != (b.Location == nil) {
		return false
	}
	if a.Location != nil && *a.Location != *b.Location {
		return false
	}
	if a.CreatedAt != b.CreatedAt || a.EditedAt != b.EditedAt || a.DeletedAt != b.DeletedAt {
		return false
	}
	if a.ReplyTo != b.ReplyTo || a.Status != b.Status {
		return false
	}
	if len(a.Reactions) != len(b.Reactions) {
		return false
	}
	for sym, users := range a.Reactions {
		other, ok := b.Reactions[sym]
		if !ok || len(users) != len(other) {
			return false
		}
		set := make(map[string]struct{}, len(users))
		for _, u := range users {
			set[u] = struct{}{}
		}
		for _, u := range other {
			if _, ok := set[u]; !ok {
				return false
			}
		}
	}
	return true
}
