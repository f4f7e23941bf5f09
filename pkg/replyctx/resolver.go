// Package replyctx hydrates denormalized reply snapshots: messages that
// reference a parent by id get the parent's sender name and text inlined,
// so threaded replies render without live references (flatten, cache,
// re-derive on demand).
package replyctx

import (
	"time"

	"go.uber.org/zap"

	"chatsync/pkg/models"
	"chatsync/pkg/remote"
	"chatsync/pkg/store"
	"chatsync/pkg/throttle"
)

// HydrateInterval is the minimum interval between store-level hydration
// runs for one conversation.
const HydrateInterval = 2 * time.Second

// Resolver computes reply snapshots. Resolve is a pure function of
// (messages, profile lookups); Hydrate persists its output.
type Resolver struct {
	st       *store.Store
	profiles remote.ProfileCache
	lim      *throttle.Limiter
	log      *zap.Logger
	interval time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithInterval overrides the hydration throttle interval.
func WithInterval(d time.Duration) Option {
	return func(r *Resolver) { r.interval = d }
}

// New builds a Resolver.
func New(st *store.Store, profiles remote.ProfileCache, lim *throttle.Limiter, log *zap.Logger, opts ...Option) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Resolver{st: st, profiles: profiles, lim: lim, log: log, interval: HydrateInterval}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns msgs with reply snapshots attached for every message
// that references a parent but has none. Parents are looked up in msgs
// first, then in the local store. The input is not mutated; re-running on
// the output is a no-op (second return is false when nothing needed
// resolving).
func (r *Resolver) Resolve(msgs []models.Message) ([]models.Message, bool) {
	var pending []int
	for i := range msgs {
		if msgs[i].ReplyTo != "" && msgs[i].Reply == nil {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return msgs, false
	}

	byID := make(map[string]*models.Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}

	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	resolved := false
	for _, i := range pending {
		parent, ok := r.lookupParent(msgs[i].ReplyTo, byID)
		if !ok {
			// parent not loaded anywhere local; leave unresolved, a later
			// run re-derives once it appears
			continue
		}
		out[i] = msgs[i].Clone()
		out[i].Reply = r.snapshot(parent)
		resolved = true
	}
	return out, resolved
}

func (r *Resolver) lookupParent(id string, byID map[string]*models.Message) (models.Message, bool) {
	if p, ok := byID[id]; ok {
		return *p, true
	}
	p, err := r.st.GetMessage(id)
	if err != nil {
		return models.Message{}, false
	}
	return p, true
}

func (r *Resolver) snapshot(parent models.Message) *models.ReplySnapshot {
	name := parent.Sender
	if prof, ok := r.profiles.GetCachedProfile(parent.Sender); ok && prof.Name != "" {
		name = prof.Name
	}
	text := parent.Text
	if parent.Unsent() {
		text = ""
	}
	return &models.ReplySnapshot{
		MessageID:  parent.ID,
		SenderID:   parent.Sender,
		SenderName: name,
		Text:       text,
	}
}

// Hydrate resolves and persists snapshots for a conversation. Throttled
// per conversation so minor state changes do not trigger repeated runs;
// returns the number of records updated (0 when throttled or when nothing
// was unresolved).
func (r *Resolver) Hydrate(conv string) (int, error) {
	if !r.lim.Allow(conv, "replyctx", r.interval) {
		return 0, nil
	}
	msgs, err := r.st.ListMessages(conv)
	if err != nil {
		return 0, err
	}
	out, resolved := r.Resolve(msgs)
	if !resolved {
		return 0, nil
	}
	n := 0
	for i := range out {
		if out[i].Reply != nil && msgs[i].Reply == nil {
			if err := r.st.UpsertMessage(out[i]); err != nil {
				r.log.Error("hydrate_upsert_failed", zap.String("id", out[i].ID), zap.Error(err))
				continue
			}
			n++
		}
	}
	r.log.Debug("reply_context_hydrated", zap.String("conv", conv), zap.Int("updated", n))
	return n, nil
}
