package store

import (
	"sync"
	"sync/atomic"

	"chatsync/pkg/metrics"
	"chatsync/pkg/models"
)

// ChangeKind classifies a change-feed notification.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is one change-feed notification. The Msg carried by a delete is
// the last stored value of the removed record.
type Change struct {
	Kind ChangeKind
	Conv string
	Msg  models.Message
}

// Subscription is one observer of a conversation's change feed. Receive on
// C; Close when done. Notifications to a full subscriber are dropped, not
// blocked on, so a slow reader can never stall store writes.
type Subscription struct {
	C    chan Change
	conv string
	f    *feed
}

// Close detaches the subscription and closes its channel.
func (sub *Subscription) Close() {
	sub.f.remove(sub)
}

type feed struct {
	mu      sync.Mutex
	subs    map[string][]*Subscription
	closed  bool
	dropped uint64
}

// Subscribe registers an observer for one conversation's changes. buf is
// the channel buffer; <= 0 uses a sane default.
func (s *Store) Subscribe(conv string, buf int) *Subscription {
	if buf <= 0 {
		buf = 64
	}
	sub := &Subscription{C: make(chan Change, buf), conv: conv, f: &s.feed}
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	if s.feed.subs == nil {
		s.feed.subs = make(map[string][]*Subscription)
	}
	s.feed.subs[conv] = append(s.feed.subs[conv], sub)
	return sub
}

// DroppedChanges reports how many notifications were dropped on full
// subscriber channels.
func (s *Store) DroppedChanges() uint64 {
	return atomic.LoadUint64(&s.feed.dropped)
}

func (f *feed) publish(ch Change) {
	f.mu.Lock()
	subs := append([]*Subscription(nil), f.subs[ch.Conv]...)
	f.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.C <- ch:
		default:
			atomic.AddUint64(&f.dropped, 1)
			metrics.FeedDroppedTotal.Inc()
		}
	}
}

func (f *feed) remove(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.subs[sub.conv]
	for i, s := range list {
		if s == sub {
			f.subs[sub.conv] = append(list[:i], list[i+1:]...)
			close(sub.C)
			return
		}
	}
}

func (f *feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for conv, list := range f.subs {
		for _, sub := range list {
			close(sub.C)
		}
		delete(f.subs, conv)
	}
}
