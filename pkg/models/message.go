package models

import (
	"fmt"
	"sort"
	"strings"
)

// SendStatus tags a message's position in the send lifecycle.
type SendStatus string

const (
	StatusSending   SendStatus = "sending"
	StatusSent      SendStatus = "sent"
	StatusFailed    SendStatus = "failed"
	StatusDelivered SendStatus = "delivered"
	StatusRead      SendStatus = "read"
)

// Location is an optional location payload attached to a message.
type Location struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Label string  `json:"label,omitempty"`
}

// ReplySnapshot is a denormalized view of a replied-to message. It is
// derived state: recomputable from the parent message plus the profile
// cache, never authoritative.
type ReplySnapshot struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"text,omitempty"`
}

type Message struct {
	ID     string `json:"id"`
	Conv   string `json:"conv"`
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text,omitempty"`

	ImageURL string    `json:"image_url,omitempty"`
	AudioURL string    `json:"audio_url,omitempty"`
	Location *Location `json:"location,omitempty"`

	// CreatedAt orders the message for display. EditedAt and DeletedAt are
	// nullable: zero means never edited / never unsent. All unix nanos.
	CreatedAt int64 `json:"created_at"`
	EditedAt  int64 `json:"edited_at,omitempty"`
	DeletedAt int64 `json:"deleted_at,omitempty"`

	// ReadBy is a set of user ids; order carries no meaning.
	ReadBy []string `json:"read_by,omitempty"`

	ReplyTo string         `json:"reply_to,omitempty"`
	Reply   *ReplySnapshot `json:"reply,omitempty"`

	Status SendStatus `json:"status,omitempty"`

	// Reactions maps a reaction symbol to the set of user ids that applied
	// it. A user holds at most one reaction per message.
	Reactions map[string][]string `json:"reactions,omitempty"`

	// IdempotencyKey is generated at send time and echoed back by remotes
	// that support it; the merge layer prefers it over content correlation.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Local-only bookkeeping for pending sends; cleared once confirmed.
	LocalAttachment string `json:"local_attachment,omitempty"`
	AttachKind      string `json:"attach_kind,omitempty"`
	SyncError       string `json:"sync_error,omitempty"`
}

// Unsent reports whether the message was soft-deleted.
func (m *Message) Unsent() bool { return m.DeletedAt != 0 }

// Confirmed reports whether the message carries a remote-assigned identity.
// Optimistic records are replaced, never mutated, once confirmed.
func (m *Message) Confirmed() bool { return !strings.HasPrefix(m.ID, "local-") }

// ReadByUser reports set membership in ReadBy.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MarkRead adds userID to the reader set. Adding an existing reader is a
// no-op so repeated receipts merge idempotently.
func (m *Message) MarkRead(userID string) {
	if m.ReadByUser(userID) {
		return
	}
	m.ReadBy = append(m.ReadBy, userID)
}

// SetReaction records userID's reaction, removing any reaction that user
// previously held on this message.
func (m *Message) SetReaction(userID, symbol string) {
	m.ClearReaction(userID)
	if m.Reactions == nil {
		m.Reactions = map[string][]string{}
	}
	m.Reactions[symbol] = append(m.Reactions[symbol], userID)
}

// ClearReaction removes any reaction held by userID.
func (m *Message) ClearReaction(userID string) {
	for sym, users := range m.Reactions {
		for i, u := range users {
			if u == userID {
				users = append(users[:i], users[i+1:]...)
				if len(users) == 0 {
					delete(m.Reactions, sym)
				} else {
					m.Reactions[sym] = users
				}
				return
			}
		}
	}
}

// ReactionOf returns the symbol userID currently holds, if any.
func (m *Message) ReactionOf(userID string) (string, bool) {
	for sym, users := range m.Reactions {
		for _, u := range users {
			if u == userID {
				return sym, true
			}
		}
	}
	return "", false
}

// Clone returns a deep copy so snapshots taken for rollback are isolated
// from later mutations.
func (m Message) Clone() Message {
	c := m
	if m.ReadBy != nil {
		c.ReadBy = append([]string(nil), m.ReadBy...)
	}
	if m.Location != nil {
		loc := *m.Location
		c.Location = &loc
	}
	if m.Reply != nil {
		r := *m.Reply
		c.Reply = &r
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for sym, users := range m.Reactions {
			c.Reactions[sym] = append([]string(nil), users...)
		}
	}
	return c
}

// ContentSignature summarizes sender plus payload for optimistic/confirmed
// correlation. Best-effort: two identical texts from the same sender inside
// the tolerance window are indistinguishable.
func (m *Message) ContentSignature() string {
	var b strings.Builder
	b.WriteString(m.Sender)
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(m.Text))
	b.WriteByte('|')
	b.WriteString(m.ImageURL)
	b.WriteByte('|')
	b.WriteString(m.AudioURL)
	if m.Location != nil {
		fmt.Fprintf(&b, "|%.6f,%.6f", m.Location.Lat, m.Location.Lng)
	}
	return b.String()
}

// Less orders messages by creation time ascending, ties broken by id so the
// order is total and stable across merges from any source.
func Less(a, b Message) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// SortMessages sorts in display order.
func SortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool { return Less(msgs[i], msgs[j]) })
}

// InsertSorted inserts m into an already-ordered slice at the position that
// keeps creation-timestamp order, via binary search.
func InsertSorted(msgs []Message, m Message) []Message {
	i := sort.Search(len(msgs), func(i int) bool { return !Less(msgs[i], m) })
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}

// UnreadCount counts messages from other senders that userID has not read.
// Unread state is always derived, never stored.
func UnreadCount(msgs []Message, userID string) int {
	n := 0
	for i := range msgs {
		if msgs[i].Sender != userID && !msgs[i].ReadByUser(userID) {
			n++
		}
	}
	return n
}
