package models

import "testing"

func msg(id string, ts int64) Message {
	return Message{ID: id, Conv: "c1", Sender: "u1", Text: "t", CreatedAt: ts}
}

func TestLessOrdersByTimestampThenID(t *testing.T) {
	a := msg("b", 100)
	b := msg("a", 200)
	if !Less(a, b) {
		t.Fatalf("expected earlier timestamp to sort first")
	}
	c := msg("a", 100)
	if !Less(c, a) {
		t.Fatalf("expected id tiebreak to sort 'a' before 'b'")
	}
	if Less(a, a) {
		t.Fatalf("Less must be irreflexive")
	}
}

func TestInsertSortedKeepsOrder(t *testing.T) {
	msgs := []Message{msg("a", 100), msg("b", 300)}
	msgs = InsertSorted(msgs, msg("c", 200))
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "a" || msgs[1].ID != "c" || msgs[2].ID != "b" {
		t.Fatalf("wrong order: %s %s %s", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}

	// front and back
	msgs = InsertSorted(msgs, msg("z", 50))
	msgs = InsertSorted(msgs, msg("y", 400))
	if msgs[0].ID != "z" || msgs[4].ID != "y" {
		t.Fatalf("expected z first and y last, got %s / %s", msgs[0].ID, msgs[4].ID)
	}
}

func TestReactionAtMostOnePerUser(t *testing.T) {
	m := msg("a", 100)
	m.SetReaction("u2", "👍")
	m.SetReaction("u2", "❤️")
	if sym, ok := m.ReactionOf("u2"); !ok || sym != "❤️" {
		t.Fatalf("expected single reaction ❤️, got %q ok=%v", sym, ok)
	}
	if users := m.Reactions["👍"]; len(users) != 0 {
		t.Fatalf("old reaction not removed: %v", users)
	}
	m.ClearReaction("u2")
	if _, ok := m.ReactionOf("u2"); ok {
		t.Fatalf("reaction should be cleared")
	}
	if len(m.Reactions) != 0 {
		t.Fatalf("empty symbol buckets must be deleted: %v", m.Reactions)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	m := msg("a", 100)
	m.MarkRead("u2")
	m.MarkRead("u2")
	if len(m.ReadBy) != 1 {
		t.Fatalf("expected one reader, got %v", m.ReadBy)
	}
	if !m.ReadByUser("u2") || m.ReadByUser("u3") {
		t.Fatalf("ReadByUser membership wrong")
	}
}

func TestUnreadCountDerivation(t *testing.T) {
	// ten messages, six from the counterpart, four already read
	var msgs []Message
	for i := 0; i < 4; i++ {
		msgs = append(msgs, Message{ID: string(rune('a' + i)), Conv: "c1", Sender: "me", CreatedAt: int64(i)})
	}
	for i := 0; i < 6; i++ {
		m := Message{ID: string(rune('k' + i)), Conv: "c1", Sender: "them", CreatedAt: int64(10 + i)}
		if i < 4 {
			m.MarkRead("me")
		}
		msgs = append(msgs, m)
	}
	if n := UnreadCount(msgs, "me"); n != 2 {
		t.Fatalf("expected unread 2, got %d", n)
	}
}

func TestCloneIsDeep(t *testing.T) {
	m := msg("a", 100)
	m.ReadBy = []string{"u2"}
	m.Location = &Location{Lat: 1, Lng: 2}
	m.Reply = &ReplySnapshot{MessageID: "p"}
	m.SetReaction("u2", "👍")

	c := m.Clone()
	c.ReadBy[0] = "x"
	c.Location.Lat = 9
	c.Reply.MessageID = "q"
	c.SetReaction("u3", "👍")

	if m.ReadBy[0] != "u2" || m.Location.Lat != 1 || m.Reply.MessageID != "p" {
		t.Fatalf("clone mutated original: %+v", m)
	}
	if len(m.Reactions["👍"]) != 1 {
		t.Fatalf("clone shares reaction slice: %v", m.Reactions)
	}
}

func TestContentSignature(t *testing.T) {
	a := Message{Sender: "u1", Text: " hi "}
	b := Message{Sender: "u1", Text: "hi"}
	if a.ContentSignature() != b.ContentSignature() {
		t.Fatalf("whitespace should not change the signature")
	}
	c := Message{Sender: "u2", Text: "hi"}
	if a.ContentSignature() == c.ContentSignature() {
		t.Fatalf("sender must be part of the signature")
	}
	d := Message{Sender: "u1", Text: "hi", Location: &Location{Lat: 1.5, Lng: 2.5}}
	if a.ContentSignature() == d.ContentSignature() {
		t.Fatalf("location must be part of the signature")
	}
}

func TestUnsentAndConfirmed(t *testing.T) {
	m := msg("local-123", 100)
	if m.Confirmed() {
		t.Fatalf("local id must not be confirmed")
	}
	m.ID = "srv-1"
	if !m.Confirmed() {
		t.Fatalf("remote id must be confirmed")
	}
	if m.Unsent() {
		t.Fatalf("zero DeletedAt must not read as unsent")
	}
	m.DeletedAt = 5
	if !m.Unsent() {
		t.Fatalf("DeletedAt set must read as unsent")
	}
}
