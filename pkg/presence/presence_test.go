package presence

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"chatsync/pkg/models"
	"chatsync/pkg/remote"
	"chatsync/pkg/remote/remotetest"
	"chatsync/pkg/store"
	"chatsync/pkg/throttle"
)

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *store.Store, *remotetest.FakeStore, *remotetest.FakeBadges) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	rs := remotetest.NewFakeStore()
	badges := &remotetest.FakeBadges{}
	c := New(st, rs, badges, throttle.New(), "me", nil, opts...)
	return c, st, rs, badges
}

func seedConversation(t *testing.T, st *store.Store) {
	t.Helper()
	// ten messages: four mine, six from the counterpart of which four are
	// already read
	for i := 0; i < 4; i++ {
		m := models.Message{ID: fmt.Sprintf("mine-%d", i), Conv: "c1", Sender: "me", CreatedAt: int64(i + 1)}
		if err := st.UpsertMessage(m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	for i := 0; i < 6; i++ {
		m := models.Message{ID: fmt.Sprintf("them-%d", i), Conv: "c1", Sender: "them", CreatedAt: int64(10 + i)}
		if i < 4 {
			m.MarkRead("me")
		}
		if err := st.UpsertMessage(m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestUnreadCount(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	seedConversation(t, st)
	n, err := c.UnreadCount("c1")
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 unread, got %d", n)
	}
}

func TestMarkConversationRead(t *testing.T) {
	c, st, rs, badges := newTestCoordinator(t)
	seedConversation(t, st)

	if err := c.MarkConversationRead(context.Background(), "c1"); err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	if len(rs.ReadCalls) != 1 {
		t.Fatalf("expected one remote mark-read, got %d", len(rs.ReadCalls))
	}
	if !rs.ReadCalls[0].UpdateLastSeen {
		t.Fatalf("mark-read must carry the last-seen bit")
	}
	n, _ := c.UnreadCount("c1")
	if n != 0 {
		t.Fatalf("local receipts not folded in, unread=%d", n)
	}
	if len(badges.Cleared) != 1 || badges.Cleared[0] != "c1" {
		t.Fatalf("badge not cleared: %+v", badges.Cleared)
	}
}

func TestMarkConversationReadSkipsNetworkWhenNothingUnread(t *testing.T) {
	c, st, rs, _ := newTestCoordinator(t)
	// only own messages
	_ = st.UpsertMessage(models.Message{ID: "m1", Conv: "c1", Sender: "me", CreatedAt: 1})

	if err := c.MarkConversationRead(context.Background(), "c1"); err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	// one throttled heartbeat is allowed
	if len(rs.ReadCalls) > 1 {
		t.Fatalf("expected at most the heartbeat, got %d calls", len(rs.ReadCalls))
	}
	// immediately again: heartbeat throttled, so no new network call
	before := len(rs.ReadCalls)
	if err := c.MarkConversationRead(context.Background(), "c1"); err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	if len(rs.ReadCalls) != before {
		t.Fatalf("repeat open with nothing unread must skip the network")
	}
}

func TestTypingThrottled(t *testing.T) {
	c, _, rs, _ := newTestCoordinator(t, WithIntervals(time.Hour, time.Hour, time.Hour))
	for i := 0; i < 5; i++ {
		c.TypingStarted(context.Background(), "c1")
	}
	sent := 0
	for _, call := range rs.TypingCalls {
		if call.Typing {
			sent++
		}
	}
	if sent != 1 {
		t.Fatalf("keystroke burst must collapse to one signal, got %d", sent)
	}
}

func TestTypingAutoClear(t *testing.T) {
	c, _, rs, _ := newTestCoordinator(t, WithIntervals(time.Hour, 20*time.Millisecond, time.Hour))
	c.TypingStarted(context.Background(), "c1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cleared := false
		for _, call := range rs.TypingCalls {
			if !call.Typing {
				cleared = true
			}
		}
		if cleared {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("typing not auto-cleared: %+v", rs.TypingCalls)
}

func TestLeaveConversationClearsTyping(t *testing.T) {
	c, _, rs, _ := newTestCoordinator(t, WithIntervals(time.Hour, time.Hour, time.Hour))
	c.TypingStarted(context.Background(), "c1")
	c.LeaveConversation("c1")

	cleared := false
	for _, call := range rs.TypingCalls {
		if !call.Typing {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("leave must clear typing unconditionally: %+v", rs.TypingCalls)
	}
	// throttle was reset: the next keystroke signals again
	c.TypingStarted(context.Background(), "c1")
	sent := 0
	for _, call := range rs.TypingCalls {
		if call.Typing {
			sent++
		}
	}
	if sent != 2 {
		t.Fatalf("throttle not reset on leave, sent=%d", sent)
	}
}

func TestInboundTypingTracking(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	c.HandleTyping(remote.TypingSignal{Conv: "c1", UserID: "them", Typing: true})
	c.HandleTyping(remote.TypingSignal{Conv: "c1", UserID: "me", Typing: true})

	peers := c.PeersTyping("c1")
	if len(peers) != 1 || peers[0] != "them" {
		t.Fatalf("own signals must be ignored: %+v", peers)
	}
	c.HandleTyping(remote.TypingSignal{Conv: "c1", UserID: "them", Typing: false})
	if len(c.PeersTyping("c1")) != 0 {
		t.Fatalf("stop signal not applied")
	}
}

func TestRefreshBadgesThrottled(t *testing.T) {
	c, _, _, badges := newTestCoordinator(t)
	for i := 0; i < 5; i++ {
		c.RefreshBadges("burst")
	}
	if len(badges.Refreshs) != 1 {
		t.Fatalf("burst must collapse to one refresh, got %d", len(badges.Refreshs))
	}
}
