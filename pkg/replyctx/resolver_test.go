package replyctx

import (
	"path/filepath"
	"testing"
	"time"

	"chatsync/pkg/models"
	"chatsync/pkg/remote/remotetest"
	"chatsync/pkg/store"
	"chatsync/pkg/throttle"
)

func newTestResolver(t *testing.T) (*Resolver, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	profiles := remotetest.NewFakeProfiles(models.Profile{ID: "them", Name: "Dana"})
	return New(st, profiles, throttle.New(), nil, WithInterval(time.Nanosecond)), st
}

func TestResolveFromLoadedMessages(t *testing.T) {
	r, _ := newTestResolver(t)
	msgs := []models.Message{
		{ID: "p1", Conv: "c1", Sender: "them", Text: "parent", CreatedAt: 100},
		{ID: "r1", Conv: "c1", Sender: "me", Text: "child", CreatedAt: 200, ReplyTo: "p1"},
	}
	out, resolved := r.Resolve(msgs)
	if !resolved {
		t.Fatalf("expected resolution")
	}
	snap := out[1].Reply
	if snap == nil || snap.MessageID != "p1" || snap.Text != "parent" {
		t.Fatalf("wrong snapshot: %+v", snap)
	}
	if snap.SenderName != "Dana" {
		t.Fatalf("profile name not used: %q", snap.SenderName)
	}
	if msgs[1].Reply != nil {
		t.Fatalf("input slice must not be mutated")
	}
}

func TestResolveFallsBackToStore(t *testing.T) {
	r, st := newTestResolver(t)
	_ = st.UpsertMessage(models.Message{ID: "p1", Conv: "c1", Sender: "stranger", Text: "old parent", CreatedAt: 50})
	msgs := []models.Message{
		{ID: "r1", Conv: "c1", Sender: "me", Text: "child", CreatedAt: 200, ReplyTo: "p1"},
	}
	out, resolved := r.Resolve(msgs)
	if !resolved || out[0].Reply == nil {
		t.Fatalf("store-backed parent not resolved")
	}
	// no profile cached: fall back to the sender id
	if out[0].Reply.SenderName != "stranger" {
		t.Fatalf("expected sender id fallback, got %q", out[0].Reply.SenderName)
	}
}

func TestResolveMissingParentLeftPending(t *testing.T) {
	r, _ := newTestResolver(t)
	msgs := []models.Message{
		{ID: "r1", Conv: "c1", Sender: "me", Text: "child", CreatedAt: 200, ReplyTo: "gone"},
	}
	out, resolved := r.Resolve(msgs)
	if resolved || out[0].Reply != nil {
		t.Fatalf("missing parent must stay unresolved")
	}
}

func TestResolveUnsentParentHasEmptyText(t *testing.T) {
	r, _ := newTestResolver(t)
	msgs := []models.Message{
		{ID: "p1", Conv: "c1", Sender: "them", Text: "", DeletedAt: 90, CreatedAt: 100},
		{ID: "r1", Conv: "c1", Sender: "me", Text: "child", CreatedAt: 200, ReplyTo: "p1"},
	}
	out, _ := r.Resolve(msgs)
	if out[1].Reply == nil || out[1].Reply.Text != "" {
		t.Fatalf("unsent parent must yield empty snapshot text: %+v", out[1].Reply)
	}
}

func TestResolveIdempotent(t *testing.T) {
	r, _ := newTestResolver(t)
	msgs := []models.Message{
		{ID: "p1", Conv: "c1", Sender: "them", Text: "parent", CreatedAt: 100},
		{ID: "r1", Conv: "c1", Sender: "me", Text: "child", CreatedAt: 200, ReplyTo: "p1"},
	}
	once, _ := r.Resolve(msgs)
	twice, resolved := r.Resolve(once)
	if resolved {
		t.Fatalf("second run must report nothing to do")
	}
	if twice[1].Reply.MessageID != "p1" {
		t.Fatalf("snapshot lost on second run")
	}
}

func TestHydratePersists(t *testing.T) {
	r, st := newTestResolver(t)
	_ = st.UpsertMessage(models.Message{ID: "p1", Conv: "c1", Sender: "them", Text: "parent", CreatedAt: 100})
	_ = st.UpsertMessage(models.Message{ID: "r1", Conv: "c1", Sender: "me", Text: "child", CreatedAt: 200, ReplyTo: "p1"})

	n, err := r.Hydrate("c1")
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 update, got %d", n)
	}
	got, _ := st.GetMessage("r1")
	if got.Reply == nil || got.Reply.SenderName != "Dana" {
		t.Fatalf("snapshot not persisted: %+v", got.Reply)
	}

	time.Sleep(2 * time.Millisecond)
	n, err = r.Hydrate("c1")
	if err != nil || n != 0 {
		t.Fatalf("second hydrate must be a no-op: n=%d err=%v", n, err)
	}
}
