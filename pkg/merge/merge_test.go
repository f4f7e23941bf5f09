package merge

import (
	"path/filepath"
	"testing"
	"time"

	"chatsync/pkg/models"
	"chatsync/pkg/remote"
	"chatsync/pkg/store"
)

func newTestMerger(t *testing.T) (*Merger, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, "me", nil), st
}

func TestInsertThenDuplicateInsert(t *testing.T) {
	g, st := newTestMerger(t)
	m := models.Message{ID: "srv-1", Conv: "c1", Sender: "them", Text: "hi", CreatedAt: 100}
	if err := g.Apply(remote.Event{Kind: remote.EventInsert, Conv: "c1", Msg: m}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := g.Apply(remote.Event{Kind: remote.EventInsert, Conv: "c1", Msg: m}); err != nil {
		t.Fatalf("duplicate insert must be a no-op, got %v", err)
	}
	msgs, _ := st.ListMessages("c1")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(msgs))
	}
}

func TestUpdateOfMissingRecordConvergesAsInsert(t *testing.T) {
	g, st := newTestMerger(t)
	m := models.Message{ID: "srv-1", Conv: "c1", Sender: "them", Text: "edited", CreatedAt: 100, EditedAt: 150}
	if err := g.Apply(remote.Event{Kind: remote.EventUpdate, Conv: "c1", Msg: m}); err != nil {
		t.Fatalf("update-as-insert: %v", err)
	}
	got, err := st.GetMessage("srv-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Text != "edited" || got.EditedAt != 150 {
		t.Fatalf("wrong converged record: %+v", got)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	g, st := newTestMerger(t)
	m := models.Message{ID: "srv-1", Conv: "c1", CreatedAt: 100}
	if err := st.UpsertMessage(m); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ev := remote.Event{Kind: remote.EventDelete, Conv: "c1", Msg: m}
	if err := g.Apply(ev); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := g.Apply(ev); err != nil {
		t.Fatalf("repeat delete must be absorbed, got %v", err)
	}
}

func TestInsertConfirmsOptimisticByIdempotencyKey(t *testing.T) {
	g, st := newTestMerger(t)
	opt := models.Message{
		ID: "local-1", Conv: "c1", Sender: "me", Text: "hi",
		CreatedAt: 100, Status: models.StatusSending, IdempotencyKey: "k1",
	}
	if err := st.UpsertMessage(opt); err != nil {
		t.Fatalf("seed optimistic: %v", err)
	}
	conf := models.Message{
		ID: "srv-1", Conv: "c1", Sender: "me", Text: "hi",
		CreatedAt: 120, IdempotencyKey: "k1",
	}
	if err := g.Apply(remote.Event{Kind: remote.EventInsert, Conv: "c1", Msg: conf}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	msgs, _ := st.ListMessages("c1")
	if len(msgs) != 1 {
		t.Fatalf("optimistic twin must be replaced, got %d records", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].Status != models.StatusSent {
		t.Fatalf("wrong confirmed record: %+v", msgs[0])
	}
}

func TestInsertConfirmsOptimisticByContentWindow(t *testing.T) {
	g, st := newTestMerger(t)
	now := time.Now().UnixNano()
	opt := models.Message{ID: "local-1", Conv: "c1", Sender: "me", Text: "hi", CreatedAt: now, Status: models.StatusSending}
	if err := st.UpsertMessage(opt); err != nil {
		t.Fatalf("seed: %v", err)
	}
	conf := models.Message{ID: "srv-1", Conv: "c1", Sender: "me", Text: "hi", CreatedAt: now + int64(2*time.Second)}
	if err := g.Apply(remote.Event{Kind: remote.EventInsert, Conv: "c1", Msg: conf}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	msgs, _ := st.ListMessages("c1")
	if len(msgs) != 1 || msgs[0].ID != "srv-1" {
		t.Fatalf("content correlation failed: %+v", msgs)
	}
}

func TestInsertOutsideWindowDoesNotCorrelate(t *testing.T) {
	g, st := newTestMerger(t)
	now := time.Now().UnixNano()
	opt := models.Message{ID: "local-1", Conv: "c1", Sender: "me", Text: "hi", CreatedAt: now, Status: models.StatusSending}
	_ = st.UpsertMessage(opt)
	conf := models.Message{ID: "srv-1", Conv: "c1", Sender: "me", Text: "hi", CreatedAt: now + int64(10*time.Second)}
	if err := g.Apply(remote.Event{Kind: remote.EventInsert, Conv: "c1", Msg: conf}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	msgs, _ := st.ListMessages("c1")
	if len(msgs) != 2 {
		t.Fatalf("out-of-window insert must not replace the pending send: %+v", msgs)
	}
}

func TestSelfReadEchoSkipped(t *testing.T) {
	g, st := newTestMerger(t)
	m := models.Message{ID: "srv-1", Conv: "c1", Sender: "them", Text: "hi", CreatedAt: 100, Status: models.StatusSent}
	m.MarkRead("me")
	if err := st.UpsertMessage(m); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sub := st.Subscribe("c1", 8)
	defer sub.Close()

	echo := m.Clone()
	if err := g.Apply(remote.Event{Kind: remote.EventUpdate, Conv: "c1", Msg: echo}); err != nil {
		t.Fatalf("echo update: %v", err)
	}
	// second echo where the only read_by delta is the current user
	echo2 := models.Message{ID: "srv-1", Conv: "c1", Sender: "them", Text: "hi", CreatedAt: 100, Status: models.StatusSent, ReadBy: []string{"me"}}
	m2 := models.Message{ID: "srv-1", Conv: "c1", Sender: "them", Text: "hi", CreatedAt: 100, Status: models.StatusSent}
	if err := st.UpsertMessage(m2); err != nil {
		t.Fatalf("reset: %v", err)
	}
	drain(sub)
	if err := g.Apply(remote.Event{Kind: remote.EventUpdate, Conv: "c1", Msg: echo2}); err != nil {
		t.Fatalf("echo update: %v", err)
	}
	select {
	case ch := <-sub.C:
		t.Fatalf("self read echo must not re-publish: %+v", ch)
	default:
	}
}

func TestCounterpartReadReceiptApplies(t *testing.T) {
	g, st := newTestMerger(t)
	m := models.Message{ID: "srv-1", Conv: "c1", Sender: "me", Text: "hi", CreatedAt: 100, Status: models.StatusSent}
	if err := st.UpsertMessage(m); err != nil {
		t.Fatalf("seed: %v", err)
	}
	upd := m.Clone()
	upd.MarkRead("them")
	if err := g.Apply(remote.Event{Kind: remote.EventUpdate, Conv: "c1", Msg: upd}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := st.GetMessage("srv-1")
	if !got.ReadByUser("them") {
		t.Fatalf("counterpart receipt lost: %+v", got)
	}
}

func TestUpdateStripsLocalOnlyFields(t *testing.T) {
	g, st := newTestMerger(t)
	m := models.Message{ID: "srv-1", Conv: "c1", Sender: "them", Text: "hi", CreatedAt: 100, Status: models.StatusSent}
	_ = st.UpsertMessage(m)
	upd := m.Clone()
	upd.Text = "edited"
	upd.LocalAttachment = "/tmp/evil"
	upd.SyncError = "junk"
	if err := g.Apply(remote.Event{Kind: remote.EventUpdate, Conv: "c1", Msg: upd}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := st.GetMessage("srv-1")
	if got.LocalAttachment != "" || got.SyncError != "" {
		t.Fatalf("local-only fields must not ride transport updates: %+v", got)
	}
	if got.Text != "edited" {
		t.Fatalf("edit lost: %+v", got)
	}
}

func TestRunForwardsTyping(t *testing.T) {
	g, _ := newTestMerger(t)
	events := make(chan remote.Event, 1)
	got := make(chan remote.TypingSignal, 1)
	events <- remote.Event{Kind: remote.EventTyping, Conv: "c1", Typing: &remote.TypingSignal{Conv: "c1", UserID: "them", Typing: true}}
	close(events)
	g.Run(events, func(sig remote.TypingSignal) { got <- sig })
	sig := <-got
	if sig.UserID != "them" || !sig.Typing {
		t.Fatalf("wrong typing signal: %+v", sig)
	}
}

func drain(sub *store.Subscription) {
	for {
		select {
		case <-sub.C:
		default:
			return
		}
	}
}
