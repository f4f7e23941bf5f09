package wstransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"chatsync/pkg/eventq"
	"chatsync/pkg/models"
	"chatsync/pkg/remote"
)

func TestDecodeMessageEvents(t *testing.T) {
	payload, _ := json.Marshal(models.Message{ID: "m1", Conv: "c1", Text: "hi", CreatedAt: 100})
	ev, ok := decode("c1", &eventq.Op{Kind: "insert", Conv: "c1", Payload: payload})
	if !ok {
		t.Fatalf("decode failed")
	}
	if ev.Kind != remote.EventInsert || ev.Msg.ID != "m1" {
		t.Fatalf("wrong event: %+v", ev)
	}
}

func TestDecodeFillsConversationFromSubscription(t *testing.T) {
	payload, _ := json.Marshal(models.Message{ID: "m1", Text: "hi"})
	ev, ok := decode("c9", &eventq.Op{Kind: "update", Payload: payload})
	if !ok {
		t.Fatalf("decode failed")
	}
	if ev.Conv != "c9" || ev.Msg.Conv != "c9" {
		t.Fatalf("conversation not defaulted: %+v", ev)
	}
}

func TestDecodeTyping(t *testing.T) {
	payload, _ := json.Marshal(remote.TypingSignal{UserID: "them", Typing: true})
	ev, ok := decode("c1", &eventq.Op{Kind: "typing", Payload: payload})
	if !ok || ev.Typing == nil {
		t.Fatalf("typing decode failed: %+v", ev)
	}
	if ev.Typing.Conv != "c1" || !ev.Typing.Typing {
		t.Fatalf("wrong signal: %+v", ev.Typing)
	}
}

func TestDecodeRejectsUnknownKindAndBadJSON(t *testing.T) {
	if _, ok := decode("c1", &eventq.Op{Kind: "presence", Payload: []byte("{}")}); ok {
		t.Fatalf("unknown kind must be dropped")
	}
	if _, ok := decode("c1", &eventq.Op{Kind: "insert", Payload: []byte("{nope")}); ok {
		t.Fatalf("malformed payload must be dropped")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	if d := backoff(0); d < reconnectBaseDelay || d > 2*reconnectBaseDelay {
		t.Fatalf("first delay out of range: %v", d)
	}
	if d := backoff(20); d > reconnectMaxDelay {
		t.Fatalf("delay must cap at %v, got %v", reconnectMaxDelay, d)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		msg, _ := json.Marshal(models.Message{ID: "m1", Conv: r.URL.Query().Get("conv"), Text: "hi", CreatedAt: 100})
		frame, _ := json.Marshal(envelope{Type: "insert", Conv: r.URL.Query().Get("conv"), Payload: msg})
		_ = conn.Write(r.Context(), websocket.MessageText, frame)
		<-r.Context().Done()
	}))
	defer srv.Close()

	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1)
	tr := New(wsURL, "", nil)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := tr.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Kind != remote.EventInsert || ev.Msg.ID != "m1" || ev.Conv != "c1" {
			t.Fatalf("wrong event: %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("no event before deadline")
	}
}
