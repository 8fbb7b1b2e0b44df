package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atellix/token-agent/internal/app/domain/event"
	"github.com/atellix/token-agent/internal/app/storage/memory"
)

func TestEmitPersistsAndLists(t *testing.T) {
	hub := NewHub(memory.New(), nil)
	ctx := context.Background()

	rec := event.Record{EventUUID: "ev-1", Type: event.TypeSubscribe, Subject: "sub-1"}
	if err := hub.Emit(ctx, rec); err != nil {
		t.Fatalf("emit: %v", err)
	}

	got, err := hub.List(ctx, "sub-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].EventUUID != "ev-1" {
		t.Fatalf("events = %+v", got)
	}
}

func TestEmitIgnoresUnknownTypes(t *testing.T) {
	hub := NewHub(memory.New(), nil)
	if err := hub.Emit(context.Background(), "not a record"); err != nil {
		t.Fatalf("emit: %v", err)
	}
	got, err := hub.List(context.Background(), "")
	if err != nil || len(got) != 0 {
		t.Fatalf("events = %+v, %v", got, err)
	}
}

func TestWebSocketReceivesBroadcast(t *testing.T) {
	hub := NewHub(memory.New(), nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration happens during the upgrade, so the emit after a
	// successful dial must reach the subscriber.
	if err := hub.Emit(context.Background(), event.Record{EventUUID: "ev-ws", Subject: "sub-ws"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got event.Record
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EventUUID != "ev-ws" || got.Subject != "sub-ws" {
		t.Fatalf("record = %+v", got)
	}
}

func TestDeadSubscriberIsDropped(t *testing.T) {
	hub := NewHub(memory.New(), nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	// Broadcasting to the closed connection must not fail the emit.
	for i := 0; i < 2; i++ {
		if err := hub.Emit(context.Background(), event.Record{EventUUID: "ev"}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
}
