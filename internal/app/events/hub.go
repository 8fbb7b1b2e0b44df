// Package events persists audit records and fans them out to live websocket
// subscribers. The hub is the single EventSink behind every state machine.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/atellix/token-agent/internal/app/domain/event"
	"github.com/atellix/token-agent/internal/app/storage"
	"github.com/atellix/token-agent/pkg/logger"
)

// Hub appends every emitted record to the audit store and broadcasts it to
// connected websocket clients. Persistence failures fail the emit; a slow or
// dead subscriber is dropped, never waited on.
type Hub struct {
	store storage.EventStore
	log   *logger.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
}

// NewHub creates a hub writing to the given audit store.
func NewHub(store storage.EventStore, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Hub{
		store: store,
		log:   log,
		conns: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Emit implements chain.EventSink.
func (h *Hub) Emit(ctx context.Context, record interface{}) error {
	rec, ok := record.(event.Record)
	if !ok {
		h.log.Warnf("dropping event of unexpected type %T", record)
		return nil
	}

	stored, err := h.store.AppendEvent(ctx, rec)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	h.broadcast(payload)
	return nil
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.WithError(err).Debug("dropping websocket subscriber")
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

// HandleWebSocket upgrades the request and registers the connection for
// event broadcasts. The read loop exists only to detect closure.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.conns, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// List returns persisted events, optionally filtered by subject.
func (h *Hub) List(ctx context.Context, subject string) ([]event.Record, error) {
	return h.store.ListEvents(ctx, subject)
}
