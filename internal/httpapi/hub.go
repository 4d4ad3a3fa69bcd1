package httpapi

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hwco/farecast/internal/pipeline"
)

// Hub fans pipeline lifecycle events out to websocket subscribers. It
// implements pipeline.Sink; Publish never blocks the pipeline.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan []byte)}
}

// Publish broadcasts one event. Slow subscribers drop messages rather than
// stalling the pipeline.
func (h *Hub) Publish(ev pipeline.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- payload:
		default:
			log.Debug().Str("remote", conn.RemoteAddr().String()).
				Msg("Event subscriber lagging, message dropped")
		}
	}
}

// subscribe registers a connection and starts its writer loop.
func (h *Hub) subscribe(ctx context.Context, conn *websocket.Conn) {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Reader goroutine: detect close; subscribers never send.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case payload := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

var _ pipeline.Sink = (*Hub)(nil)
