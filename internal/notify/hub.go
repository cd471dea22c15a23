package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/user/ralph/internal/types"
)

// Hub streams notifications to websocket clients. A client connecting with
// ?target=<id> only receives notifications for that target.
type Hub struct {
	buffer       int
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	target types.TargetID
	ch     chan types.Notification
}

func NewHub() *Hub {
	return &Hub{
		buffer:       256,
		writeTimeout: 15 * time.Second,
		clients:      make(map[*wsClient]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Send queues n for every interested client without blocking. Clients whose
// queue is full miss the notification.
func (h *Hub) Send(_ context.Context, n types.Notification) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for c := range h.clients {
		if c.target != "" && c.target != n.Target {
			continue
		}
		select {
		case c.ch <- n:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("dropped %s for %d slow websocket clients", n.Type, dropped)
	}
	return nil
}

func (h *Hub) add(target types.TargetID) *wsClient {
	c := &wsClient{target: target, ch: make(chan types.Notification, h.buffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams notifications until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	c := h.add(types.TargetID(r.URL.Query().Get("target")))
	defer h.remove(c)

	// Clients never send; CloseRead handles pings and notices disconnects.
	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.ch:
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := wsjson.Write(writeCtx, ws, n)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
