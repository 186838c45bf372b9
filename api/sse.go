package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bucher-Unipektin/s7connector/logging"
	"github.com/Bucher-Unipektin/s7connector/poller"
)

const (
	eventSnapshot     = "snapshot"
	keepaliveInterval = 30 * time.Second
)

type sseClient struct {
	id     string
	events chan poller.Snapshot
}

// Hub fans snapshots out to Server-Sent Events clients. It is a poller
// sink; a slow client loses events rather than stalling the poller.
type Hub struct {
	clients    map[string]*sseClient
	register   chan *sseClient
	unregister chan *sseClient
	broadcast  chan poller.Snapshot
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
	nextID     atomic.Uint64
}

// NewHub starts a hub.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*sseClient),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		broadcast:  make(chan poller.Snapshot, 256),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.events)
			}
			h.mu.Unlock()

		case snap := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.events <- snap:
				default:
					logging.DebugLog("api", "sse client %s buffer full, dropping %s", c.id, snap.Key())
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Name identifies the sink in logs.
func (h *Hub) Name() string { return "api/events" }

// Publish queues snap for every connected client.
func (h *Hub) Publish(_ context.Context, snap poller.Snapshot) error {
	select {
	case h.broadcast <- snap:
	default:
		logging.DebugLog("api", "sse broadcast channel full, dropping %s", snap.Key())
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects all clients.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func splitFilter(s string) map[string]bool {
	if s == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out[p] = true
		}
	}
	return out
}

// handleSSE serves /events. Optional filters: connections=a,b and
// polls=conn.poll,...
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	connFilter := splitFilter(r.URL.Query().Get("connections"))
	pollFilter := splitFilter(r.URL.Query().Get("polls"))

	c := &sseClient{
		id:     fmt.Sprintf("sse-%d", h.hub.nextID.Add(1)),
		events: make(chan poller.Snapshot, 64),
	}
	select {
	case h.hub.register <- c:
	case <-h.hub.done:
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", c.id)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- c:
			case <-h.hub.done:
			}
			return

		case snap, ok := <-c.events:
			if !ok {
				return
			}
			if connFilter != nil && !connFilter[snap.Connection] {
				continue
			}
			if pollFilter != nil && !pollFilter[snap.Key()] {
				continue
			}
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventSnapshot, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
