// Package monitor streams dispatch turn events to websocket clients.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/zhaopengme/witbot/pkg/bus"
	"github.com/zhaopengme/witbot/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans turn events out to every connected monitor client.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	count      chan chan int
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Run owns the client set. It returns when ctx is done or events is closed,
// disconnecting every client.
func (h *Hub) Run(ctx context.Context, events <-chan bus.TurnEvent) {
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = true
			logger.DebugCF("monitor", "Client connected",
				map[string]interface{}{
					"clients": len(h.clients),
				})

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				logger.DebugC("monitor", "Client disconnected")
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.ErrorCF("monitor", "Failed to marshal event",
					map[string]interface{}{
						"error": err.Error(),
					})
				continue
			}
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Too slow to keep up; drop it.
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

func (h *Hub) closeAll() {
	close(h.done)
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Clients reports the number of connected clients. Only valid while Run is
// active.
func (h *Hub) Clients(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	case <-ctx.Done():
		return 0
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("monitor", "Websocket upgrade failed",
			map[string]interface{}{
				"error": err.Error(),
			})
		return
	}

	client := newClient(h, conn)
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
