package websocket

import (
	"context"
	"sync/atomic"

	"github.com/cristianortiz/liveauction/internal/shared/logger"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

// Hub keeps the registry of live connections, grouped by topic, and hands
// their inbound messages to the module handler. Fan-out of outbound events
// is not its job.
type Hub struct {
	// Registered clients, grouped by topic (an auction id).
	clients map[string]map[*Client]bool
	// Register requests from the clients.
	register chan *Client
	// Unregister requests from clients.
	unregister      chan *Client
	InboundMessages chan *ClientMessage // listened to by module-specific handlers (e.g, auction handler)

	total atomic.Int64
}

// ClientMessage is used for wraping the client and data message received.
type ClientMessage struct {
	Client *Client
	Data   []byte
}

func NewHub() *Hub {
	return &Hub{
		register:        make(chan *Client, 64),
		unregister:      make(chan *Client, 64),
		clients:         make(map[string]map[*Client]bool),
		InboundMessages: make(chan *ClientMessage, 256),
	}
}

// Run serves register and unregister requests until ctx is done, then
// closes every remaining client.
func (h *Hub) Run(ctx context.Context) {
	log.Info("Websocket Hub started")
	for {
		select {
		case <-ctx.Done():
			n := 0
			for _, group := range h.clients {
				for client := range group {
					client.Close()
					n++
				}
			}
			h.clients = map[string]map[*Client]bool{}
			h.total.Store(0)
			log.Info("WebSocket Hub shutting down, clients closed", zap.Int("clients", n))
			return

		case client := <-h.register:
			if _, ok := h.clients[client.Topic]; !ok {
				h.clients[client.Topic] = make(map[*Client]bool)
			}
			h.clients[client.Topic][client] = true
			log.Info("Client registered",
				zap.String("clientID", client.ID),
				zap.String("topic", client.Topic),
				zap.Int64("total_clients", h.total.Add(1)),
			)

		case client := <-h.unregister:
			clients, ok := h.clients[client.Topic]
			if !ok || !clients[client] {
				continue
			}
			delete(clients, client)
			client.Close()
			log.Info("Client unregistered",
				zap.String("clientID", client.ID),
				zap.String("topic", client.Topic),
				zap.Int64("total_clients", h.total.Add(-1)),
			)
			// Si no quedan clientes en este grupo, elimina el mapa
			if len(clients) == 0 {
				delete(h.clients, client.Topic)
			}
		}
	}
}

// Clients returns how many connections are registered.
func (h *Hub) Clients() int { return int(h.total.Load()) }

// RegisterClient register a new client in the hub
func (h *Hub) RegisterClient(client *Client) bool {
	select { // Use select to avoid blocking if channel is full
	case h.register <- client:
		return true
	default:
		log.Error("Register channel is full, client registration failed",
			zap.String("clientID", client.ID),
			zap.String("topic", client.Topic),
		)
		client.Close()
		return false
	}
}

// UnregisterClient delete a client from the hub
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	default:
		log.Error("Unregister channel is full, closing client directly",
			zap.String("clientID", client.ID),
			zap.String("topic", client.Topic),
		)
		client.Close()
	}
}
