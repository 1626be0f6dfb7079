package service

import (
	"context"
	"time"

	"rollgate/internal/metrics"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
	"rollgate/pkg/logger"

	"go.uber.org/zap"
)

// Client is one stream subscriber. Namespaces selects what it receives;
// "*" selects everything.
type Client struct {
	Send       chan v1.Message
	Namespaces map[string]bool
}

func (c *Client) wants(ns string) bool {
	return c.Namespaces["*"] || c.Namespaces[ns]
}

// Hub fans change messages out to subscribers. A subscriber that cannot keep
// up is disconnected and has to resume from its last revision.
type Hub struct {
	clients    map[*Client]bool
	Broadcast  chan v1.Message
	Register   chan *Client
	Unregister chan *Client

	observer  metrics.HubObserver
	heartbeat time.Duration
	done      chan struct{}
}

func NewHub(observer metrics.HubObserver, heartbeat time.Duration, bufferSize int) *Hub {
	if observer == nil {
		observer = metrics.Nop{}
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		Broadcast:  make(chan v1.Message, bufferSize),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		observer:   observer,
		heartbeat:  heartbeat,
		done:       make(chan struct{}),
	}
}

// Subscribe registers c unless the hub has stopped.
func (h *Hub) Subscribe(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unsubscribe(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) Publish(msg v1.Message) {
	select {
	case h.Broadcast <- msg:
	case <-h.done:
	}
}

func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.Register:
			h.clients[c] = true
			h.observer.IncOnline()
		case c := <-h.Unregister:
			if h.clients[c] {
				h.drop(c)
			}
		case msg := <-h.Broadcast:
			start := time.Now()
			h.observer.UpdateEventLag(len(h.Broadcast))
			for c := range h.clients {
				if !c.wants(msg.Namespace) {
					continue
				}
				h.send(c, msg)
			}
			h.observer.RecordPush()
			h.observer.ObservePushLatency(time.Since(start).Seconds())
		case <-ticker.C:
			ping := v1.Message{Kind: constraints.KindPing}
			for c := range h.clients {
				h.send(c, ping)
			}
		}
	}
}

func (h *Hub) send(c *Client, msg v1.Message) {
	select {
	case c.Send <- msg:
	default:
		logger.Warn("stream subscriber too slow, disconnecting", zap.Int64("revision", msg.Revision))
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.Send)
	h.observer.DecOnline()
}
