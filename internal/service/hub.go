package service

import (
	"context"
	"time"

	"ledgersync/internal/buffer"
	"ledgersync/internal/metrics"
	v1 "ledgersync/pkg/api/v1"
	"ledgersync/pkg/constraints"
	"ledgersync/pkg/logger"

	"go.uber.org/zap"
)

// Client is one stream subscriber. Kinds filters message kinds; empty means all.
type Client struct {
	Send     chan v1.Message
	Kinds    map[string]bool
	DeviceID string
}

func (c *Client) Wants(kind string) bool {
	return kind == constraints.KindPing || len(c.Kinds) == 0 || c.Kinds[kind]
}

// Hub sequences stats and result events, keeps them for replay and fans them out
// to stream clients. Publishing never blocks the engine.
type Hub struct {
	clients    map[*Client]bool
	Broadcast  chan v1.Message
	Register   chan *Client
	Unregister chan *Client

	replay    *buffer.EventBuffer
	observer  metrics.HubObserver
	heartbeat time.Duration
	seq       int64
	done      chan struct{}
}

func NewHub(observer metrics.HubObserver, heartbeat time.Duration, bufferSize int, replay *buffer.EventBuffer) *Hub {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if replay == nil {
		replay = buffer.NewEventBuffer(1000)
	}
	if observer == nil {
		observer = metrics.Nop{}
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		Broadcast:  make(chan v1.Message, bufferSize),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		replay:     replay,
		observer:   observer,
		heartbeat:  heartbeat,
		seq:        replay.Latest(),
		done:       make(chan struct{}),
	}
}

func (h *Hub) PublishStats(s v1.Stats) {
	h.publish(v1.Message{Kind: constraints.KindStats, Stats: &s})
}

func (h *Hub) PublishResult(r v1.ResultEvent) {
	h.publish(v1.Message{Kind: constraints.KindResult, Result: &r})
}

func (h *Hub) publish(msg v1.Message) {
	select {
	case h.Broadcast <- msg:
	default:
		h.observer.RecordDrop()
		logger.Warn("stream hub saturated, dropping message", zap.String("kind", msg.Kind))
	}
}

// GetSince returns sequenced messages after lastSeq for a reconnecting client.
func (h *Hub) GetSince(lastSeq int64) ([]v1.Message, bool) {
	return h.replay.GetSince(lastSeq)
}

// Subscribe registers client. It returns false when ctx ends or the hub has stopped first.
func (h *Hub) Subscribe(ctx context.Context, client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-ctx.Done():
		return false
	case <-h.done:
		return false
	}
}

// Unsubscribe is safe to call after the hub has stopped.
func (h *Hub) Unsubscribe(client *Client) {
	select {
	case h.Unregister <- client:
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
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.Register:
			h.clients[client] = true
			h.observer.IncOnline()
		case client := <-h.Unregister:
			if h.clients[client] {
				h.drop(client)
			}
		case msg := <-h.Broadcast:
			h.seq++
			msg.Seq = h.seq
			h.replay.Add(msg)
			h.observer.RecordPush()
			h.fanOut(msg)
		case <-ticker.C:
			h.fanOut(v1.Message{Kind: constraints.KindPing})
		}
	}
}

func (h *Hub) fanOut(msg v1.Message) {
	for client := range h.clients {
		if !client.Wants(msg.Kind) {
			continue
		}
		select {
		case client.Send <- msg:
		default:
			// slow reader; it reconnects with last_seq and replays
			logger.Warn("stream client too slow, disconnecting", zap.String("device_id", client.DeviceID))
			h.observer.RecordDrop()
			h.drop(client)
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.Send)
	h.observer.DecOnline()
}
