// Package transport binds logical session broadcasts to physical
// WebSocket connections. Emits are mirrored through a shared Redis stream
// so any server process holding a subscriber's connection delivers them.
package transport

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vellum-app/vellum-server/internal/collab"
	"github.com/vellum-app/vellum-server/internal/protocol"
)

// RecoveryWindow bounds connection-state recovery. A transient drop
// shorter than this rejoins without a full join handshake; anything
// longer redoes the whole join transition.
const RecoveryWindow = 2 * time.Minute

// Stream entry field names
const (
	streamFieldTarget  = "target"
	streamFieldEvent   = "event"
	streamFieldPayload = "payload"
)

// MessageEvent represents a message from a connection
type MessageEvent struct {
	Connection *Connection
	Message    *protocol.Message
}

// MessageHandler processes inbound socket messages
type MessageHandler func(conn *Connection, msg *protocol.Message)

// DisconnectHandler runs when a connection unregisters
type DisconnectHandler func(conn *Connection)

type recoveryState struct {
	client    *collab.Client
	expiresAt time.Time
}

// Hub maintains active connections, fans events out to socket ids and
// consumes the shared stream for sockets attached to this process.
type Hub struct {
	client *redis.Client // nil means single-process, local-only delivery
	stream string

	connections map[string]*Connection
	mu          sync.RWMutex

	recovering map[string]*recoveryState
	recoveryMu sync.Mutex

	handler      MessageHandler
	onDisconnect DisconnectHandler

	Register      chan *Connection
	Unregister    chan *Connection
	HandleMessage chan *MessageEvent

	stopCh chan struct{}
}

// NewHub creates a new Hub. The Redis client may be nil, in which case
// emits are delivered locally only.
func NewHub(client *redis.Client, stream string) *Hub {
	return &Hub{
		client:        client,
		stream:        stream,
		connections:   make(map[string]*Connection),
		recovering:    make(map[string]*recoveryState),
		Register:      make(chan *Connection),
		Unregister:    make(chan *Connection),
		HandleMessage: make(chan *MessageEvent, 256),
		stopCh:        make(chan struct{}),
	}
}

// SetHandler installs the inbound message handler. Must be called before
// Run.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handler = handler
}

// SetDisconnectHandler installs the disconnect handler. Must be called
// before Run.
func (h *Hub) SetDisconnectHandler(handler DisconnectHandler) {
	h.onDisconnect = handler
}

// Run starts the hub
func (h *Hub) Run() {
	if h.client != nil {
		go h.consumeStream()
	}
	go h.pruneRecoveryLoop()

	for {
		select {
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()

		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn.ID)
			h.mu.Unlock()
			conn.Close()

			if conn.Client != nil {
				h.stashRecovery(conn)
			}
			if h.onDisconnect != nil {
				h.onDisconnect(conn)
			}

		case event := <-h.HandleMessage:
			if h.handler != nil {
				h.handler(event.Connection, event.Message)
			}

		case <-h.stopCh:
			return
		}
	}
}

// Stop shuts the hub down
func (h *Hub) Stop() {
	close(h.stopCh)
}

// Connection returns a locally attached connection, if any
func (h *Hub) Connection(socketID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.connections[socketID]
	return conn, ok
}

// Emit sends an event to one socket id. With a stream configured every
// emit goes through Redis and the process owning the physical connection
// delivers it; without one, delivery is direct. Fire-and-forget either
// way.
func (h *Hub) Emit(socketID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	if h.client == nil {
		h.deliverLocal(socketID, event, data)
		return
	}

	err = h.client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: h.stream,
		MaxLen: 10_000,
		Approx: true,
		Values: map[string]interface{}{
			streamFieldTarget:  socketID,
			streamFieldEvent:   event,
			streamFieldPayload: string(data),
		},
	}).Err()
	if err != nil {
		// Best-effort: fall back to local delivery
		h.deliverLocal(socketID, event, data)
	}
}

func (h *Hub) deliverLocal(socketID, event string, payload []byte) {
	conn, ok := h.Connection(socketID)
	if !ok {
		return
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return
	}
	conn.SendMessage(event, fields)
}

// consumeStream tails the shared event stream and delivers entries whose
// target socket is attached to this process.
func (h *Hub) consumeStream() {
	lastID := "$"
	for {
		select {
		case <-h.stopCh:
			return
		default:
		}

		streams, err := h.client.XRead(context.Background(), &redis.XReadArgs{
			Streams: []string{h.stream, lastID},
			Block:   5 * time.Second,
			Count:   128,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			log.Printf("stream read error: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				h.deliverStreamEntry(msg.Values)
			}
		}
	}
}

func (h *Hub) deliverStreamEntry(values map[string]interface{}) {
	target, _ := values[streamFieldTarget].(string)
	event, _ := values[streamFieldEvent].(string)
	payload, _ := values[streamFieldPayload].(string)
	if target == "" || event == "" {
		return
	}
	h.deliverLocal(target, event, []byte(payload))
}

func (h *Hub) stashRecovery(conn *Connection) {
	h.recoveryMu.Lock()
	defer h.recoveryMu.Unlock()
	h.recovering[conn.ID] = &recoveryState{
		client:    conn.Client,
		expiresAt: time.Now().Add(RecoveryWindow),
	}
}

// Reclaim restores the session state of a recently dropped socket id.
// Past the recovery window the client must redo the full join.
func (h *Hub) Reclaim(socketID string) (*collab.Client, bool) {
	h.recoveryMu.Lock()
	defer h.recoveryMu.Unlock()

	state, ok := h.recovering[socketID]
	if !ok {
		return nil, false
	}
	delete(h.recovering, socketID)

	if time.Now().After(state.expiresAt) {
		return nil, false
	}
	return state.client, true
}

func (h *Hub) pruneRecoveryLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.recoveryMu.Lock()
			now := time.Now()
			for id, state := range h.recovering {
				if now.After(state.expiresAt) {
					delete(h.recovering, id)
				}
			}
			h.recoveryMu.Unlock()
		case <-h.stopCh:
			return
		}
	}
}
