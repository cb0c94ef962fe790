// Package hub keeps track of live transport connections and the logical
// channels they are subscribed to. It is the only place that knows how to
// reach a user; callers address channels, users or single connections.
package hub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// Conn is a live transport connection. Send must not block; it returns an
// error when the connection is gone or its queue is full.
type Conn interface {
	ID() string
	UserID() uuid.UUID
	Send(frame []byte) error
}

// Envelope is the wire shape of every server → client event
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// ConversationChannel is the channel of everyone viewing a conversation
func ConversationChannel(conversationID uuid.UUID) string {
	return conversationID.String()
}

// CallChannel is the channel of the connections taking part in a call
func CallChannel(callID uuid.UUID) string {
	return fmt.Sprintf("call-%s", callID)
}

// UserChannel is the implicit channel holding every connection of a user
func UserChannel(userID uuid.UUID) string {
	return fmt.Sprintf("user_%s", userID)
}

type set map[string]struct{}

// Hub is the connection registry and room membership table
type Hub struct {
	mu sync.RWMutex

	conns       map[string]Conn
	channels    map[string]set // channel -> connection ids
	memberships map[string]set // connection id -> channels
	userConns   map[uuid.UUID]set

	metrics *metrics.Metrics
}

// New creates an empty hub
func New(m *metrics.Metrics) *Hub {
	return &Hub{
		conns:       make(map[string]Conn),
		channels:    make(map[string]set),
		memberships: make(map[string]set),
		userConns:   make(map[uuid.UUID]set),
		metrics:     m,
	}
}

// Register adds conn and subscribes it to its user channel. Registering the
// same connection id again for the same user replaces the handle and keeps
// its memberships; for another user the old registration is dropped first.
// first is true when conn is the user's only live connection.
func (h *Hub) Register(conn Conn) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, userID := conn.ID(), conn.UserID()
	if prev, ok := h.conns[id]; ok && prev.UserID() != userID {
		h.dropLocked(id, prev.UserID())
	}
	h.conns[id] = conn

	if h.userConns[userID] == nil {
		h.userConns[userID] = make(set)
	}
	h.userConns[userID][id] = struct{}{}
	h.joinLocked(id, UserChannel(userID))

	h.metrics.SetWebSocketConnections(len(h.conns))
	return len(h.userConns[userID]) == 1
}

// Unregister removes the connection from every channel it belonged to.
// last is true when the user has no live connection left.
func (h *Hub) Unregister(connID string) (userID uuid.UUID, last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[connID]
	if !ok {
		return uuid.Nil, false
	}
	userID = conn.UserID()
	last = h.dropLocked(connID, userID)

	h.metrics.SetWebSocketConnections(len(h.conns))
	return userID, last
}

// dropLocked forgets connID and all its memberships. It reports whether
// userID has no connection left.
func (h *Hub) dropLocked(connID string, userID uuid.UUID) (last bool) {
	for channel := range h.memberships[connID] {
		h.removeMemberLocked(channel, connID)
	}
	delete(h.memberships, connID)
	delete(h.conns, connID)

	if ids := h.userConns[userID]; ids != nil {
		delete(ids, connID)
		if len(ids) == 0 {
			delete(h.userConns, userID)
			return true
		}
	}
	return false
}

// Join subscribes a registered connection to channel. Joining twice is a no-op.
func (h *Hub) Join(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[connID]; !ok {
		return
	}
	h.joinLocked(connID, channel)
}

// JoinUser subscribes every live connection of userID to channel
func (h *Hub) JoinUser(userID uuid.UUID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id := range h.userConns[userID] {
		h.joinLocked(id, channel)
	}
}

// Leave unsubscribes a connection. Leaving a channel not joined is a no-op.
func (h *Hub) Leave(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeMemberLocked(channel, connID)
	if chans := h.memberships[connID]; chans != nil {
		delete(chans, channel)
	}
}

// Clear forces every member out of channel and returns how many left
func (h *Hub) Clear(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.channels[channel]
	for id := range members {
		if chans := h.memberships[id]; chans != nil {
			delete(chans, channel)
		}
	}
	delete(h.channels, channel)
	return len(members)
}

// Members returns the connection ids currently in channel
func (h *Hub) Members(channel string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.channels[channel]))
	for id := range h.channels[channel] {
		ids = append(ids, id)
	}
	return ids
}

// IsMember reports whether connID is subscribed to channel
func (h *Hub) IsMember(connID, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.channels[channel][connID]
	return ok
}

// IsOnline reports whether userID has at least one live connection
func (h *Hub) IsOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.userConns[userID]) > 0
}

// ConnectionCount returns the number of live connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.conns)
}

// Broadcast delivers event to every connection in channel
func (h *Hub) Broadcast(channel, event string, payload interface{}) int {
	return h.BroadcastMany([]string{channel}, event, payload)
}

// BroadcastMany delivers event once to every connection in the union of channels
func (h *Hub) BroadcastMany(channels []string, event string, payload interface{}) int {
	frame, err := encode(event, payload)
	if err != nil {
		logger.Error("Failed to encode event", zap.String("event", event), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	seen := make(set)
	targets := make([]Conn, 0)
	for _, channel := range channels {
		for id := range h.channels[channel] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if conn, ok := h.conns[id]; ok {
				targets = append(targets, conn)
			}
		}
	}
	h.mu.RUnlock()

	return h.deliver(targets, event, frame)
}

// DeliverToUser delivers event to every live connection of userID
func (h *Hub) DeliverToUser(userID uuid.UUID, event string, payload interface{}) int {
	return h.Broadcast(UserChannel(userID), event, payload)
}

// DeliverTo delivers event to a single connection
func (h *Hub) DeliverTo(connID, event string, payload interface{}) error {
	frame, err := encode(event, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}

	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not registered", connID)
	}

	if h.deliver([]Conn{conn}, event, frame) == 0 {
		return fmt.Errorf("connection %s did not accept %s", connID, event)
	}
	return nil
}

// deliver is best effort: connections that vanished mid-broadcast are skipped
func (h *Hub) deliver(targets []Conn, event string, frame []byte) int {
	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(frame); err != nil {
			logger.Debug("Skipping connection during delivery",
				zap.String("event", event),
				zap.String("connection_id", conn.ID()),
				zap.Error(err))
			continue
		}
		h.metrics.RecordWebSocketMessage(event, "out")
		delivered++
	}
	return delivered
}

func (h *Hub) joinLocked(connID, channel string) {
	if h.channels[channel] == nil {
		h.channels[channel] = make(set)
	}
	h.channels[channel][connID] = struct{}{}

	if h.memberships[connID] == nil {
		h.memberships[connID] = make(set)
	}
	h.memberships[connID][channel] = struct{}{}
}

func (h *Hub) removeMemberLocked(channel, connID string) {
	members, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.channels, channel)
	}
}

func encode(event string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: payload})
}
