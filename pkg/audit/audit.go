package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatcall-backend/pkg/constants"
)

// EventType represents the type of audit event
type EventType string

const (
	EventCallInitiate EventType = "call_initiate"
	EventCallAccept   EventType = "call_accept"
	EventCallReject   EventType = "call_reject"
	EventCallEnd      EventType = "call_end"
	EventCallMiss     EventType = "call_miss"
)

// Event is one entry of a call's audit trail
type Event struct {
	EventID   uuid.UUID  `json:"event_id"`
	CallID    uuid.UUID  `json:"call_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"` // nil for system actions
	EventType EventType  `json:"event_type"`
	From      string     `json:"from,omitempty"`
	To        string     `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
}

// Store is the subset of the Redis API the trail needs
type Store interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// Logger records call transitions in a per-call Redis list
type Logger struct {
	store Store
}

// NewLogger creates a new audit logger
func NewLogger(store Store) *Logger {
	return &Logger{store: store}
}

func callKey(callID uuid.UUID) string {
	return fmt.Sprintf("audit:call:%s", callID)
}

// Log appends event to its call's trail
func (l *Logger) Log(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key := callKey(event.CallID)
	if err := l.store.LPush(ctx, key, eventJSON).Err(); err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	if err := l.store.Expire(ctx, key, constants.AuditLogRetention).Err(); err != nil {
		return fmt.Errorf("failed to set audit log expiry: %w", err)
	}
	return nil
}

// LogTransition records a phase change. userID is uuid.Nil for the system.
func (l *Logger) LogTransition(ctx context.Context, callID, userID uuid.UUID, action, from, to string) error {
	event := &Event{
		CallID:    callID,
		EventType: EventType("call_" + action),
		From:      from,
		To:        to,
	}
	if userID != uuid.Nil {
		event.UserID = &userID
	}
	return l.Log(ctx, event)
}

// LogInitiate records the creation of a call
func (l *Logger) LogInitiate(ctx context.Context, callID, callerID uuid.UUID, phase string) error {
	return l.Log(ctx, &Event{
		CallID:    callID,
		UserID:    &callerID,
		EventType: EventCallInitiate,
		To:        phase,
	})
}

// GetCallEvents returns a call's trail, oldest first
func (l *Logger) GetCallEvents(ctx context.Context, callID uuid.UUID) ([]*Event, error) {
	members, err := l.store.LRange(ctx, callKey(callID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get audit events: %w", err)
	}

	events := make([]*Event, 0, len(members))
	// LPUSH stores newest first
	for i := len(members) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(members[i]), &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}
