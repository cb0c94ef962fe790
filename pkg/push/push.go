package push

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM TokenType = "fcm"
	TokenTypeWeb TokenType = "web"
)

// Valid reports whether t is a supported token type
func (t TokenType) Valid() bool {
	return t == TokenTypeFCM || t == TokenTypeWeb
}

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"userId"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
}

// Service sends call notifications to users without a live connection
type Service struct {
	provider Provider
	repo     TokenRepository
	metrics  *metrics.Metrics
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository, m *metrics.Metrics) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
		metrics:  m,
	}
}

// RegisterToken stores token, re-activating it when it is already known
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil {
		existing.Active = true
		existing.UserID = token.UserID
		existing.Platform = token.Platform
		existing.UpdatedAt = time.Now().Unix()
		return s.repo.Update(ctx, existing)
	}

	now := time.Now().Unix()
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	token.Active = true
	token.CreatedAt = now
	token.UpdatedAt = now
	return s.repo.Store(ctx, token)
}

// UnregisterToken deactivates token if it belongs to userID
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, tokenStr string) error {
	token, err := s.repo.GetByToken(ctx, tokenStr)
	if err != nil {
		return err
	}
	if token == nil || token.UserID != userID {
		return apperrors.NotFoundError("Push token")
	}
	token.Active = false
	token.UpdatedAt = time.Now().Unix()
	return s.repo.Update(ctx, token)
}

// GetTokens lists every token registered by userID
func (s *Service) GetTokens(ctx context.Context, userID uuid.UUID) ([]*Token, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// SendCallNotification rings the receiver's devices for a new call
func (s *Service) SendCallNotification(ctx context.Context, call *domain.Call, caller domain.ParticipantSummary) error {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("%s is calling you", displayName(caller)),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":            "call",
			"call_id":         call.ID.String(),
			"conversation_id": call.ConversationID.String(),
			"caller_id":       call.CallerID.String(),
			"caller_name":     displayName(caller),
			"call_type":       string(call.Type),
			"call_status":     string(call.Phase),
			"timestamp":       fmt.Sprintf("%d", call.CreatedAt.Unix()),
		},
	}

	return s.send(ctx, "call", call.ID, notification, call.ReceiverID)
}

// SendMissedCallNotification tells the receiver they missed a call
func (s *Service) SendMissedCallNotification(ctx context.Context, call *domain.Call, caller domain.ParticipantSummary) error {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a call from %s", displayName(caller)),
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":            "missed_call",
			"call_id":         call.ID.String(),
			"conversation_id": call.ConversationID.String(),
			"caller_id":       call.CallerID.String(),
			"caller_name":     displayName(caller),
		},
	}

	return s.send(ctx, "missed_call", call.ID, notification, call.ReceiverID)
}

func (s *Service) send(ctx context.Context, kind string, callID uuid.UUID, notification *Notification, userIDs ...uuid.UUID) error {
	tokens := s.collectTokens(ctx, userIDs)
	if len(tokens) == 0 {
		logger.Debug("No active push tokens",
			zap.String("type", kind),
			zap.String("call_id", callID.String()))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, tokens)
	if err != nil {
		s.metrics.RecordPushNotificationFailure(kind)
		logger.Error("Failed to send push notification",
			zap.String("type", kind),
			zap.String("call_id", callID.String()),
			zap.Int("token_count", len(tokens)),
			zap.Error(err))
		return fmt.Errorf("failed to send %s notification: %w", kind, err)
	}

	s.metrics.RecordPushNotification(kind)
	logger.Info("Push notification sent",
		zap.String("type", kind),
		zap.String("call_id", callID.String()),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}
	return nil
}

func (s *Service) collectTokens(ctx context.Context, userIDs []uuid.UUID) []string {
	var all []string
	for _, userID := range userIDs {
		tokens, err := s.repo.GetByUserID(ctx, userID)
		if err != nil {
			logger.Warn("Failed to get push tokens for user",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		for _, token := range tokens {
			if token.Active {
				all = append(all, token.Token)
			}
		}
	}
	return all
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, tokenStr := range invalidTokens {
		token, err := s.repo.GetByToken(ctx, tokenStr)
		if err != nil || token == nil {
			continue
		}
		token.Active = false
		token.UpdatedAt = time.Now().Unix()
		if err := s.repo.Update(ctx, token); err != nil {
			logger.Warn("Failed to mark token as inactive",
				zap.String("token_id", token.ID.String()),
				zap.Error(err))
		}
	}
}

func displayName(p domain.ParticipantSummary) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

// MockProvider logs notifications instead of sending them
type MockProvider struct {
	sent atomic.Int64
}

// NotificationsSent returns how many notifications were sent
func (m *MockProvider) NotificationsSent() int64 {
	return m.sent.Load()
}

// Send implements Provider interface
func (m *MockProvider) Send(_ context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.sent.Add(1)

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}
