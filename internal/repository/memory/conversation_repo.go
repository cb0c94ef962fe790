package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
)

// ConversationRepository is an in-memory conversation directory
type ConversationRepository struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*domain.Conversation
}

// NewConversationRepository creates an empty directory
func NewConversationRepository() *ConversationRepository {
	return &ConversationRepository{
		conversations: make(map[uuid.UUID]*domain.Conversation),
	}
}

// LoadConversations reads a JSON array of conversations from path
func LoadConversations(path string) (*ConversationRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations file: %w", err)
	}

	var conversations []*domain.Conversation
	if err := json.Unmarshal(data, &conversations); err != nil {
		return nil, fmt.Errorf("failed to parse conversations file: %w", err)
	}

	repo := NewConversationRepository()
	for _, conv := range conversations {
		repo.Save(conv)
	}
	return repo, nil
}

// Save inserts or replaces a conversation
func (r *ConversationRepository) Save(conv *domain.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *conv
	cp.Participants = append([]domain.ParticipantSummary(nil), conv.Participants...)
	r.conversations[conv.ID] = &cp
}

// GetConversation returns the conversation and its members
func (r *ConversationRepository) GetConversation(_ context.Context, conversationID uuid.UUID) (*domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return nil, apperrors.NotFoundError("Conversation")
	}

	cp := *conv
	cp.Participants = append([]domain.ParticipantSummary(nil), conv.Participants...)
	return &cp, nil
}
