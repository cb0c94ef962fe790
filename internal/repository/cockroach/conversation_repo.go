package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
)

// ConversationRepository reads conversation membership written by the chat service
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// GetConversation returns the conversation with its members' public profiles
func (r *ConversationRepository) GetConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE conversation_id = $1)`,
		conversationID,
	).Scan(&exists)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to check conversation: %w", err))
	}
	if !exists {
		return nil, apperrors.NotFoundError("Conversation")
	}

	query := `
		SELECT u.user_id, u.username, COALESCE(u.display_name, '')
		FROM conversation_participants cp
		INNER JOIN users u ON cp.user_id = u.user_id
		WHERE cp.conversation_id = $1
		ORDER BY cp.joined_at ASC
	`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get participants: %w", err))
	}
	defer rows.Close()

	conv := &domain.Conversation{ID: conversationID}
	for rows.Next() {
		var p domain.ParticipantSummary
		if err := rows.Scan(&p.UserID, &p.Username, &p.DisplayName); err != nil {
			return nil, apperrors.DatabaseError(fmt.Errorf("failed to scan participant: %w", err))
		}
		conv.Participants = append(conv.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to iterate participants: %w", err))
	}

	return conv, nil
}
