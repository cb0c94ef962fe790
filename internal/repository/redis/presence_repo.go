package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"chatcall-backend/internal/database"
	"chatcall-backend/pkg/constants"
)

// PresenceRepository tracks which users hold at least one live connection
// on any instance of the service. Each user owns a set of connection ids, so
// one instance dropping its last connection leaves the others' entries alone.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

// AddConnection records connID as live for user. The set expires unless refreshed.
func (r *PresenceRepository) AddConnection(ctx context.Context, userID uuid.UUID, connID string) error {
	key := presenceKey(userID)
	if err := r.client.SafeSAdd(ctx, key, connID).Err(); err != nil {
		return fmt.Errorf("failed to add connection: %w", err)
	}

	if err := r.client.SafeExpire(ctx, key, constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set presence expiry: %w", err)
	}

	return nil
}

// RemoveConnection drops connID; the user stays online while other ids remain
func (r *PresenceRepository) RemoveConnection(ctx context.Context, userID uuid.UUID, connID string) error {
	if err := r.client.SafeSRem(ctx, presenceKey(userID), connID).Err(); err != nil {
		return fmt.Errorf("failed to remove connection: %w", err)
	}

	return nil
}

// IsUserOnline checks if user holds a connection on any instance
func (r *PresenceRepository) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	count, err := r.client.SafeSCard(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}

	return count > 0, nil
}

// RefreshPresence extends the connection set (heartbeat)
func (r *PresenceRepository) RefreshPresence(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeExpire(ctx, presenceKey(userID), constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}

	return nil
}
