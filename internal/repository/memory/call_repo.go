// Package memory holds process-local stores used in limited mode (no
// database configured) and by tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
)

// CallRepository is an in-memory call store. Returned calls are copies.
type CallRepository struct {
	mu     sync.RWMutex
	calls  map[uuid.UUID]*domain.Call
	active map[uuid.UUID]uuid.UUID // conversation id -> non-terminal call id
}

// NewCallRepository creates an empty store
func NewCallRepository() *CallRepository {
	return &CallRepository{
		calls:  make(map[uuid.UUID]*domain.Call),
		active: make(map[uuid.UUID]uuid.UUID),
	}
}

// Create stores a new call. It fails with CallBusy when the conversation
// already has a non-terminal call.
func (r *CallRepository) Create(_ context.Context, call *domain.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.active[call.ConversationID]; busy && !call.Phase.IsTerminal() {
		return apperrors.CallBusyError()
	}

	r.calls[call.ID] = call.Clone()
	if !call.Phase.IsTerminal() {
		r.active[call.ConversationID] = call.ID
	}
	return nil
}

// GetByID returns the call or CallNotFound
func (r *CallRepository) GetByID(_ context.Context, callID uuid.UUID) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	return call.Clone(), nil
}

// UpdatePhase writes call's phase and endedAt if the stored phase still is from
func (r *CallRepository) UpdatePhase(_ context.Context, call *domain.Call, from domain.CallPhase) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.calls[call.ID]
	if !ok {
		return apperrors.CallNotFoundError()
	}
	if stored.Phase != from {
		return apperrors.PhaseConflictError()
	}

	updated := stored.Clone()
	updated.Phase = call.Phase
	updated.EndedAt = call.Clone().EndedAt
	r.calls[call.ID] = updated

	if updated.Phase.IsTerminal() && r.active[updated.ConversationID] == updated.ID {
		delete(r.active, updated.ConversationID)
	}
	return nil
}

// GetActiveByConversation returns the non-terminal call of a conversation, or nil
func (r *CallRepository) GetActiveByConversation(_ context.Context, conversationID uuid.UUID) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[conversationID]
	if !ok {
		return nil, nil
	}
	return r.calls[id].Clone(), nil
}

// CountUserCalls counts calls the user took part in
func (r *CallRepository) CountUserCalls(_ context.Context, userID uuid.UUID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, call := range r.calls {
		if call.IsParticipant(userID) {
			n++
		}
	}
	return n, nil
}

// GetUserCalls lists calls the user took part in, newest first
func (r *CallRepository) GetUserCalls(_ context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	r.mu.RLock()
	matched := make([]*domain.Call, 0)
	for _, call := range r.calls {
		if call.IsParticipant(userID) {
			matched = append(matched, call.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return []*domain.Call{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}
