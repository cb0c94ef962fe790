package call

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
)

// RelayInput is a signal from one participant to the other. TargetUserID
// defaults to the sender's peer when nil.
type RelayInput struct {
	Signal       domain.Signal
	FromUserID   uuid.UUID
	TargetUserID uuid.UUID
}

// Relay forwards an opaque WebRTC signal to every connection of the target.
// Only ONGOING calls relay; anything else is rejected without delivery.
// It returns the number of connections the signal reached.
func (s *Service) Relay(ctx context.Context, input *RelayInput) (int, error) {
	sig := input.Signal
	if !sig.Type.Valid() {
		return 0, apperrors.ValidationError("type must be offer, answer or ice-candidate")
	}
	if !sig.HasPayload() {
		return 0, apperrors.ValidationError("signal payload is required")
	}

	// held until delivery so a concurrent end cannot slip between gate and send
	unlock := s.callLocks.Lock(sig.CallID)
	defer unlock()

	call, err := s.callRepo.GetByID(ctx, sig.CallID)
	if err != nil {
		return 0, err
	}

	if !call.IsParticipant(input.FromUserID) {
		return 0, apperrors.ForbiddenError("Only the caller or receiver may signal on this call")
	}

	target := input.TargetUserID
	if target == uuid.Nil {
		target = call.Peer(input.FromUserID)
	}
	if target != call.Peer(input.FromUserID) {
		return 0, apperrors.ValidationError("targetUserId must be the other participant")
	}

	if call.Phase != domain.CallPhaseOngoing {
		s.metrics.RecordSignal(string(sig.Type), "gated")
		return 0, apperrors.SignalRejectedError(
			fmt.Sprintf("Cannot relay %s on a %s call", sig.Type, call.Phase))
	}

	sig.FromUserID = input.FromUserID
	sig.CallID = call.ID
	delivered := s.rooms.DeliverToUser(target, EventWebRTCSignal, sig)

	s.metrics.RecordSignal(string(sig.Type), "delivered")
	logger.FromContext(ctx).Debug("Signal relayed",
		zap.String("call_id", call.ID.String()),
		zap.String("type", string(sig.Type)),
		zap.Int("connections", delivered))

	return delivered, nil
}
