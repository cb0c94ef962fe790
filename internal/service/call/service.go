package call

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/hub"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// Outbound events emitted by the state machine and the relay
const (
	EventIncomingCall = "incoming-call"
	EventCallAccepted = "call-accepted"
	EventCallUpdate   = "call-update"
	EventWebRTCSignal = "webrtc-signal"
)

// CallRepository persists calls. UpdatePhase must only write when the stored
// phase still equals from.
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	UpdatePhase(ctx context.Context, call *domain.Call, from domain.CallPhase) error
	GetActiveByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
	CountUserCalls(ctx context.Context, userID uuid.UUID) (int64, error)
}

// ConversationRepository resolves conversation membership
type ConversationRepository interface {
	GetConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error)
}

// Rooms is the part of the connection hub the state machine drives
type Rooms interface {
	Join(connID, channel string)
	JoinUser(userID uuid.UUID, channel string)
	Clear(channel string) int
	BroadcastMany(channels []string, event string, payload interface{}) int
	DeliverToUser(userID uuid.UUID, event string, payload interface{}) int
	IsOnline(userID uuid.UUID) bool
}

// Notifier pushes call events to devices of users who are not connected
type Notifier interface {
	SendCallNotification(ctx context.Context, call *domain.Call, caller domain.ParticipantSummary) error
	SendMissedCallNotification(ctx context.Context, call *domain.Call, caller domain.ParticipantSummary) error
}

// PresenceChecker reports whether a user is connected to any instance
type PresenceChecker interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Auditor keeps a durable trail of call transitions
type Auditor interface {
	LogInitiate(ctx context.Context, callID, callerID uuid.UUID, phase string) error
	LogTransition(ctx context.Context, callID, userID uuid.UUID, action, from, to string) error
}

// Actor is whoever requests a transition. ConnectionID is set when the
// request arrived over a live connection.
type Actor struct {
	UserID       uuid.UUID
	ConnectionID string
	system       bool
}

// UserActor is a participant acting through connID (empty for HTTP)
func UserActor(userID uuid.UUID, connID string) Actor {
	return Actor{UserID: userID, ConnectionID: connID}
}

// SystemActor bypasses participant authorization
func SystemActor() Actor {
	return Actor{system: true}
}

// InitiateCallInput contains call initiation data
type InitiateCallInput struct {
	ConversationID uuid.UUID
	CallerID       uuid.UUID
	ReceiverID     uuid.UUID
	Type           domain.CallType
}

// Service is the call state machine. It is the only writer of call records.
type Service struct {
	callRepo  CallRepository
	convRepo  ConversationRepository
	rooms     Rooms
	notifier  Notifier
	presence  PresenceChecker
	auditor   Auditor
	metrics   *metrics.Metrics
	scheduler Scheduler
	now       func() time.Time

	ringTimeout time.Duration
	callLocks   *keyedMutex
	convLocks   *keyedMutex
	closed      atomic.Bool
}

// NewService creates a new call service. notifier and presence may be nil.
func NewService(
	callRepo CallRepository,
	convRepo ConversationRepository,
	rooms Rooms,
	notifier Notifier,
	presence PresenceChecker,
	m *metrics.Metrics,
	ringTimeout time.Duration,
) *Service {
	if ringTimeout <= 0 {
		ringTimeout = constants.DefaultRingTimeout
	}
	return &Service{
		callRepo:    callRepo,
		convRepo:    convRepo,
		rooms:       rooms,
		notifier:    notifier,
		presence:    presence,
		metrics:     m,
		scheduler:   timeScheduler{},
		now:         time.Now,
		ringTimeout: ringTimeout,
		callLocks:   newKeyedMutex(),
		convLocks:   newKeyedMutex(),
	}
}

// SetAuditor enables the transition audit trail
func (s *Service) SetAuditor(a Auditor) {
	s.auditor = a
}

// Close stops pending ring timeouts from acting
func (s *Service) Close() {
	s.closed.Store(true)
}

// InitiateCall creates a PENDING call, joins the caller's connections to the
// call channel, arms the ring timeout and rings the receiver.
func (s *Service) InitiateCall(ctx context.Context, input *InitiateCallInput) (*domain.Call, error) {
	if !input.Type.Valid() {
		return nil, apperrors.ValidationError("type must be AUDIO or VIDEO")
	}
	if input.CallerID == input.ReceiverID {
		return nil, apperrors.ParticipantsEqualError()
	}

	conv, err := s.convRepo.GetConversation(ctx, input.ConversationID)
	if err != nil {
		return nil, err
	}
	caller, callerOK := conv.Member(input.CallerID)
	_, receiverOK := conv.Member(input.ReceiverID)
	if !callerOK || !receiverOK {
		return nil, apperrors.InvalidParticipantError()
	}

	unlock := s.convLocks.Lock(input.ConversationID)
	defer unlock()

	active, err := s.callRepo.GetActiveByConversation(ctx, input.ConversationID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apperrors.CallBusyError()
	}

	call := domain.NewCall(input.ConversationID, input.CallerID, input.ReceiverID, input.Type, s.now())
	if err := s.callRepo.Create(ctx, call); err != nil {
		return nil, err
	}
	s.metrics.RecordCall(string(call.Type))

	s.rooms.JoinUser(call.CallerID, hub.CallChannel(call.ID))

	// the receiver's user channel rings them even outside the chat room
	s.rooms.BroadcastMany(
		[]string{hub.ConversationChannel(call.ConversationID), hub.UserChannel(call.ReceiverID)},
		EventIncomingCall,
		domain.IncomingCall{Call: call.Clone(), Caller: caller},
	)

	s.armTimeout(call.ID)

	logger.FromContext(ctx).Info("Call initiated",
		zap.String("call_id", call.ID.String()),
		zap.String("conversation_id", call.ConversationID.String()),
		zap.String("caller_id", call.CallerID.String()),
		zap.String("receiver_id", call.ReceiverID.String()),
		zap.String("type", string(call.Type)))

	s.audit(func(ctx context.Context, a Auditor) error {
		return a.LogInitiate(ctx, call.ID, call.CallerID, string(domain.CallPhasePending))
	})

	if !s.rooms.IsOnline(call.ReceiverID) {
		go s.notifyIncoming(call.Clone(), caller)
	}

	return call.Clone(), nil
}

// ApplyAction moves a call along its phase DAG on behalf of actor
func (s *Service) ApplyAction(ctx context.Context, callID uuid.UUID, action domain.CallAction, actor Actor) (*domain.Call, error) {
	if !action.Valid() {
		return nil, apperrors.ValidationError("action must be one of accept, reject, end, miss")
	}

	unlock := s.callLocks.Lock(callID)
	defer unlock()

	call, err := s.apply(ctx, callID, action, actor)
	if err != nil {
		s.metrics.RecordTransition(string(action), string(apperrors.GetAppError(err).Code))
		return nil, err
	}
	s.metrics.RecordTransition(string(action), "applied")
	return call, nil
}

// apply runs with the call lock held so broadcasts keep transition order
func (s *Service) apply(ctx context.Context, callID uuid.UUID, action domain.CallAction, actor Actor) (*domain.Call, error) {
	call, err := s.callRepo.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}

	if !actor.system && !call.IsParticipant(actor.UserID) {
		return nil, apperrors.ForbiddenError("Only the caller or receiver may act on this call")
	}

	from := call.Phase
	if !call.Apply(action, s.now()) {
		return nil, apperrors.InvalidTransitionError(string(from), string(action))
	}

	if err := s.callRepo.UpdatePhase(ctx, call, from); err != nil {
		return nil, err
	}

	callChannel := hub.CallChannel(call.ID)
	channels := []string{hub.ConversationChannel(call.ConversationID), callChannel}

	if call.Phase == domain.CallPhaseOngoing {
		if actor.ConnectionID != "" {
			s.rooms.Join(actor.ConnectionID, callChannel)
		} else {
			s.rooms.JoinUser(actor.UserID, callChannel)
		}
		s.rooms.BroadcastMany(channels, EventCallAccepted, call.Clone())
	} else {
		s.metrics.RecordCallFinished(string(call.Type), string(call.Phase), call.Duration())
		s.rooms.BroadcastMany(channels, EventCallUpdate, call.Clone())
		s.rooms.Clear(callChannel)
	}

	logger.FromContext(ctx).Info("Call transitioned",
		zap.String("call_id", call.ID.String()),
		zap.String("action", string(action)),
		zap.String("from", string(from)),
		zap.String("to", string(call.Phase)),
		zap.Bool("system", actor.system))

	to := call.Phase
	s.audit(func(ctx context.Context, a Auditor) error {
		return a.LogTransition(ctx, callID, actor.UserID, string(action), string(from), string(to))
	})

	if actor.system && call.Phase == domain.CallPhaseMissed {
		go s.notifyMissed(call.Clone())
	}

	return call.Clone(), nil
}

// GetCall returns a call to one of its participants
func (s *Service) GetCall(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.callRepo.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.IsParticipant(userID) {
		return nil, apperrors.ForbiddenError("Only the caller or receiver may view this call")
	}
	return call, nil
}

// GetUserCallHistory lists one page of the user's calls, newest first, with
// the total number of calls the user took part in
func (s *Service) GetUserCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, int64, error) {
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	calls, err := s.callRepo.GetUserCalls(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.callRepo.CountUserCalls(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return calls, total, nil
}

// audit writes off the call lock; a failed write is logged and dropped
func (s *Service) audit(write func(ctx context.Context, a Auditor) error) {
	if s.auditor == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cancel()
		if err := write(ctx, s.auditor); err != nil {
			logger.Warn("Call audit write failed", zap.Error(err))
		}
	}()
}

func (s *Service) armTimeout(callID uuid.UUID) {
	s.scheduler.AfterFunc(s.ringTimeout, func() {
		s.fireTimeout(callID)
	})
}

// fireTimeout re-validates the phase; a call that already left PENDING wins
func (s *Service) fireTimeout(callID uuid.UUID) {
	if s.closed.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.SystemActionTimeout)
	defer cancel()

	_, err := s.ApplyAction(ctx, callID, domain.CallActionMiss, SystemActor())
	switch {
	case err == nil:
		s.metrics.RecordTimeout("missed")
	case apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition):
		s.metrics.RecordTimeout("superseded")
		logger.Debug("Ring timeout superseded", zap.String("call_id", callID.String()))
	default:
		s.metrics.RecordTimeout("error")
		logger.Error("Ring timeout failed",
			zap.String("call_id", callID.String()),
			zap.Error(err))
	}
}

func (s *Service) notifyIncoming(call *domain.Call, caller domain.ParticipantSummary) {
	if s.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	if s.presence != nil {
		online, err := s.presence.IsUserOnline(ctx, call.ReceiverID)
		if err == nil && online {
			// connected to another instance, which rang them already
			return
		}
	}

	if err := s.notifier.SendCallNotification(ctx, call, caller); err != nil {
		logger.Warn("Incoming call push failed",
			zap.String("call_id", call.ID.String()),
			zap.Error(err))
	}
}

func (s *Service) notifyMissed(call *domain.Call) {
	if s.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	caller := domain.ParticipantSummary{UserID: call.CallerID}
	if conv, err := s.convRepo.GetConversation(ctx, call.ConversationID); err == nil {
		if member, ok := conv.Member(call.CallerID); ok {
			caller = member
		}
	}

	if err := s.notifier.SendMissedCallNotification(ctx, call, caller); err != nil {
		logger.Warn("Missed call push failed",
			zap.String("call_id", call.ID.String()),
			zap.Error(err))
	}
}
