package call

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/hub"
	"chatcall-backend/internal/repository/memory"
	apperrors "chatcall-backend/pkg/errors"
)

// --- fakes ---

type broadcast struct {
	channels []string
	event    string
	payload  interface{}
}

type delivery struct {
	userID  uuid.UUID
	event   string
	payload interface{}
}

type fakeRooms struct {
	mu         sync.Mutex
	online     map[uuid.UUID]bool
	joins      map[string][]string // channel -> connection ids
	userJoins  map[string][]uuid.UUID
	cleared    []string
	broadcasts []broadcast
	deliveries []delivery
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{
		online:    make(map[uuid.UUID]bool),
		joins:     make(map[string][]string),
		userJoins: make(map[string][]uuid.UUID),
	}
}

func (r *fakeRooms) Join(connID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins[channel] = append(r.joins[channel], connID)
}

func (r *fakeRooms) JoinUser(userID uuid.UUID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userJoins[channel] = append(r.userJoins[channel], userID)
}

func (r *fakeRooms) Clear(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = append(r.cleared, channel)
	return 0
}

func (r *fakeRooms) BroadcastMany(channels []string, event string, payload interface{}) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, broadcast{channels: channels, event: event, payload: payload})
	return 1
}

func (r *fakeRooms) DeliverToUser(userID uuid.UUID, event string, payload interface{}) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, delivery{userID: userID, event: event, payload: payload})
	return 1
}

func (r *fakeRooms) IsOnline(userID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[userID]
}

func (r *fakeRooms) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.broadcasts))
	for _, b := range r.broadcasts {
		names = append(names, b.event)
	}
	return names
}

func (r *fakeRooms) lastBroadcast() broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcasts[len(r.broadcasts)-1]
}

// manualScheduler records timeouts and fires them on demand
type manualScheduler struct {
	mu      sync.Mutex
	pending []func()
	delays  []time.Duration
}

func (m *manualScheduler) AfterFunc(d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, fn)
	m.delays = append(m.delays, d)
}

func (m *manualScheduler) fireAll() {
	m.mu.Lock()
	fns := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// MockNotifier is a mock implementation of Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendCallNotification(ctx context.Context, call *domain.Call, caller domain.ParticipantSummary) error {
	return m.Called(ctx, call, caller).Error(0)
}

func (m *MockNotifier) SendMissedCallNotification(ctx context.Context, call *domain.Call, caller domain.ParticipantSummary) error {
	return m.Called(ctx, call, caller).Error(0)
}

// MockCallRepository is a mock implementation of CallRepository
type MockCallRepository struct {
	mock.Mock
}

func (m *MockCallRepository) Create(ctx context.Context, call *domain.Call) error {
	return m.Called(ctx, call).Error(0)
}

func (m *MockCallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallRepository) UpdatePhase(ctx context.Context, call *domain.Call, from domain.CallPhase) error {
	return m.Called(ctx, call, from).Error(0)
}

func (m *MockCallRepository) GetActiveByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func (m *MockCallRepository) CountUserCalls(ctx context.Context, userID uuid.UUID) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

type auditEntry struct {
	callID uuid.UUID
	userID uuid.UUID
	action string
	from   string
	to     string
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *recordingAuditor) LogInitiate(ctx context.Context, callID, callerID uuid.UUID, phase string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{callID: callID, userID: callerID, action: "initiate", to: phase})
	return nil
}

func (a *recordingAuditor) LogTransition(ctx context.Context, callID, userID uuid.UUID, action, from, to string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{callID: callID, userID: userID, action: action, from: from, to: to})
	return nil
}

func (a *recordingAuditor) snapshot() []auditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]auditEntry(nil), a.entries...)
}

// --- fixture ---

type fixture struct {
	svc       *Service
	calls     *memory.CallRepository
	rooms     *fakeRooms
	scheduler *manualScheduler
	conv      *domain.Conversation
	alice     domain.ParticipantSummary
	bob       domain.ParticipantSummary
}

func newFixture(t *testing.T, notifier Notifier) *fixture {
	t.Helper()

	alice := domain.ParticipantSummary{UserID: uuid.New(), Username: "alice", DisplayName: "Alice"}
	bob := domain.ParticipantSummary{UserID: uuid.New(), Username: "bob"}
	conv := &domain.Conversation{ID: uuid.New(), Participants: []domain.ParticipantSummary{alice, bob}}

	convs := memory.NewConversationRepository()
	convs.Save(conv)
	calls := memory.NewCallRepository()
	rooms := newFakeRooms()
	// both parties connected unless a test says otherwise
	rooms.online[alice.UserID] = true
	rooms.online[bob.UserID] = true

	svc := NewService(calls, convs, rooms, notifier, nil, nil, 10*time.Second)
	scheduler := &manualScheduler{}
	svc.scheduler = scheduler

	return &fixture{
		svc:       svc,
		calls:     calls,
		rooms:     rooms,
		scheduler: scheduler,
		conv:      conv,
		alice:     alice,
		bob:       bob,
	}
}

func (f *fixture) initiate(t *testing.T) *domain.Call {
	t.Helper()
	call, err := f.svc.InitiateCall(context.Background(), &InitiateCallInput{
		ConversationID: f.conv.ID,
		CallerID:       f.alice.UserID,
		ReceiverID:     f.bob.UserID,
		Type:           domain.CallTypeVideo,
	})
	require.NoError(t, err)
	return call
}

func (f *fixture) phase(t *testing.T, callID uuid.UUID) domain.CallPhase {
	t.Helper()
	call, err := f.calls.GetByID(context.Background(), callID)
	require.NoError(t, err)
	return call.Phase
}

// --- initiateCall ---

func TestInitiateCall_CreatesPendingCallAndRings(t *testing.T) {
	f := newFixture(t, nil)

	call := f.initiate(t)

	assert.Equal(t, domain.CallPhasePending, call.Phase)
	assert.Nil(t, call.EndedAt)
	assert.Equal(t, domain.CallPhasePending, f.phase(t, call.ID))

	require.Len(t, f.rooms.broadcasts, 1)
	b := f.rooms.broadcasts[0]
	assert.Equal(t, EventIncomingCall, b.event)
	assert.ElementsMatch(t, []string{hub.ConversationChannel(f.conv.ID), hub.UserChannel(f.bob.UserID)}, b.channels)

	incoming, ok := b.payload.(domain.IncomingCall)
	require.True(t, ok)
	assert.Equal(t, call.ID, incoming.ID)
	assert.Equal(t, f.alice, incoming.Caller)

	assert.Equal(t, []uuid.UUID{f.alice.UserID}, f.rooms.userJoins[hub.CallChannel(call.ID)])
	assert.Equal(t, []time.Duration{10 * time.Second}, f.scheduler.delays)
}

func TestInitiateCall_Validation(t *testing.T) {
	f := newFixture(t, nil)
	stranger := uuid.New()

	tests := []struct {
		name     string
		input    *InitiateCallInput
		wantCode apperrors.ErrorCode
	}{
		{
			name:     "same caller and receiver",
			input:    &InitiateCallInput{ConversationID: f.conv.ID, CallerID: f.alice.UserID, ReceiverID: f.alice.UserID, Type: domain.CallTypeAudio},
			wantCode: apperrors.ErrCodeParticipantsEqual,
		},
		{
			name:     "receiver not a member",
			input:    &InitiateCallInput{ConversationID: f.conv.ID, CallerID: f.alice.UserID, ReceiverID: stranger, Type: domain.CallTypeAudio},
			wantCode: apperrors.ErrCodeInvalidParticipant,
		},
		{
			name:     "caller not a member",
			input:    &InitiateCallInput{ConversationID: f.conv.ID, CallerID: stranger, ReceiverID: f.bob.UserID, Type: domain.CallTypeAudio},
			wantCode: apperrors.ErrCodeInvalidParticipant,
		},
		{
			name:     "unknown conversation",
			input:    &InitiateCallInput{ConversationID: uuid.New(), CallerID: f.alice.UserID, ReceiverID: f.bob.UserID, Type: domain.CallTypeAudio},
			wantCode: apperrors.ErrCodeNotFound,
		},
		{
			name:     "unknown type",
			input:    &InitiateCallInput{ConversationID: f.conv.ID, CallerID: f.alice.UserID, ReceiverID: f.bob.UserID, Type: "SCREEN"},
			wantCode: apperrors.ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, err := f.svc.InitiateCall(context.Background(), tt.input)

			assert.Nil(t, call)
			assert.True(t, apperrors.HasCode(err, tt.wantCode), "got %v", err)
		})
	}

	// no state and no events were produced
	assert.Empty(t, f.rooms.broadcasts)
	assert.Empty(t, f.scheduler.pending)
}

func TestInitiateCall_BusyConversation(t *testing.T) {
	f := newFixture(t, nil)
	first := f.initiate(t)

	_, err := f.svc.InitiateCall(context.Background(), &InitiateCallInput{
		ConversationID: f.conv.ID,
		CallerID:       f.bob.UserID,
		ReceiverID:     f.alice.UserID,
		Type:           domain.CallTypeAudio,
	})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallBusy))

	// a finished call frees the conversation
	_, err = f.svc.ApplyAction(context.Background(), first.ID, domain.CallActionReject, UserActor(f.bob.UserID, ""))
	require.NoError(t, err)
	f.initiate(t)
}

func TestInitiateCall_ConcurrentInitiationsYieldOneCall(t *testing.T) {
	f := newFixture(t, nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		busy      int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.InitiateCall(context.Background(), &InitiateCallInput{
				ConversationID: f.conv.ID,
				CallerID:       f.alice.UserID,
				ReceiverID:     f.bob.UserID,
				Type:           domain.CallTypeAudio,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if apperrors.HasCode(err, apperrors.ErrCodeCallBusy) {
				busy++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 9, busy)
}

func TestInitiateCall_PushesOfflineReceiver(t *testing.T) {
	notifier := new(MockNotifier)
	f := newFixture(t, notifier)
	f.rooms.online[f.bob.UserID] = false

	done := make(chan struct{})
	notifier.On("SendCallNotification", mock.Anything, mock.AnythingOfType("*domain.Call"), f.alice).
		Run(func(mock.Arguments) { close(done) }).
		Return(nil)

	f.initiate(t)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push notification was not sent")
	}
	notifier.AssertExpectations(t)
}

func TestInitiateCall_OnlineReceiverIsNotPushed(t *testing.T) {
	notifier := new(MockNotifier)
	f := newFixture(t, notifier)

	f.initiate(t)

	time.Sleep(20 * time.Millisecond)
	notifier.AssertNotCalled(t, "SendCallNotification", mock.Anything, mock.Anything, mock.Anything)
}

// --- applyAction ---

func TestApplyAction_AcceptOverConnection(t *testing.T) {
	f := newFixture(t, nil)
	call := f.initiate(t)

	accepted, err := f.svc.ApplyAction(context.Background(), call.ID, domain.CallActionAccept, UserActor(f.bob.UserID, "bob-tab-1"))

	require.NoError(t, err)
	assert.Equal(t, domain.CallPhaseOngoing, accepted.Phase)
	assert.Nil(t, accepted.EndedAt)
	assert.Equal(t, []string{"bob-tab-1"}, f.rooms.joins[hub.CallChannel(call.ID)])

	last := f.rooms.lastBroadcast()
	assert.Equal(t, EventCallAccepted, last.event)
	assert.Contains(t, last.channels, hub.ConversationChannel(f.conv.ID))
	assert.Empty(t, f.rooms.cleared)
}

func TestApplyAction_AcceptOverHTTPJoinsAllConnections(t *testing.T) {
	f := newFixture(t, nil)
	call := f.initiate(t)

	_, err := f.svc.ApplyAction(context.Background(), call.ID, domain.CallActionAccept, UserActor(f.bob.UserID, ""))

	require.NoError(t, err)
	assert.Contains(t, f.rooms.userJoins[hub.CallChannel(call.ID)], f.bob.UserID)
}

func TestApplyAction_EndTearsDownCallChannel(t *testing.T) {
	f := newFixture(t, nil)
	call := f.initiate(t)
	_, err := f.svc.ApplyAction(context.Background(), call.ID, domain.CallActionAccept, UserActor(f.bob.UserID, "c1"))
	require.NoError(t, err)

	ended, err := f.svc.ApplyAction(context.Background(), call.ID, domain.CallActionEnd, UserActor(f.alice.UserID, "c2"))

	require.NoError(t, err)
	assert.Equal(t, domain.CallPhaseEnded, ended.Phase)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, EventCallUpdate, f.rooms.lastBroadcast().event)
	assert.Equal(t, []string{hub.CallChannel(call.ID)}, f.rooms.cleared)
}

func TestApplyAction_RejectOnEndedCallIsInvalid(t *testing.T) {
	f := newFixture(t, nil)
	call := f.initiate(t)
	ctx := context.Background()
	_, err := f.svc.ApplyAction(ctx, call.ID, domain.CallActionAccept, UserActor(f.bob.UserID, ""))
	require.NoError(t, err)
	ended, err := f.svc.ApplyAction(ctx, call.ID, domain.CallActionEnd, UserActor(f.alice.UserID, ""))
	require.NoError(t, err)
	before := len(f.rooms.broadcasts)

	_, err = f.svc.ApplyAction(ctx, call.ID, domain.CallActionReject, UserActor(f.alice.UserID, ""))

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))
	assert.Len(t, f.rooms.broadcasts, before)
	stored, _ := f.calls.GetByID(ctx, call.ID)
	assert.Equal(t, domain.CallPhaseEnded, stored.Phase)
	assert.Equal(t, ended.EndedAt, stored.EndedAt)
}

func TestApplyAction_DuplicateTerminalActionIsInvalid(t *testing.T) {
	f := newFixture(t, nil)
	call := f.initiate(t)

	_, err := f.svc.ApplyAction(context.Background(), call.ID, domain.CallActionReject, UserActor(f.bob.UserID, ""))
	require.NoError(t, err)

	_, err = f.svc.ApplyAction(context.Background(), call.ID, domain.CallActionReject, UserActor(f.bob.UserID, ""))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))
}

func TestApplyAction_EndRequiresOngoing(t *testing.T) {
	f := newFixture(t, nil)
	call := f.initiate(t)

	_, err := f.svc.ApplyAction(context.Background(), call.ID, domain.CallActionEnd, UserActor(f.alice.UserID, ""))

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))
	assert.Equal(t, domain.CallPhasePending, f.phase(t, call.ID))
}

func TestApplyAction_CallerMayCancelWithMiss(t *testing.T) {
	f := newFixture(t, nil)
	call := f.initiate(t)

	missed, err := f.svc.ApplyAction(context.Background(), call.ID, domain.CallActionMiss, UserActor(f.alice.UserID, ""))

	require.NoError(t, err)
	assert.Equal(t, domain.CallPhaseMissed, missed.Phase)
	assert.NotNil(t, missed.EndedAt)
}

func TestApplyAction_UnknownCall(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.ApplyAction(context.Background(), uuid.New(), domain.CallActionAccept, UserActor(f.bob.UserID, ""))

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
	assert.Empty(t, f.rooms.broadcasts)
}

func TestApplyAction_UnknownAction(t *testing.T) {
	f := newFixture(t, nil)
	call := f.initiate(t)

	_, err := f.svc.ApplyAction(context.Background(), call.ID, "hold", UserActor(f.bob.UserID, ""))

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestApplyAction_NonParticipantIsForbidden(t *testing.T) {
	f := newFixture(t, nil)
	call := f.initiate(t)
	stranger := uuid.New()

	for _, action := range []domain.CallAction{domain.CallActionAccept, domain.CallActionReject, domain.CallActionEnd, domain.CallActionMiss} {
		_, err := f.svc.ApplyAction(context.Background(), call.ID, action, UserActor(stranger, ""))

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden), "action %s", action)
		assert.Equal(t, domain.CallPhasePending, f.phase(t, call.ID))
	}
}

func TestApplyAction_ConcurrentAcceptsSingleWinner(t *testing.T) {
	f := newFixture(t, nil)
	call := f.initiate(t)

	const racers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		invalid int
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.ApplyAction(context.Background(), call.ID, domain.CallActionAccept, UserActor(f.bob.UserID, ""))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition):
				invalid++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, invalid)
	assert.Equal(t, domain.CallPhaseOngoing, f.phase(t, call.ID))
	assert.Equal(t, 0, f.svc.callLocks.size())
}

func TestApplyAction_RepositoryErrorPropagates(t *testing.T) {
	repo := new(MockCallRepository)
	svc := NewService(repo, memory.NewConversationRepository(), newFakeRooms(), nil, nil, nil, time.Second)
	caller, receiver := uuid.New(), uuid.New()
	call := domain.NewCall(uuid.New(), caller, receiver, domain.CallTypeAudio, time.Now())

	repo.On("GetByID", mock.Anything, call.ID).Return(call, nil)
	repo.On("UpdatePhase", mock.Anything, mock.Anything, domain.CallPhasePending).
		Return(apperrors.DatabaseError(errors.New("connection reset")))

	_, err := svc.ApplyAction(context.Background(), call.ID, domain.CallActionAccept, UserActor(receiver, ""))

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))
	repo.AssertExpectations(t)
}

// --- timeout ---

func TestTimeout_MissesUnansweredCall(t *testing.T) {
	notifier := new(MockNotifier)
	f := newFixture(t, notifier)
	call := f.initiate(t)

	done := make(chan struct{})
	notifier.On("SendMissedCallNotification", mock.Anything, mock.AnythingOfType("*domain.Call"), f.alice).
		Run(func(mock.Arguments) { close(done) }).
		Return(nil)

	f.scheduler.fireAll()

	stored, err := f.calls.GetByID(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallPhaseMissed, stored.Phase)
	assert.NotNil(t, stored.EndedAt)

	last := f.rooms.lastBroadcast()
	assert.Equal(t, EventCallUpdate, last.event)
	updated := last.payload.(*domain.Call)
	assert.Equal(t, domain.CallPhaseMissed, updated.Phase)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("missed call push was not sent")
	}
}

func TestTimeout_SupersededByHumanAction(t *testing.T) {
	for _, action := range []domain.CallAction{domain.CallActionAccept, domain.CallActionReject} {
		t.Run(string(action), func(t *testing.T) {
			f := newFixture(t, nil)
			call := f.initiate(t)
			acted, err := f.svc.ApplyAction(context.Background(), call.ID, action, UserActor(f.bob.UserID, ""))
			require.NoError(t, err)
			events := len(f.rooms.broadcasts)

			f.scheduler.fireAll()

			stored, _ := f.calls.GetByID(context.Background(), call.ID)
			assert.Equal(t, acted.Phase, stored.Phase)
			assert.Equal(t, acted.EndedAt, stored.EndedAt)
			assert.Len(t, f.rooms.broadcasts, events)
		})
	}
}

func TestTimeout_RacingAcceptNeverOverwritten(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, nil)
		call := f.initiate(t)

		var wg sync.WaitGroup
		var acceptErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.scheduler.fireAll()
		}()
		go func() {
			defer wg.Done()
			_, acceptErr = f.svc.ApplyAction(context.Background(), call.ID, domain.CallActionAccept, UserActor(f.bob.UserID, ""))
		}()
		wg.Wait()

		phase := f.phase(t, call.ID)
		if acceptErr == nil {
			assert.Equal(t, domain.CallPhaseOngoing, phase)
		} else {
			assert.True(t, apperrors.HasCode(acceptErr, apperrors.ErrCodeInvalidTransition))
			assert.Equal(t, domain.CallPhaseMissed, phase)
		}
	}
}

func TestTimeout_IgnoredAfterClose(t *testing.T) {
	f := newFixture(t, nil)
	call := f.initiate(t)

	f.svc.Close()
	f.scheduler.fireAll()

	assert.Equal(t, domain.CallPhasePending, f.phase(t, call.ID))
}

// --- properties over random action sequences ---

func TestApplyAction_RandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	actions := []domain.CallAction{domain.CallActionAccept, domain.CallActionReject, domain.CallActionEnd, domain.CallActionMiss}

	for run := 0; run < 50; run++ {
		f := newFixture(t, nil)
		call := f.initiate(t)
		actors := []Actor{UserActor(f.alice.UserID, ""), UserActor(f.bob.UserID, ""), UserActor(uuid.New(), ""), SystemActor()}

		prev := domain.CallPhasePending
		var terminalAt *time.Time
		for step := 0; step < 8; step++ {
			action := actions[rng.Intn(len(actions))]
			actor := actors[rng.Intn(len(actors))]
			_, _ = f.svc.ApplyAction(context.Background(), call.ID, action, actor)

			stored, err := f.calls.GetByID(context.Background(), call.ID)
			require.NoError(t, err)

			if prev != domain.CallPhasePending {
				assert.NotEqual(t, domain.CallPhasePending, stored.Phase, "phase returned to PENDING")
			}
			if prev.IsTerminal() {
				assert.Equal(t, prev, stored.Phase, "terminal phase changed")
				assert.Equal(t, terminalAt, stored.EndedAt, "endedAt rewritten")
			}
			assert.Equal(t, stored.Phase.IsTerminal(), stored.EndedAt != nil, "endedAt out of sync with %s", stored.Phase)

			if stored.Phase.IsTerminal() && terminalAt == nil {
				terminalAt = stored.EndedAt
			}
			prev = stored.Phase
		}
	}
}

// --- relay ---

func ongoingCall(t *testing.T, f *fixture) *domain.Call {
	t.Helper()
	call := f.initiate(t)
	accepted, err := f.svc.ApplyAction(context.Background(), call.ID, domain.CallActionAccept, UserActor(f.bob.UserID, ""))
	require.NoError(t, err)
	return accepted
}

func offer(callID uuid.UUID) domain.Signal {
	return domain.Signal{
		Type:   domain.SignalTypeOffer,
		CallID: callID,
		SDP:    json.RawMessage(`{"type":"offer","sdp":"v=0..."}`),
	}
}

func TestRelay_DeliversToPeer(t *testing.T) {
	f := newFixture(t, nil)
	call := ongoingCall(t, f)

	n, err := f.svc.Relay(context.Background(), &RelayInput{
		Signal:       offer(call.ID),
		FromUserID:   f.alice.UserID,
		TargetUserID: f.bob.UserID,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.rooms.deliveries, 1)
	d := f.rooms.deliveries[0]
	assert.Equal(t, f.bob.UserID, d.userID)
	assert.Equal(t, EventWebRTCSignal, d.event)

	sig := d.payload.(domain.Signal)
	assert.Equal(t, f.alice.UserID, sig.FromUserID)
	assert.Equal(t, call.ID, sig.CallID)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0..."}`, string(sig.SDP))
}

func TestRelay_DefaultsTargetToPeer(t *testing.T) {
	f := newFixture(t, nil)
	call := ongoingCall(t, f)

	_, err := f.svc.Relay(context.Background(), &RelayInput{Signal: offer(call.ID), FromUserID: f.bob.UserID})

	require.NoError(t, err)
	assert.Equal(t, f.alice.UserID, f.rooms.deliveries[0].userID)
}

func TestRelay_GatedOutsideOngoing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pending := f.initiate(t)
	_, err := f.svc.Relay(ctx, &RelayInput{Signal: offer(pending.ID), FromUserID: f.alice.UserID})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalRejected))

	_, err = f.svc.ApplyAction(ctx, pending.ID, domain.CallActionAccept, UserActor(f.bob.UserID, ""))
	require.NoError(t, err)
	_, err = f.svc.ApplyAction(ctx, pending.ID, domain.CallActionEnd, UserActor(f.bob.UserID, ""))
	require.NoError(t, err)

	_, err = f.svc.Relay(ctx, &RelayInput{Signal: offer(pending.ID), FromUserID: f.alice.UserID})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalRejected))

	assert.Empty(t, f.rooms.deliveries)
}

func TestRelay_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	call := ongoingCall(t, f)
	stranger := uuid.New()

	tests := []struct {
		name     string
		input    *RelayInput
		wantCode apperrors.ErrorCode
	}{
		{
			name:     "sender not a participant",
			input:    &RelayInput{Signal: offer(call.ID), FromUserID: stranger, TargetUserID: f.bob.UserID},
			wantCode: apperrors.ErrCodeForbidden,
		},
		{
			name:     "target is not the peer",
			input:    &RelayInput{Signal: offer(call.ID), FromUserID: f.alice.UserID, TargetUserID: stranger},
			wantCode: apperrors.ErrCodeValidation,
		},
		{
			name:     "target is the sender",
			input:    &RelayInput{Signal: offer(call.ID), FromUserID: f.alice.UserID, TargetUserID: f.alice.UserID},
			wantCode: apperrors.ErrCodeValidation,
		},
		{
			name:     "unknown type",
			input:    &RelayInput{Signal: domain.Signal{Type: "renegotiate", CallID: call.ID, Data: json.RawMessage(`{}`)}, FromUserID: f.alice.UserID},
			wantCode: apperrors.ErrCodeValidation,
		},
		{
			name:     "missing payload",
			input:    &RelayInput{Signal: domain.Signal{Type: domain.SignalTypeAnswer, CallID: call.ID}, FromUserID: f.alice.UserID},
			wantCode: apperrors.ErrCodeValidation,
		},
		{
			name:     "unknown call",
			input:    &RelayInput{Signal: offer(uuid.New()), FromUserID: f.alice.UserID},
			wantCode: apperrors.ErrCodeCallNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Relay(context.Background(), tt.input)
			assert.True(t, apperrors.HasCode(err, tt.wantCode), "got %v", err)
		})
	}
	assert.Empty(t, f.rooms.deliveries)
}

// --- queries ---

func TestGetCall_ParticipantsOnly(t *testing.T) {
	f := newFixture(t, nil)
	call := f.initiate(t)

	got, err := f.svc.GetCall(context.Background(), call.ID, f.bob.UserID)
	require.NoError(t, err)
	assert.Equal(t, call.ID, got.ID)

	_, err = f.svc.GetCall(context.Background(), call.ID, uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
}

func TestGetUserCallHistory_ClampsPaging(t *testing.T) {
	repo := new(MockCallRepository)
	svc := NewService(repo, memory.NewConversationRepository(), newFakeRooms(), nil, nil, nil, time.Second)
	userID := uuid.New()

	repo.On("GetUserCalls", mock.Anything, userID, 100, 0).Return([]*domain.Call{}, nil)
	repo.On("CountUserCalls", mock.Anything, userID).Return(int64(0), nil)

	calls, total, err := svc.GetUserCallHistory(context.Background(), userID, 500, -3)

	require.NoError(t, err)
	assert.Empty(t, calls)
	assert.Zero(t, total)
	repo.AssertExpectations(t)
}

func TestGetUserCallHistory_CountFailure(t *testing.T) {
	repo := new(MockCallRepository)
	svc := NewService(repo, memory.NewConversationRepository(), newFakeRooms(), nil, nil, nil, time.Second)
	userID := uuid.New()

	repo.On("GetUserCalls", mock.Anything, userID, 20, 0).Return([]*domain.Call{}, nil)
	repo.On("CountUserCalls", mock.Anything, userID).Return(int64(0), apperrors.DatabaseError(errors.New("connection reset")))

	_, _, err := svc.GetUserCallHistory(context.Background(), userID, 0, 0)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))
}

func TestAuditor_RecordsEveryTransition(t *testing.T) {
	f := newFixture(t, nil)
	auditor := &recordingAuditor{}
	f.svc.SetAuditor(auditor)

	call := f.initiate(t)
	_, err := f.svc.ApplyAction(context.Background(), call.ID, domain.CallActionAccept, UserActor(f.bob.UserID, ""))
	require.NoError(t, err)
	_, err = f.svc.ApplyAction(context.Background(), call.ID, domain.CallActionEnd, UserActor(f.alice.UserID, ""))
	require.NoError(t, err)

	// rejected transitions leave no trace
	_, err = f.svc.ApplyAction(context.Background(), call.ID, domain.CallActionEnd, UserActor(f.alice.UserID, ""))
	require.Error(t, err)

	require.Eventually(t, func() bool { return len(auditor.snapshot()) == 3 }, time.Second, 5*time.Millisecond)

	entries := auditor.snapshot()
	assert.ElementsMatch(t, []auditEntry{
		{callID: call.ID, userID: f.alice.UserID, action: "initiate", to: "PENDING"},
		{callID: call.ID, userID: f.bob.UserID, action: "accept", from: "PENDING", to: "ONGOING"},
		{callID: call.ID, userID: f.alice.UserID, action: "end", from: "ONGOING", to: "ENDED"},
	}, entries)
}

func TestAuditor_SystemMissHasNoUser(t *testing.T) {
	f := newFixture(t, nil)
	auditor := &recordingAuditor{}
	f.svc.SetAuditor(auditor)

	call := f.initiate(t)
	f.scheduler.fireAll()

	require.Eventually(t, func() bool { return len(auditor.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	for _, e := range auditor.snapshot() {
		if e.action == "miss" {
			assert.Equal(t, uuid.Nil, e.userID)
			assert.Equal(t, call.ID, e.callID)
			assert.Equal(t, "MISSED", e.to)
		}
	}
}
