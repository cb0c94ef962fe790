package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType is the media kind of a call
type CallType string

const (
	CallTypeAudio CallType = "AUDIO"
	CallTypeVideo CallType = "VIDEO"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallPhase is the lifecycle state of a call
type CallPhase string

const (
	CallPhasePending  CallPhase = "PENDING"
	CallPhaseOngoing  CallPhase = "ONGOING"
	CallPhaseEnded    CallPhase = "ENDED"
	CallPhaseRejected CallPhase = "REJECTED"
	CallPhaseMissed   CallPhase = "MISSED"
)

// IsTerminal reports whether no further transition can leave p
func (p CallPhase) IsTerminal() bool {
	switch p {
	case CallPhaseEnded, CallPhaseRejected, CallPhaseMissed:
		return true
	}
	return false
}

// CallAction is a request to move a call to another phase
type CallAction string

const (
	CallActionAccept CallAction = "accept"
	CallActionReject CallAction = "reject"
	CallActionEnd    CallAction = "end"
	CallActionMiss   CallAction = "miss"
)

// Valid reports whether a is a known action
func (a CallAction) Valid() bool {
	switch a {
	case CallActionAccept, CallActionReject, CallActionEnd, CallActionMiss:
		return true
	}
	return false
}

type transitionKey struct {
	from   CallPhase
	action CallAction
}

// transitions is the whole phase DAG. Anything absent is illegal.
var transitions = map[transitionKey]CallPhase{
	{CallPhasePending, CallActionAccept}: CallPhaseOngoing,
	{CallPhasePending, CallActionReject}: CallPhaseRejected,
	{CallPhasePending, CallActionMiss}:   CallPhaseMissed,
	{CallPhaseOngoing, CallActionEnd}:    CallPhaseEnded,
}

// NextPhase returns the phase reached by applying action in from
func NextPhase(from CallPhase, action CallAction) (CallPhase, bool) {
	to, ok := transitions[transitionKey{from, action}]
	return to, ok
}

// Call represents a two-party audio/video call attempt
type Call struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversationId"`
	CallerID       uuid.UUID  `json:"callerId"`
	ReceiverID     uuid.UUID  `json:"receiverId"`
	Type           CallType   `json:"type"`
	Phase          CallPhase  `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// NewCall creates a PENDING call
func NewCall(conversationID, callerID, receiverID uuid.UUID, callType CallType, now time.Time) *Call {
	return &Call{
		ID:             uuid.New(),
		ConversationID: conversationID,
		CallerID:       callerID,
		ReceiverID:     receiverID,
		Type:           callType,
		Phase:          CallPhasePending,
		CreatedAt:      now,
	}
}

// IsParticipant reports whether userID is the caller or the receiver
func (c *Call) IsParticipant(userID uuid.UUID) bool {
	return userID == c.CallerID || userID == c.ReceiverID
}

// Peer returns the other party of the call
func (c *Call) Peer(userID uuid.UUID) uuid.UUID {
	if userID == c.CallerID {
		return c.ReceiverID
	}
	return c.CallerID
}

// Apply moves the call to the phase reached by action. It returns false and
// leaves the call untouched when the transition is illegal. EndedAt is set
// exactly when a terminal phase is entered.
func (c *Call) Apply(action CallAction, at time.Time) bool {
	to, ok := NextPhase(c.Phase, action)
	if !ok {
		return false
	}
	c.Phase = to
	if to.IsTerminal() {
		ended := at
		c.EndedAt = &ended
	}
	return true
}

// Duration is the time between creation and the terminal phase
func (c *Call) Duration() time.Duration {
	if c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(c.CreatedAt)
}

// Clone returns a deep copy safe to hand to another goroutine
func (c *Call) Clone() *Call {
	cp := *c
	if c.EndedAt != nil {
		ended := *c.EndedAt
		cp.EndedAt = &ended
	}
	return &cp
}

// ParticipantSummary is the public profile of a conversation member
type ParticipantSummary struct {
	UserID      uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
}

// IncomingCall is the payload of the incoming-call event
type IncomingCall struct {
	*Call
	Caller ParticipantSummary `json:"caller"`
}
