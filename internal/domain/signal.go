package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// SignalType tags an opaque WebRTC negotiation message
type SignalType string

const (
	SignalTypeOffer        SignalType = "offer"
	SignalTypeAnswer       SignalType = "answer"
	SignalTypeICECandidate SignalType = "ice-candidate"
)

// Valid reports whether t is a known signal tag
func (t SignalType) Valid() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeICECandidate:
		return true
	}
	return false
}

// Signal is a WebRTC negotiation message. Only Type is understood by the
// server; Data, SDP and Candidate are forwarded verbatim.
type Signal struct {
	Type       SignalType      `json:"type"`
	CallID     uuid.UUID       `json:"callId"`
	FromUserID uuid.UUID       `json:"fromUserId"`
	Data       json.RawMessage `json:"data,omitempty"`
	SDP        json.RawMessage `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

// HasPayload reports whether any opaque body is present
func (s *Signal) HasPayload() bool {
	return !isEmptyJSON(s.Data) || !isEmptyJSON(s.SDP) || !isEmptyJSON(s.Candidate)
}

func isEmptyJSON(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
