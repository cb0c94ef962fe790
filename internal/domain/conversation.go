package domain

import (
	"github.com/google/uuid"
)

// Conversation is the minimal view of a two-party conversation the call
// service needs: who may call whom. Message history lives elsewhere.
type Conversation struct {
	ID           uuid.UUID            `json:"id"`
	Participants []ParticipantSummary `json:"participants"`
}

// Member returns the participant with userID, if present
func (c *Conversation) Member(userID uuid.UUID) (ParticipantSummary, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return ParticipantSummary{}, false
}
