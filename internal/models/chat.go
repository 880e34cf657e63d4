package models

import "time"

// Chat is the communication channel bound to exactly one match.
type Chat struct {
	ID             string    `json:"id"`
	MatchID        string    `json:"matchId"`
	Participants   []string  `json:"participants"`
	InsiderCompany string    `json:"insiderCompany,omitempty"`
	Type           MatchType `json:"type"`
	Locked         bool      `json:"locked"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// HasParticipant checks whether uid belongs to the chat.
func (c Chat) HasParticipant(uid string) bool {
	for _, p := range c.Participants {
		if p == uid {
			return true
		}
	}
	return false
}

// NewChat describes a chat to be created for a match.
type NewChat struct {
	MatchID        string
	Participants   []string
	InsiderCompany string
	Type           MatchType
	Locked         bool
}
