package models

import (
	"fmt"
	"time"
)

// MatchStatus mirrors the match_status values stored in the matches table.
type MatchStatus string

const (
	MatchStatusFound               MatchStatus = "FOUND"
	MatchStatusCalendarNegotiation MatchStatus = "CALENDAR_NEGOTIATION"
	MatchStatusConfirmed           MatchStatus = "CONFIRMED"
	MatchStatusCancelled           MatchStatus = "CANCELLED"
	MatchStatusExpired             MatchStatus = "EXPIRED"
)

// ParseMatchStatus converts a raw string to a MatchStatus.
func ParseMatchStatus(s string) (MatchStatus, error) {
	st := MatchStatus(s)
	switch st {
	case MatchStatusFound, MatchStatusCalendarNegotiation, MatchStatusConfirmed, MatchStatusCancelled, MatchStatusExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown match status %q", s)
}

// Inactive reports whether no further transition is accepted from the status.
func (s MatchStatus) Inactive() bool {
	return s == MatchStatusCancelled || s == MatchStatusExpired
}

// Pending reports whether the status is still inside the decision window.
func (s MatchStatus) Pending() bool {
	return s == MatchStatusFound || s == MatchStatusCalendarNegotiation
}

// MatchType distinguishes how a match was originated.
type MatchType string

const (
	MatchTypeDirect      MatchType = "DIRECT"
	MatchTypeMarketplace MatchType = "MARKETPLACE"
)

// Side identifies which party of a match acts.
type Side string

const (
	SideTalent  Side = "talent"
	SideInsider Side = "insider"
)

// MatchParameters holds the overlapping criteria that produced a match.
// Positions always has at least one entry; the first is the key position.
type MatchParameters struct {
	Company   string   `json:"company"`
	Positions []string `json:"positions"`
	Skills    []string `json:"skills,omitempty"`
}

// Position returns the key position used for match uniqueness.
func (p MatchParameters) Position() string {
	if len(p.Positions) == 0 {
		return ""
	}
	return p.Positions[0]
}

// AcceptedTime is the calendar slot both parties agreed on.
type AcceptedTime struct {
	Date  string `json:"date"`
	Time  string `json:"time"`
	ByUID string `json:"byUid"`
}

// Match is a proposed pairing between a talent and an insider.
type Match struct {
	ID              string          `json:"id"`
	TalentUID       string          `json:"talentUid"`
	InsiderUID      string          `json:"insiderUid"`
	MatchParameters MatchParameters `json:"matchParameters"`
	Type            MatchType       `json:"type"`
	Status          MatchStatus     `json:"status"`
	TalentAccepted  bool            `json:"talentAccepted"`
	InsiderAccepted bool            `json:"insiderAccepted"`
	ChatID          string          `json:"chatId,omitempty"`
	AcceptedTime    *AcceptedTime   `json:"acceptedTime,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// SideOf returns the side uid plays in the match.
func (m Match) SideOf(uid string) (Side, bool) {
	switch {
	case uid == "":
		return "", false
	case uid == m.TalentUID:
		return SideTalent, true
	case uid == m.InsiderUID:
		return SideInsider, true
	}
	return "", false
}

// PartnerOf returns the uid of the other party.
func (m Match) PartnerOf(uid string) string {
	if uid == m.TalentUID {
		return m.InsiderUID
	}
	return m.TalentUID
}

// Accepted reports the acceptance flag of a side.
func (m Match) Accepted(side Side) bool {
	if side == SideTalent {
		return m.TalentAccepted
	}
	return m.InsiderAccepted
}

// Expired reports whether the decision window closed before now.
func (m Match) Expired(now time.Time, ttl time.Duration) bool {
	return m.Status.Pending() && now.After(m.CreatedAt.Add(ttl))
}

// NewMatch describes a match to be created by the repository.
type NewMatch struct {
	TalentUID       string
	InsiderUID      string
	MatchParameters MatchParameters
	Type            MatchType
	TalentAccepted  bool
	InsiderAccepted bool
}
