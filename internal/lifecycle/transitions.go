// Package lifecycle drives a match from discovery to confirmation.
//
// Valid status graph:
//
//	FOUND                ──► CALENDAR_NEGOTIATION | CONFIRMED | CANCELLED | EXPIRED
//	CALENDAR_NEGOTIATION ──► CONFIRMED | CANCELLED | EXPIRED
//
// CONFIRMED, CANCELLED and EXPIRED are terminal states.
package lifecycle

import "referral-service/internal/models"

// validTransitions lists every allowed (from → to) pair.
var validTransitions = map[models.MatchStatus][]models.MatchStatus{
	models.MatchStatusFound: {
		models.MatchStatusCalendarNegotiation,
		models.MatchStatusConfirmed,
		models.MatchStatusCancelled,
		models.MatchStatusExpired,
	},
	models.MatchStatusCalendarNegotiation: {
		models.MatchStatusConfirmed,
		models.MatchStatusCancelled,
		models.MatchStatusExpired,
	},
}

// IsTransitionAllowed returns true when moving from → to is permitted.
func IsTransitionAllowed(from, to models.MatchStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false // terminal state
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s models.MatchStatus) bool {
	_, ok := validTransitions[s]
	return !ok
}
