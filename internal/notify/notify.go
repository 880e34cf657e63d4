// Package notify formats the system and calendar notices appended to a chat
// as side effects of match lifecycle events.
package notify

import (
	"context"
	"fmt"
	"strings"

	"referral-service/internal/models"
	"referral-service/internal/repositories"
)

// Emitter appends notices to chats and remembers what it appended so the
// caller can fan the messages out once the transaction commits.
type Emitter struct {
	messages repositories.MessageRepository
	sent     []models.Message
}

// NewEmitter constructs an Emitter writing through messages.
func NewEmitter(messages repositories.MessageRepository) *Emitter {
	return &Emitter{messages: messages}
}

// System appends a SYSTEM notice. No recipients means every participant
// sees it.
func (e *Emitter) System(ctx context.Context, chatID, text string, recipients ...string) (models.Message, error) {
	return e.append(ctx, models.NewMessage{
		ChatID:        chatID,
		SenderID:      models.SystemSender,
		Text:          text,
		Type:          models.MessageTypeSystem,
		RecipientUIDs: Recipients(recipients...),
	})
}

// Calendar appends a CALENDAR notice visible to every participant.
func (e *Emitter) Calendar(ctx context.Context, chatID, text string) (models.Message, error) {
	return e.append(ctx, models.NewMessage{
		ChatID:   chatID,
		SenderID: models.SystemSender,
		Text:     text,
		Type:     models.MessageTypeCalendar,
	})
}

func (e *Emitter) append(ctx context.Context, m models.NewMessage) (models.Message, error) {
	msg, err := e.messages.CreateMessage(ctx, m)
	if err != nil {
		return models.Message{}, fmt.Errorf("append %s message: %w", strings.ToLower(string(m.Type)), err)
	}
	e.sent = append(e.sent, msg)
	return msg, nil
}

// Sent returns the messages appended so far.
func (e *Emitter) Sent() []models.Message {
	return e.sent
}

// Recipients normalizes a recipient list to a set without blanks. An empty
// result means visible to all.
func Recipients(uids ...string) []string {
	out := make([]string, 0, len(uids))
	seen := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func role(params models.MatchParameters) string {
	if p := params.Position(); p != "" {
		return fmt.Sprintf("the %s role at %s", p, params.Company)
	}
	return params.Company
}

// InsiderFound is shown to the talent when an insider was matched.
func InsiderFound(params models.MatchParameters) string {
	return fmt.Sprintf("We found an insider who can refer you for %s. Accept the match within 3 days to start chatting.", role(params))
}

// TalentInterested is shown to the insider when a talent was matched.
func TalentInterested(params models.MatchParameters) string {
	return fmt.Sprintf("A talent is looking for a referral for %s. Accept the match within 3 days to start chatting.", role(params))
}

// MarketplaceRequest is shown to both sides of a marketplace match.
func MarketplaceRequest(params models.MatchParameters) string {
	return fmt.Sprintf("New referral request for %s from the marketplace.", role(params))
}

// WaitingForPartner is shown to the side that accepted first.
func WaitingForPartner() string {
	return "You accepted the match. Waiting for the other side to accept."
}

// Confirmed is shown to both sides once the match is confirmed.
func Confirmed() string {
	return "Match confirmed. The chat is now unlocked."
}

// CancelledByYou is shown to the side that declined.
func CancelledByYou() string {
	return "You declined this match. The match is cancelled."
}

// CancelledByPartner is shown to the other side of a decline.
func CancelledByPartner() string {
	return "The other side declined this match. The match is cancelled."
}

// TimeProposed describes a proposed call slot.
func TimeProposed(date, clock string) string {
	return fmt.Sprintf("A call was proposed for %s at %s.", date, clock)
}

// TimeAccepted confirms the agreed call slot.
func TimeAccepted(date, clock string) string {
	return fmt.Sprintf("Call confirmed for %s at %s. The chat is now unlocked.", date, clock)
}

// Expired is shown when the decision window closed without confirmation.
func Expired() string {
	return "This match expired because it was not confirmed within 3 days."
}
