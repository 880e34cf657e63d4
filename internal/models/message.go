package models

import "time"

// SystemSender is the sender id of non user-authored messages.
const SystemSender = "SYSTEM"

// MessageType classifies chat entries.
type MessageType string

const (
	MessageTypeSystem   MessageType = "SYSTEM"
	MessageTypeCalendar MessageType = "CALENDAR"
	MessageTypeText     MessageType = "TEXT"
)

// Message represents a chat message. An empty RecipientUIDs set means the
// message is visible to every participant.
type Message struct {
	ID            string      `json:"id"`
	ChatID        string      `json:"chatId"`
	SenderID      string      `json:"senderId"`
	Text          string      `json:"text"`
	Type          MessageType `json:"type"`
	RecipientUIDs []string    `json:"recipientUids,omitempty"`
	ReadBy        []string    `json:"readBy,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// VisibleTo applies the per-recipient visibility rule.
func (m Message) VisibleTo(uid string) bool {
	if len(m.RecipientUIDs) == 0 {
		return true
	}
	for _, r := range m.RecipientUIDs {
		if r == uid {
			return true
		}
	}
	return false
}

// NewMessage describes a message to be appended to a chat.
type NewMessage struct {
	ChatID        string
	SenderID      string
	Text          string
	Type          MessageType
	RecipientUIDs []string
}

// ChatEvent is broadcasted through websockets.
type ChatEvent struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
}
