package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"referral-service/internal/models"
)

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, m models.NewMessage) (models.Message, error)
	// GetChatMessagesForUser returns the messages visible to uid in
	// ascending creation order.
	GetChatMessagesForUser(ctx context.Context, chatID, uid string) ([]models.Message, error)
	// MarkRead adds uid to the readers of every visible text message sent by
	// someone else and returns how many messages changed.
	MarkRead(ctx context.Context, chatID, uid string) (int64, error)
}

type messageRow struct {
	ID            string         `db:"id"`
	ChatID        string         `db:"chat_id"`
	SenderID      string         `db:"sender_id"`
	Text          string         `db:"text"`
	Type          string         `db:"type"`
	RecipientUIDs pq.StringArray `db:"recipient_uids"`
	ReadBy        pq.StringArray `db:"read_by"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r messageRow) toModel() models.Message {
	return models.Message{
		ID:            r.ID,
		ChatID:        r.ChatID,
		SenderID:      r.SenderID,
		Text:          r.Text,
		Type:          models.MessageType(r.Type),
		RecipientUIDs: []string(r.RecipientUIDs),
		ReadBy:        []string(r.ReadBy),
		CreatedAt:     r.CreatedAt,
	}
}

const messageColumns = `id, chat_id, sender_id, text, type, recipient_uids, read_by, created_at`

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db sqlx.ExtContext
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db sqlx.ExtContext) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage appends a message to a chat.
func (r *MessageRepo) CreateMessage(ctx context.Context, m models.NewMessage) (models.Message, error) {
	var row messageRow
	err := sqlx.GetContext(ctx, r.db, &row, `INSERT INTO messages (id, chat_id, sender_id, text, type, recipient_uids)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+messageColumns,
		uuid.NewString(), m.ChatID, m.SenderID, m.Text, string(m.Type), stringArray(dedupe(m.RecipientUIDs)))
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// GetChatMessagesForUser returns ordered chat messages filtered per recipient.
func (r *MessageRepo) GetChatMessagesForUser(ctx context.Context, chatID, uid string) ([]models.Message, error) {
	var rows []messageRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, `SELECT `+messageColumns+` FROM messages
        WHERE chat_id=$1 AND (cardinality(recipient_uids) = 0 OR $2 = ANY(recipient_uids))
        ORDER BY created_at ASC, seq ASC`, chatID, uid); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toModel())
	}
	return msgs, nil
}

// MarkRead acknowledges text messages for the reader.
func (r *MessageRepo) MarkRead(ctx context.Context, chatID, uid string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET read_by = array_append(read_by, $2)
        WHERE chat_id=$1 AND type='TEXT' AND sender_id<>$2 AND NOT ($2 = ANY(read_by))
        AND (cardinality(recipient_uids) = 0 OR $2 = ANY(recipient_uids))`, chatID, uid)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
