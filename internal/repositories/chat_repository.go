package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"referral-service/internal/models"
)

// ChatRepository abstracts chat persistence.
type ChatRepository interface {
	// CreateOrGetChat returns the chat bound to the match, creating it when
	// absent. The boolean reports whether a chat was created.
	CreateOrGetChat(ctx context.Context, c models.NewChat) (models.Chat, bool, error)
	GetChat(ctx context.Context, chatID string) (models.Chat, error)
	FindByMatchID(ctx context.Context, matchID string) (models.Chat, error)
	ListChats(ctx context.Context, uid string) ([]models.Chat, error)
	AddParticipant(ctx context.Context, chatID, uid string) error
	SetLocked(ctx context.Context, chatID string, locked bool) error
}

type chatRow struct {
	ID             string         `db:"id"`
	MatchID        string         `db:"match_id"`
	Participants   pq.StringArray `db:"participants"`
	InsiderCompany string         `db:"insider_company"`
	Type           string         `db:"type"`
	Locked         bool           `db:"locked"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r chatRow) toModel() models.Chat {
	return models.Chat{
		ID:             r.ID,
		MatchID:        r.MatchID,
		Participants:   []string(r.Participants),
		InsiderCompany: r.InsiderCompany,
		Type:           models.MatchType(r.Type),
		Locked:         r.Locked,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

const chatColumns = `id, match_id, participants, insider_company, type, locked, created_at, updated_at`

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db sqlx.ExtContext
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db sqlx.ExtContext) *ChatRepo {
	return &ChatRepo{db: db}
}

// CreateOrGetChat creates the chat of a match if it does not already exist.
func (r *ChatRepo) CreateOrGetChat(ctx context.Context, c models.NewChat) (models.Chat, bool, error) {
	var row chatRow
	err := sqlx.GetContext(ctx, r.db, &row, `INSERT INTO chats (id, match_id, participants, insider_company, type, locked)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (match_id) DO NOTHING
        RETURNING `+chatColumns,
		uuid.NewString(), c.MatchID, stringArray(dedupe(c.Participants)), c.InsiderCompany, string(c.Type), c.Locked)
	if err == nil {
		return row.toModel(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, false, err
	}

	chat, err := r.FindByMatchID(ctx, c.MatchID)
	return chat, false, err
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	return r.get(ctx, `SELECT `+chatColumns+` FROM chats WHERE id=$1`, chatID)
}

// FindByMatchID fetches the chat bound to a match.
func (r *ChatRepo) FindByMatchID(ctx context.Context, matchID string) (models.Chat, error) {
	return r.get(ctx, `SELECT `+chatColumns+` FROM chats WHERE match_id=$1`, matchID)
}

func (r *ChatRepo) get(ctx context.Context, query string, args ...any) (models.Chat, error) {
	var row chatRow
	err := sqlx.GetContext(ctx, r.db, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, err
	}
	return row.toModel(), nil
}

// ListChats returns the chats the user participates in, newest first.
func (r *ChatRepo) ListChats(ctx context.Context, uid string) ([]models.Chat, error) {
	var rows []chatRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, `SELECT `+chatColumns+` FROM chats
        WHERE $1 = ANY(participants) ORDER BY created_at DESC`, uid); err != nil {
		return nil, err
	}
	chats := make([]models.Chat, 0, len(rows))
	for _, row := range rows {
		chats = append(chats, row.toModel())
	}
	return chats, nil
}

// AddParticipant appends uid to the participants unless already present.
func (r *ChatRepo) AddParticipant(ctx context.Context, chatID, uid string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE chats SET participants = array_append(participants, $2), updated_at=NOW()
        WHERE id=$1 AND NOT ($2 = ANY(participants))`, chatID, uid)
	if err != nil {
		return err
	}
	if count, err := res.RowsAffected(); err != nil || count > 0 {
		return err
	}
	_, err = r.GetChat(ctx, chatID)
	return err
}

// SetLocked locks or unlocks free-text messaging.
func (r *ChatRepo) SetLocked(ctx context.Context, chatID string, locked bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE chats SET locked=$2, updated_at=NOW() WHERE id=$1`, chatID, locked)
	if err != nil {
		return err
	}
	return requireRow(res, ErrChatNotFound)
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
