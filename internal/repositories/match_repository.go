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

// MatchRepository abstracts match persistence.
type MatchRepository interface {
	// UpsertMatch returns the active match for the exact
	// (talent, insider, company, position) tuple, creating it when absent.
	UpsertMatch(ctx context.Context, m models.NewMatch) (models.Match, bool, error)
	GetMatch(ctx context.Context, matchID string) (models.Match, error)
	// GetMatchForUpdate locks the match row until the surrounding
	// transaction ends.
	GetMatchForUpdate(ctx context.Context, matchID string) (models.Match, error)
	FindActiveBetween(ctx context.Context, userA, userB string) (models.Match, error)
	// FindLatestBetween is FindActiveBetween without the status filter.
	FindLatestBetween(ctx context.Context, userA, userB string) (models.Match, error)
	ListForUser(ctx context.Context, uid string) ([]models.Match, error)
	UpdateStatus(ctx context.Context, matchID string, status models.MatchStatus) error
	SetAcceptance(ctx context.Context, matchID string, side models.Side, value bool) error
	SetChatID(ctx context.Context, matchID, chatID string) error
	SetAcceptedTime(ctx context.Context, matchID string, at models.AcceptedTime) error
	// ExpireOverdue marks pending matches created before cutoff as expired.
	// A non-empty uid restricts the update to that user's matches.
	ExpireOverdue(ctx context.Context, cutoff time.Time, uid string) ([]models.Match, error)
	// ExpireStale expires the pending match holding the tuple of m when it
	// was created before cutoff, freeing the tuple for a fresh upsert.
	ExpireStale(ctx context.Context, m models.NewMatch, cutoff time.Time) ([]models.Match, error)
}

type matchRow struct {
	ID              string         `db:"id"`
	TalentUID       string         `db:"talent_uid"`
	InsiderUID      string         `db:"insider_uid"`
	Company         string         `db:"company"`
	Position        string         `db:"position"`
	Positions       pq.StringArray `db:"positions"`
	Skills          pq.StringArray `db:"skills"`
	Type            string         `db:"type"`
	Status          string         `db:"status"`
	TalentAccepted  bool           `db:"talent_accepted"`
	InsiderAccepted bool           `db:"insider_accepted"`
	ChatID          sql.NullString `db:"chat_id"`
	AcceptedDate    sql.NullString `db:"accepted_date"`
	AcceptedTime    sql.NullString `db:"accepted_time"`
	AcceptedBy      sql.NullString `db:"accepted_by"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r matchRow) toModel() models.Match {
	positions := []string(r.Positions)
	if len(positions) == 0 {
		positions = []string{r.Position}
	}
	m := models.Match{
		ID:         r.ID,
		TalentUID:  r.TalentUID,
		InsiderUID: r.InsiderUID,
		MatchParameters: models.MatchParameters{
			Company:   r.Company,
			Positions: positions,
			Skills:    []string(r.Skills),
		},
		Type:            models.MatchType(r.Type),
		Status:          models.MatchStatus(r.Status),
		TalentAccepted:  r.TalentAccepted,
		InsiderAccepted: r.InsiderAccepted,
		ChatID:          r.ChatID.String,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.AcceptedBy.Valid {
		m.AcceptedTime = &models.AcceptedTime{Date: r.AcceptedDate.String, Time: r.AcceptedTime.String, ByUID: r.AcceptedBy.String}
	}
	return m
}

const matchColumns = `id, talent_uid, insider_uid, company, position, positions, skills, type, status,
        talent_accepted, insider_accepted, chat_id, accepted_date, accepted_time, accepted_by, created_at, updated_at`

const inactiveStatuses = `('CANCELLED', 'EXPIRED')`

// MatchRepo is a sqlx implementation of MatchRepository.
type MatchRepo struct {
	db sqlx.ExtContext
}

// NewMatchRepo constructs a MatchRepo.
func NewMatchRepo(db sqlx.ExtContext) *MatchRepo {
	return &MatchRepo{db: db}
}

// UpsertMatch inserts a FOUND match unless an active one already holds the
// tuple. The partial unique index makes the check atomic across requests.
func (r *MatchRepo) UpsertMatch(ctx context.Context, m models.NewMatch) (models.Match, bool, error) {
	params := m.MatchParameters
	var row matchRow
	err := sqlx.GetContext(ctx, r.db, &row, `INSERT INTO matches
        (id, talent_uid, insider_uid, company, position, positions, skills, type, status, talent_accepted, insider_accepted)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'FOUND', $9, $10)
        ON CONFLICT (talent_uid, insider_uid, company, position) WHERE status NOT IN `+inactiveStatuses+` DO NOTHING
        RETURNING `+matchColumns,
		uuid.NewString(), m.TalentUID, m.InsiderUID, params.Company, params.Position(),
		stringArray(params.Positions), stringArray(params.Skills), string(m.Type), m.TalentAccepted, m.InsiderAccepted)
	if err == nil {
		return row.toModel(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Match{}, false, err
	}

	err = sqlx.GetContext(ctx, r.db, &row, `SELECT `+matchColumns+` FROM matches
        WHERE talent_uid=$1 AND insider_uid=$2 AND company=$3 AND position=$4 AND status NOT IN `+inactiveStatuses,
		m.TalentUID, m.InsiderUID, params.Company, params.Position())
	if err != nil {
		return models.Match{}, false, err
	}
	return row.toModel(), false, nil
}

// GetMatch fetches a match by id.
func (r *MatchRepo) GetMatch(ctx context.Context, matchID string) (models.Match, error) {
	return r.get(ctx, `SELECT `+matchColumns+` FROM matches WHERE id=$1`, matchID)
}

// GetMatchForUpdate fetches a match by id holding a row lock.
func (r *MatchRepo) GetMatchForUpdate(ctx context.Context, matchID string) (models.Match, error) {
	return r.get(ctx, `SELECT `+matchColumns+` FROM matches WHERE id=$1 FOR UPDATE`, matchID)
}

// FindActiveBetween returns the newest active match joining both users in
// either role.
func (r *MatchRepo) FindActiveBetween(ctx context.Context, userA, userB string) (models.Match, error) {
	return r.get(ctx, `SELECT `+matchColumns+` FROM matches
        WHERE ((talent_uid=$1 AND insider_uid=$2) OR (talent_uid=$2 AND insider_uid=$1))
        AND status NOT IN `+inactiveStatuses+`
        ORDER BY created_at DESC LIMIT 1`, userA, userB)
}

// FindLatestBetween returns the newest match joining both users whatever
// its status.
func (r *MatchRepo) FindLatestBetween(ctx context.Context, userA, userB string) (models.Match, error) {
	return r.get(ctx, `SELECT `+matchColumns+` FROM matches
        WHERE (talent_uid=$1 AND insider_uid=$2) OR (talent_uid=$2 AND insider_uid=$1)
        ORDER BY created_at DESC LIMIT 1`, userA, userB)
}

func (r *MatchRepo) get(ctx context.Context, query string, args ...any) (models.Match, error) {
	var row matchRow
	err := sqlx.GetContext(ctx, r.db, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Match{}, ErrMatchNotFound
	}
	if err != nil {
		return models.Match{}, err
	}
	return row.toModel(), nil
}

// ListForUser returns every match the user takes part in, newest first.
func (r *MatchRepo) ListForUser(ctx context.Context, uid string) ([]models.Match, error) {
	var rows []matchRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, `SELECT `+matchColumns+` FROM matches
        WHERE talent_uid=$1 OR insider_uid=$1 ORDER BY created_at DESC`, uid); err != nil {
		return nil, err
	}
	return toMatches(rows), nil
}

// UpdateStatus sets the status of an active match.
func (r *MatchRepo) UpdateStatus(ctx context.Context, matchID string, status models.MatchStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE matches SET status=$2, updated_at=NOW()
        WHERE id=$1 AND status NOT IN `+inactiveStatuses, matchID, string(status))
	if err != nil {
		return err
	}
	return r.checkActive(ctx, res, matchID)
}

// SetAcceptance sets the acceptance flag of one side of an active match.
func (r *MatchRepo) SetAcceptance(ctx context.Context, matchID string, side models.Side, value bool) error {
	column := "insider_accepted"
	if side == models.SideTalent {
		column = "talent_accepted"
	}
	res, err := r.db.ExecContext(ctx, `UPDATE matches SET `+column+`=$2, updated_at=NOW()
        WHERE id=$1 AND status NOT IN `+inactiveStatuses, matchID, value)
	if err != nil {
		return err
	}
	return r.checkActive(ctx, res, matchID)
}

// SetChatID attaches the bound chat to the match.
func (r *MatchRepo) SetChatID(ctx context.Context, matchID, chatID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE matches SET chat_id=$2, updated_at=NOW() WHERE id=$1`, matchID, chatID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrMatchNotFound)
}

// SetAcceptedTime records the confirmed calendar slot.
func (r *MatchRepo) SetAcceptedTime(ctx context.Context, matchID string, at models.AcceptedTime) error {
	res, err := r.db.ExecContext(ctx, `UPDATE matches SET accepted_date=$2, accepted_time=$3, accepted_by=$4, updated_at=NOW()
        WHERE id=$1 AND status NOT IN `+inactiveStatuses, matchID, at.Date, at.Time, at.ByUID)
	if err != nil {
		return err
	}
	return r.checkActive(ctx, res, matchID)
}

// ExpireOverdue flips pending matches created before cutoff to EXPIRED and
// returns them.
func (r *MatchRepo) ExpireOverdue(ctx context.Context, cutoff time.Time, uid string) ([]models.Match, error) {
	query := `UPDATE matches SET status='EXPIRED', updated_at=NOW()
        WHERE status IN ('FOUND', 'CALENDAR_NEGOTIATION') AND created_at < $1`
	args := []any{cutoff}
	if uid != "" {
		query += ` AND (talent_uid=$2 OR insider_uid=$2)`
		args = append(args, uid)
	}
	var rows []matchRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, query+` RETURNING `+matchColumns, args...); err != nil {
		return nil, err
	}
	return toMatches(rows), nil
}

// checkActive distinguishes a missing match from an inactive one when an
// update guarded on status touched no row.
func (r *MatchRepo) checkActive(ctx context.Context, res sql.Result, matchID string) error {
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if _, err := r.GetMatch(ctx, matchID); err != nil {
		return err
	}
	return ErrMatchInactive
}

func requireRow(res sql.Result, notFound error) error {
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return notFound
	}
	return nil
}

func toMatches(rows []matchRow) []models.Match {
	matches := make([]models.Match, 0, len(rows))
	for _, row := range rows {
		matches = append(matches, row.toModel())
	}
	return matches
}

// ExpireStale flips the overdue pending match of the tuple to EXPIRED. It
// runs ahead of UpsertMatch so the partial unique index no longer holds the
// dead row.
func (r *MatchRepo) ExpireStale(ctx context.Context, m models.NewMatch, cutoff time.Time) ([]models.Match, error) {
	var rows []matchRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, `UPDATE matches SET status='EXPIRED', updated_at=NOW()
        WHERE talent_uid=$1 AND insider_uid=$2 AND company=$3 AND position=$4
        AND status IN ('FOUND', 'CALENDAR_NEGOTIATION') AND created_at < $5
        RETURNING `+matchColumns,
		m.TalentUID, m.InsiderUID, m.MatchParameters.Company, m.MatchParameters.Position(), cutoff); err != nil {
		return nil, err
	}
	return toMatches(rows), nil
}
