package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"referral-service/internal/models"
)

// ProfileRepository is the read side of the profile store used for
// matching, plus the searchImmediately flag the matching flows own.
type ProfileRepository interface {
	GetProfile(ctx context.Context, uid string) (models.Profile, error)
	ListTalentsSearching(ctx context.Context) ([]models.Profile, error)
	// ListInsiders returns the insider pool in a stable order.
	ListInsiders(ctx context.Context) ([]models.Profile, error)
	SetSearchImmediately(ctx context.Context, uid string, value bool) error
	UpsertProfile(ctx context.Context, p models.Profile) error
}

type profileRow struct {
	UID               string         `db:"uid"`
	Role              string         `db:"role"`
	Company           string         `db:"company"`
	Companies         pq.StringArray `db:"companies"`
	Positions         pq.StringArray `db:"positions"`
	Skills            pq.StringArray `db:"skills"`
	Industries        pq.StringArray `db:"industries"`
	SearchImmediately bool           `db:"search_immediately"`
	CreatedAt         time.Time      `db:"created_at"`
}

func (r profileRow) toModel() models.Profile {
	return models.Profile{
		UID:               r.UID,
		Role:              models.Role(r.Role),
		Company:           r.Company,
		Companies:         []string(r.Companies),
		Positions:         []string(r.Positions),
		Skills:            []string(r.Skills),
		Industries:        []string(r.Industries),
		SearchImmediately: r.SearchImmediately,
		CreatedAt:         r.CreatedAt,
	}
}

const profileColumns = `uid, role, company, companies, positions, skills, industries, search_immediately, created_at`

// ProfileRepo is a sqlx implementation of ProfileRepository.
type ProfileRepo struct {
	db sqlx.ExtContext
}

// NewProfileRepo constructs a ProfileRepo.
func NewProfileRepo(db sqlx.ExtContext) *ProfileRepo {
	return &ProfileRepo{db: db}
}

// GetProfile fetches a profile by uid.
func (r *ProfileRepo) GetProfile(ctx context.Context, uid string) (models.Profile, error) {
	var row profileRow
	err := sqlx.GetContext(ctx, r.db, &row, `SELECT `+profileColumns+` FROM profiles WHERE uid=$1`, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return models.Profile{}, err
	}
	return row.toModel(), nil
}

// ListTalentsSearching returns talents that asked to be matched as soon as
// an insider shows up.
func (r *ProfileRepo) ListTalentsSearching(ctx context.Context) ([]models.Profile, error) {
	return r.list(ctx, `SELECT `+profileColumns+` FROM profiles
        WHERE role='TALENT' AND search_immediately = TRUE ORDER BY created_at ASC, uid ASC`)
}

// ListInsiders returns all insiders, oldest first.
func (r *ProfileRepo) ListInsiders(ctx context.Context) ([]models.Profile, error) {
	return r.list(ctx, `SELECT `+profileColumns+` FROM profiles WHERE role='INSIDER' ORDER BY created_at ASC, uid ASC`)
}

func (r *ProfileRepo) list(ctx context.Context, query string, args ...any) ([]models.Profile, error) {
	var rows []profileRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, query, args...); err != nil {
		return nil, err
	}
	profiles := make([]models.Profile, 0, len(rows))
	for _, row := range rows {
		profiles = append(profiles, row.toModel())
	}
	return profiles, nil
}

// SetSearchImmediately updates the flag read by the scheduled sweep.
func (r *ProfileRepo) SetSearchImmediately(ctx context.Context, uid string, value bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE profiles SET search_immediately=$2 WHERE uid=$1`, uid, value)
	if err != nil {
		return err
	}
	return requireRow(res, ErrProfileNotFound)
}

// UpsertProfile writes the matching criteria of a user.
func (r *ProfileRepo) UpsertProfile(ctx context.Context, p models.Profile) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO profiles (uid, role, company, companies, positions, skills, industries, search_immediately)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (uid) DO UPDATE SET role=EXCLUDED.role, company=EXCLUDED.company, companies=EXCLUDED.companies,
        positions=EXCLUDED.positions, skills=EXCLUDED.skills, industries=EXCLUDED.industries,
        search_immediately=EXCLUDED.search_immediately`,
		p.UID, string(p.Role), p.Company, stringArray(p.Companies), stringArray(p.Positions),
		stringArray(p.Skills), stringArray(p.Industries), p.SearchImmediately)
	return err
}
