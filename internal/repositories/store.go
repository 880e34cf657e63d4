package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	ErrMatchNotFound   = errors.New("match not found")
	ErrChatNotFound    = errors.New("chat not found")
	ErrProfileNotFound = errors.New("profile not found")
	// ErrMatchInactive is returned when a mutation targets a cancelled or
	// expired match.
	ErrMatchInactive = errors.New("match is no longer active")
)

// Repositories groups the repositories bound to one connection or transaction.
type Repositories struct {
	Matches  MatchRepository
	Chats    ChatRepository
	Messages MessageRepository
	Profiles ProfileRepository
}

// Store hands out repositories and runs units of work atomically.
type Store interface {
	Repositories() Repositories
	// WithinTx runs fn in one transaction, committing when fn returns nil
	// and rolling back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}

// SQLStore is the Postgres implementation of Store.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore constructs a SQLStore.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Repositories returns repositories running outside of a transaction.
func (s *SQLStore) Repositories() Repositories {
	return newRepositories(s.db)
}

// WithinTx runs fn inside a database transaction.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(ctx, newRepositories(tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func newRepositories(q sqlx.ExtContext) Repositories {
	return Repositories{
		Matches:  NewMatchRepo(q),
		Chats:    NewChatRepo(q),
		Messages: NewMessageRepo(q),
		Profiles: NewProfileRepo(q),
	}
}

// stringArray keeps NOT NULL text[] columns from receiving NULL.
func stringArray(values []string) pq.StringArray {
	if values == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(values)
}
