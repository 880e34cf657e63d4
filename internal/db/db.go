package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Connect initializes the database connection and optionally runs migrations.
func Connect(ctx context.Context, dsn string, migrate bool, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if migrate {
		if err := RunMigrations(ctx, db, logger); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
            uid TEXT PRIMARY KEY,
            role TEXT NOT NULL CHECK (role IN ('TALENT', 'INSIDER')),
            company TEXT NOT NULL DEFAULT '',
            companies TEXT[] NOT NULL DEFAULT '{}',
            positions TEXT[] NOT NULL DEFAULT '{}',
            skills TEXT[] NOT NULL DEFAULT '{}',
            industries TEXT[] NOT NULL DEFAULT '{}',
            search_immediately BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS matches (
            id TEXT PRIMARY KEY,
            talent_uid TEXT NOT NULL,
            insider_uid TEXT NOT NULL,
            company TEXT NOT NULL,
            position TEXT NOT NULL,
            positions TEXT[] NOT NULL DEFAULT '{}',
            skills TEXT[] NOT NULL DEFAULT '{}',
            type TEXT NOT NULL CHECK (type IN ('DIRECT', 'MARKETPLACE')),
            status TEXT NOT NULL CHECK (status IN ('FOUND', 'CALENDAR_NEGOTIATION', 'CONFIRMED', 'CANCELLED', 'EXPIRED')),
            talent_accepted BOOLEAN NOT NULL DEFAULT FALSE,
            insider_accepted BOOLEAN NOT NULL DEFAULT FALSE,
            chat_id TEXT,
            accepted_date TEXT,
            accepted_time TEXT,
            accepted_by TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE UNIQUE INDEX IF NOT EXISTS matches_active_tuple_idx
            ON matches (talent_uid, insider_uid, company, position)
            WHERE status NOT IN ('CANCELLED', 'EXPIRED');`,
	`CREATE INDEX IF NOT EXISTS matches_talent_idx ON matches (talent_uid);`,
	`CREATE INDEX IF NOT EXISTS matches_insider_idx ON matches (insider_uid);`,
	`CREATE TABLE IF NOT EXISTS chats (
            id TEXT PRIMARY KEY,
            match_id TEXT NOT NULL UNIQUE REFERENCES matches(id),
            participants TEXT[] NOT NULL DEFAULT '{}',
            insider_company TEXT NOT NULL DEFAULT '',
            type TEXT NOT NULL,
            locked BOOLEAN NOT NULL DEFAULT TRUE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS chats_participants_idx ON chats USING GIN (participants);`,
	`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            seq BIGSERIAL,
            chat_id TEXT NOT NULL REFERENCES chats(id),
            sender_id TEXT NOT NULL,
            text TEXT NOT NULL,
            type TEXT NOT NULL CHECK (type IN ('SYSTEM', 'CALENDAR', 'TEXT')),
            recipient_uids TEXT[] NOT NULL DEFAULT '{}',
            read_by TEXT[] NOT NULL DEFAULT '{}',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS messages_chat_idx ON messages (chat_id, created_at, seq);`,
}

// RunMigrations applies the schema. Statements are idempotent.
func RunMigrations(ctx context.Context, db *sqlx.DB, logger *zap.Logger) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	if logger != nil {
		logger.Info("database migrations applied", zap.Int("statements", len(migrations)))
	}
	return nil
}
