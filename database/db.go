// database/db.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"ctf-scoreboard/config"
)

func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresConnectionString())
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s:%s/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.Info("connected to database", "host", cfg.Host, "name", cfg.Name)
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(64) PRIMARY KEY,
		username VARCHAR(50) UNIQUE NOT NULL,
		full_name VARCHAR(100) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ DEFAULT NOW()
	)`,

	// solvers is the authoritative copy of the ordered solver records.
	`CREATE TABLE IF NOT EXISTS challenges (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(200) NOT NULL,
		scoring_mode VARCHAR(10) NOT NULL CHECK (scoring_mode IN ('static', 'dynamic')),
		initial_points INTEGER NOT NULL DEFAULT 0,
		minimum_points INTEGER NOT NULL DEFAULT 0,
		decay_constant INTEGER NOT NULL DEFAULT 0,
		static_points INTEGER NOT NULL DEFAULT 0,
		first_blood_bonus INTEGER NOT NULL DEFAULT 0,
		solve_count INTEGER NOT NULL DEFAULT 0,
		solvers JSONB NOT NULL DEFAULT '[]'::jsonb,
		updated_at TIMESTAMPTZ DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS competitions (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(200) NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS competition_challenges (
		competition_id VARCHAR(64) REFERENCES competitions(id) ON DELETE CASCADE,
		challenge_id VARCHAR(64) REFERENCES challenges(id) ON DELETE CASCADE,
		solvers JSONB NOT NULL DEFAULT '[]'::jsonb,
		PRIMARY KEY (competition_id, challenge_id)
	)`,

	// No foreign keys: events outlive deleted challenges and competitions
	// and reconciliation reports them.
	`CREATE TABLE IF NOT EXISTS solve_events (
		seq BIGSERIAL PRIMARY KEY,
		id UUID UNIQUE NOT NULL,
		challenge_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		competition_id VARCHAR(64),
		occurred_at TIMESTAMPTZ NOT NULL,
		UNIQUE (challenge_id, user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_solve_events_challenge_id ON solve_events(challenge_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_competition_challenges_challenge_id ON competition_challenges(challenge_id)`,
}

// InitDB creates the schema. It is safe to run repeatedly.
func InitDB(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
