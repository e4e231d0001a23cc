package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"ctf-scoreboard/apperrors"
	"ctf-scoreboard/models"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint hit.
const uniqueViolation = "23505"

// PostgresStore implements ports.Store on the schema created by InitDB.
// Solver records are stored as JSONB on the challenge row and on each
// competition_challenges row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (s *PostgresStore) Append(ctx context.Context, ev *models.SolveEvent) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO solve_events (id, challenge_id, user_id, competition_id, occurred_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING seq
	`, ev.ID, ev.ChallengeID, ev.UserID, ev.CompetitionID, ev.OccurredAt).Scan(&ev.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s on challenge %s: %w", ev.UserID, ev.ChallengeID, apperrors.ErrDuplicateSolve)
		}
		return fmt.Errorf("append solve event: %w", err)
	}
	return nil
}

const eventColumns = `id, seq, challenge_id, user_id, COALESCE(competition_id, ''), occurred_at`

func (s *PostgresStore) EventsForChallenge(ctx context.Context, challengeID string) ([]models.SolveEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM solve_events
		WHERE challenge_id = $1
		ORDER BY seq
	`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("query events of %s: %w", challengeID, err)
	}
	return scanEvents(rows)
}

func (s *PostgresStore) AllEvents(ctx context.Context) ([]models.SolveEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM solve_events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]models.SolveEvent, error) {
	defer rows.Close()

	var events []models.SolveEvent
	for rows.Next() {
		var ev models.SolveEvent
		if err := rows.Scan(&ev.ID, &ev.Seq, &ev.ChallengeID, &ev.UserID, &ev.CompetitionID, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) Watermark(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM solve_events`).Scan(&n)
	return n, err
}

const challengeColumns = `id, name, scoring_mode, initial_points, minimum_points, decay_constant,
	static_points, first_blood_bonus, solve_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (models.Challenge, error) {
	var ch models.Challenge
	err := row.Scan(
		&ch.ID, &ch.Name, &ch.Scoring.Mode,
		&ch.Scoring.InitialPoints, &ch.Scoring.MinimumPoints, &ch.Scoring.DecayConstant,
		&ch.Scoring.StaticPoints, &ch.Scoring.FirstBloodBonus, &ch.SolveCount,
	)
	return ch, err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.Challenge, error) {
	ch, err := scanChallenge(s.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Challenge{}, fmt.Errorf("challenge %s: %w", id, apperrors.ErrNotFound)
	}
	return ch, err
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]models.Challenge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+challengeColumns+` FROM challenges ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query challenges: %w", err)
	}
	defer rows.Close()

	var out []models.Challenge
	for rows.Next() {
		ch, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetSolveCount(ctx context.Context, id string, n int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE challenges SET solve_count = $2, updated_at = NOW() WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("update solve count of %s: %w", id, err)
	}
	return expectRow(res, fmt.Sprintf("challenge %s", id))
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, apperrors.ErrNotFound)
	}
	return nil
}

func encodeRecords(records []models.SolverRecord) (string, error) {
	if records == nil {
		records = []models.SolverRecord{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("encode solver records: %w", err)
	}
	return string(data), nil
}

func decodeRecords(data []byte) ([]models.SolverRecord, error) {
	records := []models.SolverRecord{}
	if len(data) == 0 || string(data) == "null" {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode solver records: %w", err)
	}
	for i := range records {
		records[i].SolvedAt = records[i].SolvedAt.UTC()
	}
	return records, nil
}

func (s *PostgresStore) WriteSolverRecords(ctx context.Context, challengeID string, records []models.SolverRecord) error {
	data, err := encodeRecords(records)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE challenges SET solvers = $2::jsonb, updated_at = NOW() WHERE id = $1`, challengeID, data)
	if err != nil {
		return fmt.Errorf("write solver records of %s: %w", challengeID, err)
	}
	return expectRow(res, fmt.Sprintf("challenge %s", challengeID))
}

func (s *PostgresStore) WriteEmbeddedSolverRecords(ctx context.Context, competitionID, challengeID string, records []models.SolverRecord) error {
	data, err := encodeRecords(records)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE competition_challenges SET solvers = $3::jsonb
		WHERE competition_id = $1 AND challenge_id = $2
	`, competitionID, challengeID, data)
	if err != nil {
		return fmt.Errorf("write solver records of %s in %s: %w", challengeID, competitionID, err)
	}
	return expectRow(res, fmt.Sprintf("challenge %s in competition %s", challengeID, competitionID))
}

func (s *PostgresStore) SolverRecords(ctx context.Context, challengeID string) ([]models.SolverRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT solvers FROM challenges WHERE id = $1`, challengeID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("challenge %s: %w", challengeID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecords(data)
}

func (s *PostgresStore) EmbeddedSolverRecords(ctx context.Context, competitionID, challengeID string) ([]models.SolverRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT solvers FROM competition_challenges
		WHERE competition_id = $1 AND challenge_id = $2
	`, competitionID, challengeID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("challenge %s in competition %s: %w", challengeID, competitionID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecords(data)
}

func (s *PostgresStore) CompetitionsEmbedding(ctx context.Context, challengeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT competition_id FROM competition_challenges
		WHERE challenge_id = $1
		ORDER BY competition_id
	`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("query competitions embedding %s: %w", challengeID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Lookup(ctx context.Context, userID string) (models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx, `SELECT id, username, full_name FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.Username, &u.FullName)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", userID, apperrors.ErrNotFound)
	}
	return u, err
}

// UpsertChallenge creates or updates a challenge's metadata and scoring.
// Solver records and solve count are left alone.
func (s *PostgresStore) UpsertChallenge(ctx context.Context, ch models.Challenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (id, name, scoring_mode, initial_points, minimum_points,
			decay_constant, static_points, first_blood_bonus)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			scoring_mode = EXCLUDED.scoring_mode,
			initial_points = EXCLUDED.initial_points,
			minimum_points = EXCLUDED.minimum_points,
			decay_constant = EXCLUDED.decay_constant,
			static_points = EXCLUDED.static_points,
			first_blood_bonus = EXCLUDED.first_blood_bonus,
			updated_at = NOW()
	`, ch.ID, ch.Name, ch.Scoring.Mode, ch.Scoring.InitialPoints, ch.Scoring.MinimumPoints,
		ch.Scoring.DecayConstant, ch.Scoring.StaticPoints, ch.Scoring.FirstBloodBonus)
	if err != nil {
		return fmt.Errorf("upsert challenge %s: %w", ch.ID, err)
	}
	return nil
}

// UpsertCompetition sets the competition's embedded challenges to exactly
// c.ChallengeIDs. Copies of challenges that stay embedded are kept.
func (s *PostgresStore) UpsertCompetition(ctx context.Context, c models.Competition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO competitions (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, c.ID, c.Name); err != nil {
		return fmt.Errorf("upsert competition %s: %w", c.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM competition_challenges
		WHERE competition_id = $1 AND NOT (challenge_id = ANY($2))
	`, c.ID, pq.Array(c.ChallengeIDs)); err != nil {
		return fmt.Errorf("prune challenges of competition %s: %w", c.ID, err)
	}

	for _, chID := range c.ChallengeIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO competition_challenges (competition_id, challenge_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, c.ID, chID); err != nil {
			return fmt.Errorf("embed %s in competition %s: %w", chID, c.ID, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u models.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, full_name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, full_name = EXCLUDED.full_name
	`, u.ID, u.Username, u.FullName)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}
