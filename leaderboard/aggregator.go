// Package leaderboard ranks users by the points they earned across all
// challenges.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ctf-scoreboard/apperrors"
	"ctf-scoreboard/ledger"
	"ctf-scoreboard/models"
	"ctf-scoreboard/ports"
	"ctf-scoreboard/scoring"
)

// Source is what the aggregator reads: the catalog and the standalone
// solver records.
type Source interface {
	ports.ChallengeCatalog
	SolverRecords(ctx context.Context, challengeID string) ([]models.SolverRecord, error)
}

// contribution is what one solve adds to a user's row.
type contribution struct {
	points     int
	solvedAt   time.Time
	firstBlood bool
	username   string
	fullName   string
}

type Aggregator struct {
	src    Source
	logger *slog.Logger

	// writeMu is held by Rebuild and Apply across their store reads, so a
	// rebuild snapshot never replaces rows an Apply wrote meanwhile.
	writeMu sync.Mutex

	mu sync.RWMutex
	// challenge id -> user id -> contribution
	contrib map[string]map[string]contribution
	ranking []models.UserScoreSummary
}

func New(src Source, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		src:     src,
		logger:  logger.With("component", "leaderboard"),
		contrib: make(map[string]map[string]contribution),
	}
}

// Rebuild recomputes every row from the standalone solver records.
// Challenges with an invalid scoring config contribute nothing.
func (a *Aggregator) Rebuild(ctx context.Context) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	all, err := a.src.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list challenges: %w", err)
	}

	contrib := make(map[string]map[string]contribution, len(all))
	for _, ch := range all {
		rows, err := a.challengeRows(ctx, ch, nil)
		if err != nil {
			if errors.Is(err, apperrors.ErrInvalidScoringConfig) {
				a.logger.Warn("challenge left out of leaderboard", "challenge_id", ch.ID, "error", err)
				continue
			}
			return err
		}
		contrib[ch.ID] = rows
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.contrib = contrib
	a.ranking = rank(contrib)
	return nil
}

// Apply folds one accepted solve into the ranking. Only the rows of the
// users named in the change are recomputed for the touched challenge.
func (a *Aggregator) Apply(ctx context.Context, c ledger.Change) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	ch, err := a.src.Get(ctx, c.ChallengeID)
	if err != nil {
		return err
	}

	var only map[string]bool
	if len(c.Affected) > 0 {
		only = make(map[string]bool, len(c.Affected))
		for _, id := range c.Affected {
			only[id] = true
		}
	}

	rows, err := a.challengeRows(ctx, ch, only)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	current := a.contrib[ch.ID]
	if current == nil || only == nil {
		current = make(map[string]contribution, len(rows))
		a.contrib[ch.ID] = current
	}
	for id, row := range rows {
		current[id] = row
	}
	a.ranking = rank(a.contrib)
	return nil
}

// challengeRows computes the contribution of each solver of ch, limited to
// the users in only when it is non-nil.
func (a *Aggregator) challengeRows(ctx context.Context, ch models.Challenge, only map[string]bool) (map[string]contribution, error) {
	if err := scoring.ValidateChallenge(ch); err != nil {
		return nil, err
	}
	records, err := a.src.SolverRecords(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("read solver records of %s: %w", ch.ID, err)
	}

	rows := make(map[string]contribution, len(records))
	for _, rec := range records {
		if only != nil && !only[rec.UserID] {
			continue
		}
		points, err := scoring.PointsEarned(ch.Scoring, rec)
		if err != nil {
			return nil, err
		}
		rows[rec.UserID] = contribution{
			points:     points,
			solvedAt:   rec.SolvedAt,
			firstBlood: rec.IsFirstBlood,
			username:   rec.Username,
			fullName:   rec.FullName,
		}
	}
	return rows, nil
}

func rank(contrib map[string]map[string]contribution) []models.UserScoreSummary {
	rows := make(map[string]*models.UserScoreSummary)
	for _, users := range contrib {
		for id, c := range users {
			row, ok := rows[id]
			if !ok {
				row = &models.UserScoreSummary{UserID: id}
				rows[id] = row
			}
			row.TotalPoints += c.points
			row.SolvedCount++
			if c.firstBlood {
				row.FirstBloods++
			}
			if c.solvedAt.After(row.LastSolveAt) || row.LastSolveAt.IsZero() {
				row.LastSolveAt = c.solvedAt
				row.Username = c.username
				row.FullName = c.fullName
			}
		}
	}

	out := make([]models.UserScoreSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	Sort(out)
	return out
}

// Sort orders rows by points descending, then by who reached their total
// first, then by user id, and sets Rank to the 1-based position.
func Sort(rows []models.UserScoreSummary) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.TotalPoints != b.TotalPoints {
			return a.TotalPoints > b.TotalPoints
		}
		if !a.LastSolveAt.Equal(b.LastSolveAt) {
			return a.LastSolveAt.Before(b.LastSolveAt)
		}
		return a.UserID < b.UserID
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
}

// Ranking returns a copy of the full ranking.
func (a *Aggregator) Ranking() []models.UserScoreSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append(make([]models.UserScoreSummary, 0, len(a.ranking)), a.ranking...)
}

// Page returns one page of the ranking. page is 1-based.
func (a *Aggregator) Page(page, limit int) models.LeaderboardPage {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	total := len(a.ranking)
	p := models.LeaderboardPage{
		Entries:    []models.UserScoreSummary{},
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}
	start := (page - 1) * limit
	if start >= total {
		return p
	}
	end := min(start+limit, total)
	p.Entries = append(p.Entries, a.ranking[start:end]...)
	return p
}

// Profile returns the ranked row of one user together with the solves
// that make up the total, oldest first.
func (a *Aggregator) Profile(userID string) (models.UserProfile, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var p models.UserProfile
	found := false
	for _, row := range a.ranking {
		if row.UserID == userID {
			p.UserScoreSummary = row
			found = true
			break
		}
	}
	if !found {
		return p, false
	}

	p.Solves = make([]models.UserSolve, 0, p.SolvedCount)
	for challengeID, users := range a.contrib {
		c, ok := users[userID]
		if !ok {
			continue
		}
		p.Solves = append(p.Solves, models.UserSolve{
			ChallengeID:  challengeID,
			PointsEarned: c.points,
			IsFirstBlood: c.firstBlood,
			SolvedAt:     c.solvedAt,
		})
	}
	sort.Slice(p.Solves, func(i, j int) bool {
		if !p.Solves[i].SolvedAt.Equal(p.Solves[j].SolvedAt) {
			return p.Solves[i].SolvedAt.Before(p.Solves[j].SolvedAt)
		}
		return p.Solves[i].ChallengeID < p.Solves[j].ChallengeID
	})
	return p, true
}
