package scoring

import (
	"fmt"

	"ctf-scoreboard/apperrors"
	"ctf-scoreboard/models"
)

// CurrentValue is what the challenge is worth to the next solver.
func CurrentValue(cfg models.ScoringConfig, solveCount int) (int, error) {
	return Score(cfg, solveCount)
}

// PointsEarned is the historical credit of a solver: the value in effect
// just before their solve, plus the first-blood bonus if they hold it.
// It does not move when later solvers arrive.
func PointsEarned(cfg models.ScoringConfig, rec models.SolverRecord) (int, error) {
	if rec.SolveOrder < 1 {
		return 0, fmt.Errorf("solver %s has solve order %d: %w", rec.UserID, rec.SolveOrder, apperrors.ErrInvalidInput)
	}
	points, err := Score(cfg, rec.SolveOrder-1)
	if err != nil {
		return 0, err
	}
	return points + bonus(cfg, rec), nil
}

// CurrentCredit is the live value of the challenge credited to rec,
// first-blood bonus included.
func CurrentCredit(cfg models.ScoringConfig, solveCount int, rec models.SolverRecord) (int, error) {
	points, err := Score(cfg, solveCount)
	if err != nil {
		return 0, err
	}
	return points + bonus(cfg, rec), nil
}

func bonus(cfg models.ScoringConfig, rec models.SolverRecord) int {
	if rec.IsFirstBlood {
		return cfg.FirstBloodBonus
	}
	return 0
}

// Scored attaches PointsEarned to every record.
func Scored(cfg models.ScoringConfig, records []models.SolverRecord) ([]models.ScoredSolver, error) {
	out := make([]models.ScoredSolver, 0, len(records))
	for _, rec := range records {
		p, err := PointsEarned(cfg, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ScoredSolver{SolverRecord: rec, PointsEarned: p})
	}
	return out, nil
}
