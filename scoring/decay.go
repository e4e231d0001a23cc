// Package scoring computes challenge point values. Everything here is pure.
package scoring

import (
	"fmt"
	"math/big"

	"ctf-scoreboard/apperrors"
	"ctf-scoreboard/models"
)

// Score returns the value of a challenge after solveCount solves.
// Static challenges ignore solveCount.
func Score(cfg models.ScoringConfig, solveCount int) (int, error) {
	if solveCount < 0 {
		return 0, fmt.Errorf("solve count %d: %w", solveCount, apperrors.ErrInvalidInput)
	}

	switch cfg.Mode {
	case models.ScoringStatic:
		return cfg.StaticPoints, nil
	case models.ScoringDynamic:
		return Dynamic(cfg.InitialPoints, cfg.MinimumPoints, cfg.DecayConstant, solveCount)
	default:
		return 0, &apperrors.InvalidScoringConfigError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", cfg.Mode)}
	}
}

// Dynamic evaluates
//
//	ceil(initial - (initial-minimum) * solveCount² / decay²)
//
// clamped below at minimum. The division is exact: ceil(a - x) == a - floor(x)
// for integer a, so only an integer floor is needed.
func Dynamic(initial, minimum, decay, solveCount int) (int, error) {
	if decay <= 0 {
		return 0, fmt.Errorf("decay constant %d: %w", decay, apperrors.ErrInvalidInput)
	}
	if solveCount < 0 {
		return 0, fmt.Errorf("solve count %d: %w", solveCount, apperrors.ErrInvalidInput)
	}
	if minimum > initial {
		return 0, &apperrors.InvalidScoringConfigError{Field: "minimum_points", Reason: "exceeds initial_points"}
	}

	if solveCount == 0 {
		return initial, nil
	}
	// n >= decay means the decrease fraction is at least 1.
	if solveCount >= decay {
		return minimum, nil
	}

	n := big.NewInt(int64(solveCount))
	d := big.NewInt(int64(decay))

	num := new(big.Int).Mul(n, n)
	num.Mul(num, big.NewInt(int64(initial-minimum)))
	den := new(big.Int).Mul(d, d)

	// Quo truncates toward zero; num and den are non-negative so that is floor.
	decrease := new(big.Int).Quo(num, den)

	points := initial - int(decrease.Int64())
	if points < minimum {
		points = minimum
	}
	return points, nil
}

// Validate checks the invariants a config must satisfy before it is used for scoring.
func Validate(cfg models.ScoringConfig) error {
	if cfg.FirstBloodBonus < 0 {
		return &apperrors.InvalidScoringConfigError{Field: "first_blood_bonus", Reason: "must not be negative"}
	}

	switch cfg.Mode {
	case models.ScoringStatic:
		if cfg.StaticPoints <= 0 {
			return &apperrors.InvalidScoringConfigError{Field: "static_points", Reason: "must be positive"}
		}
	case models.ScoringDynamic:
		if cfg.InitialPoints < 0 {
			return &apperrors.InvalidScoringConfigError{Field: "initial_points", Reason: "must not be negative"}
		}
		if cfg.MinimumPoints < 0 {
			return &apperrors.InvalidScoringConfigError{Field: "minimum_points", Reason: "must not be negative"}
		}
		if cfg.MinimumPoints > cfg.InitialPoints {
			return &apperrors.InvalidScoringConfigError{Field: "minimum_points", Reason: "exceeds initial_points"}
		}
		if cfg.DecayConstant <= 0 {
			return &apperrors.InvalidScoringConfigError{Field: "decay_constant", Reason: "must be positive"}
		}
	default:
		return &apperrors.InvalidScoringConfigError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", cfg.Mode)}
	}
	return nil
}

// ValidateChallenge is Validate with the challenge id attached to the error.
func ValidateChallenge(ch models.Challenge) error {
	if err := Validate(ch.Scoring); err != nil {
		if cfgErr, ok := err.(*apperrors.InvalidScoringConfigError); ok {
			cfgErr.ChallengeID = ch.ID
		}
		return err
	}
	return nil
}
