// models/solve.go

package models

import "time"

// SolveEvent is the immutable record of an accepted flag.
// Seq is assigned by the event store on append and fixes the stream order.
type SolveEvent struct {
	ID            string    `json:"id"`
	Seq           int64     `json:"seq"`
	ChallengeID   string    `json:"challenge_id"`
	UserID        string    `json:"user_id"`
	CompetitionID string    `json:"competition_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// SolverRecord is the denormalized copy of a solve stored on the challenge
// and on every competition that embeds it.
type SolverRecord struct {
	UserID        string    `json:"user_id"`
	Username      string    `json:"username"`
	FullName      string    `json:"fullname"`
	SolvedAt      time.Time `json:"solved_at"`
	IsFirstBlood  bool      `json:"is_first_blood"`
	SolveOrder    int       `json:"solve_order"`
	EventSeq      int64     `json:"event_seq"`
	CompetitionID string    `json:"competition_id,omitempty"`
}

// ScoredSolver is a solver record together with the points it is credited.
type ScoredSolver struct {
	SolverRecord
	PointsEarned int `json:"points_earned"`
}
