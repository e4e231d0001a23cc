// models/leaderboard.go

package models

import "time"

// UserScoreSummary is one leaderboard row.
// LastSolveAt is the moment the current total was reached.
type UserScoreSummary struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	FullName    string    `json:"fullname"`
	TotalPoints int       `json:"points"`
	SolvedCount int       `json:"solved_count"`
	FirstBloods int       `json:"first_bloods"`
	LastSolveAt time.Time `json:"last_solve_at"`
	Rank        int       `json:"rank"`
}

type LeaderboardPage struct {
	Entries    []UserScoreSummary `json:"entries"`
	Total      int                `json:"total"`
	Page       int                `json:"page"`
	Limit      int                `json:"limit"`
	TotalPages int                `json:"total_pages"`
}

// UserSolve is one challenge's contribution to a user's total.
type UserSolve struct {
	ChallengeID  string    `json:"challenge_id"`
	PointsEarned int       `json:"points_earned"`
	IsFirstBlood bool      `json:"is_first_blood"`
	SolvedAt     time.Time `json:"solved_at"`
}

type UserProfile struct {
	UserScoreSummary
	Solves []UserSolve `json:"solves"`
}
