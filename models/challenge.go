// models/challenge.go

package models

type ScoringMode string

const (
	ScoringStatic  ScoringMode = "static"
	ScoringDynamic ScoringMode = "dynamic"
)

// ScoringConfig holds the point parameters of a challenge.
// InitialPoints, MinimumPoints and DecayConstant apply to dynamic mode only,
// StaticPoints to static mode only.
type ScoringConfig struct {
	Mode            ScoringMode `json:"mode" yaml:"mode"`
	InitialPoints   int         `json:"initial_points,omitempty" yaml:"initial_points,omitempty"`
	MinimumPoints   int         `json:"minimum_points,omitempty" yaml:"minimum_points,omitempty"`
	DecayConstant   int         `json:"decay_constant,omitempty" yaml:"decay_constant,omitempty"`
	StaticPoints    int         `json:"static_points,omitempty" yaml:"static_points,omitempty"`
	FirstBloodBonus int         `json:"first_blood_bonus" yaml:"first_blood_bonus"`
}

type Challenge struct {
	ID         string        `json:"id" yaml:"id"`
	Name       string        `json:"name" yaml:"name"`
	Scoring    ScoringConfig `json:"scoring" yaml:"scoring"`
	SolveCount int           `json:"solve_count" yaml:"-"`
}

// Competition embeds copies of standalone challenges.
type Competition struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	ChallengeIDs []string `json:"challenge_ids" yaml:"challenges"`
}

// ChallengeValue is the live view of a challenge's worth.
type ChallengeValue struct {
	ChallengeID string      `json:"challenge_id"`
	Name        string      `json:"name"`
	Mode        ScoringMode `json:"mode"`
	Value       int         `json:"value"`
	SolveCount  int         `json:"solve_count"`
}
