// Package apperrors holds the error taxonomy shared by the scoring core and its adapters.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by stores when a challenge, competition or user does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is returned for arguments that can never be scored (negative solve count, zero decay).
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateSolve is returned when a user solves the same challenge a second time.
	ErrDuplicateSolve = errors.New("duplicate solve")

	ErrInvalidScoringConfig          = errors.New("invalid scoring config")
	ErrDanglingEventReference        = errors.New("dangling event reference")
	ErrInconsistentDenormalizedState = errors.New("inconsistent denormalized state")

	// ErrReplicationPending is returned when a solve event was stored but its
	// solver records were not; reconciliation brings them up to date.
	ErrReplicationPending = errors.New("solve stored, solver records pending reconciliation")

	// ErrUnstable is returned when reconciliation keeps observing new events past its pass limit.
	ErrUnstable = errors.New("reconciliation did not reach a stable pass")
)

// InvalidScoringConfigError names the offending field of a rejected scoring config.
type InvalidScoringConfigError struct {
	ChallengeID string
	Field       string
	Reason      string
}

func (e *InvalidScoringConfigError) Error() string {
	if e.ChallengeID == "" {
		return fmt.Sprintf("invalid scoring config: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid scoring config for challenge %s: %s %s", e.ChallengeID, e.Field, e.Reason)
}

func (e *InvalidScoringConfigError) Is(target error) bool {
	return target == ErrInvalidScoringConfig
}

// DanglingReferenceError describes a solve event whose challenge or competition is gone.
type DanglingReferenceError struct {
	EventID       string    `json:"event_id" yaml:"event_id"`
	ChallengeID   string    `json:"challenge_id" yaml:"challenge_id"`
	UserID        string    `json:"user_id" yaml:"user_id"`
	CompetitionID string    `json:"competition_id,omitempty" yaml:"competition_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at" yaml:"occurred_at"`
	Reason        string    `json:"reason" yaml:"reason"`
}

func (e *DanglingReferenceError) Error() string {
	if e.CompetitionID != "" {
		return fmt.Sprintf("dangling solve event %s (challenge %s, competition %s): %s",
			e.EventID, e.ChallengeID, e.CompetitionID, e.Reason)
	}
	return fmt.Sprintf("dangling solve event %s (challenge %s): %s", e.EventID, e.ChallengeID, e.Reason)
}

func (e *DanglingReferenceError) Is(target error) bool {
	return target == ErrDanglingEventReference
}

// InconsistentStateError reports competitions whose embedded solver records
// disagree with the standalone challenge copy.
type InconsistentStateError struct {
	ChallengeID  string   `json:"challenge_id" yaml:"challenge_id"`
	Competitions []string `json:"competitions" yaml:"competitions"`
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("solver records of challenge %s diverge in competitions [%s]",
		e.ChallengeID, strings.Join(e.Competitions, ", "))
}

func (e *InconsistentStateError) Is(target error) bool {
	return target == ErrInconsistentDenormalizedState
}
