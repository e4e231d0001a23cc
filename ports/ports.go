package ports

import (
	"context"

	"ctf-scoreboard/models"
)

// SolveEventStore is the append-only history of accepted solves.
type SolveEventStore interface {
	// Append stores ev and assigns ev.Seq. It returns apperrors.ErrDuplicateSolve
	// when the (challenge, user) pair already has an event.
	Append(ctx context.Context, ev *models.SolveEvent) error
	// EventsForChallenge returns the challenge's events in Seq order.
	EventsForChallenge(ctx context.Context, challengeID string) ([]models.SolveEvent, error)
	// AllEvents returns every event in Seq order.
	AllEvents(ctx context.Context) ([]models.SolveEvent, error)
	// Watermark changes whenever an event is appended.
	Watermark(ctx context.Context) (int64, error)
}

// ChallengeCatalog provides challenge metadata and scoring parameters.
type ChallengeCatalog interface {
	Get(ctx context.Context, id string) (models.Challenge, error)
	ListAll(ctx context.Context) ([]models.Challenge, error)
	SetSolveCount(ctx context.Context, id string, n int) error
}

// DenormalizedStore holds the two copies of solver records: the standalone
// challenge (authoritative) and each competition's embedded challenge.
type DenormalizedStore interface {
	WriteSolverRecords(ctx context.Context, challengeID string, records []models.SolverRecord) error
	WriteEmbeddedSolverRecords(ctx context.Context, competitionID, challengeID string, records []models.SolverRecord) error
	SolverRecords(ctx context.Context, challengeID string) ([]models.SolverRecord, error)
	EmbeddedSolverRecords(ctx context.Context, competitionID, challengeID string) ([]models.SolverRecord, error)
	// CompetitionsEmbedding lists, sorted, the competitions holding a copy of the challenge.
	CompetitionsEmbedding(ctx context.Context, challengeID string) ([]string, error)
}

// UserDirectory resolves display names for solver records.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (models.User, error)
}

// Locker serializes work per key. Lock blocks until the key is free or ctx
// is done. Implementations backed by a shared database serialize across
// processes as well.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Store is the full set of persistence collaborators.
type Store interface {
	SolveEventStore
	ChallengeCatalog
	DenormalizedStore
	UserDirectory
}
