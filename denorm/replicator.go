// Package denorm owns the single write path for solver records. The standalone
// challenge copy is authoritative; competition-embedded copies are refreshed
// from it in the same call and then checked against it.
package denorm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ctf-scoreboard/apperrors"
	"ctf-scoreboard/models"
	"ctf-scoreboard/ports"
)

// ErrStandaloneNotWritten marks a Sync that failed before any copy changed.
var ErrStandaloneNotWritten = errors.New("standalone solver records not written")

type Replicator struct {
	store  ports.DenormalizedStore
	logger *slog.Logger
}

func NewReplicator(store ports.DenormalizedStore, logger *slog.Logger) *Replicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicator{store: store, logger: logger.With("component", "denorm")}
}

// Sync writes records to the standalone challenge and to every competition
// embedding it, then verifies all copies agree. Competition ids written are
// returned even when an error is reported.
func (r *Replicator) Sync(ctx context.Context, challengeID string, records []models.SolverRecord) ([]string, error) {
	if err := r.store.WriteSolverRecords(ctx, challengeID, records); err != nil {
		return nil, fmt.Errorf("%w: challenge %s: %w", ErrStandaloneNotWritten, challengeID, err)
	}

	comps, err := r.store.CompetitionsEmbedding(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("list competitions embedding %s: %w", challengeID, err)
	}

	var errs []error
	written := make([]string, 0, len(comps))
	for _, compID := range comps {
		if err := r.store.WriteEmbeddedSolverRecords(ctx, compID, challengeID, records); err != nil {
			errs = append(errs, fmt.Errorf("write records of %s into competition %s: %w", challengeID, compID, err))
			continue
		}
		written = append(written, compID)
	}

	if err := r.Verify(ctx, challengeID); err != nil {
		errs = append(errs, err)
	}
	return written, errors.Join(errs...)
}

// Verify compares every embedded copy with the standalone one. Divergence is
// reported as *apperrors.InconsistentStateError and left untouched.
func (r *Replicator) Verify(ctx context.Context, challengeID string) error {
	want, err := r.store.SolverRecords(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("read standalone records of %s: %w", challengeID, err)
	}
	comps, err := r.store.CompetitionsEmbedding(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("list competitions embedding %s: %w", challengeID, err)
	}

	var diverged []string
	for _, compID := range comps {
		got, err := r.store.EmbeddedSolverRecords(ctx, compID, challengeID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				// removed between listing and reading
				continue
			}
			return fmt.Errorf("read records of %s in competition %s: %w", challengeID, compID, err)
		}
		if !Equal(want, got) {
			diverged = append(diverged, compID)
		}
	}

	if len(diverged) > 0 {
		r.logger.Error("solver records diverged",
			"challenge_id", challengeID,
			"competitions", diverged,
		)
		return &apperrors.InconsistentStateError{ChallengeID: challengeID, Competitions: diverged}
	}
	return nil
}

// Equal reports whether two record sequences are identical in order and content.
func Equal(a, b []models.SolverRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.UserID != y.UserID ||
			x.Username != y.Username ||
			x.FullName != y.FullName ||
			!x.SolvedAt.Equal(y.SolvedAt) ||
			x.IsFirstBlood != y.IsFirstBlood ||
			x.SolveOrder != y.SolveOrder ||
			x.EventSeq != y.EventSeq ||
			x.CompetitionID != y.CompetitionID {
			return false
		}
	}
	return true
}
