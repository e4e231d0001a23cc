package reconcile

import (
	"slices"

	"ctf-scoreboard/apperrors"
	"ctf-scoreboard/ledger"
	"ctf-scoreboard/models"
)

// Group is the resolved state of one challenge rebuilt from its events.
type Group struct {
	ChallengeID string
	Records     []models.SolverRecord
	Dangling    []*apperrors.DanglingReferenceError
	Duplicates  []models.SolveEvent
}

// Build rebuilds a challenge's solver records from its events, given in
// stream order. Events from competitions that no longer embed the challenge
// are dropped as dangling; a repeated (challenge, user) pair keeps the first
// event in stream order. The surviving events are stably sorted by
// OccurredAt and index 0 takes first blood.
func Build(challengeID string, events []models.SolveEvent, embedding []string, users map[string]models.User) Group {
	g := Group{ChallengeID: challengeID, Records: []models.SolverRecord{}}

	kept := make([]models.SolveEvent, 0, len(events))
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		if ev.CompetitionID != "" && !slices.Contains(embedding, ev.CompetitionID) {
			g.Dangling = append(g.Dangling, danglingEvent(ev, "competition no longer embeds the challenge"))
			continue
		}
		if seen[ev.UserID] {
			g.Duplicates = append(g.Duplicates, ev)
			continue
		}
		seen[ev.UserID] = true
		kept = append(kept, ev)
	}

	records := make([]models.SolverRecord, 0, len(kept))
	for _, ev := range kept {
		u, ok := users[ev.UserID]
		if !ok {
			u = models.User{ID: ev.UserID}
		}
		records = append(records, ledger.NewRecord(ev, u))
	}
	g.Records = ledger.Sorted(records)
	return g
}

func danglingEvent(ev models.SolveEvent, reason string) *apperrors.DanglingReferenceError {
	return &apperrors.DanglingReferenceError{
		EventID:       ev.ID,
		ChallengeID:   ev.ChallengeID,
		UserID:        ev.UserID,
		CompetitionID: ev.CompetitionID,
		OccurredAt:    ev.OccurredAt,
		Reason:        reason,
	}
}
