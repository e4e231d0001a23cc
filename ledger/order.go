package ledger

import (
	"sort"
	"time"

	"ctf-scoreboard/models"
)

// NormalizeTime maps a timestamp to the precision every store can keep.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// NewRecord builds the solver record for ev. Order fields are set by Renumber.
func NewRecord(ev models.SolveEvent, user models.User) models.SolverRecord {
	return models.SolverRecord{
		UserID:        ev.UserID,
		Username:      user.Username,
		FullName:      user.FullName,
		SolvedAt:      NormalizeTime(ev.OccurredAt),
		EventSeq:      ev.Seq,
		CompetitionID: ev.CompetitionID,
	}
}

// Less orders records by solve time, then by event stream position.
func Less(a, b models.SolverRecord) bool {
	if !a.SolvedAt.Equal(b.SolvedAt) {
		return a.SolvedAt.Before(b.SolvedAt)
	}
	return a.EventSeq < b.EventSeq
}

// Insert places rec into the ordered sequence and renumbers it. It returns the
// new sequence and the index rec landed at; records from that index on have
// moved.
func Insert(records []models.SolverRecord, rec models.SolverRecord) ([]models.SolverRecord, int) {
	pos := sort.Search(len(records), func(i int) bool {
		return Less(rec, records[i])
	})

	out := make([]models.SolverRecord, 0, len(records)+1)
	out = append(out, records[:pos]...)
	out = append(out, rec)
	out = append(out, records[pos:]...)
	Renumber(out)
	return out, pos
}

// Renumber assigns 1-based solve order and gives first blood to index 0 only.
func Renumber(records []models.SolverRecord) {
	for i := range records {
		records[i].SolveOrder = i + 1
		records[i].IsFirstBlood = i == 0
	}
}

// Sorted returns a stably sorted, renumbered copy of records.
func Sorted(records []models.SolverRecord) []models.SolverRecord {
	out := append(make([]models.SolverRecord, 0, len(records)), records...)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	Renumber(out)
	return out
}
