package ledger

import (
	"math/rand"
	"testing"
	"time"

	"ctf-scoreboard/models"
)

func TestNormalizeTime(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	in := time.Date(2025, 3, 1, 15, 0, 0, 123456789, loc)
	got := NormalizeTime(in)
	if got.Location() != time.UTC {
		t.Errorf("location = %v", got.Location())
	}
	if !got.Equal(time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.UTC)) {
		t.Errorf("NormalizeTime = %v", got)
	}
}

func TestInsertMatchesSorted(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for seed := int64(0); seed < 20; seed++ {
		rng := rand.New(rand.NewSource(seed))

		var all, inc []models.SolverRecord
		for i := 0; i < 15; i++ {
			rec := models.SolverRecord{
				UserID:   string(rune('a' + i)),
				SolvedAt: base.Add(time.Duration(rng.Intn(5)) * time.Second),
				EventSeq: int64(i + 1),
			}
			all = append(all, rec)

			var pos int
			inc, pos = Insert(inc, rec)
			if inc[pos].UserID != rec.UserID {
				t.Fatalf("seed %d: Insert reported index %d holding %s", seed, pos, inc[pos].UserID)
			}
		}

		want := Sorted(all)
		for i := range want {
			if inc[i] != want[i] {
				t.Fatalf("seed %d: index %d = %+v, want %+v", seed, i, inc[i], want[i])
			}
			if want[i].SolveOrder != i+1 || want[i].IsFirstBlood != (i == 0) {
				t.Fatalf("seed %d: index %d numbered %+v", seed, i, want[i])
			}
		}
	}
}

func TestSortedDoesNotModifyInput(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	in := []models.SolverRecord{
		{UserID: "late", SolvedAt: base.Add(time.Minute), EventSeq: 1},
		{UserID: "early", SolvedAt: base, EventSeq: 2},
	}
	out := Sorted(in)
	if out[0].UserID != "early" || !out[0].IsFirstBlood {
		t.Errorf("out = %+v", out)
	}
	if in[0].UserID != "late" || in[0].SolveOrder != 0 {
		t.Errorf("input changed: %+v", in)
	}
}
