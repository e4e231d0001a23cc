package leaderboard

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"ctf-scoreboard/database"
	"ctf-scoreboard/ledger"
	"ctf-scoreboard/models"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newStore(users int) *database.MemoryStore {
	st := database.NewMemoryStore()
	st.PutChallenge(models.Challenge{
		ID: "web-1",
		Scoring: models.ScoringConfig{
			Mode:            models.ScoringDynamic,
			InitialPoints:   1000,
			MinimumPoints:   100,
			DecayConstant:   38,
			FirstBloodBonus: 50,
		},
	})
	st.PutChallenge(models.Challenge{
		ID:      "misc-1",
		Scoring: models.ScoringConfig{Mode: models.ScoringStatic, StaticPoints: 200},
	})
	st.PutChallenge(models.Challenge{
		ID: "crypto-1",
		Scoring: models.ScoringConfig{
			Mode:          models.ScoringDynamic,
			InitialPoints: 500,
			MinimumPoints: 50,
			DecayConstant: 5,
		},
	})
	st.PutCompetition(models.Competition{ID: "spring", ChallengeIDs: []string{"web-1", "misc-1"}})
	for i := 0; i < users; i++ {
		id := fmt.Sprintf("u%02d", i)
		st.PutUser(models.User{ID: id, Username: "user" + id})
	}
	return st
}

func solve(t *testing.T, l *ledger.Ledger, challenge, user, competition string, at time.Time) {
	t.Helper()
	_, err := l.RecordSolve(context.Background(), ledger.SolveRequest{
		ChallengeID:   challenge,
		UserID:        user,
		CompetitionID: competition,
		OccurredAt:    at,
	})
	if err != nil {
		t.Fatalf("RecordSolve(%s, %s): %v", challenge, user, err)
	}
}

func TestRebuildRanksByHistoricalPoints(t *testing.T) {
	ctx := context.Background()
	st := newStore(4)
	l := ledger.New(st)

	solve(t, l, "web-1", "u01", "", base)
	solve(t, l, "web-1", "u02", "spring", base.Add(time.Minute))
	solve(t, l, "misc-1", "u02", "", base.Add(2*time.Minute))
	solve(t, l, "misc-1", "u03", "", base.Add(3*time.Minute))

	agg := New(st, nil)
	if err := agg.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	got := agg.Ranking()

	want := []struct {
		user        string
		points      int
		solved      int
		firstBloods int
	}{
		{"u02", 1000 + 200, 2, 1},
		{"u01", 1000 + 50, 1, 1},
		{"u03", 200, 1, 0},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		r := got[i]
		if r.UserID != w.user || r.TotalPoints != w.points || r.SolvedCount != w.solved || r.FirstBloods != w.firstBloods {
			t.Errorf("row %d = %+v, want %+v", i, r, w)
		}
		if r.Rank != i+1 {
			t.Errorf("row %d rank %d", i, r.Rank)
		}
	}
	if !got[0].LastSolveAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("u02 last solve %v", got[0].LastSolveAt)
	}
}

func TestProfile(t *testing.T) {
	st := newStore(4)
	l := ledger.New(st)
	solve(t, l, "web-1", "u01", "", base)
	solve(t, l, "web-1", "u02", "", base.Add(time.Minute))
	solve(t, l, "misc-1", "u02", "", base.Add(2*time.Minute))

	agg := New(st, nil)
	if err := agg.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	p, ok := agg.Profile("u02")
	if !ok {
		t.Fatal("u02 has no profile")
	}
	if p.Rank != 1 || p.TotalPoints != 1200 || len(p.Solves) != 2 {
		t.Fatalf("profile = %+v", p)
	}
	if s := p.Solves[0]; s.ChallengeID != "web-1" || s.PointsEarned != 1000 || s.IsFirstBlood {
		t.Errorf("first solve = %+v", s)
	}
	if s := p.Solves[1]; s.ChallengeID != "misc-1" || s.PointsEarned != 200 || !s.IsFirstBlood {
		t.Errorf("second solve = %+v", s)
	}

	if _, ok := agg.Profile("u03"); ok {
		t.Error("user without solves has a profile")
	}
}

func TestCompetitionCopiesAreNotCountedTwice(t *testing.T) {
	ctx := context.Background()
	st := newStore(1)
	l := ledger.New(st)
	solve(t, l, "misc-1", "u00", "spring", base)

	agg := New(st, nil)
	if err := agg.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	rows := agg.Ranking()
	if len(rows) != 1 || rows[0].TotalPoints != 200 || rows[0].SolvedCount != 1 {
		t.Fatalf("rows = %+v, want one row of 200 points", rows)
	}
}

func TestSortTieBreaks(t *testing.T) {
	rows := []models.UserScoreSummary{
		{UserID: "c", TotalPoints: 100, LastSolveAt: base},
		{UserID: "b", TotalPoints: 100, LastSolveAt: base},
		{UserID: "a", TotalPoints: 100, LastSolveAt: base.Add(time.Second)},
		{UserID: "d", TotalPoints: 300, LastSolveAt: base.Add(time.Hour)},
	}
	Sort(rows)

	var order []string
	for i, r := range rows {
		order = append(order, r.UserID)
		if r.Rank != i+1 {
			t.Errorf("%s has rank %d at position %d", r.UserID, r.Rank, i)
		}
	}
	if fmt.Sprint(order) != "[d b c a]" {
		t.Errorf("order = %v, want [d b c a]", order)
	}
}

func TestApplyMatchesRebuild(t *testing.T) {
	ctx := context.Background()
	const users = 10
	challenges := []string{"web-1", "misc-1", "crypto-1"}

	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		st := newStore(users)
		l := ledger.New(st)

		live := New(st, nil)
		if err := live.Rebuild(ctx); err != nil {
			t.Fatal(err)
		}
		l.Subscribe(func(c ledger.Change) {
			if err := live.Apply(ctx, c); err != nil {
				t.Errorf("seed %d: Apply: %v", seed, err)
			}
		})

		type pair struct{ ch, user string }
		var pairs []pair
		for _, ch := range challenges {
			for u := 0; u < users; u++ {
				if rng.Intn(2) == 0 {
					pairs = append(pairs, pair{ch, fmt.Sprintf("u%02d", u)})
				}
			}
		}
		rng.Shuffle(len(pairs), func(i, j int) { pairs[i], pairs[j] = pairs[j], pairs[i] })
		for _, p := range pairs {
			// Random times make late arrivals shift earlier solvers' orders.
			solve(t, l, p.ch, p.user, "", base.Add(time.Duration(rng.Intn(30))*time.Second))
		}

		rebuilt := New(st, nil)
		if err := rebuilt.Rebuild(ctx); err != nil {
			t.Fatal(err)
		}
		if got, want := live.Ranking(), rebuilt.Ranking(); !reflect.DeepEqual(got, want) {
			t.Fatalf("seed %d: incremental ranking differs\nincremental: %+v\nrebuilt:     %+v", seed, got, want)
		}
	}
}

// pausingSource reads one challenge's records, then holds them until release.
type pausingSource struct {
	*database.MemoryStore
	challenge string
	armed     atomic.Bool
	paused    chan struct{}
	release   chan struct{}
}

func (s *pausingSource) SolverRecords(ctx context.Context, challengeID string) ([]models.SolverRecord, error) {
	recs, err := s.MemoryStore.SolverRecords(ctx, challengeID)
	if challengeID == s.challenge && s.armed.CompareAndSwap(true, false) {
		close(s.paused)
		<-s.release
	}
	return recs, err
}

func TestRebuildDoesNotDropConcurrentApply(t *testing.T) {
	ctx := context.Background()
	st := newStore(3)
	l := ledger.New(st)
	solve(t, l, "web-1", "u01", "", base)

	src := &pausingSource{
		MemoryStore: st,
		challenge:   "web-1",
		paused:      make(chan struct{}),
		release:     make(chan struct{}),
	}
	agg := New(src, nil)
	if err := agg.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	l.Subscribe(func(c ledger.Change) {
		if err := agg.Apply(ctx, c); err != nil {
			t.Errorf("Apply: %v", err)
		}
	})

	src.armed.Store(true)
	rebuilt := make(chan error, 1)
	go func() { rebuilt <- agg.Rebuild(ctx) }()
	<-src.paused

	solved := make(chan error, 1)
	go func() {
		_, err := l.RecordSolve(ctx, ledger.SolveRequest{ChallengeID: "web-1", UserID: "u02", OccurredAt: base.Add(time.Minute)})
		solved <- err
	}()
	// Give the solve time to reach Apply while the rebuild holds its snapshot.
	select {
	case err := <-solved:
		solved <- err
	case <-time.After(50 * time.Millisecond):
	}
	close(src.release)

	if err := <-rebuilt; err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := <-solved; err != nil {
		t.Fatalf("RecordSolve: %v", err)
	}

	fresh := New(st, nil)
	if err := fresh.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	got, want := agg.Ranking(), fresh.Ranking()
	if len(want) != 2 || !reflect.DeepEqual(got, want) {
		t.Fatalf("ranking after concurrent rebuild and solve\ngot:  %+v\nwant: %+v", got, want)
	}
}

func TestPage(t *testing.T) {
	ctx := context.Background()
	st := newStore(5)
	l := ledger.New(st)
	for i := 0; i < 5; i++ {
		solve(t, l, "misc-1", fmt.Sprintf("u%02d", i), "", base.Add(time.Duration(i)*time.Second))
	}
	agg := New(st, nil)
	if err := agg.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}

	p := agg.Page(2, 2)
	if p.Total != 5 || p.TotalPages != 3 || len(p.Entries) != 2 {
		t.Fatalf("page = %+v", p)
	}
	if p.Entries[0].UserID != "u02" || p.Entries[0].Rank != 3 {
		t.Errorf("first entry of page 2 = %+v, want u02 ranked 3", p.Entries[0])
	}

	past := agg.Page(9, 2)
	if past.Entries == nil || len(past.Entries) != 0 {
		t.Errorf("page past the end = %+v, want empty entries", past)
	}

	def := agg.Page(0, 0)
	if def.Page != 1 || def.Limit != 50 || len(def.Entries) != 5 {
		t.Errorf("defaults = %+v", def)
	}
}
