package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ctf-scoreboard/apperrors"
	"ctf-scoreboard/database"
	"ctf-scoreboard/denorm"
	"ctf-scoreboard/models"
	"ctf-scoreboard/ports"
	"ctf-scoreboard/scoring"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newStore(users int) *database.MemoryStore {
	st := database.NewMemoryStore()
	st.PutChallenge(models.Challenge{
		ID:   "web-1",
		Name: "Login Bypass",
		Scoring: models.ScoringConfig{
			Mode:            models.ScoringDynamic,
			InitialPoints:   1000,
			MinimumPoints:   100,
			DecayConstant:   38,
			FirstBloodBonus: 50,
		},
	})
	st.PutCompetition(models.Competition{ID: "spring", ChallengeIDs: []string{"web-1"}})
	st.PutCompetition(models.Competition{ID: "winter"})
	for i := 0; i < users; i++ {
		id := fmt.Sprintf("u%02d", i)
		st.PutUser(models.User{ID: id, Username: "user" + id, FullName: "User " + id})
	}
	return st
}

func newLedger(st *database.MemoryStore) *Ledger {
	clock := &tickClock{t: base}
	return New(st, WithClock(clock.Now))
}

func TestRecordSolveAssignsFirstBloodToEarliest(t *testing.T) {
	ctx := context.Background()
	st := newStore(3)
	l := newLedger(st)

	for _, u := range []string{"u00", "u01", "u02"} {
		if _, err := l.RecordSolve(ctx, SolveRequest{ChallengeID: "web-1", UserID: u}); err != nil {
			t.Fatalf("RecordSolve(%s): %v", u, err)
		}
	}

	recs, err := st.SolverRecords(ctx, "web-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, r := range recs {
		if r.SolveOrder != i+1 {
			t.Errorf("record %d has order %d", i, r.SolveOrder)
		}
		if r.IsFirstBlood != (i == 0) {
			t.Errorf("record %d first blood = %v", i, r.IsFirstBlood)
		}
	}
	if recs[0].UserID != "u00" || recs[0].Username != "useru00" {
		t.Fatalf("first record = %+v", recs[0])
	}

	embedded, err := st.EmbeddedSolverRecords(ctx, "spring", "web-1")
	if err != nil {
		t.Fatal(err)
	}
	if !denorm.Equal(recs, embedded) {
		t.Fatalf("embedded copy diverged:\n%+v\n%+v", recs, embedded)
	}

	ch, _ := st.Get(ctx, "web-1")
	if ch.SolveCount != 3 {
		t.Fatalf("solve count = %d, want 3", ch.SolveCount)
	}
}

func TestRecordSolveRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	st := newStore(1)
	l := newLedger(st)

	fired := 0
	l.Subscribe(func(Change) { fired++ })

	if _, err := l.RecordSolve(ctx, SolveRequest{ChallengeID: "web-1", UserID: "u00"}); err != nil {
		t.Fatal(err)
	}
	_, err := l.RecordSolve(ctx, SolveRequest{ChallengeID: "web-1", UserID: "u00"})
	if !errors.Is(err, apperrors.ErrDuplicateSolve) {
		t.Fatalf("err = %v, want ErrDuplicateSolve", err)
	}

	recs, _ := st.SolverRecords(ctx, "web-1")
	if len(recs) != 1 {
		t.Fatalf("duplicate changed records: %+v", recs)
	}
	if fired != 1 {
		t.Fatalf("hooks fired %d times, want 1", fired)
	}
}

func TestRecordSolveOutOfOrderMovesFirstBlood(t *testing.T) {
	ctx := context.Background()
	st := newStore(3)
	l := newLedger(st)

	mustSolve(t, l, SolveRequest{ChallengeID: "web-1", UserID: "u00", OccurredAt: base.Add(time.Hour)})
	mustSolve(t, l, SolveRequest{ChallengeID: "web-1", UserID: "u01", OccurredAt: base.Add(2 * time.Hour)})

	var got Change
	l.Subscribe(func(c Change) { got = c })

	rec := mustSolve(t, l, SolveRequest{ChallengeID: "web-1", UserID: "u02", OccurredAt: base})
	if !rec.IsFirstBlood || rec.SolveOrder != 1 {
		t.Fatalf("early solve record = %+v", rec)
	}

	recs, _ := st.SolverRecords(ctx, "web-1")
	firstBloods := 0
	for _, r := range recs {
		if r.IsFirstBlood {
			firstBloods++
		}
	}
	if firstBloods != 1 || recs[0].UserID != "u02" {
		t.Fatalf("records = %+v", recs)
	}

	want := []string{"u02", "u00", "u01"}
	if fmt.Sprint(got.Affected) != fmt.Sprint(want) {
		t.Fatalf("affected = %v, want %v", got.Affected, want)
	}
}

func TestRecordSolveTiesKeepStreamOrder(t *testing.T) {
	ctx := context.Background()
	st := newStore(3)
	l := newLedger(st)

	for _, u := range []string{"u01", "u00", "u02"} {
		mustSolve(t, l, SolveRequest{ChallengeID: "web-1", UserID: u, OccurredAt: base})
	}

	recs, _ := st.SolverRecords(ctx, "web-1")
	order := []string{recs[0].UserID, recs[1].UserID, recs[2].UserID}
	if fmt.Sprint(order) != "[u01 u00 u02]" {
		t.Fatalf("order = %v", order)
	}
}

func TestRecordSolveConcurrentSameChallenge(t *testing.T) {
	ctx := context.Background()
	const n = 64
	st := newStore(n)
	l := New(st)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.RecordSolve(ctx, SolveRequest{ChallengeID: "web-1", UserID: fmt.Sprintf("u%02d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("RecordSolve: %v", err)
		}
	}

	recs, _ := st.SolverRecords(ctx, "web-1")
	if len(recs) != n {
		t.Fatalf("got %d records, want %d", len(recs), n)
	}
	seen := make(map[string]bool)
	firstBloods := 0
	for i, r := range recs {
		if seen[r.UserID] {
			t.Fatalf("user %s recorded twice", r.UserID)
		}
		seen[r.UserID] = true
		if r.IsFirstBlood {
			firstBloods++
		}
		if r.SolveOrder != i+1 {
			t.Fatalf("record %d has order %d", i, r.SolveOrder)
		}
		if i > 0 && r.EventSeq <= recs[i-1].EventSeq {
			t.Fatalf("live solves out of append order at %d: seq %d after %d", i, r.EventSeq, recs[i-1].EventSeq)
		}
	}
	if firstBloods != 1 {
		t.Fatalf("%d first bloods, want 1", firstBloods)
	}

	ch, _ := st.Get(ctx, "web-1")
	if ch.SolveCount != n {
		t.Fatalf("solve count = %d, want %d", ch.SolveCount, n)
	}
	events, _ := st.AllEvents(ctx)
	if len(events) != n {
		t.Fatalf("%d events, want %d", len(events), n)
	}
}

func TestRecordSolveRejectsBadReferences(t *testing.T) {
	ctx := context.Background()
	st := newStore(1)
	st.PutChallenge(models.Challenge{ID: "broken", Scoring: models.ScoringConfig{Mode: models.ScoringDynamic, InitialPoints: 10, MinimumPoints: 50, DecayConstant: 3}})
	l := newLedger(st)

	cases := []struct {
		name string
		req  SolveRequest
		want error
	}{
		{"unknown challenge", SolveRequest{ChallengeID: "nope", UserID: "u00"}, apperrors.ErrNotFound},
		{"unknown user", SolveRequest{ChallengeID: "web-1", UserID: "ghost"}, apperrors.ErrNotFound},
		{"competition without challenge", SolveRequest{ChallengeID: "web-1", UserID: "u00", CompetitionID: "winter"}, apperrors.ErrDanglingEventReference},
		{"invalid config", SolveRequest{ChallengeID: "broken", UserID: "u00"}, apperrors.ErrInvalidScoringConfig},
		{"missing user", SolveRequest{ChallengeID: "web-1"}, apperrors.ErrInvalidInput},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.RecordSolve(ctx, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	events, _ := st.AllEvents(ctx)
	if len(events) != 0 {
		t.Fatalf("rejected solves appended %d events", len(events))
	}
}

func TestRecordSolveWithCompetitionContext(t *testing.T) {
	ctx := context.Background()
	st := newStore(1)
	l := newLedger(st)

	rec := mustSolve(t, l, SolveRequest{ChallengeID: "web-1", UserID: "u00", CompetitionID: "spring"})
	if rec.CompetitionID != "spring" {
		t.Fatalf("record = %+v", rec)
	}
	events, _ := st.EventsForChallenge(ctx, "web-1")
	if len(events) != 1 || events[0].CompetitionID != "spring" {
		t.Fatalf("events = %+v", events)
	}
}

func TestValueAndHistory(t *testing.T) {
	ctx := context.Background()
	st := newStore(12)
	l := newLedger(st)

	for i := 0; i < 11; i++ {
		mustSolve(t, l, SolveRequest{ChallengeID: "web-1", UserID: fmt.Sprintf("u%02d", i)})
	}

	v, err := l.CurrentChallengeValue(ctx, "web-1")
	if err != nil {
		t.Fatal(err)
	}
	want, _ := scoring.Dynamic(1000, 100, 38, 11)
	if v.Value != want || v.SolveCount != 11 {
		t.Fatalf("value = %+v, want %d after 11 solves", v, want)
	}

	hist, err := l.SolverHistory(ctx, "web-1")
	if err != nil {
		t.Fatal(err)
	}
	if hist[0].PointsEarned != 1050 {
		t.Fatalf("first blood earned %d, want 1050", hist[0].PointsEarned)
	}
	if hist[10].PointsEarned != 938 {
		t.Fatalf("eleventh solver earned %d, want 938", hist[10].PointsEarned)
	}

	mustSolve(t, l, SolveRequest{ChallengeID: "web-1", UserID: "u11"})
	again, _ := l.SolverHistory(ctx, "web-1")
	for i := range hist {
		if again[i].PointsEarned != hist[i].PointsEarned {
			t.Fatalf("historical points of solver %d moved from %d to %d", i, hist[i].PointsEarned, again[i].PointsEarned)
		}
	}
}

func TestSubscribeAndCancel(t *testing.T) {
	st := newStore(2)
	l := newLedger(st)

	var changes []Change
	cancel := l.Subscribe(func(c Change) { changes = append(changes, c) })

	mustSolve(t, l, SolveRequest{ChallengeID: "web-1", UserID: "u00"})
	cancel()
	mustSolve(t, l, SolveRequest{ChallengeID: "web-1", UserID: "u01"})

	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	c := changes[0]
	if c.ChallengeID != "web-1" || c.SolveCount != 1 || c.Value != 1000 || !c.Record.IsFirstBlood {
		t.Fatalf("change = %+v", c)
	}
}

func TestVerifyDetectsDivergence(t *testing.T) {
	ctx := context.Background()
	st := newStore(2)
	l := newLedger(st)
	mustSolve(t, l, SolveRequest{ChallengeID: "web-1", UserID: "u00"})

	if err := l.Verify(ctx, "web-1"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	st.CorruptEmbedded("spring", "web-1", nil)
	if err := l.Verify(ctx, "web-1"); !errors.Is(err, apperrors.ErrInconsistentDenormalizedState) {
		t.Fatalf("err = %v, want ErrInconsistentDenormalizedState", err)
	}
}

func mustSolve(t *testing.T, l *Ledger, req SolveRequest) models.SolverRecord {
	t.Helper()
	rec, err := l.RecordSolve(context.Background(), req)
	if err != nil {
		t.Fatalf("RecordSolve(%+v): %v", req, err)
	}
	return rec
}

// slowStore adds latency to record reads and can fail standalone writes.
type slowStore struct {
	*database.MemoryStore
	readDelay  time.Duration
	failWrites atomic.Int32
}

func (s *slowStore) SolverRecords(ctx context.Context, challengeID string) ([]models.SolverRecord, error) {
	time.Sleep(s.readDelay)
	return s.MemoryStore.SolverRecords(ctx, challengeID)
}

func (s *slowStore) WriteSolverRecords(ctx context.Context, challengeID string, records []models.SolverRecord) error {
	if s.failWrites.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return s.MemoryStore.WriteSolverRecords(ctx, challengeID, records)
}

func TestRecordSolveSharedLockerAcrossLedgers(t *testing.T) {
	ctx := context.Background()
	const n = 40
	st := &slowStore{MemoryStore: newStore(n), readDelay: 2 * time.Millisecond}

	// Two ledgers over one store behave like two server instances; the
	// locker is the only thing they share.
	locks := ports.NewKeyedMutex()
	ledgers := []*Ledger{New(st, WithLocker(locks)), New(st, WithLocker(locks))}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledgers[i%2].RecordSolve(ctx, SolveRequest{ChallengeID: "web-1", UserID: fmt.Sprintf("u%02d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("RecordSolve: %v", err)
		}
	}

	recs, _ := st.SolverRecords(ctx, "web-1")
	ch, _ := st.Get(ctx, "web-1")
	events, _ := st.AllEvents(ctx)
	if len(events) != n || len(recs) != n || ch.SolveCount != n {
		t.Fatalf("events=%d records=%d solveCount=%d, want %d each", len(events), len(recs), ch.SolveCount, n)
	}
}

func TestRecordSolveStandaloneWriteFailure(t *testing.T) {
	ctx := context.Background()
	st := &slowStore{MemoryStore: newStore(2)}
	st.failWrites.Store(1)
	clock := &tickClock{t: base}
	l := New(st, WithClock(clock.Now))

	published := 0
	l.Subscribe(func(Change) { published++ })

	rec, err := l.RecordSolve(ctx, SolveRequest{ChallengeID: "web-1", UserID: "u00"})
	if !errors.Is(err, apperrors.ErrReplicationPending) {
		t.Fatalf("err = %v, want ErrReplicationPending", err)
	}
	if errors.Is(err, apperrors.ErrDuplicateSolve) || rec.UserID != "u00" {
		t.Fatalf("rec = %+v, err = %v", rec, err)
	}

	events, _ := st.AllEvents(ctx)
	recs, _ := st.SolverRecords(ctx, "web-1")
	ch, _ := st.Get(ctx, "web-1")
	if len(events) != 1 || len(recs) != 0 || ch.SolveCount != 0 {
		t.Fatalf("events=%d records=%d solveCount=%d, want 1 0 0", len(events), len(recs), ch.SolveCount)
	}
	if published != 0 {
		t.Errorf("published %d changes for a solve whose records were not written", published)
	}

	if _, err := l.RecordSolve(ctx, SolveRequest{ChallengeID: "web-1", UserID: "u00"}); !errors.Is(err, apperrors.ErrDuplicateSolve) {
		t.Errorf("retry err = %v, want ErrDuplicateSolve", err)
	}
}
