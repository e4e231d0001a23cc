// Package ledger records accepted solves and keeps the ordered solver list,
// first blood and solve count of every challenge.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"ctf-scoreboard/apperrors"
	"ctf-scoreboard/denorm"
	"ctf-scoreboard/models"
	"ctf-scoreboard/ports"
	"ctf-scoreboard/scoring"
)

type SolveRequest struct {
	ChallengeID   string
	UserID        string
	CompetitionID string
	// OccurredAt defaults to the ledger clock when zero.
	OccurredAt time.Time
}

// Change is published after every accepted solve.
type Change struct {
	ChallengeID string              `json:"challenge_id"`
	Record      models.SolverRecord `json:"record"`
	Value       int                 `json:"value"`
	SolveCount  int                 `json:"solve_count"`
	// Affected lists users whose solve order or first-blood flag moved,
	// the new solver included.
	Affected []string `json:"affected"`
}

type Ledger struct {
	store      ports.Store
	replicator *denorm.Replicator
	locks      ports.Locker
	now        func() time.Time
	logger     *slog.Logger

	hooksMu sync.RWMutex
	hooks   map[int]func(Change)
	nextID  int
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLocker shares the per-challenge lock with other writers such as reconciliation.
func WithLocker(locks ports.Locker) Option {
	return func(l *Ledger) { l.locks = locks }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func New(store ports.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		locks:  ports.NewKeyedMutex(),
		now:    time.Now,
		logger: slog.Default(),
		hooks:  make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")
	l.replicator = denorm.NewReplicator(store, l.logger)
	return l
}

// Subscribe registers fn to run after each accepted solve, outside the
// challenge lock. The returned func removes it.
func (l *Ledger) Subscribe(fn func(Change)) func() {
	l.hooksMu.Lock()
	id := l.nextID
	l.nextID++
	l.hooks[id] = fn
	l.hooksMu.Unlock()

	return func() {
		l.hooksMu.Lock()
		delete(l.hooks, id)
		l.hooksMu.Unlock()
	}
}

func (l *Ledger) publish(c Change) {
	l.hooksMu.RLock()
	ids := make([]int, 0, len(l.hooks))
	for id := range l.hooks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.hooks[id])
	}
	l.hooksMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// RecordSolve appends a solve event and updates both copies of the
// challenge's solver records. A repeated (challenge, user) pair fails with
// apperrors.ErrDuplicateSolve and changes nothing.
//
// If the replicas disagree after the write, the record is still returned
// together with an error matching apperrors.ErrInconsistentDenormalizedState.
// If the standalone records could not be written at all, the event stays
// stored, nothing else changes, no Change is published and the error matches
// apperrors.ErrReplicationPending.
func (l *Ledger) RecordSolve(ctx context.Context, req SolveRequest) (models.SolverRecord, error) {
	if req.ChallengeID == "" || req.UserID == "" {
		return models.SolverRecord{}, fmt.Errorf("challenge and user are required: %w", apperrors.ErrInvalidInput)
	}

	ch, err := l.store.Get(ctx, req.ChallengeID)
	if err != nil {
		return models.SolverRecord{}, err
	}
	if err := scoring.ValidateChallenge(ch); err != nil {
		return models.SolverRecord{}, err
	}

	if req.CompetitionID != "" {
		comps, err := l.store.CompetitionsEmbedding(ctx, ch.ID)
		if err != nil {
			return models.SolverRecord{}, err
		}
		if !slices.Contains(comps, req.CompetitionID) {
			return models.SolverRecord{}, &apperrors.DanglingReferenceError{
				ChallengeID:   ch.ID,
				UserID:        req.UserID,
				CompetitionID: req.CompetitionID,
				OccurredAt:    req.OccurredAt,
				Reason:        "competition does not embed the challenge",
			}
		}
	}

	user, err := l.store.Lookup(ctx, req.UserID)
	if err != nil {
		return models.SolverRecord{}, err
	}

	ev := models.SolveEvent{
		ID:            uuid.NewString(),
		ChallengeID:   ch.ID,
		UserID:        req.UserID,
		CompetitionID: req.CompetitionID,
	}
	if !req.OccurredAt.IsZero() {
		ev.OccurredAt = NormalizeTime(req.OccurredAt)
	}

	res, err := l.commit(ctx, ch, ev, user)
	if err != nil {
		return models.SolverRecord{}, err
	}

	if !res.pending {
		l.publish(res.change)
	}
	return res.change.Record, res.syncErr
}

// commitResult carries a replication problem that happened after the event
// was stored; the solve itself stands.
type commitResult struct {
	change  Change
	syncErr error
	pending bool
}

// commit runs the critical section.
func (l *Ledger) commit(ctx context.Context, ch models.Challenge, ev models.SolveEvent, user models.User) (commitResult, error) {
	unlock, err := l.locks.Lock(ctx, ch.ID)
	if err != nil {
		return commitResult{}, fmt.Errorf("lock challenge %s: %w", ch.ID, err)
	}
	defer unlock()

	// Stamped under the lock so live solves of a challenge are appended in
	// timestamp order and never take first blood from an earlier solver.
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = NormalizeTime(l.now())
	}

	if err := l.store.Append(ctx, &ev); err != nil {
		return commitResult{}, err
	}

	current, err := l.store.SolverRecords(ctx, ch.ID)
	if err != nil {
		return commitResult{}, fmt.Errorf("load solver records of %s: %w", ch.ID, err)
	}

	rec := NewRecord(ev, user)
	next, pos := Insert(current, rec)
	rec = next[pos]

	if pos == 0 && len(current) > 0 {
		l.logger.Warn("first blood reassigned by out-of-order solve",
			"challenge_id", ch.ID,
			"previous_user_id", current[0].UserID,
			"user_id", rec.UserID,
		)
	}

	_, syncErr := l.replicator.Sync(ctx, ch.ID, next)
	if errors.Is(syncErr, denorm.ErrStandaloneNotWritten) {
		l.logger.Error("solve stored but solver records not written; run reconciliation",
			"challenge_id", ch.ID,
			"event_id", ev.ID,
			"error", syncErr,
		)
		return commitResult{
			change:  Change{ChallengeID: ch.ID, Record: rec, SolveCount: len(current)},
			syncErr: fmt.Errorf("%w: %w", apperrors.ErrReplicationPending, syncErr),
			pending: true,
		}, nil
	}
	if syncErr != nil && !errors.Is(syncErr, apperrors.ErrInconsistentDenormalizedState) {
		l.logger.Error("competition copies not written; run reconciliation",
			"challenge_id", ch.ID,
			"event_id", ev.ID,
			"error", syncErr,
		)
	}

	if err := l.store.SetSolveCount(ctx, ch.ID, len(next)); err != nil {
		syncErr = errors.Join(syncErr, fmt.Errorf("update solve count of %s: %w", ch.ID, err))
	}

	value, err := scoring.CurrentValue(ch.Scoring, len(next))
	if err != nil {
		return commitResult{}, err
	}

	affected := make([]string, 0, len(next)-pos)
	for _, r := range next[pos:] {
		affected = append(affected, r.UserID)
	}

	l.logger.Info("solve recorded",
		"challenge_id", ch.ID,
		"user_id", rec.UserID,
		"solve_order", rec.SolveOrder,
		"first_blood", rec.IsFirstBlood,
		"value", value,
	)

	return commitResult{
		change: Change{
			ChallengeID: ch.ID,
			Record:      rec,
			Value:       value,
			SolveCount:  len(next),
			Affected:    affected,
		},
		syncErr: syncErr,
	}, nil
}

// CurrentChallengeValue is the live worth of a challenge.
func (l *Ledger) CurrentChallengeValue(ctx context.Context, challengeID string) (models.ChallengeValue, error) {
	ch, err := l.store.Get(ctx, challengeID)
	if err != nil {
		return models.ChallengeValue{}, err
	}
	records, err := l.store.SolverRecords(ctx, challengeID)
	if err != nil {
		return models.ChallengeValue{}, err
	}
	value, err := scoring.CurrentValue(ch.Scoring, len(records))
	if err != nil {
		return models.ChallengeValue{}, err
	}
	return models.ChallengeValue{
		ChallengeID: ch.ID,
		Name:        ch.Name,
		Mode:        ch.Scoring.Mode,
		Value:       value,
		SolveCount:  len(records),
	}, nil
}

// Values lists the live worth of every challenge in the catalog.
func (l *Ledger) Values(ctx context.Context) ([]models.ChallengeValue, error) {
	all, err := l.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ChallengeValue, 0, len(all))
	for _, ch := range all {
		v, err := l.CurrentChallengeValue(ctx, ch.ID)
		if err != nil {
			if errors.Is(err, apperrors.ErrInvalidScoringConfig) {
				l.logger.Warn("skipping challenge with invalid scoring config", "challenge_id", ch.ID, "error", err)
				continue
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// SolverHistory returns the ordered solver records of a challenge with the
// points each solver earned.
func (l *Ledger) SolverHistory(ctx context.Context, challengeID string) ([]models.ScoredSolver, error) {
	ch, err := l.store.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	records, err := l.store.SolverRecords(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	return scoring.Scored(ch.Scoring, records)
}

// Verify checks the replicas of one challenge.
func (l *Ledger) Verify(ctx context.Context, challengeID string) error {
	if _, err := l.store.Get(ctx, challengeID); err != nil {
		return err
	}
	return l.replicator.Verify(ctx, challengeID)
}
