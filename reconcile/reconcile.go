// Package reconcile rebuilds solver records from the solve event history.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"ctf-scoreboard/apperrors"
	"ctf-scoreboard/denorm"
	"ctf-scoreboard/models"
	"ctf-scoreboard/ports"
)

const DefaultMaxPasses = 5

type Outcome string

const (
	Written   Outcome = "written"
	Unchanged Outcome = "unchanged"
	Skipped   Outcome = "skipped"
	Failed    Outcome = "failed"
)

type GroupResult struct {
	ChallengeID  string   `json:"challenge_id" yaml:"challenge_id"`
	Outcome      Outcome  `json:"outcome" yaml:"outcome"`
	SolveCount   int      `json:"solve_count" yaml:"solve_count"`
	FirstBlood   string   `json:"first_blood,omitempty" yaml:"first_blood,omitempty"`
	Competitions []string `json:"competitions,omitempty" yaml:"competitions,omitempty"`
	Error        string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report describes the last pass of a run. Warnings never abort the run.
type Report struct {
	RunID           string                              `json:"run_id" yaml:"run_id"`
	StartedAt       time.Time                           `json:"started_at" yaml:"started_at"`
	FinishedAt      time.Time                           `json:"finished_at" yaml:"finished_at"`
	Passes          int                                 `json:"passes" yaml:"passes"`
	Groups          []GroupResult                       `json:"groups" yaml:"groups"`
	Warnings        []*apperrors.DanglingReferenceError `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Duplicates      []models.SolveEvent                 `json:"duplicates,omitempty" yaml:"duplicates,omitempty"`
	Inconsistencies []*apperrors.InconsistentStateError `json:"inconsistencies,omitempty" yaml:"inconsistencies,omitempty"`
}

// Count returns how many groups ended with the given outcome.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, g := range r.Groups {
		if g.Outcome == o {
			n++
		}
	}
	return n
}

type Reconciler struct {
	store      ports.Store
	locks      ports.Locker
	replicator *denorm.Replicator
	logger     *slog.Logger
	maxPasses  int
	now        func() time.Time
}

type Option func(*Reconciler)

// WithLocker must be given the ledger's locker when both run in one process.
func WithLocker(locks ports.Locker) Option {
	return func(r *Reconciler) { r.locks = locks }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func WithMaxPasses(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxPasses = n
		}
	}
}

func New(store ports.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     store,
		locks:     ports.NewKeyedMutex(),
		logger:    slog.Default(),
		maxPasses: DefaultMaxPasses,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconcile")
	r.replicator = denorm.NewReplicator(store, r.logger)
	return r
}

// Run rebuilds every challenge group. If events were appended while a pass
// was running, the pass is repeated until one completes without new events
// or the pass limit is hit (apperrors.ErrUnstable). Cancelling ctx stops the
// run between groups; groups already written stay written and a later run
// starts from scratch.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), StartedAt: r.now().UTC()}
	log := r.logger.With("run_id", report.RunID)
	log.Info("reconciliation started")

	for pass := 1; pass <= r.maxPasses; pass++ {
		report.Passes = pass

		before, err := r.store.Watermark(ctx)
		if err != nil {
			return report, fmt.Errorf("read event watermark: %w", err)
		}

		res, err := r.pass(ctx)
		if err != nil {
			report.FinishedAt = r.now().UTC()
			return report, err
		}
		report.Groups = res.Groups
		report.Warnings = res.Warnings
		report.Duplicates = res.Duplicates
		report.Inconsistencies = res.Inconsistencies

		after, err := r.store.Watermark(ctx)
		if err != nil {
			return report, fmt.Errorf("read event watermark: %w", err)
		}
		if after == before {
			report.FinishedAt = r.now().UTC()
			log.Info("reconciliation finished",
				"passes", pass,
				"written", report.Count(Written),
				"unchanged", report.Count(Unchanged),
				"skipped", report.Count(Skipped),
				"failed", report.Count(Failed),
				"warnings", len(report.Warnings),
			)
			return report, nil
		}
		log.Info("new solve events during pass, running again", "pass", pass, "before", before, "after", after)
	}

	report.FinishedAt = r.now().UTC()
	return report, fmt.Errorf("%d passes: %w", r.maxPasses, apperrors.ErrUnstable)
}

type passResult struct {
	Groups          []GroupResult
	Warnings        []*apperrors.DanglingReferenceError
	Duplicates      []models.SolveEvent
	Inconsistencies []*apperrors.InconsistentStateError
}

func (r *Reconciler) pass(ctx context.Context) (passResult, error) {
	var res passResult

	catalog, err := r.store.ListAll(ctx)
	if err != nil {
		return res, fmt.Errorf("list challenges: %w", err)
	}
	events, err := r.store.AllEvents(ctx)
	if err != nil {
		return res, fmt.Errorf("read solve events: %w", err)
	}

	known := make(map[string]bool, len(catalog))
	for _, ch := range catalog {
		known[ch.ID] = true
	}
	orphans := make(map[string][]models.SolveEvent)
	for _, ev := range events {
		if !known[ev.ChallengeID] {
			orphans[ev.ChallengeID] = append(orphans[ev.ChallengeID], ev)
		}
	}

	ids := make([]string, 0, len(known)+len(orphans))
	for id := range known {
		ids = append(ids, id)
	}
	for id := range orphans {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if !known[id] {
			for _, ev := range orphans[id] {
				res.Warnings = append(res.Warnings, danglingEvent(ev, "challenge no longer exists"))
			}
			res.Groups = append(res.Groups, GroupResult{ChallengeID: id, Outcome: Skipped})
			continue
		}

		gr, g, err := r.resolve(ctx, id)
		res.Warnings = append(res.Warnings, g.Dangling...)
		res.Duplicates = append(res.Duplicates, g.Duplicates...)
		if err != nil {
			var inc *apperrors.InconsistentStateError
			if errors.As(err, &inc) {
				res.Inconsistencies = append(res.Inconsistencies, inc)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}
			gr.Outcome = Failed
			gr.Error = err.Error()
			r.logger.Error("challenge group not reconciled", "challenge_id", id, "error", err)
		}
		res.Groups = append(res.Groups, gr)
	}
	return res, nil
}

// resolve rebuilds one challenge under its lock, so a concurrent solve is
// either fully in the events read here or waits until the group is written.
func (r *Reconciler) resolve(ctx context.Context, challengeID string) (GroupResult, Group, error) {
	gr := GroupResult{ChallengeID: challengeID}

	unlock, err := r.locks.Lock(ctx, challengeID)
	if err != nil {
		return gr, Group{}, fmt.Errorf("lock challenge %s: %w", challengeID, err)
	}
	defer unlock()

	events, err := r.store.EventsForChallenge(ctx, challengeID)
	if err != nil {
		return gr, Group{}, fmt.Errorf("read events of %s: %w", challengeID, err)
	}
	comps, err := r.store.CompetitionsEmbedding(ctx, challengeID)
	if err != nil {
		return gr, Group{}, fmt.Errorf("list competitions embedding %s: %w", challengeID, err)
	}
	users, err := r.users(ctx, events)
	if err != nil {
		return gr, Group{}, err
	}

	g := Build(challengeID, events, comps, users)
	gr.SolveCount = len(g.Records)
	gr.Competitions = comps
	if len(g.Records) > 0 {
		gr.FirstBlood = g.Records[0].UserID
	}

	if err := ctx.Err(); err != nil {
		return gr, g, err
	}

	current, err := r.store.SolverRecords(ctx, challengeID)
	if err != nil {
		return gr, g, fmt.Errorf("read solver records of %s: %w", challengeID, err)
	}
	if denorm.Equal(current, g.Records) && r.replicator.Verify(ctx, challengeID) == nil {
		gr.Outcome = Unchanged
		return gr, g, r.syncCount(ctx, challengeID, len(g.Records))
	}

	if _, err := r.replicator.Sync(ctx, challengeID, g.Records); err != nil {
		return gr, g, err
	}
	gr.Outcome = Written
	return gr, g, r.syncCount(ctx, challengeID, len(g.Records))
}

func (r *Reconciler) syncCount(ctx context.Context, challengeID string, n int) error {
	ch, err := r.store.Get(ctx, challengeID)
	if err != nil {
		return err
	}
	if ch.SolveCount == n {
		return nil
	}
	return r.store.SetSolveCount(ctx, challengeID, n)
}

func (r *Reconciler) users(ctx context.Context, events []models.SolveEvent) (map[string]models.User, error) {
	users := make(map[string]models.User, len(events))
	for _, ev := range events {
		if _, ok := users[ev.UserID]; ok {
			continue
		}
		u, err := r.store.Lookup(ctx, ev.UserID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				r.logger.Warn("solver no longer exists, keeping record without name", "user_id", ev.UserID)
				continue
			}
			return nil, fmt.Errorf("look up user %s: %w", ev.UserID, err)
		}
		users[ev.UserID] = u
	}
	return users, nil
}
