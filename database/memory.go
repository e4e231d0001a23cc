package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ctf-scoreboard/apperrors"
	"ctf-scoreboard/models"
)

// MemoryStore implements ports.Store in process memory. It backs the
// `memory` database driver and the tests.
type MemoryStore struct {
	mu sync.RWMutex

	seq        int64
	events     []models.SolveEvent
	solved     map[solveKey]struct{}
	challenges map[string]models.Challenge
	users      map[string]models.User
	// competition id -> challenge id -> embedded records
	competitions map[string]map[string][]models.SolverRecord
	standalone   map[string][]models.SolverRecord
}

type solveKey struct {
	challengeID string
	userID      string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		solved:       make(map[solveKey]struct{}),
		challenges:   make(map[string]models.Challenge),
		users:        make(map[string]models.User),
		competitions: make(map[string]map[string][]models.SolverRecord),
		standalone:   make(map[string][]models.SolverRecord),
	}
}

// PutChallenge creates or replaces a challenge. Existing solver records are kept.
func (m *MemoryStore) PutChallenge(ch models.Challenge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges[ch.ID] = ch
}

func (m *MemoryStore) DeleteChallenge(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.challenges, id)
	delete(m.standalone, id)
	for _, embedded := range m.competitions {
		delete(embedded, id)
	}
}

// PutCompetition registers a competition embedding the given challenges.
func (m *MemoryStore) PutCompetition(c models.Competition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	embedded, ok := m.competitions[c.ID]
	if !ok {
		embedded = make(map[string][]models.SolverRecord)
		m.competitions[c.ID] = embedded
	}
	for _, id := range c.ChallengeIDs {
		if _, ok := embedded[id]; !ok {
			embedded[id] = nil
		}
	}
}

func (m *MemoryStore) DeleteCompetition(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.competitions, id)
}

func (m *MemoryStore) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *MemoryStore) Append(_ context.Context, ev *models.SolveEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := solveKey{ev.ChallengeID, ev.UserID}
	if _, dup := m.solved[key]; dup {
		return fmt.Errorf("user %s on challenge %s: %w", ev.UserID, ev.ChallengeID, apperrors.ErrDuplicateSolve)
	}
	m.seq++
	ev.Seq = m.seq
	m.solved[key] = struct{}{}
	m.events = append(m.events, *ev)
	return nil
}

func (m *MemoryStore) EventsForChallenge(_ context.Context, challengeID string) ([]models.SolveEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.SolveEvent
	for _, ev := range m.events {
		if ev.ChallengeID == challengeID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) AllEvents(_ context.Context) ([]models.SolveEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.SolveEvent(nil), m.events...), nil
}

func (m *MemoryStore) Watermark(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.challenges[id]
	if !ok {
		return models.Challenge{}, fmt.Errorf("challenge %s: %w", id, apperrors.ErrNotFound)
	}
	return ch, nil
}

func (m *MemoryStore) ListAll(_ context.Context) ([]models.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Challenge, 0, len(m.challenges))
	for _, ch := range m.challenges {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetSolveCount(_ context.Context, id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[id]
	if !ok {
		return fmt.Errorf("challenge %s: %w", id, apperrors.ErrNotFound)
	}
	ch.SolveCount = n
	m.challenges[id] = ch
	return nil
}

func (m *MemoryStore) WriteSolverRecords(_ context.Context, challengeID string, records []models.SolverRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.challenges[challengeID]; !ok {
		return fmt.Errorf("challenge %s: %w", challengeID, apperrors.ErrNotFound)
	}
	m.standalone[challengeID] = cloneRecords(records)
	return nil
}

func (m *MemoryStore) WriteEmbeddedSolverRecords(_ context.Context, competitionID, challengeID string, records []models.SolverRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	embedded, ok := m.competitions[competitionID]
	if !ok {
		return fmt.Errorf("competition %s: %w", competitionID, apperrors.ErrNotFound)
	}
	if _, ok := embedded[challengeID]; !ok {
		return fmt.Errorf("challenge %s in competition %s: %w", challengeID, competitionID, apperrors.ErrNotFound)
	}
	embedded[challengeID] = cloneRecords(records)
	return nil
}

func (m *MemoryStore) SolverRecords(_ context.Context, challengeID string) ([]models.SolverRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.challenges[challengeID]; !ok {
		return nil, fmt.Errorf("challenge %s: %w", challengeID, apperrors.ErrNotFound)
	}
	return cloneRecords(m.standalone[challengeID]), nil
}

func (m *MemoryStore) EmbeddedSolverRecords(_ context.Context, competitionID, challengeID string) ([]models.SolverRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	embedded, ok := m.competitions[competitionID]
	if !ok {
		return nil, fmt.Errorf("competition %s: %w", competitionID, apperrors.ErrNotFound)
	}
	records, ok := embedded[challengeID]
	if !ok {
		return nil, fmt.Errorf("challenge %s in competition %s: %w", challengeID, competitionID, apperrors.ErrNotFound)
	}
	return cloneRecords(records), nil
}

func (m *MemoryStore) CompetitionsEmbedding(_ context.Context, challengeID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, embedded := range m.competitions {
		if _, ok := embedded[challengeID]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Lookup(_ context.Context, userID string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", userID, apperrors.ErrNotFound)
	}
	return u, nil
}

// CorruptEmbedded overwrites one embedded copy without going through the
// replication path. Used to exercise divergence detection.
func (m *MemoryStore) CorruptEmbedded(competitionID, challengeID string, records []models.SolverRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if embedded, ok := m.competitions[competitionID]; ok {
		embedded[challengeID] = cloneRecords(records)
	}
}

func cloneRecords(records []models.SolverRecord) []models.SolverRecord {
	return append(make([]models.SolverRecord, 0, len(records)), records...)
}
