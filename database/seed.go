package database

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ctf-scoreboard/models"
	"ctf-scoreboard/scoring"
)

// Seeder is implemented by every store that can take catalog data.
type Seeder interface {
	UpsertChallenge(ctx context.Context, ch models.Challenge) error
	UpsertCompetition(ctx context.Context, c models.Competition) error
	UpsertUser(ctx context.Context, u models.User) error
}

// Fixture is a catalog snapshot loaded from YAML:
//
//	users:
//	  - {id: u1, username: alice, fullname: Alice}
//	challenges:
//	  - id: web-1
//	    name: Login Bypass
//	    scoring: {mode: dynamic, initial_points: 1000, minimum_points: 100, decay_constant: 38}
//	competitions:
//	  - {id: spring, name: Spring Cup, challenges: [web-1]}
type Fixture struct {
	Users        []models.User        `yaml:"users"`
	Challenges   []models.Challenge   `yaml:"challenges"`
	Competitions []models.Competition `yaml:"competitions"`
}

func LoadFixture(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var fx Fixture
	if err := dec.Decode(&fx); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &fx, nil
}

// Apply validates every challenge first and writes nothing if one is
// invalid.
func (fx *Fixture) Apply(ctx context.Context, s Seeder) error {
	for _, ch := range fx.Challenges {
		if err := scoring.ValidateChallenge(ch); err != nil {
			return err
		}
	}

	for _, u := range fx.Users {
		if err := s.UpsertUser(ctx, u); err != nil {
			return err
		}
	}
	for _, ch := range fx.Challenges {
		if err := s.UpsertChallenge(ctx, ch); err != nil {
			return err
		}
	}
	for _, c := range fx.Competitions {
		if err := s.UpsertCompetition(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) UpsertChallenge(_ context.Context, ch models.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.challenges[ch.ID]; ok {
		ch.SolveCount = cur.SolveCount
	}
	m.challenges[ch.ID] = ch
	return nil
}

func (m *MemoryStore) UpsertCompetition(_ context.Context, c models.Competition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	embedded := make(map[string][]models.SolverRecord, len(c.ChallengeIDs))
	for _, id := range c.ChallengeIDs {
		embedded[id] = m.competitions[c.ID][id]
	}
	m.competitions[c.ID] = embedded
	return nil
}

func (m *MemoryStore) UpsertUser(_ context.Context, u models.User) error {
	m.PutUser(u)
	return nil
}
