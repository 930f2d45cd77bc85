package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/cardfarm/pkg/types"
	"gopkg.in/yaml.v3"
)

// StaticEntry is one fixture row. Drop is how many items disappear on every
// remaining-count poll (default 1).
type StaticEntry struct {
	ID        int           `yaml:"id"`
	Name      string        `yaml:"name"`
	Remaining int           `yaml:"remaining"`
	Playtime  time.Duration `yaml:"playtime"`
	Drop      int           `yaml:"drop"`
}

type staticFixture struct {
	Entries []StaticEntry `yaml:"entries"`
}

// Static is an in-memory catalog. It ignores the owner id.
type Static struct {
	mu      sync.Mutex
	order   []types.TargetID
	entries map[types.TargetID]*StaticEntry
}

// NewStatic builds a catalog from fixture rows, keeping their order.
func NewStatic(rows []StaticEntry) *Static {
	s := &Static{entries: make(map[types.TargetID]*StaticEntry, len(rows))}
	for i := range rows {
		row := rows[i]
		if row.Drop <= 0 {
			row.Drop = 1
		}
		id := types.TargetID(row.ID)
		if _, exists := s.entries[id]; !exists {
			s.order = append(s.order, id)
		}
		s.entries[id] = &row
	}
	return s
}

// LoadStatic reads a YAML fixture:
//
//	entries:
//	  - id: 440
//	    name: Team Fortress 2
//	    remaining: 3
//	    playtime: 3h
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog fixture: %w", err)
	}

	var fixture staticFixture
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("failed to parse catalog fixture: %w", err)
	}
	return NewStatic(fixture.Entries), nil
}

// ListEntries implements Client.
func (s *Static) ListEntries(ctx context.Context, ownerID string) ([]types.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]types.Entry, 0, len(s.order))
	for _, id := range s.order {
		row := s.entries[id]
		entries = append(entries, types.Entry{
			ID:        id,
			Name:      row.Name,
			Remaining: row.Remaining,
			Playtime:  row.Playtime,
		})
	}
	return entries, nil
}

// GetPlaytime implements Client.
func (s *Static) GetPlaytime(ctx context.Context, ownerID string, target types.TargetID) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.entries[target]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntry, target)
	}
	return row.Playtime, nil
}

// GetRemainingCount implements Client. Every call simulates one drop of the
// entry's Drop items.
func (s *Static) GetRemainingCount(ctx context.Context, ownerID string, target types.TargetID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.entries[target]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntry, target)
	}
	row.Remaining -= row.Drop
	if row.Remaining < 0 {
		row.Remaining = 0
	}
	return row.Remaining, nil
}
