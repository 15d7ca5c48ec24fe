// Package storage persists the run journal: one record per strategy run,
// with its legs and final PnL, in a single JSON file.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/P0W/option-strategies/internal/models"
)

// Run is one journal entry covering a full strategy lifecycle.
type Run struct {
	ID        string               `json:"id"`
	Tag       string               `json:"tag"`
	Index     string               `json:"index"`
	Strategy  string               `json:"strategy"` // straddle | strangle
	State     string               `json:"state"`
	StartedAt time.Time            `json:"started_at"`
	ClosedAt  *time.Time           `json:"closed_at,omitempty"`
	Legs      []models.ExecutedLeg `json:"legs"`
	FinalPnL  float64              `json:"final_pnl"`
}

// Store is the journal interface the engine writes through.
type Store interface {
	StartRun(tag, index, strategy string) (*Run, error)
	UpdateRun(state string, legs []models.ExecutedLeg) error
	CloseRun(state string, finalPnL float64) error
	ActiveRun() *Run
	Run(id string) (*Run, error)
	History() []Run
	TotalPnL() float64
}

type journalData struct {
	Active      *Run      `json:"active_run"`
	History     []Run     `json:"history"`
	LastUpdated time.Time `json:"last_updated"`
}

// JSONStore keeps the journal in one JSON file, rewritten atomically on
// every mutation.
type JSONStore struct {
	mu       sync.RWMutex
	filepath string
	data     journalData
}

var _ Store = (*JSONStore)(nil)

// NewJSONStore opens or creates the journal at filepath.
func NewJSONStore(filepath string) (*JSONStore, error) {
	s := &JSONStore{filepath: filepath}
	if _, err := os.Stat(filepath); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading journal: %w", err)
		}
	}
	return s, nil
}

func (s *JSONStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &s.data)
}

// save rewrites the journal file. Caller holds the write lock.
func (s *JSONStore) save() error {
	s.data.LastUpdated = time.Now()
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

// StartRun opens a new journal entry. An already-open run is closed into
// history first so a crash mid-run never loses the record.
func (s *JSONStore) StartRun(tag, index, strategy string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Active != nil {
		s.data.History = append(s.data.History, *s.data.Active)
	}
	run := &Run{
		ID:        uuid.NewString(),
		Tag:       tag,
		Index:     index,
		Strategy:  strategy,
		State:     string(models.StateWaiting),
		StartedAt: time.Now(),
	}
	s.data.Active = run
	if err := s.save(); err != nil {
		return nil, err
	}
	out := *run
	return &out, nil
}

// UpdateRun records the current state and leg snapshot of the active run.
func (s *JSONStore) UpdateRun(state string, legs []models.ExecutedLeg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Active == nil {
		return ErrNoActiveRun
	}
	s.data.Active.State = state
	s.data.Active.Legs = append([]models.ExecutedLeg(nil), legs...)
	return s.save()
}

// CloseRun stamps the final state and PnL and moves the run to history.
func (s *JSONStore) CloseRun(state string, finalPnL float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Active == nil {
		return ErrNoActiveRun
	}
	now := time.Now()
	s.data.Active.State = state
	s.data.Active.FinalPnL = finalPnL
	s.data.Active.ClosedAt = &now
	s.data.History = append(s.data.History, *s.data.Active)
	s.data.Active = nil
	return s.save()
}

// ActiveRun returns a copy of the open run, or nil.
func (s *JSONStore) ActiveRun() *Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.Active == nil {
		return nil
	}
	out := *s.data.Active
	return &out
}

// Run looks up a run by ID across the active run and history.
func (s *JSONStore) Run(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.Active != nil && s.data.Active.ID == id {
		out := *s.data.Active
		return &out, nil
	}
	for _, run := range s.data.History {
		if run.ID == id {
			out := run
			return &out, nil
		}
	}
	return nil, ErrRunNotFound
}

// History returns the closed runs, oldest first.
func (s *JSONStore) History() []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Run(nil), s.data.History...)
}

// TotalPnL sums the final PnL over all closed runs.
func (s *JSONStore) TotalPnL() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, run := range s.data.History {
		total += run.FinalPnL
	}
	return total
}
