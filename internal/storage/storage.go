package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessionkeeper/internal/errs"
	"sessionkeeper/internal/models"
)

// OutageStorage handles persistence of closed outages to disk.
type OutageStorage struct {
	mu      sync.RWMutex
	path    string
	history []models.Outage
}

// NewOutageStorage creates a storage instance and loads existing outages if present.
func NewOutageStorage(path string) (*OutageStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(err, errs.ErrCodeStoreUnavailable, "ensure data directory")
	}

	s := &OutageStorage{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append assigns an ID when missing, adds the outage and persists it to disk.
func (s *OutageStorage) Append(entry models.Outage) (models.Outage, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, entry)
	return entry, s.persist()
}

// Latest returns the most recent outage if it exists.
func (s *OutageStorage) Latest() (models.Outage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.history) == 0 {
		return models.Outage{}, false
	}
	return s.history[len(s.history)-1], true
}

// History returns a copy of the entire history slice.
func (s *OutageStorage) History() []models.Outage {
	return s.HistoryN(0)
}

// HistoryN returns at most limit of the newest outages; limit <= 0 returns all.
func (s *OutageStorage) HistoryN(limit int) []models.Outage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if limit > 0 && len(s.history) > limit {
		start = len(s.history) - limit
	}
	copied := make([]models.Outage, len(s.history)-start)
	copy(copied, s.history[start:])
	return copied
}

// Prune drops outages that ended before cutoff and returns how many were removed.
func (s *OutageStorage) Prune(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.history[:0:0]
	for _, o := range s.history {
		if !o.End.Before(cutoff) {
			kept = append(kept, o)
		}
	}
	removed := len(s.history) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	s.history = kept
	return removed, s.persist()
}

func (s *OutageStorage) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.history = []models.Outage{}
			return nil
		}
		return errs.Wrap(err, errs.ErrCodeStoreRead, "read outage history")
	}

	if len(data) == 0 {
		s.history = []models.Outage{}
		return nil
	}

	var entries []models.Outage
	if err := json.Unmarshal(data, &entries); err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreRead, "parse outage history")
	}

	s.history = entries
	return nil
}

func (s *OutageStorage) persist() error {
	bytes, err := json.MarshalIndent(s.history, "", "  ")
	if err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "encode outage history")
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, bytes, 0o644); err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "write temp outage history")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "replace outage history file")
	}
	return nil
}
