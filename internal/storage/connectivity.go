package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"sessionkeeper/internal/errs"
	"sessionkeeper/internal/models"
)

// ProbeStorage keeps a bounded history of probe samples and persists it to disk.
type ProbeStorage struct {
	mu         sync.RWMutex
	path       string
	maxHistory int
	history    []models.ProbeSample
}

// NewProbeStorage initialises storage and loads existing samples if present.
// An empty path keeps the history in memory only.
func NewProbeStorage(path string, maxHistory int) (*ProbeStorage, error) {
	if maxHistory <= 0 {
		maxHistory = 2048
	}
	store := &ProbeStorage{path: path, maxHistory: maxHistory}
	if path == "" {
		return store, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(err, errs.ErrCodeStoreUnavailable, "ensure data directory")
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// Record appends a sample, trims the history to its cap and persists it.
func (s *ProbeStorage) Record(sample models.ProbeSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, sample)
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
	return s.persistLocked()
}

// Latest returns the most recent probe sample.
func (s *ProbeStorage) Latest() (models.ProbeSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.history) == 0 {
		return models.ProbeSample{}, false
	}
	return s.history[len(s.history)-1], true
}

// History returns a copy of the persisted probe samples.
func (s *ProbeStorage) History() []models.ProbeSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.history) == 0 {
		return nil
	}
	out := make([]models.ProbeSample, len(s.history))
	copy(out, s.history)
	return out
}

// HistoryN returns at most limit of the newest samples; limit <= 0 returns all.
func (s *ProbeStorage) HistoryN(limit int) []models.ProbeSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if limit > 0 && len(s.history) > limit {
		start = len(s.history) - limit
	}
	out := make([]models.ProbeSample, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

// HistorySince returns samples whose timestamp is >= cutoff.
func (s *ProbeStorage) HistorySince(cutoff time.Time) []models.ProbeSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.history) == 0 {
		return nil
	}
	idx := 0
	if !cutoff.IsZero() {
		idx = sort.Search(len(s.history), func(i int) bool {
			return !s.history[i].CheckedAt.Before(cutoff)
		})
	}
	if idx >= len(s.history) {
		return nil
	}
	out := make([]models.ProbeSample, len(s.history)-idx)
	copy(out, s.history[idx:])
	return out
}

// Prune drops samples older than cutoff and returns how many were removed.
func (s *ProbeStorage) Prune(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := sort.Search(len(s.history), func(i int) bool {
		return !s.history[i].CheckedAt.Before(cutoff)
	})
	if idx == 0 {
		return 0, nil
	}
	s.history = append([]models.ProbeSample(nil), s.history[idx:]...)
	return idx, s.persistLocked()
}

func (s *ProbeStorage) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.history = nil
			return nil
		}
		return errs.Wrap(err, errs.ErrCodeStoreRead, "read probe history")
	}
	if len(data) == 0 {
		s.history = nil
		return nil
	}

	var entries []models.ProbeSample
	if err := json.Unmarshal(data, &entries); err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreRead, "parse probe history")
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CheckedAt.Before(entries[j].CheckedAt)
	})
	if len(entries) > s.maxHistory {
		entries = entries[len(entries)-s.maxHistory:]
	}
	s.history = entries
	return nil
}

func (s *ProbeStorage) persistLocked() error {
	if s.path == "" {
		return nil
	}
	bytes, err := json.MarshalIndent(s.history, "", "  ")
	if err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "encode probe history")
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, bytes, 0o644); err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "write temp probe history")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "replace probe history file")
	}
	return nil
}
