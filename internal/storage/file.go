package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"sessionkeeper/internal/errs"
)

// FileKV persists the key-value map as a JSON document shared with other
// processes (the storefront owns the credential key). Every mutation re-reads
// the document under an advisory lock and rewrites it through a temp file and
// rename, so a batch of keys lands on disk together or not at all and keys
// this process did not touch keep their on-disk values.
type FileKV struct {
	mu     sync.Mutex
	path   string
	values map[string]string
	stamp  fileStamp

	log *logrus.Entry
}

// NewFileKV opens (or creates) the store at path.
func NewFileKV(path string, log *logrus.Entry) (*FileKV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(err, errs.ErrCodeStoreUnavailable, "ensure data directory")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &FileKV{path: path, log: log}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileKV) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return "", false, err
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *FileKV) Set(ctx context.Context, key, value string) error {
	return s.SetMany(ctx, map[string]string{key: value})
}

func (s *FileKV) Delete(ctx context.Context, key string) error {
	return s.DeleteMany(ctx, key)
}

func (s *FileKV) SetMany(_ context.Context, values map[string]string) error {
	return s.update(func(doc map[string]string) bool {
		for k, v := range values {
			doc[k] = v
		}
		return true
	})
}

func (s *FileKV) DeleteMany(_ context.Context, keys ...string) error {
	return s.update(func(doc map[string]string) bool {
		changed := false
		for _, k := range keys {
			if _, ok := doc[k]; ok {
				delete(doc, k)
				changed = true
			}
		}
		return changed
	})
}

// update applies change to the document as it is on disk right now, under
// the advisory lock, so keys other processes own are written back unchanged.
func (s *FileKV) update(change func(doc map[string]string) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "lock kv document")
	}
	defer unlock()

	doc, stamp, err := s.readLocked()
	if err != nil {
		return err
	}
	if !change(doc) {
		s.values, s.stamp = doc, stamp
		return nil
	}
	if err := s.persistLocked(doc); err != nil {
		return err
	}
	s.values = doc
	s.stamp = s.statLocked()
	return nil
}

// Watch reloads the document whenever it changes on disk, so edits made by
// other processes are seen by readers. It blocks until ctx is cancelled.
func (s *FileKV) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreUnavailable, "create watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreUnavailable, "watch data directory")
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.log.WithError(err).Warn("Reload of kv document failed; keeping last good state")
				continue
			}
			s.log.Debugf("kv document reloaded after %v", event.Op)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Errorf("Watcher error: %v", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *FileKV) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileKV) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileKV) loadLocked() error {
	values, stamp, err := s.readLocked()
	if err != nil {
		return err
	}
	s.values, s.stamp = values, stamp
	return nil
}

// refreshLocked reloads the document when it changed on disk since the last
// read or write.
func (s *FileKV) refreshLocked() error {
	if s.statLocked() == s.stamp {
		return nil
	}
	return s.loadLocked()
}

// readLocked parses the on-disk document. A missing or empty file is an
// empty document.
func (s *FileKV) readLocked() (map[string]string, fileStamp, error) {
	stamp := s.statLocked()
	values := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return values, stamp, nil
		}
		return nil, stamp, errs.Wrap(err, errs.ErrCodeStoreRead, "read kv document")
	}
	if len(data) == 0 {
		return values, stamp, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, stamp, errs.Wrap(err, errs.ErrCodeStoreRead, "parse kv document")
	}
	return values, stamp, nil
}

type fileStamp struct {
	modTime int64
	size    int64
	exists  bool
}

func (s *FileKV) statLocked() fileStamp {
	info, err := os.Stat(s.path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{modTime: info.ModTime().UnixNano(), size: info.Size(), exists: true}
}

func (s *FileKV) persistLocked(values map[string]string) error {
	bytes, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "encode kv document")
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, bytes, 0o600); err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "write temp kv document")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "replace kv document")
	}
	return nil
}
