package continuity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sessionkeeper/internal/errs"
	"sessionkeeper/internal/models"
	"sessionkeeper/internal/storage"
)

// timestampLayout matches the millisecond ISO-8601 form the storefront writes.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Keys names the three snapshot entries in the shared store.
type Keys struct {
	Route      string
	Credential string
	CapturedAt string
}

func (k Keys) all() []string {
	return []string{k.Route, k.Credential, k.CapturedAt}
}

// SnapshotStore reads and writes a SessionSnapshot as three keys. The keys
// are written together or not at all.
type SnapshotStore struct {
	kv   storage.KV
	keys Keys
}

// NewSnapshotStore binds a snapshot store to kv.
func NewSnapshotStore(kv storage.KV, keys Keys) *SnapshotStore {
	return &SnapshotStore{kv: kv, keys: keys}
}

// Keys returns the configured key names.
func (s *SnapshotStore) Keys() Keys {
	return s.keys
}

// Save writes every key of snap. An empty credential is stored as an empty
// string so the snapshot stays complete.
func (s *SnapshotStore) Save(ctx context.Context, snap models.SessionSnapshot) error {
	values := map[string]string{
		s.keys.Route:      snap.Route,
		s.keys.Credential: snap.Credential,
		s.keys.CapturedAt: snap.CapturedAt.UTC().Format(timestampLayout),
	}
	if err := storage.SetAll(ctx, s.kv, values, s.keys.all()); err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "write session snapshot")
	}
	return nil
}

// Present lists the snapshot keys currently in the store.
func (s *SnapshotStore) Present(ctx context.Context) ([]string, error) {
	var present []string
	for _, key := range s.keys.all() {
		_, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, errs.Wrap(err, errs.ErrCodeStoreRead, fmt.Sprintf("read %s", key))
		}
		if ok {
			present = append(present, key)
		}
	}
	return present, nil
}

// Load returns the stored snapshot. found is false when no key exists. A
// snapshot missing some keys yields SNAPSHOT_PARTIAL and an unparsable
// timestamp SNAPSHOT_CORRUPT.
func (s *SnapshotStore) Load(ctx context.Context) (snap models.SessionSnapshot, found bool, err error) {
	values := make(map[string]string, 3)
	var missing []string
	for _, key := range s.keys.all() {
		value, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return models.SessionSnapshot{}, false, errs.Wrap(err, errs.ErrCodeStoreRead, fmt.Sprintf("read %s", key))
		}
		if !ok {
			missing = append(missing, key)
			continue
		}
		values[key] = value
	}

	switch len(missing) {
	case 0:
	case 3:
		return models.SessionSnapshot{}, false, nil
	default:
		return models.SessionSnapshot{}, false, errs.New(errs.ErrCodeSnapshotPartial, "session snapshot incomplete").
			WithDetail("missing", strings.Join(missing, ","))
	}

	capturedAt, err := time.Parse(time.RFC3339, values[s.keys.CapturedAt])
	if err != nil {
		return models.SessionSnapshot{}, false, errs.Wrap(err, errs.ErrCodeSnapshotCorrupt, "parse snapshot timestamp")
	}
	route := values[s.keys.Route]
	if route != "" && !strings.HasPrefix(route, "/") {
		return models.SessionSnapshot{}, false, errs.New(errs.ErrCodeSnapshotCorrupt, fmt.Sprintf("snapshot route %q is not a path", route))
	}

	return models.SessionSnapshot{
		Route:      route,
		Credential: values[s.keys.Credential],
		CapturedAt: capturedAt,
	}, true, nil
}

// Clear deletes every snapshot key.
func (s *SnapshotStore) Clear(ctx context.Context) error {
	if err := storage.DeleteAll(ctx, s.kv, s.keys.all()...); err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "delete session snapshot")
	}
	return nil
}
