package continuity

import (
	"context"

	"sessionkeeper/internal/errs"
	"sessionkeeper/internal/storage"
)

// CredentialStore is the storefront's live credential slot.
type CredentialStore interface {
	Get(ctx context.Context) (string, bool, error)
	Set(ctx context.Context, credential string) error
	Clear(ctx context.Context) error
}

// KVCredentialStore keeps the credential under a single key of the shared
// store.
type KVCredentialStore struct {
	kv  storage.KV
	key string
}

// NewKVCredentialStore binds the credential slot to key.
func NewKVCredentialStore(kv storage.KV, key string) *KVCredentialStore {
	return &KVCredentialStore{kv: kv, key: key}
}

// Get returns the live credential. An empty value counts as absent.
func (s *KVCredentialStore) Get(ctx context.Context) (string, bool, error) {
	value, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return "", false, errs.Wrap(err, errs.ErrCodeStoreRead, "read credential")
	}
	return value, ok && value != "", nil
}

func (s *KVCredentialStore) Set(ctx context.Context, credential string) error {
	if err := s.kv.Set(ctx, s.key, credential); err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "write credential")
	}
	return nil
}

func (s *KVCredentialStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key); err != nil {
		return errs.Wrap(err, errs.ErrCodeStoreWrite, "clear credential")
	}
	return nil
}
