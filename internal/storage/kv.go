package storage

import (
	"context"
	"errors"
)

// KV is a durable string key-value store shared with the rest of the
// storefront (the credential lives in it too).
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Batch is implemented by stores that can write or delete several keys as a
// single atomic operation.
type Batch interface {
	SetMany(ctx context.Context, values map[string]string) error
	DeleteMany(ctx context.Context, keys ...string) error
}

// SetAll writes every value, atomically when the store supports Batch.
// Otherwise keys are written one by one and already written keys are
// removed again if a later write fails.
func SetAll(ctx context.Context, kv KV, values map[string]string, order []string) error {
	if b, ok := kv.(Batch); ok {
		return b.SetMany(ctx, values)
	}
	written := make([]string, 0, len(order))
	for _, key := range order {
		if err := kv.Set(ctx, key, values[key]); err != nil {
			rollback := make([]error, 0, len(written))
			for _, k := range written {
				if derr := kv.Delete(ctx, k); derr != nil {
					rollback = append(rollback, derr)
				}
			}
			return errors.Join(append([]error{err}, rollback...)...)
		}
		written = append(written, key)
	}
	return nil
}

// DeleteAll removes every key, atomically when the store supports Batch.
func DeleteAll(ctx context.Context, kv KV, keys ...string) error {
	if b, ok := kv.(Batch); ok {
		return b.DeleteMany(ctx, keys...)
	}
	var failures []error
	for _, key := range keys {
		if err := kv.Delete(ctx, key); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}
