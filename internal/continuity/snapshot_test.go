package continuity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionkeeper/internal/errs"
	"sessionkeeper/internal/models"
	"sessionkeeper/internal/storage"
)

func TestSnapshotStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	store := NewSnapshotStore(kv, testKeys)

	_, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	captured := time.Date(2025, 3, 1, 9, 0, 0, 123_000_000, time.UTC)
	require.NoError(t, store.Save(ctx, models.SessionSnapshot{Route: "/orders", Credential: "tok123", CapturedAt: captured}))

	raw, _, err := kv.Get(ctx, testKeys.CapturedAt)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01T09:00:00.123Z", raw)

	snap, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/orders", snap.Route)
	assert.Equal(t, "tok123", snap.Credential)
	assert.True(t, captured.Equal(snap.CapturedAt))

	require.NoError(t, store.Clear(ctx))
	present, err := store.Present(ctx)
	require.NoError(t, err)
	assert.Empty(t, present)
}

func TestSnapshotStoreDetectsDamage(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name   string
		values map[string]string
		code   errs.ErrorCode
	}{
		{
			name:   "missing timestamp",
			values: map[string]string{testKeys.Route: "/orders", testKeys.Credential: "tok"},
			code:   errs.ErrCodeSnapshotPartial,
		},
		{
			name:   "bad timestamp",
			values: map[string]string{testKeys.Route: "/orders", testKeys.Credential: "tok", testKeys.CapturedAt: "yesterday"},
			code:   errs.ErrCodeSnapshotCorrupt,
		},
		{
			name:   "route is not a path",
			values: map[string]string{testKeys.Route: "javascript:alert(1)", testKeys.Credential: "", testKeys.CapturedAt: "2025-03-01T09:00:00.000Z"},
			code:   errs.ErrCodeSnapshotCorrupt,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			kv := storage.NewMemoryKV()
			for k, v := range tc.values {
				require.NoError(t, kv.Set(ctx, k, v))
			}
			_, found, err := NewSnapshotStore(kv, testKeys).Load(ctx)
			assert.False(t, found)
			assert.True(t, errs.Is(err, tc.code), "got %v", err)
		})
	}
}

func TestSnapshotStoreOverRedis(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	kv, err := storage.NewRedisKV(ctx, storage.RedisOptions{Addr: srv.Addr(), Prefix: "storefront:"})
	require.NoError(t, err)
	defer kv.Close()

	store := NewSnapshotStore(kv, testKeys)
	require.NoError(t, store.Save(ctx, models.SessionSnapshot{Route: "/wallet", CapturedAt: time.Now()}))
	assert.True(t, srv.Exists("storefront:"+testKeys.Route))
	token, err := srv.Get("storefront:" + testKeys.Credential)
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, store.Clear(ctx))
	assert.False(t, srv.Exists("storefront:"+testKeys.CapturedAt))
}

func TestSnapshotClearLeavesCredentialClearedByStorefront(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.json")
	kv, err := storage.NewFileKV(path, nil)
	require.NoError(t, err)
	creds := NewKVCredentialStore(kv, credentialKey)
	store := NewSnapshotStore(kv, testKeys)

	require.NoError(t, creds.Set(ctx, "tok123"))
	require.NoError(t, store.Save(ctx, models.SessionSnapshot{Route: "/orders", Credential: "tok123", CapturedAt: epoch}))

	// The storefront drops the credential after a 401 while we hold a snapshot.
	other, err := storage.NewFileKV(path, nil)
	require.NoError(t, err)
	require.NoError(t, other.Delete(ctx, credentialKey))

	require.NoError(t, store.Clear(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
	_, ok, err := creds.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVCredentialStore(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	creds := NewKVCredentialStore(kv, credentialKey)

	_, ok, err := creds.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, creds.Set(ctx, ""))
	_, ok, err = creds.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, creds.Set(ctx, "tok123"))
	value, ok, err := creds.Get(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok123", value)

	require.NoError(t, creds.Clear(ctx))
	_, ok, _ = creds.Get(ctx)
	assert.False(t, ok)
}
