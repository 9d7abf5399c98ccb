package navigation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionkeeper/internal/errs"
)

func TestNormalizePath(t *testing.T) {
	testCases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/orders", "/orders", true},
		{"orders", "/orders", true},
		{"/checkout?step=2#pay", "/checkout", true},
		{"https://embolo.in/wallet", "/wallet", true},
		{"https://embolo.in", "/", true},
		{"   ", "", false},
		{"%zz", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := NormalizePath(tc.in)
			if !tc.ok {
				assert.True(t, errs.Is(err, errs.ErrCodeInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRouterNotifiesBothKindsOfNavigation(t *testing.T) {
	r := NewRouter("/")
	var changes []Change
	dispose := r.OnRouteChange(func(c Change) { changes = append(changes, c) })

	require.NoError(t, r.Observe("/orders", KindPush))
	require.NoError(t, r.Observe("/", KindPop))
	require.NoError(t, r.Navigate("/wallet"))

	require.Len(t, changes, 3)
	assert.False(t, changes[0].Programmatic)
	assert.Equal(t, KindPop, changes[1].Kind)
	assert.True(t, changes[2].Programmatic)
	assert.Equal(t, "/wallet", r.CurrentPath())

	dispose()
	dispose()
	assert.Zero(t, r.Listeners())
	require.NoError(t, r.Navigate("/user"))
	assert.Len(t, changes, 3)
}

func TestRouterRejectsUnknownKind(t *testing.T) {
	r := NewRouter("")
	assert.Equal(t, "/", r.CurrentPath())
	err := r.Observe("/orders", Kind("teleport"))
	assert.True(t, errs.Is(err, errs.ErrCodeInvalidInput))
	assert.Equal(t, "/", r.CurrentPath())
}

func TestListenerMayReadCurrentPath(t *testing.T) {
	r := NewRouter("/")
	var seen string
	r.OnRouteChange(func(Change) { seen = r.CurrentPath() })
	require.NoError(t, r.Navigate("/checkout"))
	assert.Equal(t, "/checkout", seen)
}
