package trackstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/interp"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "track.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDuplicateTracking(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seen, err := store.SeenDuplicate(ctx, "u1", "<m1@example.org>")
	require.NoError(t, err)
	assert.False(t, seen, "untracked id must not be seen")

	require.NoError(t, store.TrackDuplicate(ctx, "u1", "<m1@example.org>", time.Hour))

	seen, err = store.SeenDuplicate(ctx, "u1", "<m1@example.org>")
	require.NoError(t, err)
	assert.True(t, seen)

	// Other users and other ids stay unaffected.
	seen, err = store.SeenDuplicate(ctx, "u2", "<m1@example.org>")
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = store.SeenDuplicate(ctx, "u1", "<m2@example.org>")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestDuplicateExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.TrackDuplicate(ctx, "u1", "id", -time.Minute))
	seen, err := store.SeenDuplicate(ctx, "u1", "id")
	require.NoError(t, err)
	assert.False(t, seen, "expired id must not be seen")

	require.NoError(t, store.Cleanup(ctx))
}

func TestVacationResponses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.LastVacationResponse(ctx, "u1", "h1", "alice@example.org")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.RecordVacationResponse(ctx, "u1", "h1", "alice@example.org"))

	at, ok, err := store.LastVacationResponse(ctx, "u1", "h1", "alice@example.org")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), at, time.Minute)

	// A different handle for the same sender is a separate record.
	_, ok, err = store.LastVacationResponse(ctx, "u1", "h2", "alice@example.org")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBindDuplicate(t *testing.T) {
	store := newTestStore(t)
	dup := BindDuplicate(store, "u1")
	rc := &interp.RunContext{}

	dctx := &interp.DuplicateContext{ID: "<m1@example.org>", Seconds: 3600}
	seen, err := dup.Check(dctx, rc)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, dup.Track(dctx, rc))

	seen, err = dup.Check(dctx, rc)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestBindVacationSuppressesWithinWindow(t *testing.T) {
	store := newTestStore(t)
	var sent int
	vac := BindVacation(store, "u1", func(*interp.SendResponseContext, *interp.RunContext) error {
		sent++
		return nil
	})
	rc := &interp.RunContext{}

	ac := &interp.AutorespondContext{Sender: "alice@example.org", Handle: "h1", Seconds: 86400}
	require.NoError(t, vac.Autorespond(ac, rc), "first response must go through")

	err := vac.Autorespond(ac, rc)
	assert.True(t, errors.Is(err, consts.ErrDone), "second response within the window must suppress, got %v", err)
}
