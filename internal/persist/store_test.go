package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behavior every backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx, SessionKey)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, SessionKey, []byte(`{"v":1}`)))
	require.NoError(t, store.Save(ctx, SessionKey, []byte(`{"v":2}`)), "overwrite")
	require.NoError(t, store.Save(ctx, RoomsKey, []byte(`[]`)))

	value, err := store.Load(ctx, SessionKey)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(value))

	require.NoError(t, store.Delete(ctx, SessionKey))
	require.NoError(t, store.Delete(ctx, SessionKey), "delete of a missing key")
	_, err = store.Load(ctx, SessionKey)
	require.ErrorIs(t, err, ErrNotFound)

	// Keys are independent.
	value, err = store.Load(ctx, RoomsKey)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(value))
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryCopiesValues(t *testing.T) {
	store := NewMemory()
	value := []byte("abc")
	require.NoError(t, store.Save(context.Background(), "k", value))
	value[0] = 'z'
	loaded, _ := store.Load(context.Background(), "k")
	assert.Equal(t, "abc", string(loaded), "stored value aliased the caller's slice")
}

func TestSQLite(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")
	store, err := OpenSQLite(path)
	require.NoError(t, err)
	type snapshot struct {
		AccessToken string `json:"accessToken"`
	}
	require.NoError(t, SaveJSON(context.Background(), store, SessionKey, snapshot{AccessToken: "a.b.c"}))
	store.Close()

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	var loaded snapshot
	require.NoError(t, LoadJSON(context.Background(), reopened, SessionKey, &loaded))
	assert.Equal(t, "a.b.c", loaded.AccessToken)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite("  ")
	assert.Error(t, err)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	store, err := OpenRedis(context.Background(), addr, "go-chat-client-test:"+t.Name()+":")
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
	_ = store.Delete(context.Background(), RoomsKey)
}
