package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oralroom/internal/ports"
)

func exerciseStore(t *testing.T, store ports.KeyValueStore) {
	t.Helper()
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "token", "abc"))
	value, found, err := store.Get(ctx, "token")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "abc", value)

	require.NoError(t, store.Set(ctx, "token", "def"))
	value, _, _ = store.Get(ctx, "token")
	assert.Equal(t, "def", value)

	require.NoError(t, store.Delete(ctx, "token"))
	require.NoError(t, store.Delete(ctx, "token"))
	_, found, err = store.Get(ctx, "token")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemory())
}

func TestBoltStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "client.bolt")
	store, err := OpenBolt(path)
	require.NoError(t, err)
	exerciseStore(t, store)

	require.NoError(t, store.Set(context.Background(), "persisted", "yes"))
	require.NoError(t, store.Close())

	reopened, err := OpenBolt(path)
	require.NoError(t, err)
	defer reopened.Close()
	value, found, err := reopened.Get(context.Background(), "persisted")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "yes", value)
}

func TestRedisStore(t *testing.T) {
	redisURL := os.Getenv("ORALROOM_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("ORALROOM_TEST_REDIS_URL not set")
	}

	store, err := OpenRedis(redisURL, "oralroom-test")
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestRedisKeyPrefix(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "device-1:token", (&Redis{prefix: "device-1"}).key("token"))
	assert.Equal(t, "token", (&Redis{}).key("token"))
}

func TestOpenRedisRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := OpenRedis("://nope", "")
	assert.Error(t, err)
}
