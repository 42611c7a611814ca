package status

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Tyrowin/chathub/internal/protocol"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMirror(t *testing.T) *RedisMirror {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping test: TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping test: redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	m := NewRedisMirror(client, "chathub-test-"+uuid.NewString()+":")
	m.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), m.prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
	})
	return m
}

func TestMirrorOnlineOffline(t *testing.T) {
	m := setupMirror(t)
	ctx := context.Background()
	ann := protocol.User{ID: "u-ann", Name: "Ann"}

	require.NoError(t, m.SetOnline(ctx, ann))

	ids, err := m.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u-ann"}, ids)

	fields, err := m.Status(ctx, ann.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, fields["status"])
	assert.Equal(t, "Ann", fields["name"])

	require.NoError(t, m.SetOffline(ctx, ann))
	ids, err = m.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	fields, err = m.Status(ctx, ann.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, fields["status"])
	assert.Equal(t, "2024-05-01T12:00:00Z", fields["last_seen"])
}

func TestMirrorOnlineUsersAndReset(t *testing.T) {
	m := setupMirror(t)
	ctx := context.Background()

	require.NoError(t, m.SetOnline(ctx, protocol.User{ID: "u-bob"}))
	require.NoError(t, m.SetOnline(ctx, protocol.User{ID: "u-ann"}))

	ids, err := m.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u-ann", "u-bob"}, ids)

	require.NoError(t, m.Reset(ctx))
	ids, err = m.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMirrorUnknownUser(t *testing.T) {
	m := setupMirror(t)

	fields, err := m.Status(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, fields)
}

func TestKeyLayout(t *testing.T) {
	m := NewRedisMirror(nil, "")
	assert.Equal(t, "chathub:online", m.onlineKey())
	assert.Equal(t, "chathub:user:u-ann", m.userKey("u-ann"))
}
