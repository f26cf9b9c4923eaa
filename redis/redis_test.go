package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shophub/chat"
	"shophub/config"
)

func newTestClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(config.RedisConfig{Addr: mr.Addr(), PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestWritePresenceReplacesSnapshot(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	err := client.WritePresence(ctx, []chat.PresenceEntry{
		{ID: "c2", Name: "Bob", Online: true},
		{ID: "c1", Name: "Alice", Online: true, Unread: true},
	})
	require.NoError(t, err)

	users, err := client.GetOnlineUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "c2", users[0].ID)
	assert.Equal(t, "c1", users[1].ID)
	assert.True(t, users[1].Unread)
	assert.True(t, mr.TTL(onlineUsersKey) > 0)

	require.NoError(t, client.WritePresence(ctx, []chat.PresenceEntry{{ID: "c1", Name: "Alice"}}))
	users, err = client.GetOnlineUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Alice", users[0].Name)

	require.NoError(t, client.WritePresence(ctx, nil))
	users, err = client.GetOnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.False(t, mr.Exists(onlineUsersKey))
}

func TestNewRedisClientFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(config.RedisConfig{Addr: addr})
	assert.Error(t, err)
}
