package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unimindcare/carechat/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb)
}

func message(id, from, to string) models.Message {
	return models.Message{
		ID:        id,
		Sender:    from,
		Receiver:  to,
		Body:      "hello " + id,
		Type:      models.MessageTypeText,
		Timestamp: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestStore_Presence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AddConnection(ctx, "bob"))
	require.NoError(t, s.AddConnection(ctx, "alice"))
	require.NoError(t, s.AddConnection(ctx, "alice"))

	online, err := s.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, online)

	// alice still has a second device connected
	require.NoError(t, s.RemoveConnection(ctx, "alice"))
	require.NoError(t, s.RemoveConnection(ctx, "bob"))

	online, err = s.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, online)
}

func TestStore_Directory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveUser(ctx, models.User{ID: "u2", Name: "Zoé"}))
	require.NoError(t, s.SaveUser(ctx, models.User{ID: "u1", Name: "Amine"}))

	user, err := s.User(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "Zoé", user.Name)

	_, err = s.User(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)

	users, err := s.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u1", users[0].ID)
}

func TestStore_HistoryAndUnread(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n, err := s.AppendMessage(ctx, message("m1", "alice", "bob"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.AppendMessage(ctx, message("m2", "alice", "bob"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = s.AppendMessage(ctx, message("m3", "bob", "alice"))
	require.NoError(t, err)

	history, err := s.History(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "m1", history[0].ID)
	assert.Equal(t, "m3", history[2].ID)

	unread, err := s.Unread(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, unread)
}

func TestStore_MarkRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AppendMessage(ctx, message("m1", "alice", "bob"))
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, message("m2", "bob", "alice"))
	require.NoError(t, err)

	modified, err := s.MarkRead(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, modified)

	history, err := s.History(ctx, "alice", "bob")
	require.NoError(t, err)
	for _, msg := range history {
		assert.True(t, msg.Read, msg.ID)
	}

	unread, err := s.Unread(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Zero(t, unread)

	modified, err = s.MarkRead(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Zero(t, modified)
}
