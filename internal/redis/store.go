package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/unimindcare/carechat/internal/models"
)

const (
	presenceKey = "presence:conns"
	usersKey    = "users"
	maxTxRetry  = 5
)

// ErrUserNotFound is returned when a user id is not in the directory
var ErrUserNotFound = errors.New("user not found")

// Store keeps the relay's presence, directory, history and unread counters in Redis
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func conversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "messages:" + a + ":" + b
}

func unreadKey(receiver string) string {
	return "unread:" + receiver
}

// AddConnection counts one more open connection for userID
func (s *Store) AddConnection(ctx context.Context, userID string) error {
	return s.rdb.HIncrBy(ctx, presenceKey, userID, 1).Err()
}

// RemoveConnection drops one connection for userID and forgets the user at zero
func (s *Store) RemoveConnection(ctx context.Context, userID string) error {
	n, err := s.rdb.HIncrBy(ctx, presenceKey, userID, -1).Result()
	if err != nil {
		return err
	}
	if n <= 0 {
		return s.rdb.HDel(ctx, presenceKey, userID).Err()
	}
	return nil
}

// OnlineUsers returns the ids with at least one open connection, sorted
func (s *Store) OnlineUsers(ctx context.Context) ([]string, error) {
	conns, err := s.rdb.HGetAll(ctx, presenceKey).Result()
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(conns))
	for userID, raw := range conns {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			continue
		}
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}

// SaveUser adds or replaces a directory entry
func (s *Store) SaveUser(ctx context.Context, user models.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, usersKey, user.ID, data).Err()
}

// User looks up a directory entry
func (s *Store) User(ctx context.Context, userID string) (models.User, error) {
	raw, err := s.rdb.HGet(ctx, usersKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	var user models.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return models.User{}, fmt.Errorf("decode user %s: %w", userID, err)
	}
	return user, nil
}

// Users returns the whole directory sorted by name
func (s *Store) Users(ctx context.Context) ([]models.User, error) {
	all, err := s.rdb.HGetAll(ctx, usersKey).Result()
	if err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(all))
	for userID, raw := range all {
		var user models.User
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			return nil, fmt.Errorf("decode user %s: %w", userID, err)
		}
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// AppendMessage stores msg and returns the receiver's unread count for the sender
func (s *Store) AppendMessage(ctx context.Context, msg models.Message) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	var unread *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, conversationKey(msg.Sender, msg.Receiver), data)
		unread = pipe.HIncrBy(ctx, unreadKey(msg.Receiver), msg.Sender, 1)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(unread.Val()), nil
}

// History returns the conversation between a and b in insertion order
func (s *Store) History(ctx context.Context, a, b string) ([]models.Message, error) {
	raws, err := s.rdb.LRange(ctx, conversationKey(a, b), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return decodeMessages(raws)
}

// MarkRead flags every message between sender and receiver as read, in both
// directions, and resets both unread counters.
func (s *Store) MarkRead(ctx context.Context, sender, receiver string) (int, error) {
	key := conversationKey(sender, receiver)
	modified := 0

	txf := func(tx *redis.Tx) error {
		raws, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		msgs, err := decodeMessages(raws)
		if err != nil {
			return err
		}

		modified = 0
		updated := make([]interface{}, 0, len(msgs))
		for _, msg := range msgs {
			if !msg.Read {
				msg.Read = true
				modified++
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			updated = append(updated, data)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if modified > 0 {
				pipe.Del(ctx, key)
				pipe.RPush(ctx, key, updated...)
			}
			pipe.HDel(ctx, unreadKey(receiver), sender)
			pipe.HDel(ctx, unreadKey(sender), receiver)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetry; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return modified, err
	}
	return 0, fmt.Errorf("mark read %s: too much contention", key)
}

// Unread returns how many messages from sender the receiver has not read
func (s *Store) Unread(ctx context.Context, receiver, sender string) (int, error) {
	n, err := s.rdb.HGet(ctx, unreadKey(receiver), sender).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func decodeMessages(raws []string) ([]models.Message, error) {
	msgs := make([]models.Message, 0, len(raws))
	for _, raw := range raws {
		var msg models.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
