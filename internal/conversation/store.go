// Package conversation keeps the message list of the conversation currently open on screen.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/unimindcare/carechat/internal/models"
	"github.com/unimindcare/carechat/internal/observability"
	"golang.org/x/text/cases"
)

var ErrNoConversation = errors.New("no conversation open")

// Key names a conversation from the local user's side
type Key struct {
	LocalUser   string `json:"localUser,omitempty"`
	Counterpart string `json:"counterpart,omitempty"`
}

func (k Key) valid() bool {
	return k.LocalUser != "" && k.Counterpart != ""
}

// Includes reports whether msg belongs to the conversation
func (k Key) Includes(msg models.Message) bool {
	return k.valid() && msg.Between(k.LocalUser, k.Counterpart)
}

// HistoryFetcher loads the server's copy of a conversation
type HistoryFetcher interface {
	History(ctx context.Context, a, b string) ([]models.Message, error)
}

// ReadMarker asks the server to mark sender's messages to receiver as read
type ReadMarker interface {
	MarkAsRead(ctx context.Context, sender, receiver string) error
}

// Store holds one conversation. Messages are kept in the order they arrived
// and no identifier appears twice.
type Store struct {
	history HistoryFetcher
	marker  ReadMarker
	logger  *slog.Logger

	mu       sync.RWMutex
	key      Key
	messages []models.Message
	ids      map[string]struct{}
}

func NewStore(history HistoryFetcher, marker ReadMarker, logger *slog.Logger) *Store {
	return &Store{
		history: history,
		marker:  marker,
		logger:  observability.OrDiscard(logger),
		ids:     make(map[string]struct{}),
	}
}

// Load replaces the list with the server's history for key
func (s *Store) Load(ctx context.Context, key Key) error {
	if !key.valid() {
		return fmt.Errorf("load conversation: incomplete key %+v", key)
	}

	msgs, err := s.history.History(ctx, key.LocalUser, key.Counterpart)
	if err != nil {
		return fmt.Errorf("load conversation with %s: %w", key.Counterpart, err)
	}

	ids := make(map[string]struct{}, len(msgs))
	list := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if _, dup := ids[msg.ID]; dup {
			continue
		}
		ids[msg.ID] = struct{}{}
		list = append(list, msg)
	}

	s.mu.Lock()
	s.key = key
	s.messages = list
	s.ids = ids
	s.mu.Unlock()
	return nil
}

// Append adds msg unless its identifier is already present or it belongs to
// another conversation. It reports whether the list changed.
func (s *Store) Append(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.key.Includes(msg) {
		return false
	}
	if _, dup := s.ids[msg.ID]; dup {
		observability.DuplicateMessages.Inc()
		s.logger.Debug("duplicate message ignored", slog.String("message_id", msg.ID))
		return false
	}
	s.ids[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	return true
}

// MarkRead asks the server to mark counterpart's messages as read and then
// reloads, so read flags always reflect the server's view.
func (s *Store) MarkRead(ctx context.Context, counterpart string) error {
	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()

	if !key.valid() || key.Counterpart != counterpart {
		return fmt.Errorf("%w with %s", ErrNoConversation, counterpart)
	}
	if err := s.marker.MarkAsRead(ctx, counterpart, key.LocalUser); err != nil {
		return fmt.Errorf("mark conversation with %s read: %w", counterpart, err)
	}
	return s.Load(ctx, key)
}

func (s *Store) Key() Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

// Messages returns a copy of the list
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Close forgets the open conversation
func (s *Store) Close() {
	s.mu.Lock()
	s.key = Key{}
	s.messages = nil
	s.ids = make(map[string]struct{})
	s.mu.Unlock()
}

// Search returns the text messages whose body contains query, ignoring case.
// A blank query returns every message. msgs is never modified.
func Search(msgs []models.Message, query string) []models.Message {
	query = strings.TrimSpace(query)
	out := make([]models.Message, 0, len(msgs))
	if query == "" {
		return append(out, msgs...)
	}

	fold := cases.Fold()
	needle := fold.String(query)
	for _, msg := range msgs {
		if msg.Type != models.MessageTypeText {
			continue
		}
		if strings.Contains(fold.String(msg.Body), needle) {
			out = append(out, msg)
		}
	}
	return out
}
