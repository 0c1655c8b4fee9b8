// Package session ties the chat and call components to one authenticated
// user. Init and Teardown bracket the lifetime of the signaling connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/unimindcare/carechat/internal/auth"
	"github.com/unimindcare/carechat/internal/call"
	"github.com/unimindcare/carechat/internal/conversation"
	"github.com/unimindcare/carechat/internal/models"
	"github.com/unimindcare/carechat/internal/observability"
	"github.com/unimindcare/carechat/internal/peer"
	"github.com/unimindcare/carechat/internal/presence"
	"github.com/unimindcare/carechat/internal/restclient"
	"github.com/unimindcare/carechat/internal/signaling"
	"golang.org/x/text/cases"
)

var (
	ErrNotInitialized     = errors.New("session not initialized")
	ErrAlreadyInitialized = errors.New("session already initialized")
)

const subscriberBuffer = 64

type Config struct {
	SignalingURL   string
	ServerURL      string
	ICEServers     []string
	ReconnectDelay time.Duration
	RedirectDelay  time.Duration
	RequestTimeout time.Duration

	Media       peer.MediaSource
	PeerFactory peer.Factory
	RemoteSink  peer.RemoteSink
	Dialer      *websocket.Dialer
}

// Contact is a directory entry annotated for the user list
type Contact struct {
	models.User
	Online bool `json:"online"`
	Unread int  `json:"unread"`
}

// Status is a snapshot of everything a UI shows outside the message list
type Status struct {
	UserID       string           `json:"userId,omitempty"`
	Connected    bool             `json:"connected"`
	Error        *UIError         `json:"error,omitempty"`
	Call         call.Status      `json:"call"`
	Online       []string         `json:"online"`
	Unread       map[string]int   `json:"unread"`
	Conversation conversation.Key `json:"conversation"`
}

// components are built by Init and dropped by Teardown
type components struct {
	userID string
	sig    *signaling.Client
	rest   *restclient.Client
	conv   *conversation.Store
	calls  *call.Controller
	peers  *peer.Manager
}

type Session struct {
	cfg      Config
	tokens   auth.TokenSource
	redirect func()
	logger   *slog.Logger

	presence *presence.Tracker
	unread   *presence.Unread

	mu            sync.RWMutex
	p             *components
	connected     bool
	uiErr         *UIError
	redirectTimer *time.Timer
	subs          map[int]chan Event
	nextSub       int
}

// New prepares a session. redirect is called RedirectDelay after an
// authentication failure, to send the user back to the login page.
func New(cfg Config, tokens auth.TokenSource, redirect func(), logger *slog.Logger) *Session {
	if cfg.RedirectDelay <= 0 {
		cfg.RedirectDelay = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Media == nil {
		cfg.Media = peer.SampleSource{Audio: true, Video: true, Logger: logger}
	}
	return &Session{
		cfg:      cfg,
		tokens:   tokens,
		redirect: redirect,
		logger:   observability.OrDiscard(logger).With(slog.String("component", "session")),
		presence: presence.NewTracker(),
		unread:   presence.NewUnread(),
		subs:     make(map[int]chan Event),
	}
}

// Init reads the token, connects the signaling channel and joins the local
// user's room. Authentication failures schedule the login redirect.
func (s *Session) Init(ctx context.Context) error {
	s.mu.RLock()
	initialized := s.p != nil
	s.mu.RUnlock()
	if initialized {
		return ErrAlreadyInitialized
	}

	token, err := s.tokens.Token()
	if err != nil {
		s.authFailed(err)
		return fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}
	claims, err := auth.Inspect(token, time.Now())
	if err != nil {
		s.authFailed(err)
		return fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}

	p := &components{userID: claims.Subject()}
	p.rest = restclient.New(s.cfg.ServerURL, auth.Static(token), s.cfg.RequestTimeout)
	p.sig = signaling.New(signaling.Config{
		URL:            s.cfg.SignalingURL,
		ReconnectDelay: s.cfg.ReconnectDelay,
		AckTimeout:     s.cfg.RequestTimeout,
		Dialer:         s.cfg.Dialer,
		Logger:         s.logger,
	})
	p.calls = call.NewController(s.logger)
	p.peers = peer.NewManager(
		peer.Config{LocalUserID: p.userID, ICEServers: s.cfg.ICEServers},
		s.cfg.PeerFactory, s.cfg.Media, s.cfg.RemoteSink,
		p.sig, s.presence, p.calls, s.logger,
	)
	p.conv = conversation.NewStore(p.rest, p.sig, s.logger)
	s.wire(p)

	if err := p.sig.Connect(ctx, token); err != nil {
		_ = p.sig.Close()
		if errors.Is(err, auth.ErrUnauthorized) {
			s.authFailed(err)
		} else {
			s.setError(ErrorTransport, "unable to reach the chat server")
		}
		return err
	}

	s.mu.Lock()
	if s.p != nil {
		s.mu.Unlock()
		_ = p.sig.Close()
		return ErrAlreadyInitialized
	}
	s.p = p
	s.connected = p.sig.Connected()
	// a fresh login supersedes an earlier authentication failure
	if s.uiErr != nil && s.uiErr.Kind == ErrorAuth {
		s.uiErr = nil
	}
	if s.redirectTimer != nil {
		s.redirectTimer.Stop()
		s.redirectTimer = nil
	}
	s.mu.Unlock()

	s.logger.Info("session started", slog.String("user_id", p.userID))
	return nil
}

func (s *Session) wire(p *components) {
	p.sig.OnMessage(func(msg models.Message) {
		if p.conv.Append(msg) {
			s.publish(Event{Type: EventMessage, Data: msg})
		}
	})
	p.sig.OnPresenceChange(func(ids []string) {
		s.presence.Replace(ids)
		s.publish(Event{Type: EventPresence, Data: s.presence.Snapshot()})
	})
	p.sig.OnUnreadCount(func(u models.UnreadCount) {
		s.unread.Set(u.Sender, u.Count)
		s.publish(Event{Type: EventUnread, Data: u})
	})
	p.sig.OnCallSignal(func(sig models.CallSignal) {
		p.peers.HandleSignal(context.Background(), sig)
	})
	p.sig.OnError(func(err error) {
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			s.authFailed(err)
		case errors.Is(err, signaling.ErrTransport):
			s.setError(ErrorTransport, "connection to the chat server lost")
		default:
			s.setError(ErrorTransport, err.Error())
		}
	})
	p.sig.OnConnectionChange(func(up bool) {
		s.mu.Lock()
		s.connected = up
		if up && s.uiErr != nil && s.uiErr.Kind == ErrorTransport {
			s.uiErr = nil
		}
		s.mu.Unlock()
		s.publish(Event{Type: EventConnection, Data: up})
	})
	p.calls.Subscribe(func(call.Transition) {
		s.publish(Event{Type: EventCall, Data: p.calls.Status()})
	})
}

// Teardown ends any call, detaches every handler and disconnects
func (s *Session) Teardown() {
	s.mu.Lock()
	p := s.p
	s.p = nil
	s.connected = false
	if s.redirectTimer != nil {
		s.redirectTimer.Stop()
		s.redirectTimer = nil
	}
	s.mu.Unlock()

	if p == nil {
		return
	}
	p.peers.EndCall(context.Background())
	_ = p.sig.Close()
	p.conv.Close()
	s.presence.Replace(nil)
	s.logger.Info("session ended", slog.String("user_id", p.userID))
}

func (s *Session) current() (*components, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.p == nil {
		return nil, ErrNotInitialized
	}
	return s.p, nil
}

func (s *Session) UserID() string {
	p, err := s.current()
	if err != nil {
		return ""
	}
	return p.userID
}

func (s *Session) Status() Status {
	st := Status{
		Online: s.presence.Snapshot(),
		Unread: s.unread.Snapshot(),
		Call:   call.Status{State: call.Idle},
	}

	s.mu.RLock()
	p := s.p
	st.Connected = s.connected
	if s.uiErr != nil {
		e := *s.uiErr
		st.Error = &e
	}
	s.mu.RUnlock()

	if p != nil {
		st.UserID = p.userID
		st.Call = p.calls.Status()
		st.Conversation = p.conv.Key()
	}
	return st
}

// Directory lists the other users whose name contains query, ignoring case
func (s *Session) Directory(ctx context.Context, query string) ([]Contact, error) {
	p, err := s.current()
	if err != nil {
		return nil, err
	}
	users, err := p.rest.Users(ctx)
	if err != nil {
		return nil, s.check(err)
	}

	fold := cases.Fold()
	needle := fold.String(strings.TrimSpace(query))
	contacts := make([]Contact, 0, len(users))
	for _, u := range users {
		if u.ID == p.userID {
			continue
		}
		if needle != "" && !strings.Contains(fold.String(u.Name), needle) {
			continue
		}
		contacts = append(contacts, Contact{
			User:   u,
			Online: s.presence.IsOnline(u.ID),
			Unread: s.unread.Get(u.ID),
		})
	}
	return contacts, nil
}

// Me returns the local user's profile
func (s *Session) Me(ctx context.Context) (models.User, error) {
	p, err := s.current()
	if err != nil {
		return models.User{}, err
	}
	user, err := p.rest.Me(ctx)
	return user, s.check(err)
}

// OpenConversation loads the history with counterpart, marks it read and
// clears its unread count.
func (s *Session) OpenConversation(ctx context.Context, counterpart string) ([]models.Message, error) {
	p, err := s.current()
	if err != nil {
		return nil, err
	}

	key := conversation.Key{LocalUser: p.userID, Counterpart: counterpart}
	if err := p.conv.Load(ctx, key); err != nil {
		return nil, s.check(err)
	}
	if err := p.conv.MarkRead(ctx, counterpart); err != nil {
		s.logger.Warn("mark read failed", slog.String("counterpart", counterpart), slog.String("error", err.Error()))
		return p.conv.Messages(), s.check(err)
	}
	s.unread.Clear(counterpart)
	return p.conv.Messages(), nil
}

// Messages returns the open conversation filtered by query
func (s *Session) Messages(query string) ([]models.Message, error) {
	p, err := s.current()
	if err != nil {
		return nil, err
	}
	return conversation.Search(p.conv.Messages(), query), nil
}

// SendText sends a text message. The message appears in the conversation
// only when the server echoes it back.
func (s *Session) SendText(ctx context.Context, to, text string) error {
	return s.send(ctx, models.OutgoingMessage{Receiver: to, Body: text, Type: models.MessageTypeText})
}

// SendFile uploads r and sends its URL as a file or audio message
func (s *Session) SendFile(ctx context.Context, to, fileName, contentType string, kind models.MessageType, r io.Reader) error {
	p, err := s.current()
	if err != nil {
		return err
	}
	if kind != models.MessageTypeFile && kind != models.MessageTypeAudio {
		return fmt.Errorf("%w: message type %q", models.ErrInvalidPayload, kind)
	}

	fileURL, err := p.rest.Upload(ctx, fileName, contentType, r)
	if err != nil {
		err = s.check(err)
		if !errors.Is(err, auth.ErrUnauthorized) {
			s.setError(ErrorSend, "upload failed: "+err.Error())
		}
		return err
	}
	return s.send(ctx, models.OutgoingMessage{Receiver: to, Body: fileURL, Type: kind, FileName: fileName})
}

func (s *Session) send(ctx context.Context, msg models.OutgoingMessage) error {
	p, err := s.current()
	if err != nil {
		return err
	}
	msg.Sender = p.userID

	err = p.sig.SendMessage(ctx, msg)
	var ackErr *signaling.AckError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ackErr):
		s.setError(ErrorSend, ackErr.Message)
	case errors.Is(err, signaling.ErrNotConnected):
		s.setError(ErrorTransport, "not connected to the chat server, message not sent")
	default:
		s.setError(ErrorSend, err.Error())
	}
	return err
}

func (s *Session) StartCall(ctx context.Context, to string) error {
	p, err := s.current()
	if err != nil {
		return err
	}
	return s.callError(p.peers.StartCall(ctx, to))
}

func (s *Session) AcceptCall(ctx context.Context) error {
	p, err := s.current()
	if err != nil {
		return err
	}
	return s.callError(p.peers.Accept(ctx))
}

func (s *Session) RejectCall(ctx context.Context) error {
	p, err := s.current()
	if err != nil {
		return err
	}
	return p.peers.Reject(ctx)
}

// EndCall hangs up; it does nothing when no call is active
func (s *Session) EndCall(ctx context.Context) {
	p, err := s.current()
	if err != nil {
		return
	}
	p.peers.EndCall(ctx)
}

func (s *Session) callError(err error) error {
	if errors.Is(err, peer.ErrMediaUnavailable) {
		s.setError(ErrorMedia, "camera or microphone unavailable, call aborted")
	}
	return err
}

// check routes authentication failures to the redirect path
func (s *Session) check(err error) error {
	if err != nil && errors.Is(err, auth.ErrUnauthorized) {
		s.authFailed(err)
	}
	return err
}
