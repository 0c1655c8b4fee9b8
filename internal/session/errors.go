package session

import (
	"log/slog"
	"time"
)

// ErrorKind classifies what the UI shows for a failure
type ErrorKind string

const (
	// ErrorAuth forces navigation to the login page after a delay
	ErrorAuth ErrorKind = "auth"
	// ErrorTransport is shown as a dismissible banner
	ErrorTransport ErrorKind = "transport"
	// ErrorMedia is shown inline next to the call controls
	ErrorMedia ErrorKind = "media"
	// ErrorSend carries the server's per-message error string
	ErrorSend ErrorKind = "send"
)

// UIError is the error state rendered by the view
type UIError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (s *Session) setError(kind ErrorKind, msg string) {
	e := UIError{Kind: kind, Message: msg, At: time.Now()}

	s.mu.Lock()
	// an auth error stays until the redirect happens
	if s.uiErr != nil && s.uiErr.Kind == ErrorAuth && kind != ErrorAuth {
		s.mu.Unlock()
		return
	}
	s.uiErr = &e
	s.mu.Unlock()

	s.logger.Warn("ui error", slog.String("kind", string(kind)), slog.String("message", msg))
	s.publish(Event{Type: EventError, Data: e})
}

// DismissError clears the banner. Authentication errors cannot be dismissed.
func (s *Session) DismissError() {
	s.mu.Lock()
	if s.uiErr != nil && s.uiErr.Kind != ErrorAuth {
		s.uiErr = nil
	}
	s.mu.Unlock()
}

func (s *Session) authFailed(err error) {
	s.logger.Warn("authentication failed", slog.String("error", err.Error()))
	s.setError(ErrorAuth, "not authenticated")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.redirectTimer != nil {
		return
	}
	s.redirectTimer = time.AfterFunc(s.cfg.RedirectDelay, func() {
		s.publish(Event{Type: EventRedirect, Data: "/login"})
		if s.redirect != nil {
			s.redirect()
		}
	})
}
