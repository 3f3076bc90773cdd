package auth

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	domainauth "skillchat/internal/domain/auth"
	"skillchat/internal/domain/chat"
)

// Service owns the signed-in session. Transport and REST calls read the
// credential from here at call time; nothing else caches it.
type Service struct {
	Clock  clock.Clock
	Logger *slog.Logger

	mu      sync.RWMutex
	session *domainauth.Session
	ended   []func()
}

type BeginParams struct {
	Token  string
	UserID string
}

// Begin starts a session for a freshly authenticated user, replacing any
// previous one.
func (s *Service) Begin(params BeginParams) (*domainauth.Session, error) {
	session, err := domainauth.NewSession(domainauth.CreateSessionParams{
		Token:  domainauth.Token(params.Token),
		UserID: chat.UserID(params.UserID),
		Now:    s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	if s.Logger != nil {
		s.Logger.Info("session started", "user_id", session.UserID)
	}
	return session, nil
}

// End drops the session and runs the registered logout hooks.
func (s *Service) End() {
	s.mu.Lock()
	had := s.session != nil
	s.session = nil
	hooks := append([]func(){}, s.ended...)
	s.mu.Unlock()
	if !had {
		return
	}
	for _, fn := range hooks {
		fn()
	}
	if s.Logger != nil {
		s.Logger.Info("session terminated")
	}
}

// OnEnd registers fn to run after every End that closed a live session.
func (s *Service) OnEnd(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.ended = append(s.ended, fn)
	s.mu.Unlock()
}

// Current returns the live session or ErrNoSession. An expired session is
// reported as ErrSessionExpired and left in place until End.
func (s *Service) Current() (*domainauth.Session, error) {
	s.mu.RLock()
	session := s.session
	s.mu.RUnlock()
	if session == nil {
		return nil, domainauth.ErrNoSession
	}
	if session.Expired(s.now()) {
		return nil, domainauth.ErrSessionExpired
	}
	return session, nil
}

// Token returns the bearer credential, or "" when signed out.
func (s *Service) Token() string {
	session, err := s.Current()
	if err != nil {
		return ""
	}
	return string(session.Token)
}

// UserID returns the signed-in user, or "" when signed out.
func (s *Service) UserID() chat.UserID {
	session, err := s.Current()
	if err != nil {
		return ""
	}
	return session.UserID
}

// Authenticated reports whether a usable session exists.
func (s *Service) Authenticated() bool {
	_, err := s.Current()
	return err == nil
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}
