package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"skillchat/internal/domain/chat"
)

var (
	ErrTokenRequired   = errors.New("auth: token is required")
	ErrUserRequired    = errors.New("auth: user is required")
	ErrSessionExpired  = errors.New("auth: session expired")
	ErrNoSession       = errors.New("auth: no active session")
	ErrUnauthenticated = errors.New("auth: authentication required")
)

type Token string

// Claims is the bearer token payload shared by the client and the stub backend.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// Subject returns the user id carried by the claims.
func (c Claims) Subject() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// Session is the authenticated identity real-time features run under.
type Session struct {
	Token     Token
	UserID    chat.UserID
	CreatedAt time.Time
	ExpiresAt time.Time
}

type CreateSessionParams struct {
	Token  Token
	UserID chat.UserID
	Now    time.Time
}

// NewSession builds a session from a bearer token. When the token is a JWT
// its claims supply the user id (if none is given) and the expiry. Opaque
// tokens are accepted as long as a user id is provided.
func NewSession(params CreateSessionParams) (*Session, error) {
	token := strings.TrimSpace(string(params.Token))
	if token == "" {
		return nil, ErrTokenRequired
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	userID := chat.UserID(strings.TrimSpace(string(params.UserID)))
	var expires time.Time
	if claims, err := ReadClaims(Token(token)); err == nil {
		if userID == "" {
			userID = chat.UserID(claims.Subject())
		}
		if claims.ExpiresAt != nil {
			expires = claims.ExpiresAt.Time.UTC()
		}
	}
	if userID == "" {
		return nil, ErrUserRequired
	}
	s := &Session{
		Token:     Token(token),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: expires,
	}
	if s.Expired(now) {
		return nil, ErrSessionExpired
	}
	return s, nil
}

// Expired reports whether the session is past its expiry. Sessions without
// a known expiry never expire locally; the server has the final word.
func (s *Session) Expired(at time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	if at.IsZero() {
		at = time.Now()
	}
	return !s.ExpiresAt.After(at.UTC())
}

// ReadClaims decodes JWT claims without verifying the signature. The client
// only needs the identity hints; the server verifies.
func ReadClaims(token Token) (Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(string(token), &claims); err != nil {
		return Claims{}, fmt.Errorf("auth: parse token: %w", err)
	}
	return claims, nil
}

// IssueToken signs an HS256 token for userID. Used by the stub backend and
// the token command.
func IssueToken(secret []byte, userID chat.UserID, ttl time.Duration, now time.Time) (Token, error) {
	if len(secret) == 0 {
		return "", errors.New("auth: signing secret is required")
	}
	if userID == "" {
		return "", ErrUserRequired
	}
	if now.IsZero() {
		now = time.Now()
	}
	claims := Claims{
		UserID: string(userID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  string(userID),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return Token(signed), nil
}

// VerifyToken checks an HS256 token signature and expiry and returns the user id.
func VerifyToken(secret []byte, token Token) (chat.UserID, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(string(token), &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	subject := claims.Subject()
	if subject == "" {
		return "", ErrUserRequired
	}
	return chat.UserID(subject), nil
}
