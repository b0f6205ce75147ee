// Package session holds the authenticated context shared by the transport
// client, the stores and the view. A Session lives from login (or from a
// configured token) until Invalidate is called by a logout or a 401.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/pkg/errors"
)

var (
	ErrInvalidToken = errors.New("session: invalid token")
	ErrEnded        = errors.New("session: ended")
)

type Session struct {
	token     string
	userID    int64
	role      string
	name      string
	expiresAt time.Time

	mu   sync.Mutex
	done chan struct{}
	err  error
}

// New builds a Session from a bearer token. The signature is not verified:
// the backend is the authority, the client only reads the user id and expiry.
func New(token string) (*Session, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}

	userID, ok := claims["user_id"].(float64)
	if !ok || userID <= 0 {
		return nil, errors.Wrap(ErrInvalidToken, "missing user_id claim")
	}

	s := &Session{
		token:  token,
		userID: int64(userID),
		done:   make(chan struct{}),
	}
	if exp, ok := claims["exp"].(float64); ok {
		s.expiresAt = time.Unix(int64(exp), 0)
	}
	s.role, _ = claims["role"].(string)
	s.name, _ = claims["name"].(string)
	return s, nil
}

func (s *Session) Token() string { return s.token }
func (s *Session) UserID() int64 { return s.userID }
func (s *Session) Role() string { return s.role }
func (s *Session) Name() string { return s.name }

// ExpiresAt is zero when the token carries no exp claim.
func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

func (s *Session) Expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && !now.Before(s.expiresAt)
}

// Invalidate ends the session. Only the first reason is kept.
func (s *Session) Invalidate(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if reason == nil {
		reason = ErrEnded
	}
	s.err = reason
	close(s.done)
}

// Done is closed once the session has been invalidated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the invalidation reason, or nil while the session is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
