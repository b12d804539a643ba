// Package auth issues and verifies user tokens and tracks the signed-in user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

var (
	ErrSignedOut    = errors.New("no signed-in user")
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier signs and checks HS256 tokens whose subject is the user id.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}, nil
}

// Sign issues a token for userID valid for ttl.
func (v *Verifier) Sign(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify returns the user id carried by token.
func (v *Verifier) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Session holds the signed-in user for a client process.
type Session struct {
	verifier *Verifier
	log      zerolog.Logger

	mu        sync.RWMutex
	userID    string
	token     string
	nextID    int
	listeners map[int]func(userID string)
}

func NewSession(verifier *Verifier, log zerolog.Logger) *Session {
	return &Session{
		verifier:  verifier,
		log:       log.With().Str("component", "auth").Logger(),
		listeners: map[int]func(string){},
	}
}

// SignIn verifies token and makes its subject the current user.
func (s *Session) SignIn(token string) (string, error) {
	userID, err := s.verifier.Verify(token)
	if err != nil {
		s.log.Warn().Err(err).Msg("sign in rejected")
		return "", err
	}
	s.set(userID, token)
	s.log.Info().Str("user_id", userID).Msg("signed in")
	return userID, nil
}

func (s *Session) SignOut() {
	s.set("", "")
	s.log.Info().Msg("signed out")
}

func (s *Session) set(userID, token string) {
	s.mu.Lock()
	changed := s.userID != userID
	s.userID, s.token = userID, token
	listeners := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(userID)
	}
}

func (s *Session) CurrentUser(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userID == "" {
		return "", ErrSignedOut
	}
	return s.userID, nil
}

// Token returns the raw token of the current user, empty when signed out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// OnChange registers fn to run after every change of user; "" means signed
// out. The returned func unregisters it.
func (s *Session) OnChange(fn func(userID string)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
