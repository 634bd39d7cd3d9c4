// Package authclient keeps a valid access token for the channel, logging in
// or refreshing through the auth service when needed.
package authclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"syncClient/backend/internal/clock"
	"syncClient/backend/internal/upstream"
)

// Claims matches what the auth service signs.
type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// ParseClaims reads a token without verifying its signature. The server does
// the verification; the client only needs the expiry and the subject.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Authenticator is the subset of upstream.Client the source needs.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (upstream.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (upstream.TokenPair, error)
}

type Options struct {
	Username string
	Password string
	// Skew 提前这么久视为过期
	Skew   time.Duration
	Clock  clock.Clock
	Logger *log.Logger
}

// Source caches the access token and renews it lazily. It satisfies
// channel.TokenSource.
type Source struct {
	api      Authenticator
	username string
	password string
	skew     time.Duration
	clock    clock.Clock
	logger   *log.Logger

	mu        sync.Mutex
	access    string
	refresh   string
	expiresAt time.Time
}

func NewSource(api Authenticator, opt Options) *Source {
	if opt.Skew <= 0 {
		opt.Skew = 30 * time.Second
	}
	if opt.Clock == nil {
		opt.Clock = clock.Real{}
	}
	if opt.Logger == nil {
		opt.Logger = log.Default()
	}
	return &Source{
		api:      api,
		username: opt.Username,
		password: opt.Password,
		skew:     opt.Skew,
		clock:    opt.Clock,
		logger:   opt.Logger,
	}
}

func (s *Source) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.access != "" && now.Before(s.expiresAt.Add(-s.skew)) {
		return s.access, nil
	}

	if s.refresh != "" {
		pair, err := s.api.Refresh(ctx, s.refresh)
		if err == nil {
			s.store(pair, now)
			return s.access, nil
		}
		if !errors.Is(err, upstream.ErrUnauthorized) {
			return "", fmt.Errorf("refresh token: %w", err)
		}
		// refresh 也过期了，重新登录
		s.logger.Printf("refresh token rejected, logging in again")
		s.refresh = ""
	}

	if s.username == "" {
		return "", fmt.Errorf("login: %w: no credentials configured", upstream.ErrUnauthorized)
	}
	pair, err := s.api.Login(ctx, s.username, s.password)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	s.store(pair, now)
	return s.access, nil
}

// Invalidate forgets the access token after the server refused it. The
// refresh token is kept for the next attempt.
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.access = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// ExpiresAt returns when the cached access token expires.
func (s *Source) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

func (s *Source) store(pair upstream.TokenPair, now time.Time) {
	s.access = pair.AccessToken
	if pair.RefreshToken != "" {
		s.refresh = pair.RefreshToken
	}
	s.expiresAt = now.Add(time.Duration(pair.ExpiresIn) * time.Second)
	if claims, err := ParseClaims(pair.AccessToken); err == nil && claims.ExpiresAt != nil {
		s.expiresAt = claims.ExpiresAt.Time
	}
}
