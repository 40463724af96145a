package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keyportal/keyportal/internal/account"
	"github.com/keyportal/keyportal/internal/config"
)

var (
	ErrMissingToken  = errors.New("no token provided")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenReused   = errors.New("refresh token reuse detected")
	ErrTokenMismatch = errors.New("token does not belong to this account")
)

// Service issues token pairs and rotates refresh tokens. Every refresh token
// is single use: presenting one whose session is gone revokes all sessions
// of its owner.
type Service struct {
	accounts *account.Service
	sessions SessionStore
	access   signer
	refresh  signer
	now      func() time.Time
}

func NewService(cfg config.Config, accounts *account.Service, sessions SessionStore) *Service {
	return &Service{
		accounts: accounts,
		sessions: sessions,
		access:   signer{secret: []byte(cfg.JWTSecret), ttl: cfg.AccessTokenTTL, kind: tokenTypeAccess},
		refresh:  signer{secret: []byte(cfg.RefreshSecret), ttl: cfg.RefreshTokenTTL, kind: tokenTypeRefresh},
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int64
	RefreshExpiresAt time.Time
}

// Login authenticates the credentials and opens a new session.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, account.Account, error) {
	acc, err := s.accounts.Authenticate(ctx, email, password)
	if err != nil {
		return TokenPair{}, account.Account{}, err
	}
	pair, err := s.issue(ctx, acc)
	if err != nil {
		return TokenPair{}, account.Account{}, err
	}
	return pair, acc, nil
}

func (s *Service) issue(ctx context.Context, acc account.Account) (TokenPair, error) {
	now := s.now()
	accessToken, _, err := s.access.sign(acc.ID, string(acc.Role), now)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	refreshToken, claims, err := s.refresh.sign(acc.ID, string(acc.Role), now)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	expiresAt := claims.ExpiresAt.Time
	if err := s.sessions.Add(ctx, Session{
		ID:        claims.ID,
		AccountID: acc.ID,
		TokenHash: hashToken(refreshToken),
		ExpiresAt: expiresAt,
	}); err != nil {
		return TokenPair{}, fmt.Errorf("store session: %w", err)
	}
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		ExpiresIn:        int64(s.access.ttl.Seconds()),
		RefreshExpiresAt: expiresAt,
	}, nil
}

// lookup returns the session matching the jti and hash of token, if any.
func (s *Service) lookup(ctx context.Context, claims *Claims, token string) (Session, bool, error) {
	if claims.ID == "" {
		return Session{}, false, nil
	}
	sess, err := s.sessions.Find(ctx, claims.ID)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	if subtle.ConstantTimeCompare([]byte(sess.TokenHash), []byte(hashToken(token))) != 1 {
		return Session{}, false, nil
	}
	return sess, true, nil
}

// Refresh consumes token and returns a fresh pair.
func (s *Service) Refresh(ctx context.Context, token string) (TokenPair, account.Account, error) {
	if token == "" {
		return TokenPair{}, account.Account{}, ErrMissingToken
	}
	claims, verifyErr := s.refresh.parse(token, s.now)

	sess, found, err := s.lookup(ctx, claims, token)
	if err != nil {
		return TokenPair{}, account.Account{}, err
	}

	if !found {
		if verifyErr != nil {
			return TokenPair{}, account.Account{}, ErrInvalidToken
		}
		// A valid token without a session was already rotated or revoked.
		if err := s.sessions.RemoveAll(ctx, claims.Subject); err != nil {
			return TokenPair{}, account.Account{}, err
		}
		return TokenPair{}, account.Account{}, ErrTokenReused
	}

	if verifyErr != nil {
		if _, err := s.sessions.Remove(ctx, sess); err != nil {
			return TokenPair{}, account.Account{}, err
		}
		return TokenPair{}, account.Account{}, ErrInvalidToken
	}

	if sess.AccountID != claims.Subject {
		if _, err := s.sessions.Remove(ctx, sess); err != nil {
			return TokenPair{}, account.Account{}, err
		}
		return TokenPair{}, account.Account{}, ErrTokenMismatch
	}

	acc, err := s.accounts.Get(ctx, claims.Subject)
	if err != nil || !acc.IsActive() {
		if _, rmErr := s.sessions.Remove(ctx, sess); rmErr != nil {
			return TokenPair{}, account.Account{}, rmErr
		}
		if err != nil && !errors.Is(err, account.ErrNotFound) {
			return TokenPair{}, account.Account{}, err
		}
		return TokenPair{}, account.Account{}, ErrInvalidToken
	}

	removed, err := s.sessions.Remove(ctx, sess)
	if err != nil {
		return TokenPair{}, account.Account{}, err
	}
	if !removed {
		// lost a race with a concurrent refresh of the same token
		if err := s.sessions.RemoveAll(ctx, acc.ID); err != nil {
			return TokenPair{}, account.Account{}, err
		}
		return TokenPair{}, account.Account{}, ErrTokenReused
	}

	pair, err := s.issue(ctx, acc)
	if err != nil {
		return TokenPair{}, account.Account{}, err
	}
	return pair, acc, nil
}

// Logout ends the session of token if it is still outstanding. Unknown or
// malformed tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	claims, _ := s.refresh.parse(token, s.now)
	sess, found, err := s.lookup(ctx, claims, token)
	if err != nil || !found {
		return err
	}
	_, err = s.sessions.Remove(ctx, sess)
	return err
}

// ParseAccess validates an access token and returns its claims.
func (s *Service) ParseAccess(token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrMissingToken
	}
	claims, err := s.access.parse(token, s.now)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrInvalidToken
	}
	return *claims, nil
}
