package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/congo-pay/savevault/internal/account"
	"github.com/congo-pay/savevault/internal/config"
	"github.com/congo-pay/savevault/internal/identity"
)

const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenInvalidated = errors.New("token version invalidated")
)

type Service struct {
	cfg    config.Config
	idRepo identity.Repository
	now    func() time.Time
}

func NewService(cfg config.Config, idRepo identity.Repository) *Service {
	return &Service{cfg: cfg, idRepo: idRepo, now: time.Now}
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Login issues a token pair for an already authenticated user.
func (s *Service) Login(user identity.User) (TokenPair, error) {
	access, err := s.sign(user.Address, user.TokenVersion, kindAccess, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.sign(user.Address, user.TokenVersion, kindRefresh, s.cfg.RefreshSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: int64(s.cfg.AccessTokenTTL.Seconds())}, nil
}

func (s *Service) sign(addr account.Address, version int, kind, secret string, ttl time.Duration) (string, error) {
	now := s.now()
	return SignHS256(Claims{
		Subject:   addr.String(),
		Version:   version,
		Kind:      kind,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}, []byte(secret))
}

// Refresh verifies the refresh token and returns a new access token if valid.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
	user, err := s.verify(ctx, refreshToken, kindRefresh, s.cfg.RefreshSecret)
	if err != nil {
		return "", 0, err
	}
	signed, err := s.sign(user.Address, user.TokenVersion, kindAccess, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(s.cfg.AccessTokenTTL.Seconds()), nil
}

// Authorize resolves the account behind a bearer access token.
func (s *Service) Authorize(ctx context.Context, accessToken string) (account.Address, error) {
	user, err := s.verify(ctx, accessToken, kindAccess, s.cfg.JWTSecret)
	if err != nil {
		return account.Zero, err
	}
	return user.Address, nil
}

// Logout increments the token version so older tokens become invalid.
func (s *Service) Logout(ctx context.Context, addr account.Address) error {
	user, err := s.idRepo.FindByAddress(ctx, addr)
	if err != nil {
		return err
	}
	return s.idRepo.UpdateTokenVersion(ctx, user.Address, user.TokenVersion+1)
}

func (s *Service) verify(ctx context.Context, token, kind, secret string) (identity.User, error) {
	claims, err := ParseAndVerifyHS256(token, []byte(secret), s.now())
	if err != nil {
		return identity.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Kind != kind {
		return identity.User{}, fmt.Errorf("%w: not an %s token", ErrInvalidToken, kind)
	}
	addr, err := account.Parse(claims.Subject)
	if err != nil {
		return identity.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	user, err := s.idRepo.FindByAddress(ctx, addr)
	if err != nil {
		return identity.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if user.TokenVersion != claims.Version {
		return identity.User{}, ErrTokenInvalidated
	}
	return user, nil
}
