package services

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/apperrors"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrMissingToken = errors.New("missing token")
)

// TokenSink receives refreshed credentials (the API client, channels).
type TokenSink interface {
	SetToken(token string)
}

// AuthService holds the credentials supplied by the login collaborator and
// escalates rejected credentials to its logout flow exactly once per token.
type AuthService struct {
	mu       sync.Mutex
	account  models.Account
	sinks    []TokenSink
	onLogout func(error)
	escalate bool
	logger   *slog.Logger
	now      func() time.Time
}

func NewAuthService(account models.Account, onLogout func(error)) *AuthService {
	s := &AuthService{
		onLogout: onLogout,
		escalate: true,
		logger:   slog.Default(),
		now:      time.Now,
	}
	s.account = s.withExpiry(account)
	return s
}

// Subscribe registers a sink and hands it the current token.
func (s *AuthService) Subscribe(sink TokenSink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	token := s.account.Token
	s.mu.Unlock()
	sink.SetToken(token)
}

func (s *AuthService) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account.UserID
}

func (s *AuthService) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account.Token
}

// SetToken installs credentials from a fresh login and re-arms escalation.
func (s *AuthService) SetToken(token string) {
	s.mu.Lock()
	s.account.Token = token
	s.account = s.withExpiry(s.account)
	s.escalate = true
	sinks := append([]TokenSink(nil), s.sinks...)
	s.mu.Unlock()

	for _, sink := range sinks {
		sink.SetToken(token)
	}
}

// VerifyToken checks the token locally before it is put on the wire. Opaque
// (non-JWT) tokens cannot be inspected and are passed through.
func (s *AuthService) VerifyToken() error {
	s.mu.Lock()
	account := s.account
	s.mu.Unlock()

	if account.Token == "" {
		return apperrors.Authentication("verify token", ErrMissingToken)
	}
	if !account.ExpiresAt.IsZero() && !s.now().Before(account.ExpiresAt) {
		return apperrors.Authentication("verify token", ErrTokenExpired)
	}
	return nil
}

// HandleError escalates authentication failures to the logout flow. Other
// errors are ignored. Reports whether err was an authentication failure.
func (s *AuthService) HandleError(err error) bool {
	if !apperrors.IsAuthentication(err) {
		return false
	}

	s.mu.Lock()
	fire := s.escalate
	s.escalate = false
	s.mu.Unlock()

	if fire {
		s.logger.Warn("credentials rejected, handing off to logout", "error", err)
		if s.onLogout != nil {
			s.onLogout(err)
		}
	}
	return true
}

// withExpiry reads exp and sub from a JWT without verifying the signature;
// the server remains the authority.
func (s *AuthService) withExpiry(account models.Account) models.Account {
	account.ExpiresAt = time.Time{}
	if account.Token == "" {
		return account
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(account.Token, claims); err != nil {
		return account
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		account.ExpiresAt = exp.Time
	}
	if account.UserID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			account.UserID = sub
		}
	}
	return account
}
