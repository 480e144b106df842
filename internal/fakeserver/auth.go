package fakeserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/utils"
)

var (
	ErrInvalidCredentials = errors.New("invalid user id or password")
	ErrInvalidToken       = errors.New("invalid token")
)

// TokenClaims is what the server needs from a verified bearer token.
type TokenClaims struct {
	UserID    string
	DeviceID  string
	SessionID string
}

type ctxKey struct{}

func claimsFrom(ctx context.Context) TokenClaims {
	c, _ := ctx.Value(ctxKey{}).(TokenClaims)
	return c
}

// IssueToken mints an HS256 token for userID. deviceID may be empty.
func (s *Server) IssueToken(userID, deviceID string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = s.tokenTTL
	}
	now := s.now()
	expiresAt := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub": userID,
		"jti": uuid.NewString(),
		"exp": expiresAt.Unix(),
		"iat": now.Unix(),
	}
	if deviceID != "" {
		claims["device_id"] = deviceID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyToken checks the signature, expiry and revocation of tokenString.
func (s *Server) VerifyToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	userID, err := claims.GetSubject()
	if err != nil || userID == "" {
		return nil, ErrInvalidToken
	}
	sessionID, _ := claims["jti"].(string)
	deviceID, _ := claims["device_id"].(string)

	s.mu.Lock()
	revoked := s.revoked[sessionID] || s.revokedUsers[userID]
	s.mu.Unlock()
	if revoked {
		return nil, ErrInvalidToken
	}

	return &TokenClaims{UserID: userID, DeviceID: deviceID, SessionID: sessionID}, nil
}

// RevokeUser rejects every token issued to userID until a new account is added.
func (s *Server) RevokeUser(userID string) {
	s.mu.Lock()
	s.revokedUsers[userID] = true
	s.mu.Unlock()
	s.hub.closeUser(userID)
}

// AddAccount registers login credentials for the dev server.
func (s *Server) AddAccount(userID, password string) error {
	hash, err := utils.HashPassword(password, s.bcryptCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.accounts[userID] = hash
	delete(s.revokedUsers, userID)
	s.mu.Unlock()
	return nil
}

func (s *Server) login(userID, password string) (string, time.Time, error) {
	s.mu.Lock()
	hash, ok := s.accounts[userID]
	s.mu.Unlock()
	if !ok || !utils.CheckPassword(hash, password) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return s.IssueToken(userID, "", 0)
}

type loginRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserID    string    `json:"userId"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := s.login(req.UserID, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt, UserID: req.UserID})
}

// bearerAuth rejects requests without a valid token.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.VerifyToken(header[len(prefix):])
		if err != nil {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, *claims)))
	})
}
