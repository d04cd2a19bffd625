package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	KindAccess  = "access"
	KindRefresh = "refresh"

	DefaultAccessTTL  = 24 * time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked")
	ErrWrongKind    = errors.New("token kind mismatch")
)

// Claims is the payload embedded in both token kinds. Workspace name is
// only set on access tokens.
type Claims struct {
	jwt.RegisteredClaims
	DeviceID      string `json:"did"`
	WorkspaceID   string `json:"wid"`
	WorkspaceName string `json:"wname,omitempty"`
	Kind          string `json:"kind"`
}

// TokenPair is an access/refresh credential pair.
type TokenPair struct {
	Access  string `json:"accessToken" yaml:"access_token"`
	Refresh string `json:"refreshToken" yaml:"refresh_token"`
}

// RevocationStore tracks individually revoked refresh tokens by jti.
type RevocationStore interface {
	Revoke(jti string, expiresAt time.Time) error
	IsRevoked(jti string) (bool, error)
}

// MemoryRevocations is the in-process RevocationStore.
type MemoryRevocations struct {
	mu      sync.Mutex
	revoked map[string]time.Time // jti -> token expiry (prune point)
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{revoked: make(map[string]time.Time)}
}

func (m *MemoryRevocations) Revoke(jti string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Prune entries whose tokens have expired anyway.
	now := time.Now()
	for id, exp := range m.revoked {
		if now.After(exp) {
			delete(m.revoked, id)
		}
	}
	m.revoked[jti] = expiresAt
	return nil
}

func (m *MemoryRevocations) IsRevoked(jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[jti]
	return ok, nil
}

// TokenService issues and verifies HS256 bearer credentials. Separate
// secrets may be configured for access and refresh tokens; when only one
// is set it is used for both.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	revocations   RevocationStore
}

// NewTokenService creates a token service. Empty secrets are replaced
// with process-random ones (tokens then survive only this process).
func NewTokenService(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration, revocations RevocationStore) (*TokenService, error) {
	access, err := secretBytes(accessSecret)
	if err != nil {
		return nil, err
	}
	var refresh []byte
	if refreshSecret == "" && accessSecret != "" {
		refresh = access
	} else {
		refresh, err = secretBytes(refreshSecret)
		if err != nil {
			return nil, err
		}
	}
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	if revocations == nil {
		revocations = NewMemoryRevocations()
	}
	return &TokenService{
		accessSecret:  access,
		refreshSecret: refresh,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		revocations:   revocations,
	}, nil
}

func secretBytes(s string) ([]byte, error) {
	if s != "" {
		if decoded, err := base64.StdEncoding.DecodeString(s); err == nil && len(decoded) >= 16 {
			return decoded, nil
		}
		return []byte(s), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	return secret, nil
}

// IssueTokens creates a fresh access/refresh pair for a device.
func (s *TokenService) IssueTokens(deviceID, workspaceID, workspaceName string) (TokenPair, error) {
	access, err := s.sign(s.accessSecret, Claims{
		RegisteredClaims: registered(s.accessTTL),
		DeviceID:         deviceID,
		WorkspaceID:      workspaceID,
		WorkspaceName:    workspaceName,
		Kind:             KindAccess,
	})
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.sign(s.refreshSecret, Claims{
		RegisteredClaims: registered(s.refreshTTL),
		DeviceID:         deviceID,
		WorkspaceID:      workspaceID,
		Kind:             KindRefresh,
	})
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

// VerifyAccess validates an access token and returns its claims.
func (s *TokenService) VerifyAccess(token string) (*Claims, error) {
	return s.verify(s.accessSecret, token, KindAccess)
}

// VerifyRefresh validates a refresh token, including the revocation
// index, and returns its claims.
func (s *TokenService) VerifyRefresh(token string) (*Claims, error) {
	claims, err := s.verify(s.refreshSecret, token, KindRefresh)
	if err != nil {
		return nil, err
	}
	revoked, err := s.revocations.IsRevoked(claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// RevokeRefresh invalidates a refresh token immediately. Invalid tokens
// are a no-op so logout is idempotent.
func (s *TokenService) RevokeRefresh(token string) error {
	claims, err := s.verify(s.refreshSecret, token, KindRefresh)
	if err != nil {
		return nil
	}
	exp := time.Now().Add(s.refreshTTL)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return s.revocations.Revoke(claims.ID, exp)
}

// Rotate exchanges a valid refresh token for a new pair, revoking the
// old refresh token.
func (s *TokenService) Rotate(refreshToken, workspaceName string) (TokenPair, error) {
	claims, err := s.VerifyRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	pair, err := s.IssueTokens(claims.DeviceID, claims.WorkspaceID, workspaceName)
	if err != nil {
		return TokenPair{}, err
	}
	exp := time.Now().Add(s.refreshTTL)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	if err := s.revocations.Revoke(claims.ID, exp); err != nil {
		return TokenPair{}, fmt.Errorf("revoke rotated token: %w", err)
	}
	return pair, nil
}

func registered(ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *TokenService) sign(secret []byte, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

func (s *TokenService) verify(secret []byte, tokenString, wantKind string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Kind != wantKind {
		return nil, ErrWrongKind
	}
	return claims, nil
}
