// Package auth implements the token service: encrypted-and-signed bearer
// tokens carrying identity, role and country code, a TTL-backed revocation
// store, and the HTTP middleware that resolves the shard for authenticated
// requests from the token's country claim.
package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dltrh/devision-auth/internal/metrics"
	"github.com/dltrh/devision-auth/pkg/models"
)

// TokenType distinguishes access tokens from refresh tokens
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// ErrInvalidToken covers every validation failure: malformed, expired,
// wrong signature, wrong type, revoked. Callers treat it as
// unauthenticated and must not distinguish the cases in responses.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the decrypted content of a token. CountryCode reflects the
// shard mapping at issuance time and can go stale if the account migrates
// before the token expires; an empty CountryCode means "shard unknown",
// never an authentication failure.
type Claims struct {
	SubjectID   string    `json:"subject_id"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	CountryCode string    `json:"country_code"`
	TokenType   TokenType `json:"token_type"`
	TokenID     string    `json:"jti"`
	IssuedAt    time.Time `json:"iat"`
	ExpiresAt   time.Time `json:"exp"`
}

// TokenService issues and validates tokens. The identity claims are
// AES-256-GCM encrypted before being embedded in an HS256-signed JWT, so a
// token is both confidential and tamper-evident: account identifiers and
// roles are never readable from the wire form.
type TokenService struct {
	secretKey     []byte
	encryptionKey []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	flags         *FlagStore
}

// NewTokenService creates a token service. The revocation store's cleanup
// lifecycle is owned by the caller.
func NewTokenService(secretKey string, accessTTL, refreshTTL time.Duration, flags *FlagStore) *TokenService {
	// Use first 32 bytes of the secret for AES-256, padded if shorter
	key := []byte(secretKey)
	if len(key) > 32 {
		key = key[:32]
	} else if len(key) < 32 {
		padded := make([]byte, 32)
		copy(padded, key)
		key = padded
	}

	return &TokenService{
		secretKey:     []byte(secretKey),
		encryptionKey: key,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		flags:         flags,
	}
}

// IssueAccessToken issues a short-lived access token for an account
func (s *TokenService) IssueAccessToken(account *models.Account) (string, error) {
	return s.issue(account, TokenTypeAccess, s.accessTTL)
}

// IssueRefreshToken issues a long-lived refresh token for an account
func (s *TokenService) IssueRefreshToken(account *models.Account) (string, error) {
	return s.issue(account, TokenTypeRefresh, s.refreshTTL)
}

func (s *TokenService) issue(account *models.Account, tokenType TokenType, ttl time.Duration) (string, error) {
	if len(s.secretKey) == 0 {
		return "", fmt.Errorf("JWT secret key is empty")
	}

	now := time.Now().UTC()
	claims := &Claims{
		SubjectID:   account.ID,
		Email:       account.Email,
		Role:        string(account.Role),
		CountryCode: account.CountryCode,
		TokenType:   tokenType,
		TokenID:     uuid.New().String(),
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}

	encrypted, err := s.encryptClaims(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt claims: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"jti": claims.TokenID,
		"iat": claims.IssuedAt.Unix(),
		"exp": claims.ExpiresAt.Unix(),
		"enc": encrypted,
	})

	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", err
	}

	metrics.TokensIssuedTotal.WithLabelValues(string(tokenType)).Inc()
	return signed, nil
}

// Validate checks signature, expiry, token type and revocation, and
// returns the decrypted claims. Every failure mode collapses into
// ErrInvalidToken so callers cannot leak why a token was rejected.
func (s *TokenService) Validate(tokenString string, want TokenType) (*Claims, error) {
	claims, err := s.validate(tokenString, want)
	if err != nil {
		metrics.TokenValidationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	metrics.TokenValidationsTotal.WithLabelValues("valid").Inc()
	return claims, nil
}

func (s *TokenService) validate(tokenString string, want TokenType) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	encrypted, ok := mapClaims["enc"].(string)
	if !ok || encrypted == "" {
		return nil, ErrInvalidToken
	}

	claims, err := s.decryptClaims(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if time.Now().After(claims.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	// A refresh token presented where an access token is required (and
	// vice versa) is rejected outright.
	if claims.TokenType != want {
		return nil, ErrInvalidToken
	}

	if s.flags != nil && s.flags.IsSet(revocationKey(claims.TokenID)) {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Revoke marks a token unusable for the remainder of its lifetime. The
// flag expires together with the token, so the store stays O(live tokens).
func (s *TokenService) Revoke(claims *Claims) {
	if s.flags == nil {
		return
	}
	ttl := time.Until(claims.ExpiresAt)
	if ttl <= 0 {
		return
	}
	s.flags.Set(revocationKey(claims.TokenID), ttl)
}

// IsRevoked reports whether a token id has been revoked
func (s *TokenService) IsRevoked(tokenID string) bool {
	return s.flags != nil && s.flags.IsSet(revocationKey(tokenID))
}

// InvalidateSessions flags every outstanding token of a subject as stale.
// Used after a shard migration: previously issued tokens carry the old
// country claim and would route to the wrong shard.
func (s *TokenService) InvalidateSessions(subjectID string, ttl time.Duration) {
	if s.flags == nil {
		return
	}
	s.flags.Set(sessionKey(subjectID), ttl)
}

// SessionsInvalidated reports whether a subject's outstanding tokens have
// been flagged stale
func (s *TokenService) SessionsInvalidated(subjectID string) bool {
	return s.flags != nil && s.flags.IsSet(sessionKey(subjectID))
}

func revocationKey(tokenID string) string { return "revoked:" + tokenID }
func sessionKey(subjectID string) string  { return "invalidated:" + subjectID }

func (s *TokenService) encryptClaims(claims *Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, payload, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *TokenService) decryptClaims(encrypted string) (*Claims, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	payload, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claims: %w", err)
	}

	return &claims, nil
}
