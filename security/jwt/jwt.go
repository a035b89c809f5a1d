// Package jwt signs and verifies the bearer tokens that carry caller identity
// into the interceptor chain.
package jwt

import (
	"fmt"
	"time"

	jwtstd "github.com/golang-jwt/jwt/v5"
)

// TokenError represents JWT token related errors
type TokenError string

func (e TokenError) Error() string {
	return string(e)
}

const (
	DefaultAccessTokenExpire = time.Hour * 24

	ErrNeedTokenProvider = TokenError("cannot sign token without token provider")
	ErrInvalidToken      = TokenError("invalid token")
	ErrTokenParsing      = TokenError("token parsing error")
)

// Identity is the caller information carried in a token payload
type Identity struct {
	UserID      string   `json:"user_id"`
	APIKeyID    string   `json:"api_key_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// TokenManager handles JWT token operations
type TokenManager struct {
	key []byte
	now func() time.Time
}

// NewTokenManager creates a new TokenManager instance
func NewTokenManager(key string) *TokenManager {
	return &TokenManager{key: []byte(key), now: time.Now}
}

// validateKey validates the token key
func (jtm *TokenManager) validateKey() error {
	if len(jtm.key) == 0 {
		return ErrNeedTokenProvider
	}
	return nil
}

// GenerateAccessToken signs identity into an HS256 token
func (jtm *TokenManager) GenerateAccessToken(jti string, id Identity, expiry time.Duration) (string, error) {
	if err := jtm.validateKey(); err != nil {
		return "", err
	}
	if expiry <= 0 {
		expiry = DefaultAccessTokenExpire
	}

	subject := id.UserID
	if subject == "" {
		subject = id.APIKeyID
	}
	claims := jwtstd.MapClaims{
		"jti": jti,
		"sub": subject,
		"exp": jtm.now().Add(expiry).Unix(),
		"payload": map[string]any{
			"user_id":     id.UserID,
			"api_key_id":  id.APIKeyID,
			"roles":       nonNil(id.Roles),
			"permissions": nonNil(id.Permissions),
		},
	}

	t := jwtstd.NewWithClaims(jwtstd.SigningMethodHS256, claims)
	return t.SignedString(jtm.key)
}

// DecodeToken verifies tokenString and returns its claims
func (jtm *TokenManager) DecodeToken(tokenString string) (map[string]any, error) {
	if err := jtm.validateKey(); err != nil {
		return nil, err
	}

	token, err := jwtstd.Parse(tokenString, func(token *jwtstd.Token) (any, error) {
		return jtm.key, nil
	},
		jwtstd.WithValidMethods([]string{jwtstd.SigningMethodHS256.Alg()}),
		jwtstd.WithTimeFunc(jtm.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwtstd.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Resolve verifies tokenString and extracts the caller identity
func (jtm *TokenManager) Resolve(tokenString string) (*Identity, error) {
	claims, err := jtm.DecodeToken(tokenString)
	if err != nil {
		return nil, err
	}
	payload, ok := claims["payload"].(map[string]any)
	if !ok {
		return nil, ErrTokenParsing
	}
	id := &Identity{
		UserID:      getString(payload, "user_id"),
		APIKeyID:    getString(payload, "api_key_id"),
		Roles:       getStringSlice(payload, "roles"),
		Permissions: getStringSlice(payload, "permissions"),
	}
	if id.UserID == "" && id.APIKeyID == "" {
		return nil, ErrTokenParsing
	}
	return id, nil
}

// getString safely extracts string value from payload
func getString(payload map[string]any, key string) string {
	if val, ok := payload[key].(string); ok {
		return val
	}
	return ""
}

// getStringSlice safely extracts string slice from payload
func getStringSlice(payload map[string]any, key string) []string {
	if val, ok := payload[key].([]any); ok {
		result := make([]string, 0, len(val))
		for _, item := range val {
			if str, ok := item.(string); ok {
				result = append(result, str)
			}
		}
		return result
	}
	return []string{}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
