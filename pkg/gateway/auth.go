package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

const (
	tokenIssuer   = "gotalk"
	defaultLeeway = 30 * time.Second
)

// ErrUnauthenticated is returned for missing or invalid bearer tokens.
var ErrUnauthenticated = errors.New("unauthenticated")

// TokenVerifier issues and validates HS256 bearer tokens whose subject is
// the identity handle.
type TokenVerifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// NewTokenVerifier creates a verifier keyed by secret.
func NewTokenVerifier(secret string) (*TokenVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("gateway: token secret required")
	}
	return &TokenVerifier{secret: []byte(secret), leeway: defaultLeeway, now: time.Now}, nil
}

// Issue signs a token for handle valid for ttl.
func (v *TokenVerifier) Issue(handle string, ttl time.Duration) (string, error) {
	if err := model.ValidateHandle(handle); err != nil {
		return "", err
	}
	now := v.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   handle,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("gateway: sign token: %w", err)
	}
	return signed, nil
}

// VerifySubject validates token and returns its subject handle.
func (v *TokenVerifier) VerifySubject(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", fmt.Errorf("%w: token subject missing", ErrUnauthenticated)
	}
	return subject, nil
}
