package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

var (
	ErrMissingToken = errors.New("transport auth: token required")
	ErrInvalidToken = errors.New("transport auth: invalid token")
	ErrExpiredToken = errors.New("transport auth: token expired")
)

// TokenValidatorConfig describes how to validate transport tokens.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// TokenValidator validates HS256 transport tokens.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewTokenValidator constructs a validator with the provided configuration.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *TokenValidator) ValidateToken(tokenString string) (TransportClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return TransportClaims{}, ErrMissingToken
	}

	claims := &TransportClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TransportClaims{}, ErrExpiredToken
		}
		return TransportClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return TransportClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return TransportClaims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (v *TokenValidator) ValidateRequest(r *http.Request) (TransportClaims, error) {
	if r == nil {
		return TransportClaims{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return TransportClaims{}, ErrMissingToken
	}
	return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
}
