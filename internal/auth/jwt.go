// Package auth signs and validates the short-lived service tokens presented to
// the encryption service and the ledger policy service.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience values for the services that accept tokens.
const (
	AudienceSealer = "sealer"
	AudienceAnchor = "anchor"
)

// ServiceTokenExpiry bounds how long a token is usable for one outbound call.
const ServiceTokenExpiry = 5 * time.Minute

// Default leeway for token validation.
const DefaultLeeway = 30 * time.Second

// DefaultIssuer is the iss claim of tokens minted by this service.
const DefaultIssuer = "capsulevault"

// ErrInvalidToken is returned when token validation fails.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrEmptyIdentity is returned when the access identity is empty.
var ErrEmptyIdentity = errors.New("identity cannot be empty")

// Claims represents the service token claims.
type Claims struct {
	jwt.RegisteredClaims
	// Threshold is the decryption threshold requested for encrypt calls.
	Threshold int `json:"thr,omitempty"`
}

// TokenService mints and validates HS256 service tokens.
// Supports dual-key rotation: tokens are signed with currentSecret,
// but can be validated with either currentSecret or previousSecret.
type TokenService struct {
	currentSecret  []byte
	previousSecret []byte
	issuer         string
	leeway         time.Duration
	now            func() time.Time
}

// NewTokenService creates a TokenService signing with secret.
func NewTokenService(secret string) *TokenService {
	return NewTokenServiceWithRotation(secret, "")
}

// NewTokenServiceWithRotation creates a TokenService with dual-key support for zero-downtime rotation.
// Set previousSecret to empty string if no rotation is in progress.
func NewTokenServiceWithRotation(currentSecret, previousSecret string) *TokenService {
	svc := &TokenService{
		currentSecret: []byte(currentSecret),
		issuer:        DefaultIssuer,
		leeway:        DefaultLeeway,
		now:           time.Now,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// WithLeeway returns the service with a custom validation leeway.
func (s *TokenService) WithLeeway(leeway time.Duration) *TokenService {
	s.leeway = leeway
	return s
}

// Issue creates a token for audience carrying identity as subject.
func (s *TokenService) Issue(audience, identity string, threshold int) (string, error) {
	if identity == "" {
		return "", ErrEmptyIdentity
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   identity,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ServiceTokenExpiry)),
		},
		Threshold: threshold,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.currentSecret)
}

// Validate parses a token and checks it was issued for audience.
// Tries currentSecret first, then previousSecret if available.
func (s *TokenService) Validate(tokenString, audience string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(s.leeway),
		jwt.WithAudience(audience),
		jwt.WithIssuer(s.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}

	claims, err := s.parse(tokenString, s.currentSecret, opts)
	if err == nil {
		return claims, nil
	}

	if s.previousSecret != nil {
		prev, prevErr := s.parse(tokenString, s.previousSecret, opts)
		if prevErr == nil {
			return prev, nil
		}
		err = prevErr
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

func (s *TokenService) parse(tokenString string, secret []byte, opts []jwt.ParserOption) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
