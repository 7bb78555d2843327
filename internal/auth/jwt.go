// Package auth issues and validates the bearer tokens that identify the
// account behind an API request.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/exportstore"
)

// TokenTypeSession is the typ claim of account session tokens.
const TokenTypeSession = "session"

// Issuer is the iss claim of every token.
const Issuer = "dkpack"

// DefaultSessionExpiry is used when no TTL is configured.
const DefaultSessionExpiry = 12 * time.Hour

// DefaultLeeway for token validation.
const DefaultLeeway = 30 * time.Second

var (
	// ErrInvalidToken is returned when token validation fails.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrMissingToken is returned when the request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidAccount is returned for empty or malformed account ids.
	ErrInvalidAccount = errors.New("invalid account id")
)

// Claims are the session token claims. Subject is the account id.
type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"typ"`
}

// SessionConfig configures a SessionService.
type SessionConfig struct {
	// Secret signs new tokens.
	Secret string
	// PreviousSecret, when set, is still accepted for validation so the
	// secret can be rotated without logging everyone out.
	PreviousSecret string
	TTL            time.Duration
	Leeway         time.Duration
	Now            func() time.Time
}

// SessionService signs HS256 session tokens and authenticates requests.
type SessionService struct {
	currentSecret  []byte
	previousSecret []byte
	ttl            time.Duration
	leeway         time.Duration
	now            func() time.Time
}

// NewSessionService creates a SessionService.
func NewSessionService(cfg SessionConfig) *SessionService {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionExpiry
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = DefaultLeeway
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	svc := &SessionService{
		currentSecret: []byte(cfg.Secret),
		ttl:           cfg.TTL,
		leeway:        cfg.Leeway,
		now:           cfg.Now,
	}
	if cfg.PreviousSecret != "" {
		svc.previousSecret = []byte(cfg.PreviousSecret)
	}
	return svc
}

// IssueToken creates a session token for the account.
func (s *SessionService) IssueToken(accountID string) (string, error) {
	if !exportstore.ValidAccountID(accountID) {
		return "", ErrInvalidAccount
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Type: TokenTypeSession,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.currentSecret)
}

// ValidateToken parses a session token, trying the current secret first
// and then the previous one.
func (s *SessionService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.currentSecret)
	if err != nil && s.previousSecret != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		claims, err = s.parse(tokenString, s.previousSecret)
	}
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	default:
		return nil, ErrInvalidToken
	}
	if claims.Type != TokenTypeSession || !exportstore.ValidAccountID(claims.Subject) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *SessionService) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate returns the account id carried by the request's bearer token.
func (s *SessionService) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	claims, err := s.ValidateToken(strings.TrimSpace(token))
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
