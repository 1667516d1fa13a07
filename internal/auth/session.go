// Package auth validates the session tokens devices present at the HTTP boundary and mints
// them for operators and tests.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
)

const (
	// DefaultIssuer is the issuer claim expected when none is configured.
	DefaultIssuer = "shelfsync-auth"
	// DefaultCookieName is the session cookie consulted when no bearer token is sent.
	DefaultCookieName = "shelfsync_session"
	// AccessTokenQueryParameter carries the token for clients that cannot set headers, such as EventSource.
	AccessTokenQueryParameter = "access_token"

	defaultSessionTTL = 24 * time.Hour
	bearerPrefix      = "Bearer "
)

var (
	ErrMissingSessionSigningKey = errors.New("session: signing key required")
	ErrMissingSessionToken      = errors.New("session: token required")
	ErrInvalidSessionToken      = errors.New("session: invalid token")
	ErrExpiredSessionToken      = errors.New("session: token expired")
	ErrMissingSessionSubject    = errors.New("session: subject required")
)

// SessionClaims is the JWT payload of a device session.
type SessionClaims struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// SessionConfig describes how session tokens are signed and validated.
type SessionConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	TTL           time.Duration
	Clock         func() time.Time
}

func (cfg SessionConfig) normalized() (SessionConfig, error) {
	if len(cfg.SigningSecret) == 0 {
		return SessionConfig{}, ErrMissingSessionSigningKey
	}
	normalized := SessionConfig{
		SigningSecret: append([]byte(nil), cfg.SigningSecret...),
		Issuer:        strings.TrimSpace(cfg.Issuer),
		CookieName:    strings.TrimSpace(cfg.CookieName),
		TTL:           cfg.TTL,
		Clock:         cfg.Clock,
	}
	if normalized.Issuer == "" {
		normalized.Issuer = DefaultIssuer
	}
	if normalized.CookieName == "" {
		normalized.CookieName = DefaultCookieName
	}
	if normalized.TTL <= 0 {
		normalized.TTL = defaultSessionTTL
	}
	if normalized.Clock == nil {
		normalized.Clock = time.Now
	}
	return normalized, nil
}

// SessionValidator validates HS256 session JWTs.
type SessionValidator struct {
	config SessionConfig
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionConfig) (*SessionValidator, error) {
	normalized, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &SessionValidator{config: normalized}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.config.CookieName
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return v.config.SigningSecret, nil
		},
		jwt.WithTimeFunc(v.config.Clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.config.Issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, fmt.Errorf("%w: %w", ErrExpiredSessionToken, err)
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		claims.UserID = claims.Subject
	}
	if _, err := ids.NewUserID(claims.UserID); err != nil {
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrMissingSessionSubject, err)
	}
	return *claims, nil
}

// ValidateRequest looks for a bearer token, then the session cookie, then the access token
// query parameter, and validates the first one found.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	token := TokenFromRequest(r, v.config.CookieName)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(token)
}

// TokenFromRequest extracts a session token from the request, or "" when none is present.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	if cookie, err := r.Cookie(cookieName); err == nil && cookie != nil {
		return strings.TrimSpace(cookie.Value)
	}
	return strings.TrimSpace(r.URL.Query().Get(AccessTokenQueryParameter))
}

// SessionIssuer mints session tokens that a SessionValidator with the same secret accepts.
type SessionIssuer struct {
	config SessionConfig
}

// NewSessionIssuer constructs an issuer with the provided configuration.
func NewSessionIssuer(cfg SessionConfig) (*SessionIssuer, error) {
	normalized, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &SessionIssuer{config: normalized}, nil
}

// Issue produces a signed token for the user, optionally bound to a device, and its expiry.
func (i *SessionIssuer) Issue(userID ids.UserID, deviceID ids.DeviceID) (string, time.Time, error) {
	if _, err := ids.NewUserID(userID.String()); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrMissingSessionSubject, err)
	}
	now := i.config.Clock().UTC()
	expiresAt := now.Add(i.config.TTL)
	claims := SessionClaims{
		UserID:   userID.String(),
		DeviceID: deviceID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    i.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.config.SigningSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
