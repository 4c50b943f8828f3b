package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	Issuer               = "whiteboard-api"
	SessionAudience      = "whiteboard-client"
	RegistrationAudience = "whiteboard-registration"

	SessionTTL      = 7 * 24 * time.Hour
	RegistrationTTL = 15 * time.Minute
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Session is the verified content of a session token.
type Session struct {
	UserID    uint
	Username  string
	JTI       string
	ExpiresAt time.Time
}

type sessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type registrationClaims struct {
	IdentityHash string `json:"idh"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 tokens.
type TokenIssuer struct {
	secret []byte
	clock  clockwork.Clock
}

// NewTokenIssuer returns an issuer for secret. A nil clock uses real time.
func NewTokenIssuer(secret string, clock clockwork.Clock) *TokenIssuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenIssuer{secret: []byte(secret), clock: clock}
}

func (t *TokenIssuer) registered(subject, audience string, ttl time.Duration) jwt.RegisteredClaims {
	now := t.clock.Now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    Issuer,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
}

// IssueSession signs a session token for the user.
func (t *TokenIssuer) IssueSession(userID uint, username string) (string, Session, error) {
	claims := sessionClaims{
		Username:         username,
		RegisteredClaims: t.registered(strconv.FormatUint(uint64(userID), 10), SessionAudience, SessionTTL),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", Session{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, Session{
		UserID:    userID,
		Username:  username,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// ParseSession verifies signature, issuer, audience and lifetime.
func (t *TokenIssuer) ParseSession(token string) (Session, error) {
	var claims sessionClaims
	if err := t.parse(token, &claims, SessionAudience); err != nil {
		return Session{}, err
	}
	id, err := strconv.ParseUint(claims.Subject, 10, 32)
	if err != nil || id == 0 {
		return Session{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	if claims.ID == "" {
		return Session{}, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	return Session{
		UserID:    uint(id),
		Username:  claims.Username,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// IssueRegistration signs a short-lived token proving that the bearer owns
// the external identity but has not picked a username yet.
func (t *TokenIssuer) IssueRegistration(identityHash string) (string, error) {
	claims := registrationClaims{
		IdentityHash:     identityHash,
		RegisteredClaims: t.registered("registration", RegistrationAudience, RegistrationTTL),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign registration token: %w", err)
	}
	return signed, nil
}

// ParseRegistration returns the identity hash carried by a registration token.
func (t *TokenIssuer) ParseRegistration(token string) (string, error) {
	var claims registrationClaims
	if err := t.parse(token, &claims, RegistrationAudience); err != nil {
		return "", err
	}
	if claims.IdentityHash == "" {
		return "", fmt.Errorf("%w: missing identity", ErrInvalidToken)
	}
	return claims.IdentityHash, nil
}

func (t *TokenIssuer) parse(token string, claims jwt.Claims, audience string) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.clock.Now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}
