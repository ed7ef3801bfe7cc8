// Package credential mints and verifies entry tokens: HMAC-signed JWTs that
// bind a user to the event they were admitted for.
package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalid is returned for any token that does not verify.
var ErrInvalid = errors.New("invalid entry token")

const subject = "entryAuthToken"

// Claims is the payload of an entry token.
type Claims struct {
	UserID  string `json:"userId"`
	EventID string `json:"eventId"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies entry tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer constructs an Issuer.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: ttl}
}

// TTL is how long a minted token stays valid.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Mint returns a signed token for the user and event, issued at now.
func (i *Issuer) Mint(userID, eventID string, now time.Time) (string, time.Time, error) {
	expires := now.Add(i.ttl)
	claims := Claims{
		UserID:  userID,
		EventID: eventID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign entry token: %w", err)
	}
	return token, expires, nil
}

// Verify checks signature, expiry at now and that the token was issued for
// userID and eventID.
func (i *Issuer) Verify(token, userID, eventID string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }), jwt.WithSubject(subject))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.UserID != userID || claims.EventID != eventID {
		return nil, fmt.Errorf("%w: issued for another user or event", ErrInvalid)
	}
	return claims, nil
}
