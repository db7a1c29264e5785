package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("not signed in")

// DefaultTTL is how long issued tokens stay valid.
const DefaultTTL = 24 * time.Hour

// Identity is the signed-in local user.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// Authenticator reports who is signed in.
type Authenticator interface {
	Current() (Identity, error)
}

// Claims are the JWT claims carried by relay tokens.
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// Issue signs an HS256 token for id.
func Issue(secret []byte, id Identity, ttl time.Duration) (string, error) {
	if id.UserID == "" {
		return "", fmt.Errorf("issue token: empty user id")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := Claims{
		UserID: id.UserID,
		Name:   id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify checks an HS256 token against secret and returns its identity.
func Verify(secret []byte, token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return identityFrom(parsed)
}

func identityFrom(t *jwt.Token) (Identity, error) {
	claims, ok := t.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: invalid token claims", ErrUnauthenticated)
	}
	return Identity{UserID: claims.UserID, Name: claims.Name}, nil
}

// TokenAuthenticator derives the local identity from a relay token. With a
// secret the signature is verified; without one only the claims and expiry
// are checked, leaving verification to the relay.
type TokenAuthenticator struct {
	token  string
	secret []byte
}

func NewTokenAuthenticator(token string, secret []byte) *TokenAuthenticator {
	return &TokenAuthenticator{token: token, secret: secret}
}

func (a *TokenAuthenticator) Token() string { return a.token }

func (a *TokenAuthenticator) Current() (Identity, error) {
	if a.token == "" {
		return Identity{}, ErrUnauthenticated
	}
	if len(a.secret) > 0 {
		return Verify(a.secret, a.token)
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(a.token, &Claims{})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if exp != nil && time.Now().After(exp.Time) {
		return Identity{}, fmt.Errorf("%w: token expired", ErrUnauthenticated)
	}
	return identityFrom(parsed)
}

// Static always reports the same identity. An empty UserID means signed out.
type Static Identity

func (s Static) Current() (Identity, error) {
	if s.UserID == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity(s), nil
}
