package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestIssueVerify(t *testing.T) {
	token, err := Issue(secret, Identity{UserID: "alice", Name: "Alice"}, time.Hour)
	require.NoError(t, err)

	id, err := Verify(secret, token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "alice", Name: "Alice"}, id)

	_, err = Verify([]byte("other"), token)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = Issue(secret, Identity{}, time.Hour)
	assert.Error(t, err)
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = Verify(secret, token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTokenAuthenticator(t *testing.T) {
	token, err := Issue(secret, Identity{UserID: "bob", Name: "Bob"}, time.Hour)
	require.NoError(t, err)

	id, err := NewTokenAuthenticator(token, secret).Current()
	require.NoError(t, err)
	assert.Equal(t, "bob", id.UserID)

	id, err = NewTokenAuthenticator(token, nil).Current()
	require.NoError(t, err)
	assert.Equal(t, "Bob", id.Name)

	_, err = NewTokenAuthenticator("", nil).Current()
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = NewTokenAuthenticator("garbage", nil).Current()
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTokenAuthenticatorExpired(t *testing.T) {
	claims := Claims{
		UserID: "bob",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = NewTokenAuthenticator(token, nil).Current()
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = NewTokenAuthenticator(token, secret).Current()
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestStatic(t *testing.T) {
	id, err := Static{UserID: "carol", Name: "Carol"}.Current()
	require.NoError(t, err)
	assert.Equal(t, "Carol", id.Name)

	_, err = Static{}.Current()
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
