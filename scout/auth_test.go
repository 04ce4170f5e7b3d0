package scout

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestScoutTokenRoundTrip(t *testing.T) {
	byJwt, err := MintScoutToken([]byte("secret"), "s0ABCD", "alice")
	assert.Equal(t, err, nil)

	claims, err := ParseScoutJwtUnverified(byJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.ScoutId, "s0ABCD")
	assert.Equal(t, claims.User, "alice")
}

func TestParseScoutJwtMalformed(t *testing.T) {
	_, err := ParseScoutJwtUnverified("not-a-jwt")
	assert.NotEqual(t, err, nil)
}
