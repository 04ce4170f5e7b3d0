package scout

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ScoutJwt carries the claims a surrogate cares about when a scout attaches.
type ScoutJwt struct {
	ScoutId string
	User    string
}

// MintScoutToken signs an attach token for a scout id.
func MintScoutToken(secret []byte, scoutId string, user string) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"scout_id": scoutId,
		"user":     user,
		"iat":      time.Now().Unix(),
	})
	return token.SignedString(secret)
}

// ParseScoutJwtUnverified extracts the claims without verifying the
// signature. Verification is the surrogate's job; the scout only needs the
// claims to label its connection.
func ParseScoutJwtUnverified(byJwt string) (*ScoutJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: malformed claims", ErrIllegalState)
	}

	scoutJwt := &ScoutJwt{}
	if scoutId, ok := claims["scout_id"].(string); ok {
		scoutJwt.ScoutId = scoutId
	}
	if user, ok := claims["user"].(string); ok {
		scoutJwt.User = user
	}
	return scoutJwt, nil
}
