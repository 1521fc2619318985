// Package auth implements minting and parsing of the signed tokens issued by
// the session authority. A valid signature proves authenticity only; current
// validity is always decided against the session store.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sessiond/internal/common"
)

// Token types carried in the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the payload of every issued token: the registered claims
// (subject = account ID, jti = random token ID, iat, exp) plus the token
// type, which distinguishes access from refresh credentials.
type Claims struct {
	jwt.RegisteredClaims
	TokenType string `json:"typ"`
}

// GenerateToken mints an HS256-signed token for the given account. The jti is
// random so two tokens minted in the same second never collide.
func GenerateToken(accountID, tokenType string, secretKey []byte, validity time.Duration) (string, error) {
	jti, err := common.MakeRandHexString(16)
	if err != nil {
		return "", err
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
		TokenType: tokenType,
	})

	return token.SignedString(secretKey)
}

// ParseToken verifies the signature and standard claims of tokenString and
// returns its Claims. Expired, malformed, and mis-signed tokens all yield
// common.ErrAuthentication; callers must not learn which.
func ParseToken(tokenString string, secretKey []byte) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, common.ErrAuthentication
	}

	return claims, nil
}
