package pairing

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenExpiry is the lifetime of issued device tokens.
const TokenExpiry = 90 * 24 * time.Hour

// TokenClaims are the claims baked into a device token.
type TokenClaims struct {
	DeviceID string   `json:"deviceId"`
	Role     string   `json:"role"`
	Scopes   []string `json:"scopes,omitempty"`
	TokenID  string   `json:"tokenId"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies device tokens signed with an
// HMAC secret.
type TokenIssuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenIssuer creates a token issuer with the given signing secret.
func NewTokenIssuer(secret []byte) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	return &TokenIssuer{secret: secret, issuer: "clawgate", now: time.Now}, nil
}

// Issue mints a token for a device. Returns the token id (recorded on
// the device so rotation can invalidate it) and the signed token.
func (t *TokenIssuer) Issue(deviceID, role string, scopes []string) (tokenID, token string, err error) {
	if deviceID == "" {
		return "", "", errors.New("device id is required")
	}

	tokenID = uuid.New().String()
	now := t.now()
	claims := TokenClaims{
		DeviceID: deviceID,
		Role:     role,
		Scopes:   scopes,
		TokenID:  tokenID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   deviceID,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenExpiry)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", "", err
	}
	return tokenID, signed, nil
}

// Verify parses and validates a token signature and expiry.
func (t *TokenIssuer) Verify(token string) (*TokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &TokenClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return t.now() }))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}
