// Package identity derives the room a websocket connection belongs to.
// Rooms are addressed by the "sub" claim of an HS256 token; connections
// without a valid token get a fresh anonymous room.
package identity

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Verifier checks and mints HS256 room tokens.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

type VerifierOption func(*Verifier)

// WithIssuer sets the "iss" claim on minted tokens and requires it on verified ones.
func WithIssuer(iss string) VerifierOption {
	return func(v *Verifier) { v.issuer = iss }
}

// WithAudience sets the "aud" claim on minted tokens and requires it on verified ones.
func WithAudience(aud string) VerifierOption {
	return func(v *Verifier) { v.audience = aud }
}

func NewVerifier(secret []byte, opts ...VerifierOption) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("identity: empty jwt secret")
	}
	v := &Verifier{secret: secret}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Verify validates the token and returns its subject.
func (v *Verifier) Verify(tokenString string) (string, error) {
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || strings.TrimSpace(sub) == "" {
		return "", errors.Wrap(ErrMissingClaim, "sub")
	}
	return sub, nil
}

// Generate mints a token for subject. A non-positive ttl mints a token without expiry.
func (v *Verifier) Generate(subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.Wrap(ErrMissingClaim, "sub")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	if v.audience != "" {
		claims["aud"] = []string{v.audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
