package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
)

// TokenClaims is the decoded payload of a verified bearer token.
type TokenClaims struct {
	Subject string
	Claims  map[string]any
}

// JWTVerifierConfig configures HS256 token verification.
type JWTVerifierConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// JWTVerifier validates HMAC-signed bearer tokens issued by the auth service.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
}

// NewJWTVerifier constructs a verifier for HS256 tokens.
func NewJWTVerifier(cfg JWTVerifierConfig) (*JWTVerifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	return &JWTVerifier{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// VerifyToken parses and validates the token, returning its claims.
func (v *JWTVerifier) VerifyToken(ctx context.Context, tokenStr string) (*TokenClaims, error) {
	if v == nil {
		return nil, ErrTokenInvalid
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, ErrTokenInvalid
	}

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}

	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	return &TokenClaims{
		Subject: subject,
		Claims:  map[string]any(claims),
	}, nil
}
