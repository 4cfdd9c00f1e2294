// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package tenancy

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"eagle/metering/shared/errkind"
)

// JWTVerifier verifies HS256 tokens issued by the identity provider. The
// tenant is read from the tenant_id claim, the user from sub.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewJWTVerifier creates a verifier for tokens signed with secret. issuer is
// checked when non-empty.
func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer, leeway: 30 * time.Second}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(ctx context.Context, assertion string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(assertion, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, &errkind.IdentityError{Reason: jwtReason(err), Err: err}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, &errkind.IdentityError{Reason: ReasonMalformed}
	}

	out := Claims{
		TenantID:  getClaimString(claims, "tenant_id"),
		Subject:   getClaimString(claims, "sub"),
		SessionID: getClaimString(claims, "session_id"),
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

func jwtReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonInvalidSignature
	default:
		return ReasonMalformed
	}
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

// SignTestToken issues an HS256 token; used by tests and local tooling.
func SignTestToken(secret []byte, tenantID, subject string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"tenant_id": tenantID,
		"sub":       subject,
		"iat":       time.Now().Unix(),
		"exp":       time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
