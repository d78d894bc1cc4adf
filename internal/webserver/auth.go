// Copyright 2025 Sophic Technical Solutions
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrAuthDisabled is returned when token operations are attempted
	// without a signing secret.
	ErrAuthDisabled = errors.New("webserver: authentication disabled")

	// ErrRateLimited is returned when token minting exceeds the limit.
	ErrRateLimited = errors.New("webserver: token minting rate limit exceeded")

	// ErrInvalidToken is returned for unparseable or mismatched tokens.
	ErrInvalidToken = errors.New("webserver: invalid token")
)

// Claims are the session token claims.
type Claims struct {
	jwt.RegisteredClaims

	// Name identifies what the token was minted for.
	Name string `json:"name"`

	// Role is the access role granted to the session.
	Role string `json:"role"`
}

// Authenticator mints and validates session tokens.
type Authenticator struct {
	secret     []byte
	defaultTTL time.Duration

	// limiter bounds token minting; a misbehaving worker spamming
	// HTTPAUTHREQ must not grind the signer.
	limiter *rate.Limiter
}

// NewAuthenticator creates an authenticator. An empty secret disables
// authentication entirely.
func NewAuthenticator(secret []byte, defaultTTL time.Duration) *Authenticator {
	return &Authenticator{
		secret:     secret,
		defaultTTL: defaultTTL,
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
	}
}

// Enabled reports whether a signing secret is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// CreateToken mints a session token for the given name and role. A zero
// ttl selects the authenticator default; a zero default means no expiry.
func (a *Authenticator) CreateToken(name, role string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", ErrAuthDisabled
	}

	if !a.limiter.Allow() {
		return "", ErrRateLimited
	}

	if ttl == 0 {
		ttl = a.defaultTTL
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.New().String(),
			Issuer:   "kismet",
			IssuedAt: jwt.NewNumericDate(now),
		},
		Name: name,
		Role: role,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// ValidateToken checks a token's signature and required role. An admin
// token satisfies a logon requirement.
func (a *Authenticator) ValidateToken(tokenString, requiredRole string) error {
	if !a.Enabled() {
		return nil
	}
	if tokenString == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return fmt.Errorf("%w: bad claims", ErrInvalidToken)
	}

	if claims.Role != requiredRole && claims.Role != RoleAdmin {
		return fmt.Errorf("%w: role %q does not satisfy %q", ErrInvalidToken, claims.Role, requiredRole)
	}

	return nil
}
