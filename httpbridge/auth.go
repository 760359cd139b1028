package httpbridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HMACAuth accepts HS256 tokens signed with secret, with or without a
// "Bearer " prefix. A token only grants the session named by its subject.
func HMACAuth(secret []byte) AuthFn {
	return func(ctx context.Context, token string, session string) bool {
		token = bareToken(token)
		if token == "" {
			return false
		}
		var claims jwt.RegisteredClaims
		parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			return false
		}
		return session == "" || claims.Subject == session
	}
}

// TokenSubject returns the subject of token without verifying it, so a client
// can name its session after the token it was issued.
func TokenSubject(token string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(bareToken(token), &claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

func bareToken(token string) string {
	return strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
}

// SignToken issues an HS256 token for subject valid for ttl.
func SignToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// RequireAuth is chi-style middleware applying fn to any route, such as the
// websocket upgrade, that lives outside the Handler. Such routes carry no
// shared session name, so any valid token passes.
func RequireAuth(fn AuthFn) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorize(r, fn, "") {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
