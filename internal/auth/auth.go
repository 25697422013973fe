// Package auth verifies bearer tokens presented to the HTTP API.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrMalformed     = errors.New("invalid Authorization header format")
	ErrMissingToken  = errors.New("missing API key")
	ErrInvalidToken  = errors.New("invalid API key")
)

// ExtractBearerToken returns the token of an "Authorization: Bearer <token>"
// header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingHeader
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrMalformed
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Verify compares presented against key in constant time. An empty key
// never verifies, so an API without a configured key rejects every request.
func Verify(presented, key string) bool {
	if presented == "" || key == "" {
		return false
	}
	if len(presented) != len(key) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1
}

// Check extracts and verifies the bearer token of r.
func Check(r *http.Request, key string) error {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return err
	}
	if !Verify(token, key) {
		return ErrInvalidToken
	}
	return nil
}

// Middleware rejects requests whose bearer token does not match key. deny
// writes the rejection.
func Middleware(key string, deny func(w http.ResponseWriter, status int, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := Check(r, key); err != nil {
				deny(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
