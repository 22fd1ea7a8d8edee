// Package auth authenticates webhook calls and dashboard sessions.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

// ErrUnauthorized is returned for any failed credential check
var ErrUnauthorized = errors.New("unauthorized")

const bearerPrefix = "Bearer "

// CheckBearer requires header to be exactly "Bearer <secret>". An empty
// secret never authenticates.
func CheckBearer(header, secret string) error {
	if secret == "" || !strings.HasPrefix(header, bearerPrefix) {
		return ErrUnauthorized
	}
	if !constantTimeEqual(header[len(bearerPrefix):], secret) {
		return ErrUnauthorized
	}
	return nil
}

// CheckCredentials compares a login attempt against the configured admin.
// Both fields are always compared.
func CheckCredentials(user, pass, wantUser, wantPass string) error {
	if wantUser == "" || wantPass == "" {
		return ErrUnauthorized
	}
	userOK := constantTimeEqual(user, wantUser)
	passOK := constantTimeEqual(pass, wantPass)
	if !userOK || !passOK {
		return ErrUnauthorized
	}
	return nil
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
