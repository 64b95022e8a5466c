// Package auth inspects access tokens without verifying them; the backend
// stays the authority on validity.
package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Expiry returns the exp claim of a JWT. ok is false for opaque tokens or
// tokens without exp.
func Expiry(token string) (exp time.Time, ok bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	t, err := claims.GetExpirationTime()
	if err != nil || t == nil {
		return time.Time{}, false
	}
	return t.Time, true
}

// Expired reports whether token is a JWT whose exp lies before now minus
// leeway. Opaque tokens are never considered expired here.
func Expired(token string, now time.Time, leeway time.Duration) bool {
	exp, ok := Expiry(token)
	if !ok {
		return false
	}
	return now.After(exp.Add(leeway))
}

// Subject returns the sub claim, if any.
func Subject(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}
