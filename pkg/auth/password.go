// Package auth checks teacher dashboard credentials.
package auth

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt hash suitable for the teacher account config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword validates a password against a bcrypt hash.
func CheckPassword(password, stored string) bool {
	if stored == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// Accounts maps teacher id to bcrypt hash.
type Accounts map[string]string

// Authenticate reports whether id and password match a configured teacher.
// Unknown ids still pay for one comparison so timing does not reveal them.
func (a Accounts) Authenticate(id, password string) bool {
	stored, ok := a[strings.TrimSpace(id)]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}
	return CheckPassword(password, stored)
}

var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z5Q1Z5QyZk3Yt6Ck4u5bX7yK")
