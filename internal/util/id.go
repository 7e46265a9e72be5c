package util

import "github.com/google/uuid"

// NewID returns a random UUID. Job ids, token ids, request ids and worker
// consumer names all come from here.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id has the shape NewID produces.
func ValidID(id string) bool {
	return uuid.Validate(id) == nil
}
