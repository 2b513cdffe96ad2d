package id

import "github.com/google/uuid"

// New returns an opaque identifier. Identifiers are never reused.
func New() string {
	return uuid.NewString()
}
