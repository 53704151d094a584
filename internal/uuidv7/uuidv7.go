// Package uuidv7 generates time-ordered UUIDs. Generated client
// identities use v7 so they sort by creation time in status output
// and logs.
package uuidv7

import "github.com/google/uuid"

// New returns a UUIDv7, panicking only if the platform entropy source
// is broken.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a UUIDv7 in canonical string form.
func NewString() string {
	return New().String()
}
