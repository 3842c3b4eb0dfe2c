// Package domain contains core concepts of the relay system.
// Key packages are single-use credential bundles published by a user so that
// others can add them to an encrypted group. Their contents are opaque here:
// the server tracks identity, ownership, and timing, never what is inside.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// KeyPackage is one published credential. It is never mutated in place:
// it exists from upload until it is consumed or deleted.
type KeyPackage struct {
	ID         uuid.UUID
	Owner      string // user id of the publisher
	Blob       []byte // opaque, produced and consumed by the crypto engine
	UploadedAt time.Time
}

// Reservation is an exclusive, time-bounded claim on one key package.
// At most one reservation is active per key package at any instant.
type Reservation struct {
	ID           uuid.UUID
	KeyPackageID uuid.UUID
	Claimant     string // user id of the caller who claimed the package
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the reservation deadline has passed at the given
// instant. Expiry is a stored deadline evaluated lazily, not an active timer.
func (r Reservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
