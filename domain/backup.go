package domain

import "time"

// Backup is an encrypted client-state snapshot, latest-wins with a
// client-chosen monotonic version.
type Backup struct {
	User     string
	Version  uint64
	Blob     []byte
	StoredAt time.Time
}
