package domain

import (
	"time"

	"github.com/google/uuid"
)

// RelayPayload is an opaque ciphertext addressed to a group.
// It is transient: it lives for the duration of a relay call, except when
// buffered for an offline recipient, in which case it waits in a bounded
// per-user pending queue until the next connect or until dropped.
type RelayPayload struct {
	Group      GroupID
	Sender     string // user id of the sender
	SenderConn uuid.UUID
	Blob       []byte
	Seq        uint64 // arrival sequence within the group
	At         time.Time
}
