package core

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID mints a ULID for execution identities. ULIDs sort by creation
// time, which keeps ledger listings in submission order without an
// extra column.
func NewID() string {
	return ulid.Make().String()
}

// NewRequestID mints a UUID for request/correlation tracking.
func NewRequestID() string {
	return uuid.NewString()
}
