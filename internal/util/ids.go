// Package util provides id generation and environment parsing helpers
// shared across components.
package util

import (
	"github.com/google/uuid"
)

// NewID generates a time-sortable uuidv7 string. Every outbound message and
// task envelope is keyed on one of these so that replays coalesce and rows
// sort by creation time.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4
		// rather than propagate an error through every caller.
		return uuid.NewString()
	}
	return id.String()
}

// ParseID parses s as a uuid, reporting whether it is well formed.
func ParseID(s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	return id, err == nil
}
