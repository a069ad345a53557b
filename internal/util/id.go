package util

import "github.com/google/uuid"

// NewID returns a globally unique identifier for a newly created entity.
// IDs are assigned by the creating component, never by the store.
func NewID() string {
	return uuid.NewString()
}
