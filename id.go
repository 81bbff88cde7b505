package treasury

import "github.com/google/uuid"

// newID mints an opaque stable identifier.
func newID() string {
	return uuid.New().String()
}
