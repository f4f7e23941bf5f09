package ids

import (
	"strings"

	"github.com/google/uuid"
)

// LocalPrefix marks locally-generated optimistic ids. Remote-assigned ids
// never carry it, so the two identity spaces cannot collide.
const LocalPrefix = "local-"

// NewLocalID generates a time-ordered optimistic message id.
func NewLocalID() string {
	return LocalPrefix + uuid.Must(uuid.NewV7()).String()
}

// IsLocal reports whether id belongs to the optimistic identity space.
func IsLocal(id string) bool { return strings.HasPrefix(id, LocalPrefix) }

// NewIdempotencyKey generates the client idempotency key attached to remote
// sends.
func NewIdempotencyKey() string {
	return uuid.NewString()
}
