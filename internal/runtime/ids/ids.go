package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Used for broker client ids and bridged message ids where ordering in logs
// is useful.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewObjectID returns a random UUID for envelope object_id fields and for
// runtime and module identities.
func NewObjectID() string {
	return uuid.NewString()
}

// ShortID returns the last four characters of id, the alias users type on
// the command line to refer to a runtime or module.
func ShortID(id string) string {
	if len(id) <= 4 {
		return id
	}
	return id[len(id)-4:]
}

// ClientID joins a user supplied prefix with a fresh ULID so several
// processes can share one broker without colliding.
func ClientID(prefix string) string {
	if prefix == "" {
		return CreateULID()
	}
	return prefix + ":" + CreateULID()
}
