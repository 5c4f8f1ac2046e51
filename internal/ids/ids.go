// Package ids generates the time-ordered identifiers used for every stored
// entity (temporal messages, distillations, knowledge entries, sessions).
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a fresh ULID string, time-ordered at millisecond resolution so
// ids sort the same way their creation time does.
func New() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
