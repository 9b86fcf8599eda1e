// Package chapters mints stable chapter identifiers for Producer
// implementations that read a container format with no native chapter ID
// (e.g. a cue sheet, or an MPEG-TS stream carrying chapter markers as
// private data) before handing the chapter list to Engine.Changed, which
// sorts it by start time on the INIT event (spec.md §4.H).
package chapters

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID mints a new chapter identifier. ULID is used rather than UUID
// because ULIDs sort by their millisecond creation time (IDs minted in the
// same millisecond carry random entropy and are not ordered), matching tvarr's own ULID-for-orderable-IDs, UUID-for-opaque-IDs
// split in internal/models.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
