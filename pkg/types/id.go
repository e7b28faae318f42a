package types

import "github.com/oklog/ulid/v2"

// NewID returns a new lexically sortable identifier. IDs minted in the same
// process are strictly increasing, which keeps created_at ties stable.
func NewID() string {
	return ulid.Make().String()
}
