package types

import "time"

// DefaultStrength is applied to relationships created without an explicit strength.
const DefaultStrength = 1.0

// Relationship is a directed, typed edge between two nodes of the same pack.
// The type vocabulary is open; EVOLVED_INTO is written only by the update
// and merge paths.
type Relationship struct {
	ID        string    `json:"id"`                // Unique identifier (ULID)
	SourceID  string    `json:"source_id"`         // Origin node
	TargetID  string    `json:"target_id"`         // Destination node
	Type      string    `json:"type"`              // e.g. RELATES_TO, EVOLVED_INTO, PART_OF
	Strength  float64   `json:"strength"`          // Tie-break weight for traversal ordering
	Context   string    `json:"context,omitempty"` // Free text explaining the edge
	CreatedAt time.Time `json:"created_at"`
}

// Other returns the endpoint of r that is not id.
func (r *Relationship) Other(id string) string {
	if r.SourceID == id {
		return r.TargetID
	}
	return r.SourceID
}
