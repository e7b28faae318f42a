package engine

import (
	"math"
	"time"
)

const (
	// decayHalfLifeDays is the number of days for recency to halve without
	// any access. At 60 days a node sits at 0.5; at 120 days, 0.25.
	decayHalfLifeDays = 60.0

	// usageSaturation is the access count at which usage reaches 1.0.
	usageSaturation = 50.0
)

// recencyScore returns 2^(-days/halfLife) for the time since the node was
// last accessed, or created if it never was. The result is in (0, 1].
func recencyScore(now, createdAt time.Time, lastAccessed *time.Time) float64 {
	ref := createdAt
	if lastAccessed != nil && lastAccessed.After(ref) {
		ref = *lastAccessed
	}
	days := now.Sub(ref).Hours() / 24.0
	if days < 0 {
		days = 0
	}
	return math.Pow(2, -days/decayHalfLifeDays)
}

// usageScore grows logarithmically with accessCount and saturates at 1.0.
func usageScore(accessCount int) float64 {
	if accessCount <= 0 {
		return 0
	}
	return math.Min(1, math.Log1p(float64(accessCount))/math.Log1p(usageSaturation))
}
