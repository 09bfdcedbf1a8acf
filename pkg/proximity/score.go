// Package proximity converts ranging distances into a closeness score and
// arms bounded camera capture sessions when a subject comes near.
package proximity

const (
	DefaultNearThreshold = 0.5 // meters
	DefaultFarThreshold  = 3.0 // meters
)

// Score maps a distance to [0, 1]: 1 at or inside near, 0 at or beyond far,
// linear in between. A non-positive band (far <= near) degrades to a step at
// near.
func Score(distance, near, far float64) float64 {
	if distance <= near {
		return 1
	}
	if distance >= far || far <= near {
		return 0
	}
	return 1 - (distance-near)/(far-near)
}
