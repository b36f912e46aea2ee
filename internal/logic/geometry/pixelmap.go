package geometry

import (
	"fmt"
	"math"
)

// ABI instantaneous fields of view (radians) for the 0.5, 1 and 2 km bands.
const (
	IFOV500m = 14e-6
	IFOV1km  = 28e-6
	IFOV2km  = 56e-6
)

// ParseIFOV maps a band resolution name ("500m", "1km", "2km") to its IFOV.
func ParseIFOV(name string) (float64, error) {
	switch name {
	case "500m", "0.5km":
		return IFOV500m, nil
	case "1km":
		return IFOV1km, nil
	case "2km":
		return IFOV2km, nil
	default:
		return 0, fmt.Errorf("unknown ABI pixel size %q (want 500m, 1km or 2km)", name)
	}
}

// PixelCenters snaps scan angles to the centre of the ABI pixel they fall
// in, for a given IFOV. Pixels are counted outward from the grid origin,
// so the result keeps the sign of the input.
//
//	centre = (floor(|v| / ifov) + 0.5) × sign(v) × ifov
//
// NaN stays NaN. Exactly zero maps to zero.
func PixelCenters(dst, src []float64, ifov float64) {
	if len(dst) != len(src) {
		panic("geometry: slice length mismatch")
	}
	for i, v := range src {
		sign := 0.0
		switch {
		case v > 0:
			sign = 1
		case v < 0:
			sign = -1
		case math.IsNaN(v):
			dst[i] = math.NaN()
			continue
		}
		dst[i] = (math.Floor(math.Abs(v)/ifov) + 0.5) * sign * ifov
	}
}
