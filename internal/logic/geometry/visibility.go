package geometry

import "math"

// Visible reports whether a ground point (degrees, height in metres) can
// be seen from the satellite. The inverse transform does not apply this
// test; callers that need it run it as a separate pass.
//
//	not visible when H (H - Sx) < Sy² + (req²/rpol²) Sz²
func Visible(lon, lat, z float64, p Projection) bool {
	var out [1]bool
	lons, lats, zs := [1]float64{lon}, [1]float64{lat}, [1]float64{z}
	VisibleSlice(out[:], lons[:], lats[:], zs[:], p)
	return out[0]
}

// VisibleSlice applies Visible element-wise. NaN inputs are reported as
// not visible.
func VisibleSlice(visible []bool, lon, lat, z []float64, p Projection) {
	n := len(lon)
	if len(lat) != n || len(z) != n || len(visible) != n {
		panic("geometry: slice length mismatch")
	}
	h := p.SatHeight
	rpol := p.SemiMinor
	polarRatio := (rpol * rpol) / (p.SemiMajor * p.SemiMajor)
	e2 := p.Eccentricity * p.Eccentricity
	lon0 := p.LonOrigin * deg2rad

	for i := 0; i < n; i++ {
		latC := math.Atan(polarRatio * math.Tan(lat[i]*deg2rad))
		sinLatC, cosLatC := math.Sincos(latC)
		rc := rpol/math.Sqrt(1-e2*cosLatC*cosLatC) + z[i]

		sinDLon, cosDLon := math.Sincos(lon[i]*deg2rad - lon0)
		sx := h - rc*cosLatC*cosDLon
		sy := -rc * cosLatC * sinDLon
		sz := rc * sinLatC

		// Comparisons with NaN are false, so NaN cells fall through as hidden.
		visible[i] = h*(h-sx) >= sy*sy+sz*sz/polarRatio
	}
}
