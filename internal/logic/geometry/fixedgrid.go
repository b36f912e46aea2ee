package geometry

import (
	"fmt"
	"math"
)

// GRS80Eccentricity is the first eccentricity of the GRS80 ellipsoid
// used by the GOES-R ABI fixed grid.
const GRS80Eccentricity = 0.0818191910435

const (
	deg2rad = math.Pi / 180.0
	rad2deg = 180.0 / math.Pi
)

// Projection holds the fixed-grid parameters of a geostationary imager.
// Lengths are in metres, LonOrigin in degrees.
type Projection struct {
	SemiMajor    float64 // req, equatorial radius
	SemiMinor    float64 // rpol, polar radius
	SatHeight    float64 // H, distance from the ellipsoid centre to the satellite
	Eccentricity float64 // e, first eccentricity of the ellipsoid
	LonOrigin    float64 // lon0, sub-satellite longitude (degrees)
}

// NewProjection builds a Projection from the values carried by the
// goes_imager_projection variable of an ABI product, where the satellite
// height is given above the ellipsoid.
// H = perspective_point_height + semi_major_axis
func NewProjection(perspectiveHeight, semiMajor, semiMinor, lonOrigin float64) Projection {
	return Projection{
		SemiMajor:    semiMajor,
		SemiMinor:    semiMinor,
		SatHeight:    perspectiveHeight + semiMajor,
		Eccentricity: GRS80Eccentricity,
		LonOrigin:    lonOrigin,
	}
}

// Validate checks that the parameters describe a satellite outside an
// oblate (or spherical) ellipsoid.
func (p Projection) Validate() error {
	for name, v := range map[string]float64{
		"semi_major_axis":                p.SemiMajor,
		"semi_minor_axis":                p.SemiMinor,
		"satellite_height":               p.SatHeight,
		"eccentricity":                   p.Eccentricity,
		"longitude_of_projection_origin": p.LonOrigin,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be finite, got %g", name, v)
		}
	}
	if p.SemiMinor <= 0 {
		return fmt.Errorf("semi_minor_axis must be > 0, got %g", p.SemiMinor)
	}
	if p.SemiMajor < p.SemiMinor {
		return fmt.Errorf("semi_major_axis (%g) must be >= semi_minor_axis (%g)", p.SemiMajor, p.SemiMinor)
	}
	if p.SatHeight <= p.SemiMajor {
		return fmt.Errorf("satellite_height (%g) must be greater than semi_major_axis (%g)", p.SatHeight, p.SemiMajor)
	}
	if p.Eccentricity < 0 || p.Eccentricity >= 1 {
		return fmt.Errorf("eccentricity must be in [0, 1), got %g", p.Eccentricity)
	}
	return nil
}

// ScanToLonLat converts ABI fixed-grid scan angles (radians) into
// geodetic longitude and latitude (degrees) on the ellipsoid surface.
// Lines of sight that miss the Earth give NaN.
//
//	a  = sin²x + cos²x (cos²y + req²/rpol² sin²y)
//	b  = -2 H cos x cos y
//	c  = H² - req²
//	rs = (-b - √(b² - 4ac)) / 2a
func ScanToLonLat(x, y float64, p Projection) (lon, lat float64) {
	var lonOut, latOut [1]float64
	xs, ys := [1]float64{x}, [1]float64{y}
	ScanToLonLatSlice(lonOut[:], latOut[:], xs[:], ys[:], p)
	return lonOut[0], latOut[0]
}

// LonLatToScan converts a geodetic longitude and latitude (degrees) and
// a height above the ellipsoid (metres) into ABI scan angles (radians).
// It always returns a value: points hidden behind the limb are not
// rejected, see Visible.
//
//	φc = atan(rpol²/req² tan φ)
//	rc = rpol / √(1 - e² cos² φc) + z
//	Sx = H - rc cos φc cos(λ - λ0)
//	Sy = -rc cos φc sin(λ - λ0)
//	Sz = rc sin φc
//	y  = atan(Sz / Sx),  x = asin(-Sy / |S|)
func LonLatToScan(lon, lat, z float64, p Projection) (x, y float64) {
	var xOut, yOut [1]float64
	lons, lats, zs := [1]float64{lon}, [1]float64{lat}, [1]float64{z}
	LonLatToScanSlice(xOut[:], yOut[:], lons[:], lats[:], zs[:], p)
	return xOut[0], yOut[0]
}

// ScanToLonLatSlice applies ScanToLonLat element-wise. All slices must
// have the same length.
func ScanToLonLatSlice(lon, lat, x, y []float64, p Projection) {
	n := len(x)
	if len(y) != n || len(lon) != n || len(lat) != n {
		panic("geometry: slice length mismatch")
	}
	h := p.SatHeight
	req2 := p.SemiMajor * p.SemiMajor
	ratio := req2 / (p.SemiMinor * p.SemiMinor)
	c := h*h - req2

	for i := 0; i < n; i++ {
		sinX, cosX := math.Sincos(x[i])
		sinY, cosY := math.Sincos(y[i])

		a := sinX*sinX + cosX*cosX*(cosY*cosY+ratio*sinY*sinY)
		b := -2 * h * cosX * cosY
		// Negative discriminant means the line of sight misses; Sqrt gives NaN.
		rs := (-b - math.Sqrt(b*b-4*a*c)) / (2 * a)

		sx := rs * cosX * cosY
		sy := -rs * sinX
		sz := rs * cosX * sinY

		lat[i] = math.Atan(ratio*sz/math.Sqrt((h-sx)*(h-sx)+sy*sy)) * rad2deg
		lon[i] = p.LonOrigin - math.Atan(sy/(h-sx))*rad2deg
	}
}

// LonLatToScanSlice applies LonLatToScan element-wise. All slices must
// have the same length.
func LonLatToScanSlice(x, y, lon, lat, z []float64, p Projection) {
	n := len(lon)
	if len(lat) != n || len(z) != n || len(x) != n || len(y) != n {
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

		y[i] = math.Atan(sz / sx)
		x[i] = math.Asin(-sy / math.Sqrt(sx*sx+sy*sy+sz*sz))
	}
}
