package geometry

import (
	"math"

	satellite "github.com/joshuaferrara/go-satellite"
)

// earthRadiusKm is the equatorial radius go-satellite assumes when
// converting geodetic positions to ECI.
const earthRadiusKm = 6378.137

// LookAngles returns the azimuth (clockwise from north) and elevation,
// both in degrees, at which a ground observer sees the geostationary
// satellite described by p. altM is the observer height in metres.
//
// The satellite is placed above (0, lon0) at distance H from the Earth
// centre. Both positions are converted to ECI at a fixed epoch; the
// result does not depend on the epoch because Earth rotation moves
// satellite and observer together.
func LookAngles(lon, lat, altM float64, p Projection) (az, el float64) {
	jday := satellite.JDay(2000, 1, 1, 12, 0, 0)

	sat := satellite.LLAToECI(
		satellite.LatLong{Latitude: 0, Longitude: p.LonOrigin * deg2rad},
		p.SatHeight/1000-earthRadiusKm,
		jday,
	)
	observer := satellite.LatLong{Latitude: lat * deg2rad, Longitude: lon * deg2rad}
	look := satellite.ECIToLookAngles(sat, observer, altM/1000, jday)

	az = look.Az * rad2deg
	el = look.El * rad2deg
	if math.IsNaN(az) {
		// Satellite at zenith: azimuth is undefined.
		az = 0
	}
	return az, el
}
